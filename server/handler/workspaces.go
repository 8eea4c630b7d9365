package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
)

// workspaceProxyTimeout bounds the context-broker writes and reads behind
// the workspace routes.
const workspaceProxyTimeout = 15 * time.Second

// WorkspacesHandler forwards POST/GET /api/datahub/workspaces straight to
// the configured context broker. Workspace persistence belongs to the
// broker: this BFF does no NGSI-LD interpretation of its own, it only
// forwards the payload and headers, same as the Entity Data route's proxy
// path.
func (d *Deps) WorkspacesHandler() http.HandlerFunc {
	return d.instrument("datahub.router.workspaces", d.workspaces)
}

func (d *Deps) workspaces(w http.ResponseWriter, r *http.Request) error {
	broker := d.Config.BrokerURL()
	if broker == "" {
		return unconfigured("no context broker is configured")
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return badRequest("could not read request body: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), workspaceProxyTimeout)
	defer cancel()

	contentType := r.Header.Get("Content-Type")
	resp, err := d.forward(ctx, r.Method, broker+"/ngsi-ld/v1/entities", body, contentType, tenant.FromRequest(r))
	if err != nil {
		return upstreamFailure(err)
	}
	return copyUpstream(w, resp)
}
