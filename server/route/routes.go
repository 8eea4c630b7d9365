// Package route mounts the BFF's handlers under the fixed /api/datahub
// prefix. Authorization and CORS are enforced by the gateway in front of
// this service, not here, so routing is a plain one-route-per-endpoint
// mux with no middleware chain.
package route

import (
	"net/http"

	"github.com/k8-benetis/nkz-module-data-hub/server/handler"
)

const prefix = "/api/datahub"

// New builds the BFF's top-level http.Handler.
func New(d *handler.Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(prefix+"/healthz", withMethod(http.MethodGet, d.HealthzHandler()))
	mux.HandleFunc(prefix+"/entities", withMethod(http.MethodGet, d.EntitiesHandler()))
	mux.HandleFunc(prefix+"/timeseries/align", withMethod(http.MethodPost, d.AlignHandler()))
	mux.HandleFunc(prefix+"/export", withMethod(http.MethodPost, d.ExportHandler()))
	mux.HandleFunc(prefix+"/workspaces", d.WorkspacesHandler())
	// entityIDFromPath strips this same prefix; the trailing slash makes
	// the mux match every id under it.
	mux.HandleFunc(prefix+"/timeseries/entities/", withMethod(http.MethodGet, d.EntityDataHandler()))

	return mux
}

// withMethod rejects any method other than m with 405 before the wrapped
// handler runs, since Go 1.21's http.ServeMux does not itself discriminate
// on method.
func withMethod(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
