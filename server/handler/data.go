package handler

import (
	"context"
	"net/url"
	"strings"

	"net/http"

	"github.com/k8-benetis/nkz-module-data-hub/internal/gather"
	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
	"github.com/k8-benetis/nkz-module-data-hub/internal/urn"
)

const (
	dataPathPrefix = "/api/datahub/timeseries/entities/"
	dataPathSuffix = "/data"
)

// entityIDFromPath extracts {id} from
// /api/datahub/timeseries/entities/{id}/data, ok is false if the path
// doesn't match that shape.
func entityIDFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, dataPathPrefix) || !strings.HasSuffix(path, dataPathSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, dataPathPrefix), dataPathSuffix)
	if id == "" {
		return "", false
	}
	unescaped, err := url.PathUnescape(id)
	if err != nil {
		return "", false
	}
	return unescaped, true
}

// EntityDataHandler handles GET /api/datahub/timeseries/entities/{id}/data:
// resolve URN, then transparently proxy GET to the platform.
func (d *Deps) EntityDataHandler() http.HandlerFunc {
	return d.instrument("datahub.router.entity_data", d.entityData)
}

func (d *Deps) entityData(w http.ResponseWriter, r *http.Request) error {
	id, ok := entityIDFromPath(r.URL.Path)
	if !ok {
		return badRequest("malformed entity data path")
	}

	platformBase := d.Config.PlatformAPIURL
	if platformBase == "" {
		return unconfigured("PLATFORM_API_URL is not configured")
	}

	tc := tenant.FromRequest(r)

	resolveCtx, cancel := context.WithTimeout(r.Context(), urn.Timeout)
	resolved, err := d.Resolver.Resolve(resolveCtx, id, tc)
	cancel()
	if err != nil {
		return internalError(err)
	}
	if resolved.NoLocation {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	q := r.URL.Query()
	endpoint := platformBase + "/api/timeseries/entities/" + url.PathEscape(resolved.ID) + "/data?" + q.Encode()

	fetchCtx, cancel := context.WithTimeout(r.Context(), gather.TimeoutPlatformCall)
	defer cancel()

	resp, err := d.forward(fetchCtx, http.MethodGet, endpoint, nil, "", tc)
	if err != nil {
		return upstreamFailure(err)
	}
	return copyUpstream(w, resp)
}
