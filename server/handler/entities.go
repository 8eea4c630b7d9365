package handler

import (
	"context"
	"net/http"

	"github.com/k8-benetis/nkz-module-data-hub/internal/entities"
	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
)

// EntitiesHandler handles GET /api/datahub/entities?search=….
func (d *Deps) EntitiesHandler() http.HandlerFunc {
	return d.instrument("datahub.router.entities", d.entities)
}

func (d *Deps) entities(w http.ResponseWriter, r *http.Request) error {
	search := r.URL.Query().Get("search")

	ctx, cancel := context.WithTimeout(r.Context(), entities.Timeout)
	defer cancel()

	tc := tenant.FromRequest(r)
	list, err := d.EntityIndexer.List(ctx, search, tc)
	if err != nil {
		return internalError(err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": list})
	return nil
}
