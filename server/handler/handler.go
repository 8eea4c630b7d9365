// Package handler implements the Router/Request Shaper: validating inbound
// requests, normalizing series descriptors, deciding Route A vs Route B, and
// shaping the HTTP response. Each handler follows the same decode, validate,
// run, envelope shape, dispatching either to a transparent proxy or to the
// Scatter-Gather Coordinator.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/k8-benetis/nkz-module-data-hub/internal/config"
	"github.com/k8-benetis/nkz-module-data-hub/internal/entities"
	"github.com/k8-benetis/nkz-module-data-hub/internal/export"
	"github.com/k8-benetis/nkz-module-data-hub/internal/gather"
	"github.com/k8-benetis/nkz-module-data-hub/internal/registry"
	"github.com/k8-benetis/nkz-module-data-hub/internal/urn"
	"github.com/k8-benetis/nkz-module-data-hub/metrics"
)

// apiError is the BFF's own error envelope, distinct from a passthrough
// upstream response. Every handler that originates a response itself (as
// opposed to forwarding an upstream one verbatim) reports failures as
// JSON {error: string} with the matching status code.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...interface{}) *apiError {
	return &apiError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func unconfigured(msg string) *apiError {
	return &apiError{status: http.StatusServiceUnavailable, message: msg}
}

func notFound(msg string) *apiError {
	return &apiError{status: http.StatusNotFound, message: msg}
}

func upstreamFailure(err error) *apiError {
	return &apiError{status: http.StatusBadGateway, message: err.Error()}
}

func internalError(err error) *apiError {
	return &apiError{status: http.StatusInternalServerError, message: err.Error()}
}

// asAPIError classifies an error returned by the Scatter-Gather Coordinator
// or Alignment Engine into the right HTTP status code.
func asAPIError(err error) *apiError {
	if err == nil {
		return nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var unresolvedErr *gather.UnresolvedEntityError
	if errors.As(err, &unresolvedErr) {
		return notFound(unresolvedErr.Error())
	}
	var upstreamErr *gather.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamFailure(upstreamErr)
	}
	return upstreamFailure(err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apiError) {
	writeJSON(w, err.status, map[string]string{"error": err.message})
}

// Deps wires every component the handlers hand off to. One Deps is built at
// process startup and shared read-only across every request.
type Deps struct {
	Config        *config.Config
	Registry      *registry.Registry
	Resolver      *urn.Resolver
	Coordinator   *gather.Coordinator
	EntityIndexer *entities.Indexer
	Uploader      export.Uploader // nil when S3 credentials are not configured
	Doer          gather.Doer     // shared outbound transport for direct proxy forwarding
	Stats         metrics.Stats
}

// instrument wraps fn with a latency/success-rate measurement scoped to
// name and turns a returned *apiError into the JSON error envelope.
func (d *Deps) instrument(name string, fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record := metrics.LatencyWithSuccessRate(d.Stats.Scope(name))
		err := fn(w, r)
		if err != nil {
			writeError(w, asAPIError(err))
		}
		record(err)
	}
}

// HealthzHandler is the ambient liveness endpoint: a static 200 alongside
// the domain routes.
func (d *Deps) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
