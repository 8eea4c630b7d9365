// Package tenant carries the opaque per-request authorization and tenant
// identity that the BFF forwards unchanged to every upstream it calls.
package tenant

import "net/http"

const (
	headerAuthorization = "Authorization"
	headerTenantID      = "X-Tenant-ID"
	headerFiwareService = "Fiware-Service"
)

// Context is the (authorization, tenant) pair extracted from an inbound
// request. It is never stored beyond the lifetime of the request it was
// built for.
type Context struct {
	Authorization string
	TenantID      string
	FiwareService string
}

// FromRequest extracts a Context from the headers of an inbound HTTP
// request. Missing headers yield empty fields; forwarding is always
// best-effort and never fails the request.
func FromRequest(r *http.Request) Context {
	return Context{
		Authorization: r.Header.Get(headerAuthorization),
		TenantID:      r.Header.Get(headerTenantID),
		FiwareService: r.Header.Get(headerFiwareService),
	}
}

// ApplyTo forwards this Context's headers onto an outbound request,
// unchanged, omitting any that were never set.
func (c Context) ApplyTo(req *http.Request) {
	if c.Authorization != "" {
		req.Header.Set(headerAuthorization, c.Authorization)
	}
	if c.TenantID != "" {
		req.Header.Set(headerTenantID, c.TenantID)
	}
	if c.FiwareService != "" {
		req.Header.Set(headerFiwareService, c.FiwareService)
	}
}
