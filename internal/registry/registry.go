// Package registry implements the Provider Registry: mapping a logical
// series source name to the base URL of its Arrow-capable adapter.
package registry

import (
	"fmt"
	"strings"

	"github.com/k8-benetis/nkz-module-data-hub/internal/config"
)

// SourceTimescale is the reserved source name bound to the platform itself.
const SourceTimescale = "timescale"

// Registry resolves a source name to a base URL. Lookup never fails;
// an unresolvable source yields ok == false, and callers surface that as a
// 502 at the coordinator.
type Registry struct {
	platformBaseURL string
	adapterBaseURLs map[string]string
}

// New builds a Registry from the process Config.
func New(cfg *config.Config) *Registry {
	return &Registry{
		platformBaseURL: cfg.PlatformAPIURL,
		adapterBaseURLs: cfg.AdapterBaseURLs,
	}
}

// BaseURLFor resolves a source to the base URL of its adapter.
//
// The source "timescale" always resolves to the platform base URL, absent
// if PLATFORM_API_URL was not configured. Any other source resolves first
// via an explicit TIMESERIES_ADAPTER_{SOURCE}_URL override; if none was
// configured it falls back to the DNS-style default http://{source}:8000,
// so a new adapter works without a registry edit.
func (r *Registry) BaseURLFor(source string) (string, bool) {
	source = strings.ToLower(strings.TrimSpace(source))

	if source == SourceTimescale {
		if r.platformBaseURL == "" {
			return "", false
		}
		return r.platformBaseURL, true
	}

	if base, ok := r.adapterBaseURLs[source]; ok {
		return base, true
	}

	return fmt.Sprintf("http://%s:8000", source), true
}

// IsPlatform reports whether source is the reserved platform source.
func IsPlatform(source string) bool {
	return source == SourceTimescale
}
