// Package server wires the configuration, registry, scatter-gather
// coordinator, and handlers into one HTTP listener, following the same
// Validate-then-Make split as internal/config.FromFlags: Validate checks
// internal consistency before any component is constructed, and Make is
// only ever called once Validate has succeeded.
package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/turbinelabs/nonstdlib/executor"

	"github.com/k8-benetis/nkz-module-data-hub/client"
	"github.com/k8-benetis/nkz-module-data-hub/internal/config"
	"github.com/k8-benetis/nkz-module-data-hub/internal/entities"
	"github.com/k8-benetis/nkz-module-data-hub/internal/export"
	"github.com/k8-benetis/nkz-module-data-hub/internal/gather"
	"github.com/k8-benetis/nkz-module-data-hub/internal/objectstore"
	"github.com/k8-benetis/nkz-module-data-hub/internal/registry"
	"github.com/k8-benetis/nkz-module-data-hub/internal/urn"
	"github.com/k8-benetis/nkz-module-data-hub/metrics"
	"github.com/k8-benetis/nkz-module-data-hub/server/handler"
	"github.com/k8-benetis/nkz-module-data-hub/server/route"
)

// FromFlags validates and constructs the process Server. Validate never
// touches the network; Make builds every component and is only ever
// called after Validate succeeds.
type FromFlags interface {
	Validate() error
	Make() (*Server, error)
}

type fromFlags struct {
	configFromFlags config.FromFlags
}

// NewFromFlags builds a FromFlags reading configuration from the process
// environment (see internal/config).
func NewFromFlags() FromFlags {
	return &fromFlags{configFromFlags: config.NewFromFlags()}
}

func (ff *fromFlags) Validate() error {
	return ff.configFromFlags.Validate()
}

// executorMaxAttempts and the queue/parallelism factors below are sized
// for outbound adapter/platform calls. Scatter-gather fetches are not
// retried at this layer: a retry would re-issue a possibly non-idempotent
// upstream call after the request already waited out its own per-route
// timeout, so attempts is kept at 1.
const (
	executorMaxAttempts  = 1
	executorQueueFactor  = 20
	executorWorkerFactor = 4
	executorRetryFloor   = 100 * time.Millisecond
	executorRetryCeil    = 5 * time.Second
)

func (ff *fromFlags) Make() (*Server, error) {
	cfg, err := ff.configFromFlags.Make()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	stats, err := metrics.NewFromFlags(cfg)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	exec := executor.NewRetryingExecutor(
		executor.WithRetryDelayFunc(executor.NewExponentialDelayFunc(executorRetryFloor, executorRetryCeil)),
		executor.WithMaxAttempts(executorMaxAttempts),
		executor.WithMaxQueueDepth(runtime.NumCPU()*executorQueueFactor),
		executor.WithParallelism(runtime.NumCPU()*executorWorkerFactor),
	)

	fetcher := client.New(&http.Client{}, exec)
	syncDoer := client.SyncDoer{Fetcher: fetcher}

	reg := registry.New(cfg)
	resolver := urn.New(cfg.PlatformAPIURL, syncDoer)
	coordinator := gather.New(reg, resolver, fetcher)
	indexer := entities.New(cfg.BrokerURL(), cfg.EntityTypes, syncDoer)

	var uploader export.Uploader
	if cfg.S3.Configured() {
		store, err := objectstore.NewFromConfig(context.Background(), cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		uploader = store
	}

	deps := &handler.Deps{
		Config:        cfg,
		Registry:      reg,
		Resolver:      resolver,
		Coordinator:   coordinator,
		EntityIndexer: indexer,
		Uploader:      uploader,
		Doer:          fetcher,
		Stats:         stats,
	}

	return &Server{
		addr:    cfg.ListenAddr,
		handler: route.New(deps),
		stats:   stats,
	}, nil
}

// Server owns the process-wide HTTP listener and the resources shared
// across every request it serves.
type Server struct {
	addr    string
	handler http.Handler
	stats   metrics.Stats
}

// Start blocks serving HTTP until the listener fails.
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.handler)
}

// Close releases the metrics sinks. The executor and HTTP client are left
// to process exit: there is no outstanding per-request state to drain
// beyond what Go's runtime already reclaims.
func (s *Server) Close() error {
	return s.stats.Close()
}
