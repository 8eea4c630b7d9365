// Package client provides the shared outbound HTTP transport used by every
// scatter-gather fetch and URN resolution call: an executor-driven,
// callback-to-channel bridge that turns an async executor.Exec call into a
// synchronous-looking result for one arbitrary *http.Request.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/turbinelabs/nonstdlib/executor"
)

// Fetcher issues HTTP requests through a shared executor, giving the
// process a single pool of off-loop worker goroutines and a single
// underlying *http.Client/transport for connection reuse.
type Fetcher struct {
	httpClient *http.Client
	exec       executor.Executor
}

// New builds a Fetcher around httpClient and exec. Both are shared across
// every call site in the process; neither is owned by any one request.
func New(httpClient *http.Client, exec executor.Executor) *Fetcher {
	return &Fetcher{httpClient: httpClient, exec: exec}
}

// Do issues req on the executor's worker pool and blocks the calling
// goroutine until a response arrives, ctx is done, or the executor
// reports an error. It never runs req's round trip on the caller's
// goroutine, keeping CPU-adjacent response handling off of any HTTP
// handler goroutine holding a response writer.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	responseChan := make(chan executor.Try, 1)

	f.exec.Exec(
		func(execCtx context.Context) (interface{}, error) {
			resp, err := f.httpClient.Do(req.WithContext(execCtx))
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
		func(try executor.Try) {
			responseChan <- try
		},
	)

	select {
	case try := <-responseChan:
		if try.IsError() {
			return nil, try.Error()
		}
		resp, ok := try.Get().(*http.Response)
		if !ok {
			return nil, fmt.Errorf("client: unexpected executor result type")
		}
		return resp, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncDoer adapts a Fetcher to the single-argument Do(req) shape used by
// internal/urn.Doer and internal/entities.Doer, driving the request's own
// context rather than taking one explicitly.
type SyncDoer struct {
	Fetcher *Fetcher
}

func (s SyncDoer) Do(req *http.Request) (*http.Response, error) {
	return s.Fetcher.Do(req.Context(), req)
}
