package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/k8-benetis/nkz-module-data-hub/internal/tenant"
)

// forward issues one outbound request through the shared Doer, applying tc's
// headers. The caller owns closing the returned response body.
func (d *Deps) forward(ctx context.Context, method, url string, body []byte, contentType string, tc tenant.Context) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	tc.ApplyTo(req)

	return d.Doer.Do(ctx, req)
}

// copyUpstream passes a successful upstream response through verbatim:
// status code, Content-Type, and body. For a 4xx/5xx response it instead
// surfaces the same status with a JSON {error} body: the upstream body
// itself if it already parses as a JSON object carrying an "error" field,
// or a synthesized one built from the upstream body's text otherwise.
func copyUpstream(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, err := io.Copy(w, resp.Body)
		return err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}
	writeJSON(w, resp.StatusCode, map[string]string{"error": upstreamErrorMessage(buf.Bytes())})
	return nil
}

// upstreamErrorMessage extracts an "error" string from an upstream JSON
// error body, falling back to the decoded "message" field, and finally to
// the raw body text when it is not JSON at all.
func upstreamErrorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if len(body) == 0 {
		return "upstream request failed"
	}
	return fmt.Sprintf("upstream request failed: %s", string(body))
}
