package metrics

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/xstats"
	xprometheus "github.com/rs/xstats/prometheus"
	"github.com/rs/xstats/statsd"

	"github.com/k8-benetis/nkz-module-data-hub/internal/config"
)

// NewFromFlags builds the process Stats from cfg.MetricsBackends: each
// named backend is built independently and the results are combined with
// NewMulti. An unrecognized backend name is ignored rather than failing
// startup, since a missing metrics backend should never take the BFF down.
func NewFromFlags(cfg *config.Config) (Stats, error) {
	var backends []Stats

	for _, name := range cfg.MetricsBackends {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "console", "":
			backends = append(backends, newConsole())
		case "statsd", "dogstatsd":
			s, err := newStatsd(cfg.StatsdAddr)
			if err != nil {
				return nil, fmt.Errorf("metrics: statsd: %w", err)
			}
			backends = append(backends, s)
		case "prometheus":
			backends = append(backends, newPrometheus())
		case "wavefront":
			s, err := newWavefront(cfg.WavefrontURL)
			if err != nil {
				return nil, fmt.Errorf("metrics: wavefront: %w", err)
			}
			backends = append(backends, s)
		}
	}

	return NewMulti(backends...), nil
}

// NewMulti combines backends into one Stats: zero backends yields a no-op
// Stats, one is returned unwrapped, more than one fan out every call to
// each.
func NewMulti(backends ...Stats) Stats {
	switch len(backends) {
	case 0:
		return noopStats{}
	case 1:
		return backends[0]
	default:
		return multiStats(backends)
	}
}

type multiStats []Stats

func (ms multiStats) Count(stat string, count float64, tags ...Tag) {
	for _, s := range ms {
		s.Count(stat, count, tags...)
	}
}

func (ms multiStats) Gauge(stat string, value float64, tags ...Tag) {
	for _, s := range ms {
		s.Gauge(stat, value, tags...)
	}
}

func (ms multiStats) Histogram(stat string, value float64, tags ...Tag) {
	for _, s := range ms {
		s.Histogram(stat, value, tags...)
	}
}

func (ms multiStats) Timing(stat string, value time.Duration, tags ...Tag) {
	for _, s := range ms {
		s.Timing(stat, value, tags...)
	}
}

func (ms multiStats) Scope(scope string, scopes ...string) Stats {
	scoped := make(multiStats, len(ms))
	for i, s := range ms {
		scoped[i] = s.Scope(scope, scopes...)
	}
	return scoped
}

func (ms multiStats) Close() error {
	var firstErr error
	for _, s := range ms {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type noopStats struct{}

func (noopStats) Count(string, float64, ...Tag)        {}
func (noopStats) Gauge(string, float64, ...Tag)        {}
func (noopStats) Histogram(string, float64, ...Tag)    {}
func (noopStats) Timing(string, time.Duration, ...Tag) {}
func (noopStats) Scope(string, ...string) Stats        { return noopStats{} }
func (noopStats) Close() error                         { return nil }

// newConsole builds a Stats that writes each stat to stdout.
func newConsole() Stats {
	return newFromSender(&consoleSender{writer: os.Stdout})
}

type consoleSender struct {
	writer io.Writer
}

func (cs *consoleSender) Gauge(stat string, value float64, tags ...string) {
	cs.write("gauge", stat, value, tags)
}
func (cs *consoleSender) Count(stat string, value float64, tags ...string) {
	cs.write("count", stat, value, tags)
}
func (cs *consoleSender) Histogram(stat string, value float64, tags ...string) {
	cs.write("histogram", stat, value, tags)
}
func (cs *consoleSender) Timing(stat string, value time.Duration, tags ...string) {
	fmt.Fprintf(cs.writer, "%s - timing - %s: %s - %s\n", time.Now().Format(time.RFC3339), stat, value, strings.Join(tags, ","))
}
func (cs *consoleSender) write(kind, stat string, value float64, tags []string) {
	fmt.Fprintf(cs.writer, "%s - %s - %s: %v - %s\n", time.Now().Format(time.RFC3339), kind, stat, value, strings.Join(tags, ","))
}

// newStatsd dials a statsd/dogstatsd sender over UDP.
func newStatsd(addr string) (Stats, error) {
	if addr == "" {
		addr = net.JoinHostPort("127.0.0.1", "8125")
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return newFromSender(statsd.New(conn, 5*time.Second)), nil
}

// newPrometheus builds a Stats backed by an in-process Prometheus registry.
func newPrometheus() Stats {
	return newFromSender(xprometheus.New())
}

// newWavefront dials a Wavefront proxy's statsd-compatible listener. The
// stat name is flattened from the scope, with tags dropped rather than
// demultiplexed into the proxy's quoting convention.
func newWavefront(addr string) (Stats, error) {
	if addr == "" {
		return nil, fmt.Errorf("DATAHUB_WAVEFRONT_URL is required for the wavefront backend")
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return newFromSender(statsd.New(conn, 5*time.Second)), nil
}

var _ xstats.Sender = (*consoleSender)(nil)
