// Package metrics provides a standard Stats interface over a variety of
// underlying backends, configured from environment variables: an
// xstats-backed implementation plus Latency/SuccessRate helpers for
// instrumenting a request.
package metrics

import (
	"fmt"
	"time"

	"github.com/rs/xstats"
)

// Tag is an optional piece of metadata attached to a stat point.
type Tag struct {
	K string
	V string
}

// NewKVTag builds a tag from a key/value pair.
func NewKVTag(k, v string) Tag {
	return Tag{K: k, V: v}
}

func tagsToStrings(tags []Tag) []string {
	out := make([]string, 0, len(tags)*2)
	for _, t := range tags {
		if t.V == "" {
			out = append(out, t.K)
			continue
		}
		out = append(out, t.K+":"+t.V)
	}
	return out
}

// Stats is the instrumentation surface used by the router and the
// scatter-gather coordinator to record counts, latencies, and failures.
type Stats interface {
	// Count tracks how many times something happened over a period, like
	// the number of requests handled or gather fetches issued.
	Count(stat string, count float64, tags ...Tag)

	// Gauge tracks a point-in-time value that can go up or down, like the
	// number of series descriptors resolved in a single request.
	Gauge(stat string, value float64, tags ...Tag)

	// Histogram tracks the distribution of a measured value, like the
	// byte size of an exported Arrow or Parquet payload.
	Histogram(stat string, value float64, tags ...Tag)

	// Timing measures an elapsed duration, like handler or fetch latency.
	Timing(stat string, value time.Duration, tags ...Tag)

	// Scope returns a Stats that prefixes every stat name with scope.
	Scope(scope string, scopes ...string) Stats

	// Close releases any resources held by the underlying sender(s).
	Close() error
}

type xStats struct {
	xstater xstats.XStater
	sender  xstats.Sender
}

func newFromSender(s xstats.Sender) Stats {
	return &xStats{xstater: xstats.NewScoping(s, "."), sender: s}
}

func (xs *xStats) Count(stat string, count float64, tags ...Tag) {
	xs.xstater.Count(stat, count, tagsToStrings(tags)...)
}

func (xs *xStats) Gauge(stat string, value float64, tags ...Tag) {
	xs.xstater.Gauge(stat, value, tagsToStrings(tags)...)
}

func (xs *xStats) Histogram(stat string, value float64, tags ...Tag) {
	xs.xstater.Histogram(stat, value, tagsToStrings(tags)...)
}

func (xs *xStats) Timing(stat string, value time.Duration, tags ...Tag) {
	xs.xstater.Timing(stat, value, tagsToStrings(tags)...)
}

func (xs *xStats) Scope(scope string, scopes ...string) Stats {
	return &xStats{xstater: xstats.Scope(xs.xstater, scope, scopes...), sender: xs.sender}
}

func (xs *xStats) Close() error {
	return xstats.CloseSender(xs.sender)
}

// Stat names used by Latency, SuccessRate, and LatencyWithSuccessRate.
const (
	LatencyStat  = "latency"
	RequestStat  = "request"
	SuccessStat  = "success"
	FailureStat  = "failure"
	ErrorTypeTag = "error_type"

	// ResponseBytesStat is the Histogram stat name for a serialized
	// response payload's size, tagged with its wire format.
	ResponseBytesStat = "datahub.response_bytes"
)

// Latency measures the time between its invocation and the invocation of
// the function it returns, recorded as LatencyStat.
func Latency(s Stats, tags ...Tag) func() {
	start := time.Now()
	return func() {
		s.Timing(LatencyStat, time.Since(start), tags...)
	}
}

// SanitizeErrorType converts an error's dynamic type into a tag-safe string,
// stripping the leading '*' a pointer receiver type carries.
func SanitizeErrorType(err error) string {
	s := fmt.Sprintf("%T", err)
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r != '*' {
			out = append(out, r)
		}
	}
	return string(out)
}

// SuccessRate counts a request, and a success or a failure (tagged with the
// error's sanitized type) depending on err.
func SuccessRate(s Stats, err error, tags ...Tag) {
	s.Count(RequestStat, 1, tags...)
	if err != nil {
		s.Count(FailureStat, 1, append(append([]Tag{}, tags...), NewKVTag(ErrorTypeTag, SanitizeErrorType(err)))...)
		return
	}
	s.Count(SuccessStat, 1, tags...)
}

// LatencyWithSuccessRate combines Latency and SuccessRate: it measures time
// from invocation until the returned function is called, and uses that
// function's error argument to record success or failure.
func LatencyWithSuccessRate(s Stats, tags ...Tag) func(error) {
	latency := Latency(s, tags...)
	return func(err error) {
		latency()
		SuccessRate(s, err, tags...)
	}
}
