// Package metrics exposes the tracerv pipeline's operational counters in the
// Prometheus text exposition format.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the registered metrics
// on every GET request. Wire it into the status service's mux at /metrics:
//
//	m := metrics.New(metrics.Source{TokensProcessed: p.TokensProcessed})
//	mux.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	tracerv_tokens_processed_total      – counter: tokens popped from the retired buffer and resolved
//	tracerv_matched_total               – counter: tokens successfully attributed to a binary+Instr
//	tracerv_unmatched_total             – counter: tokens routed to the misc tracker
//	tracerv_ambiguous_binary_total      – counter: tokens attributed to a binary but not a specific Instr
//	tracerv_buffer_depth                – gauge:   current retired-token buffer occupancy
//	tracerv_live_publish_dropped_total  – counter: region events dropped by the Live Region Publisher
package metrics

import (
	"fmt"
	"io"
	"net/http"
)

// Source supplies the live counter values; the Pipeline and Publisher types
// satisfy it without metrics importing them directly.
type Source struct {
	TokensProcessed      func() uint64
	Matched              func() uint64
	Unmatched            func() uint64
	AmbiguousBinary      func() uint64
	BufferDepth          func() int
	LivePublishDropped   func() uint64
}

// Metrics serves Source's current values in Prometheus text format.
type Metrics struct {
	src Source
}

// New wraps src for HTTP exposition.
func New(src Source) *Metrics {
	return &Metrics{src: src}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	lines := []metricLine{
		{"Total number of tokens resolved by the matcher.", "counter", "tracerv_tokens_processed_total", zeroIfNil(m.src.TokensProcessed)},
		{"Total number of tokens attributed to a binary and specific Instr.", "counter", "tracerv_matched_total", zeroIfNil(m.src.Matched)},
		{"Total number of tokens routed to the misc tracker.", "counter", "tracerv_unmatched_total", zeroIfNil(m.src.Unmatched)},
		{"Total number of tokens attributed to a binary but not a specific Instr.", "counter", "tracerv_ambiguous_binary_total", zeroIfNil(m.src.AmbiguousBinary)},
		{"Current retired-token buffer occupancy.", "gauge", "tracerv_buffer_depth", int64Of(m.src.BufferDepth)},
		{"Total number of region events dropped by the Live Region Publisher.", "counter", "tracerv_live_publish_dropped_total", zeroIfNil(m.src.LivePublishDropped)},
	}
	return lines
}

func zeroIfNil(f func() uint64) int64 {
	if f == nil {
		return 0
	}
	return int64(f())
}

func int64Of(f func() int) int64 {
	if f == nil {
		return 0
	}
	return int64(f())
}

// Handler returns an http.Handler serving the current snapshot in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
