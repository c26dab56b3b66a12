// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/rtdb/internal/core"
)

// OpMetric tracks counts and latencies of "operations": requests handled for
// a client (an RPC, a websocket frame) or chunks of work started internally
// (an observable evaluation, a migration).
//
// OpMetric creates three metric sets:
//   - A CounterVec with the given name, label "result", and any additional
//     labels. Start increments it with "result"="all". Failed, TooBusy and
//     Result increment it with their own result value.
//   - A SummaryVec with the given name + "_latency". End adds the latency
//     unless a result other than "all" was recorded.
//   - A GaugeVec with the given name + "_pending", the number of operations
//     between Start and End.
//
// Suggested usage:
//
// h.ops = NewOpMetric("rtdb_rpc", "op")
//
// func (h *handler) Mutate(...) (err error) {
//     op := h.ops.Start("mutate")
//     defer op.EndWithError(&err)
//     if !h.sem.TryAcquire() {
//         op.TooBusy()
//         return core.ErrTooBusy.Error()
//     }
//     ...
// }
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name: name,
		counters: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: name + " operations by result",
		}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: name + "_latency",
			Help: name + " latency in seconds",
		}, labels),
		pending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: name + "_pending",
			Help: name + " operations in progress",
		}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *Op {
	op := &Op{opm: m, values: values}
	op.Result("all") // this resets start, so set it below
	op.start = time.Now()
	m.pending.WithLabelValues(values...).Inc()
	return op
}

// Count returns the counter for the given result and label values.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	mtr := m.counters.WithLabelValues(append([]string{result}, values...)...)
	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// Pending returns the number of operations between Start and End.
func (m *OpMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil {
		return 0
	}
	return int64(value.Gauge.GetValue())
}

// String returns a line with latency and failure counts, for status pages.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d rejected / %d failed / %d pending",
		m.Count("too_busy", values...), m.Count("failed", values...), m.Pending(values...))
	return out
}

// Strings calls String with one label value at a time, so it can only be
// used when the OpMetric has one label.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// Op is one operation being measured.
type Op struct {
	start  time.Time
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (op *Op) Failed() {
	op.Result("failed")
}

// TooBusy records that the operation was rejected because the server is too
// busy.
func (op *Op) TooBusy() {
	op.Result("too_busy")
}

// Result records an arbitrary result.
func (op *Op) Result(result string) {
	op.start = time.Time{} // so End won't record latency
	op.opm.counters.WithLabelValues(append([]string{result}, op.values...)...).Inc()
}

// End records the elapsed time since Start.
func (op *Op) End() {
	if !op.start.IsZero() {
		op.opm.latencies.WithLabelValues(op.values...).Observe(time.Since(op.start).Seconds())
	}
	op.opm.pending.WithLabelValues(op.values...).Dec()
}

// EndWithError records a failure if *err is set, classing ErrTooBusy as
// "too_busy". It always calls End. Taking a pointer lets it be deferred
// before a named error result is assigned.
func (op *Op) EndWithError(err *error) {
	if *err != nil {
		if core.ToError(*err) == core.ErrTooBusy {
			op.TooBusy()
		} else {
			op.Failed()
		}
	}
	op.End()
}

// SummaryString formats the count and quantiles of a summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}
