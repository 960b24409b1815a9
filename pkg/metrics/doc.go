// Package metrics defines Kiln's Prometheus metrics: scheduling counters,
// pipeline stage gauges and latencies, CAS cache accounting and blob
// fan-out histograms. Init registers everything; Handler serves /metrics.
package metrics
