// Package otel publishes engine metrics through an OpenTelemetry Meter.
//
// Counters become Int64ObservableCounters. The validate latency histogram is
// exposed as one cumulative gauge per bucket plus a count gauge, and cache
// tiers as gauges carrying a tier attribute. All instruments are fed by a
// single callback that takes one snapshot per collection. The caller owns the
// MeterProvider.
package otel
