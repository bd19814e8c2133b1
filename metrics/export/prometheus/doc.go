// Package prometheus serves engine metrics in the Prometheus text exposition
// format. Nothing is registered globally; callers mount Handler where they
// like, usually at /metrics.
package prometheus
