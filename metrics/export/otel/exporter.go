package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/cache"
	"github.com/MrEthical07/authcore/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("otel: nil meter")
	ErrNilSource = errors.New("otel: nil metrics source")
)

// Source is what the exporter reads on every collection. *authcore.Engine
// satisfies it.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
	CacheStats() map[string]cache.Stats
}

type counterInst struct {
	id   authcore.MetricID
	inst metric.Int64ObservableCounter
}

type histogramInst struct {
	id      authcore.MetricID
	buckets [internaldefs.BucketCount]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// Exporter keeps the callback registration alive until Close.
type Exporter struct {
	source       Source
	counters     []counterInst
	histograms   []histogramInst
	auditDropped metric.Int64ObservableCounter
	tierHits     metric.Int64ObservableGauge
	tierMisses   metric.Int64ObservableGauge
	tierEntries  metric.Int64ObservableGauge
	registration metric.Registration
}

func New(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	var observables []metric.Observable

	counter := func(def internaldefs.Counter) (metric.Int64ObservableCounter, error) {
		inst, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", def.Name, err)
		}
		observables = append(observables, inst)
		return inst, nil
	}
	gauge := func(name, help string) (metric.Int64ObservableGauge, error) {
		inst, err := meter.Int64ObservableGauge(name, metric.WithDescription(help))
		if err != nil {
			return nil, fmt.Errorf("create gauge %s: %w", name, err)
		}
		observables = append(observables, inst)
		return inst, nil
	}

	for _, def := range internaldefs.Counters {
		inst, err := counter(def)
		if err != nil {
			return nil, err
		}
		e.counters = append(e.counters, counterInst{id: def.ID, inst: inst})
	}

	var err error
	if e.auditDropped, err = counter(internaldefs.AuditDropped); err != nil {
		return nil, err
	}

	for _, def := range internaldefs.Histograms {
		h := histogramInst{id: def.ID}
		for i := range h.buckets {
			name := def.Name + "_bucket_le_" + internaldefs.BoundSuffix(i)
			if h.buckets[i], err = gauge(name, "Cumulative count of "+def.Help); err != nil {
				return nil, err
			}
		}
		if h.count, err = gauge(def.Name+"_count", "Sample count of "+def.Help); err != nil {
			return nil, err
		}
		e.histograms = append(e.histograms, h)
	}

	if e.tierHits, err = gauge(internaldefs.CacheTierHits.Name, internaldefs.CacheTierHits.Help); err != nil {
		return nil, err
	}
	if e.tierMisses, err = gauge(internaldefs.CacheTierMisses.Name, internaldefs.CacheTierMisses.Help); err != nil {
		return nil, err
	}
	if e.tierEntries, err = gauge(internaldefs.CacheTierEntries.Name, internaldefs.CacheTierEntries.Help); err != nil {
		return nil, err
	}

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.inst, int64(snap.Counters[c.id]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))

	for _, h := range e.histograms {
		buckets := internaldefs.Cumulative(snap.Histograms[h.id])
		for i, n := range buckets {
			o.ObserveInt64(h.buckets[i], int64(n))
		}
		o.ObserveInt64(h.count, int64(buckets[len(buckets)-1]))
	}

	for name, s := range e.source.CacheStats() {
		attrs := metric.WithAttributes(attribute.String("tier", name))
		o.ObserveInt64(e.tierHits, int64(s.Hits), attrs)
		o.ObserveInt64(e.tierMisses, int64(s.Misses), attrs)
		o.ObserveInt64(e.tierEntries, int64(s.Len), attrs)
	}
	return nil
}

// Close unregisters the callback. It is safe to call on a nil Exporter.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
