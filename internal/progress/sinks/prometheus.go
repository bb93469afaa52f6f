package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// PrometheusSink exports progress event counters. It owns its collectors so
// tests can register them against a private registry.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	storedBytes prometheus.Counter
	discovered  prometheus.Counter
	itemSeconds *prometheus.HistogramVec
	runSeconds  *prometheus.HistogramVec
	lastEvent   prometheus.Gauge
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_progress_events_total",
			Help: "Progress events partitioned by stage.",
		}, []string{"stage"}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_progress_stored_bytes_total",
			Help: "Bytes written to the object store.",
		}),
		discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_progress_discovered_links_total",
			Help: "Code and name links discovered on fetched pages.",
		}),
		itemSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_progress_item_duration_seconds",
			Help:    "Wall time per processed code or name, including the politeness delay.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalog_progress_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"stage"}),
		lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_progress_last_event_timestamp_seconds",
			Help: "Unix time of the most recent progress event.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.storedBytes,
		s.discovered,
		s.itemSeconds,
		s.runSeconds,
		s.lastEvent,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		stage := string(evt.Stage)
		s.events.WithLabelValues(stage).Inc()
		s.lastEvent.Set(float64(evt.TS.UnixNano()) / 1e9)
		switch evt.Stage {
		case progress.StageFileSaved:
			s.storedBytes.Add(float64(evt.Bytes))
		case progress.StageDiscovered:
			s.discovered.Add(float64(evt.Count))
		case progress.StageCodeDone, progress.StageCodeError, progress.StageNameDone, progress.StageNameError:
			if evt.Dur > 0 {
				s.itemSeconds.WithLabelValues(stage).Observe(evt.Dur.Seconds())
			}
		}
		if evt.Stage.Terminal() && evt.Dur > 0 {
			s.runSeconds.WithLabelValues(stage).Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
