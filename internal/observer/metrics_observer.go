package observer

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver exports widget events as Prometheus metrics
type MetricsObserver struct {
	events   *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu     sync.RWMutex
	counts map[EventType]int64
}

// NewMetricsObserver creates a metrics observer and registers its collectors
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	o := &MetricsObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "card_scanner",
			Name:      "widget_events_total",
			Help:      "Widget events by type.",
		}, []string{"event_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "card_scanner",
			Name:      "scan_errors_total",
			Help:      "Unsuccessful scans by error code.",
		}, []string{"code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "card_scanner",
			Name:      "scan_duration_seconds",
			Help:      "Time from scan start to its terminal event.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"source", "event_type"}),
		counts: make(map[EventType]int64),
	}

	for _, c := range []prometheus.Collector{o.events, o.errors, o.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnEvent handles widget events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event WidgetEvent) {
	o.events.WithLabelValues(string(event.EventType)).Inc()
	if event.Error != nil {
		o.errors.WithLabelValues(string(event.Error.Code)).Inc()
	}
	if event.EventType.IsTerminal() && event.ProcessingTime > 0 {
		o.duration.WithLabelValues(event.Source, string(event.EventType)).Observe(event.ProcessingTime.Seconds())
	}

	o.mu.Lock()
	o.counts[event.EventType]++
	o.mu.Unlock()
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns event counts by type
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	total := int64(0)
	out := make(map[string]interface{}, len(o.counts)+1)
	for t, n := range o.counts {
		out[string(t)] = n
		total += n
	}
	out["total_events"] = total
	return out
}
