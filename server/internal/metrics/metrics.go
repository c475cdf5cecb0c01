// Package metrics exposes Prometheus counters for the image saver. The
// collectors are fed from the event bus, the downloader never calls them
// directly.
package metrics

import (
	"net/http"

	evbus "github.com/asaskevich/EventBus"
	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boardsaver"

type Metrics struct {
	registry *prometheus.Registry

	// items by final status
	itemsTotal *prometheus.CounterVec
	// batches by lifecycle event
	batchesTotal *prometheus.CounterVec
	inProgress   prometheus.Gauge
	itemBytes    prometheus.Histogram
	duration     prometheus.Histogram
	dirErrors    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Processed download requests by resulting status",
		},
		[]string{"status"},
	)

	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches by lifecycle event",
		},
		[]string{"event"},
	)

	m.inProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "batches_in_progress",
		Help:      "Batches currently owned by a worker",
	})

	m.itemBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "item_size_bytes",
		Help:      "Declared size of downloaded images",
		// 10KB .. 100MB
		Buckets: prometheus.ExponentialBuckets(10240, 10, 5),
	})

	m.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Wall time of a batch run",
		Buckets:   prometheus.DefBuckets,
	})

	m.dirErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "directory_errors_total",
		Help:      "Batches halted by an unusable output directory",
	})

	m.registry.MustRegister(
		m.itemsTotal,
		m.batchesTotal,
		m.inProgress,
		m.itemBytes,
		m.duration,
		m.dirErrors,
	)

	return m
}

// Attach subscribes the collectors to the batch lifecycle topics.
func (m *Metrics) Attach(bus evbus.Bus) error {
	handlers := map[string]any{
		events.TopicBatchQueued:    m.onQueued,
		events.TopicBatchStarted:   m.onStarted,
		events.TopicItemProcessed:  m.onItem,
		events.TopicBatchCompleted: m.onCompleted,
		events.TopicBatchDeleted:   m.onDeleted,
	}

	for topic, fn := range handlers {
		if err := bus.Subscribe(topic, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) onQueued(events.BatchQueued) {
	m.batchesTotal.WithLabelValues("queued").Inc()
}

func (m *Metrics) onStarted(events.BatchStarted) {
	m.batchesTotal.WithLabelValues("started").Inc()
	m.inProgress.Inc()
}

func (m *Metrics) onItem(ev events.ItemProcessed) {
	m.itemsTotal.WithLabelValues(ev.Status.String()).Inc()
	if ev.Status == internal.StatusDownloaded && ev.Size > 0 {
		m.itemBytes.Observe(float64(ev.Size))
	}
}

func (m *Metrics) onCompleted(ev events.BatchCompleted) {
	m.batchesTotal.WithLabelValues("completed").Inc()
	m.inProgress.Dec()
	m.duration.Observe(ev.Elapsed.Seconds())
	if ev.Snapshot.HasDirectoryAccessError {
		m.dirErrors.Inc()
	}
}

func (m *Metrics) onDeleted(events.BatchDeleted) {
	m.batchesTotal.WithLabelValues("deleted").Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
