package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы размещения заказа.
const (
	OutcomePlaced   = "placed"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// Metrics содержит метрики размещения заказов, кэша запросов и потока событий.
type Metrics struct {
	// Размещение заказов
	placements       *prometheus.CounterVec
	placementLatency prometheus.Histogram
	placementRetries prometheus.Counter
	activePlacements prometheus.Gauge

	// Кэш запросов
	cacheLookups *prometheus.CounterVec

	// Поток событий заказа
	timelineEvents prometheus.Counter

	// Transactional outbox
	outboxPublishes     *prometheus.CounterVec
	outboxPending       prometheus.Gauge
	outboxOldestPending prometheus.Gauge

	// Idempotency-ключи
	idempotencyCleanups *prometheus.CounterVec
	idempotencyDeleted  prometheus.Counter
}

// New создаёт метрики в prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer создаёт метрики в заданном registerer; повторная регистрация
// возвращает уже существующие коллекторы.
func NewWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		placements: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bookstore_order_placements_total",
			Help: "Total number of order placements grouped by outcome",
		}, []string{"outcome"}),
		placementLatency: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "bookstore_order_placement_duration_seconds",
			Help:    "Duration of order placement including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		placementRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bookstore_order_placement_retries_total",
			Help: "Total number of placement transactions retried after a stock version conflict",
		}),
		activePlacements: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "bookstore_order_placements_in_flight",
			Help: "Number of order placements currently running",
		}),
		cacheLookups: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bookstore_query_cache_lookups_total",
			Help: "Query cache lookups grouped by query and result",
		}, []string{"query", "result"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bookstore_order_events_total",
			Help: "Total number of order events appended to the event log",
		}),
		outboxPublishes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bookstore_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result",
		}, []string{"result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "bookstore_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		}),
		outboxOldestPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "bookstore_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		idempotencyCleanups: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "bookstore_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		idempotencyDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "bookstore_idempotency_cleanup_deleted_total",
			Help: "Total number of expired idempotency keys deleted by cleanup worker",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// PlacementStarted увеличивает количество выполняющихся размещений.
func (m *Metrics) PlacementStarted() {
	m.activePlacements.Inc()
}

// PlacementFinished фиксирует исход и длительность размещения.
func (m *Metrics) PlacementFinished(outcome string, duration time.Duration) {
	m.activePlacements.Dec()
	m.placements.WithLabelValues(outcome).Inc()
	m.placementLatency.Observe(duration.Seconds())
}

// PlacementRetried увеличивает счётчик повторов после конфликта версий.
func (m *Metrics) PlacementRetried() {
	m.placementRetries.Inc()
}

// CacheHit учитывает попадание в кэш.
func (m *Metrics) CacheHit(query string) {
	m.cacheLookups.WithLabelValues(query, "hit").Inc()
}

// CacheMiss учитывает промах кэша.
func (m *Metrics) CacheMiss(query string) {
	m.cacheLookups.WithLabelValues(query, "miss").Inc()
}

// RecordTimelineEvent увеличивает счётчик событий в потоке заказа.
func (m *Metrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// OutboxPublished учитывает попытку публикации outbox-сообщения.
func (m *Metrics) OutboxPublished(result string) {
	m.outboxPublishes.WithLabelValues(result).Inc()
}

// OutboxBacklog выставляет размер backlog и возраст самого старого сообщения.
func (m *Metrics) OutboxBacklog(pending int, oldestAge time.Duration) {
	m.outboxPending.Set(float64(pending))
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxOldestPending.Set(oldestAge.Seconds())
}

// IdempotencyCleanup фиксирует прогон очистки и число удалённых ключей.
func (m *Metrics) IdempotencyCleanup(result string, deleted int) {
	m.idempotencyCleanups.WithLabelValues(result).Inc()
	if deleted > 0 {
		m.idempotencyDeleted.Add(float64(deleted))
	}
}
