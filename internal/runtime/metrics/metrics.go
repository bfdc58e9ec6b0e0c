// Package metrics tracks outbox relay, inbox and dispatch statistics as
// Prometheus collectors plus an in-process snapshot. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay paths used as the "path" label.
const (
	PathWatch   = "watch"
	PathCatchup = "catchup"
)

// Box names used as the "box" label.
const (
	BoxOutbox = "outbox"
	BoxInbox  = "inbox"
)

// TopicMetrics holds counters for a single topic.
type TopicMetrics struct {
	Posted        uint64    `json:"posted"`
	Sent          uint64    `json:"sent"`
	Failed        uint64    `json:"failed"`
	Cleared       uint64    `json:"cleared"`
	InboxLogged   uint64    `json:"inbox_logged"`
	Duplicates    uint64    `json:"duplicates"`
	NoMatch       uint64    `json:"no_match"`
	LastSentAt    time.Time `json:"last_sent_at,omitempty"`
	LastFailedAt  time.Time `json:"last_failed_at,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Snapshot is a point-in-time view of all topics.
type Snapshot struct {
	Uncleared    int                      `json:"uncleared"`
	TotalSent    uint64                   `json:"total_sent"`
	TotalFailed  uint64                   `json:"total_failed"`
	TopicMetrics map[string]*TopicMetrics `json:"topic_metrics"`
	CollectedAt  time.Time                `json:"collected_at"`
}

// Metrics collects relay, inbox and dispatch statistics.
type Metrics struct {
	mu sync.RWMutex

	topics    map[string]*TopicMetrics
	uncleared int

	postedTotal     *prometheus.CounterVec
	sentTotal       *prometheus.CounterVec
	failedTotal     *prometheus.CounterVec
	clearedTotal    *prometheus.CounterVec
	duplicatesTotal *prometheus.CounterVec
	loggedTotal     *prometheus.CounterVec
	noMatchTotal    *prometheus.CounterVec
	sendSeconds     *prometheus.HistogramVec
	unclearedGauge  prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livewire",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates a collector. A nil registerer selects prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		topics:          make(map[string]*TopicMetrics),
		registerer:      registerer,
		postedTotal:     newCounterVec("outbox", "posted_total", "Messages posted to the outbox", []string{"topic"}),
		sentTotal:       newCounterVec("relay", "sent_total", "Messages relayed to the broker", []string{"topic", "path"}),
		failedTotal:     newCounterVec("relay", "failed_total", "Relay sends that failed and were left uncleared", []string{"topic", "path"}),
		clearedTotal:    newCounterVec("outbox", "cleared_total", "Outbox messages cleared after a successful send", []string{"topic"}),
		duplicatesTotal: newCounterVec("storage", "duplicates_total", "Uniqueness violations reported by storage", []string{"box"}),
		loggedTotal:     newCounterVec("inbox", "logged_total", "Inbound messages marked processed", []string{"topic"}),
		noMatchTotal:    newCounterVec("dispatcher", "no_match_total", "Inbound messages no handler matched", []string{"topic"}),
		sendSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "livewire",
				Subsystem: "relay",
				Name:      "send_duration_seconds",
				Help:      "Time spent sending one outbox message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		unclearedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livewire",
			Subsystem: "outbox",
			Name:      "uncleared",
			Help:      "Uncleared messages found by the last catchup sweep",
		}),
	}
}

// Registerer returns the registerer the collectors are registered with.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registerer
}

// Handler serves the collectors in the Prometheus text format. A registerer
// that cannot be gathered from falls back to the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if g, ok := m.Registerer().(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.postedTotal,
		m.sentTotal,
		m.failedTotal,
		m.clearedTotal,
		m.duplicatesTotal,
		m.loggedTotal,
		m.noMatchTotal,
		m.sendSeconds,
		m.unclearedGauge,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) update(topic string, fn func(*TopicMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.topics[topic]
	if !ok {
		tm = &TopicMetrics{}
		m.topics[topic] = tm
	}
	fn(tm)
	tm.LastUpdatedAt = time.Now()
}

// RecordPosted records n messages posted for topic.
func (m *Metrics) RecordPosted(topic string, n int) {
	if m == nil {
		return
	}
	m.update(topic, func(tm *TopicMetrics) { tm.Posted += uint64(n) })
	m.postedTotal.WithLabelValues(topic).Add(float64(n))
}

// RecordSent records a successful relay send.
func (m *Metrics) RecordSent(topic, path string, took time.Duration) {
	if m == nil {
		return
	}
	m.update(topic, func(tm *TopicMetrics) {
		tm.Sent++
		tm.LastSentAt = time.Now()
	})
	m.sentTotal.WithLabelValues(topic, path).Inc()
	m.sendSeconds.WithLabelValues(topic).Observe(took.Seconds())
}

// RecordFailed records a relay send that failed.
func (m *Metrics) RecordFailed(topic, path string) {
	if m == nil {
		return
	}
	m.update(topic, func(tm *TopicMetrics) {
		tm.Failed++
		tm.LastFailedAt = time.Now()
	})
	m.failedTotal.WithLabelValues(topic, path).Inc()
}

// RecordCleared records a cleared outbox message.
func (m *Metrics) RecordCleared(topic string) {
	if m == nil {
		return
	}
	m.update(topic, func(tm *TopicMetrics) { tm.Cleared++ })
	m.clearedTotal.WithLabelValues(topic).Inc()
}

// RecordDuplicate records a uniqueness violation reported for box.
func (m *Metrics) RecordDuplicate(box, topic string) {
	if m == nil {
		return
	}
	m.update(topic, func(tm *TopicMetrics) { tm.Duplicates++ })
	m.duplicatesTotal.WithLabelValues(box).Inc()
}

// RecordInboxLogged records an inbound message marked processed.
func (m *Metrics) RecordInboxLogged(topic string) {
	if m == nil {
		return
	}
	m.update(topic, func(tm *TopicMetrics) { tm.InboxLogged++ })
	m.loggedTotal.WithLabelValues(topic).Inc()
}

// RecordNoMatch records an inbound message without a matching handler.
func (m *Metrics) RecordNoMatch(topic string) {
	if m == nil {
		return
	}
	m.update(topic, func(tm *TopicMetrics) { tm.NoMatch++ })
	m.noMatchTotal.WithLabelValues(topic).Inc()
}

// SetUncleared records the size of the last catchup sweep.
func (m *Metrics) SetUncleared(n int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.uncleared = n
	m.mu.Unlock()
	m.unclearedGauge.Set(float64(n))
}

// GetSnapshot returns a point-in-time copy of all statistics.
func (m *Metrics) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		TopicMetrics: make(map[string]*TopicMetrics),
		CollectedAt:  time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot.Uncleared = m.uncleared
	for topic, tm := range m.topics {
		cp := *tm
		snapshot.TopicMetrics[topic] = &cp
		snapshot.TotalSent += tm.Sent
		snapshot.TotalFailed += tm.Failed
	}
	return snapshot
}

// Reset clears all statistics.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*TopicMetrics)
	m.uncleared = 0
	m.postedTotal.Reset()
	m.sentTotal.Reset()
	m.failedTotal.Reset()
	m.clearedTotal.Reset()
	m.duplicatesTotal.Reset()
	m.loggedTotal.Reset()
	m.noMatchTotal.Reset()
	m.sendSeconds.Reset()
	m.unclearedGauge.Set(0)
}
