// Package metrics exposes consumer commit activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/streamflow/transport"
)

// ConsumerStats is a point-in-time view of one consumer.
type ConsumerStats struct {
	Acked           uint64                             `json:"acked"`
	Commits         uint64                             `json:"commits"`
	CommitFailures  uint64                             `json:"commit_failures"`
	Pending         int                                `json:"pending"`
	CommittedOffset map[transport.TopicPartition]int64 `json:"-"`
	LastCommitAt    time.Time                          `json:"last_commit_at,omitempty"`
}

// Snapshot provides a point-in-time view of every observed consumer.
type Snapshot struct {
	Consumers   map[uint64]ConsumerStats `json:"consumers"`
	CollectedAt time.Time                `json:"collected_at"`
}

// Metrics implements transport.Observer on top of Prometheus collectors.
type Metrics struct {
	mu        sync.RWMutex
	consumers map[uint64]*ConsumerStats

	ackedTotal      *prometheus.CounterVec
	commitsTotal    *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	committedOffset *prometheus.GaugeVec
	pendingEvents   *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

var _ transport.Observer = (*Metrics)(nil)

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamflow",
			Subsystem: "consumer",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streamflow",
			Subsystem: "consumer",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. Call Register before scraping.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		consumers:       make(map[uint64]*ConsumerStats),
		registerer:      registerer,
		ackedTotal:      newCounterVec("events_acked_total", "Total number of events released by their handlers", []string{"consumer"}),
		commitsTotal:    newCounterVec("commits_total", "Total number of successful offset commits", []string{"consumer"}),
		failuresTotal:   newCounterVec("commit_failures_total", "Total number of failed commit cycles", []string{"consumer"}),
		committedOffset: newGaugeVec("committed_offset", "Last offset committed per partition", []string{"consumer", "topic", "partition"}),
		pendingEvents:   newGaugeVec("pending_events", "Tracked events waiting to be committed", []string{"consumer"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.ackedTotal,
		m.commitsTotal,
		m.failuresTotal,
		m.committedOffset,
		m.pendingEvents,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func consumerLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (m *Metrics) EventAcked(tag transport.MessageTag) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statsLocked(tag.ConsumerID).Acked++
	m.ackedTotal.WithLabelValues(consumerLabel(tag.ConsumerID)).Inc()
}

func (m *Metrics) OffsetsCommitted(consumerID uint64, offsets map[transport.TopicPartition]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsLocked(consumerID)
	stats.Commits++
	stats.LastCommitAt = time.Now()

	label := consumerLabel(consumerID)
	m.commitsTotal.WithLabelValues(label).Inc()
	for tp, off := range offsets {
		stats.CommittedOffset[tp] = off
		m.committedOffset.WithLabelValues(label, tp.Topic, strconv.FormatInt(int64(tp.Partition), 10)).Set(float64(off))
	}
}

func (m *Metrics) CommitFailed(consumerID uint64, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statsLocked(consumerID).CommitFailures++
	m.failuresTotal.WithLabelValues(consumerLabel(consumerID)).Inc()
}

func (m *Metrics) PendingEvents(consumerID uint64, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statsLocked(consumerID).Pending = pending
	m.pendingEvents.WithLabelValues(consumerLabel(consumerID)).Set(float64(pending))
}

// Forget drops the series of a stopped consumer.
func (m *Metrics) Forget(consumerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.consumers, consumerID)
	label := prometheus.Labels{"consumer": consumerLabel(consumerID)}
	m.ackedTotal.DeletePartialMatch(label)
	m.commitsTotal.DeletePartialMatch(label)
	m.failuresTotal.DeletePartialMatch(label)
	m.committedOffset.DeletePartialMatch(label)
	m.pendingEvents.DeletePartialMatch(label)
}

// GetSnapshot returns a copy of the per-consumer statistics.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		Consumers:   make(map[uint64]ConsumerStats, len(m.consumers)),
		CollectedAt: time.Now(),
	}
	for id, stats := range m.consumers {
		cp := *stats
		cp.CommittedOffset = make(map[transport.TopicPartition]int64, len(stats.CommittedOffset))
		for tp, off := range stats.CommittedOffset {
			cp.CommittedOffset[tp] = off
		}
		snapshot.Consumers[id] = cp
	}
	return snapshot
}

func (m *Metrics) statsLocked(consumerID uint64) *ConsumerStats {
	if stats, ok := m.consumers[consumerID]; ok {
		return stats
	}
	stats := &ConsumerStats{CommittedOffset: make(map[transport.TopicPartition]int64)}
	m.consumers[consumerID] = stats
	return stats
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumers = make(map[uint64]*ConsumerStats)
	m.ackedTotal.Reset()
	m.commitsTotal.Reset()
	m.failuresTotal.Reset()
	m.committedOffset.Reset()
	m.pendingEvents.Reset()
}

// Handler serves the metrics of gatherer, or of the default registry when
// gatherer is nil.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server for handler on addr until ctx is cancelled.
// It returns once the listener is bound, with the bound address (useful
// with ":0") and a channel receiving the server's exit error.
func Serve(ctx context.Context, addr string, handler http.Handler) (string, <-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return listener.Addr().String(), done, nil
}
