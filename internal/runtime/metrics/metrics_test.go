package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/memory"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	m := New(registry)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
	return m, registry
}

func TestMetrics_RecordsSignals(t *testing.T) {
	m, _ := newTestMetrics(t)
	tp := transport.TopicPartition{Topic: "orders", Partition: 2}

	m.EventAcked(transport.MessageTag{ConsumerID: 7, TopicPartition: tp, Offset: 10})
	m.EventAcked(transport.MessageTag{ConsumerID: 7, TopicPartition: tp, Offset: 11})
	m.OffsetsCommitted(7, map[transport.TopicPartition]int64{tp: 11})
	m.CommitFailed(7, errors.New("broker down"))
	m.PendingEvents(7, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ackedTotal.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitsTotal.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues("7")))
	assert.Equal(t, 11.0, testutil.ToFloat64(m.committedOffset.WithLabelValues("7", "orders", "2")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingEvents.WithLabelValues("7")))

	snapshot := m.GetSnapshot()
	stats := snapshot.Consumers[7]
	assert.Equal(t, uint64(2), stats.Acked)
	assert.Equal(t, uint64(1), stats.Commits)
	assert.Equal(t, uint64(1), stats.CommitFailures)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, int64(11), stats.CommittedOffset[tp])
	assert.False(t, stats.LastCommitAt.IsZero())

	// the snapshot is a copy
	stats.CommittedOffset[tp] = 99
	assert.Equal(t, int64(11), m.GetSnapshot().Consumers[7].CommittedOffset[tp])
}

func TestMetrics_ForgetAndReset(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.PendingEvents(1, 4)
	m.PendingEvents(2, 5)

	m.Forget(1)
	assert.Equal(t, 1, testutil.CollectAndCount(m.pendingEvents))
	assert.NotContains(t, m.GetSnapshot().Consumers, uint64(1))

	m.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(m.pendingEvents))
	assert.Empty(t, m.GetSnapshot().Consumers)
}

func TestMetrics_ObservesConsumer(t *testing.T) {
	m, _ := newTestMetrics(t)
	tr, err := transport.New(context.Background(), "memory://", memory.New(memory.NewBroker(1), nil),
		transport.WithObserver(m),
		transport.WithDefaultCommitInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer tr.Close()

	producer, err := tr.CreateProducer()
	require.NoError(t, err)
	_, err = producer.SendAndWait(context.Background(), "orders", nil, []byte("v"))
	require.NoError(t, err)

	consumer, err := tr.CreateConsumer(transport.Topics("orders"), func(_ context.Context, ev *transport.Event) error {
		ev.Ack()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop(context.Background())

	tp := transport.TopicPartition{Topic: "orders"}
	require.Eventually(t, func() bool {
		stats, ok := m.GetSnapshot().Consumers[consumer.ID()]
		return ok && stats.Acked == 1 && stats.CommittedOffset[tp] == 0 && stats.Commits >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestServe(t *testing.T) {
	m, registry := newTestMetrics(t)
	m.PendingEvents(1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(registry))
	addr, done, err := Serve(ctx, "127.0.0.1:0", mux)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `streamflow_consumer_pending_events{consumer="1"} 2`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
