package runtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/memory"
)

const testGroup = "runtime"

type testService struct {
	*Service
	broker   *memory.Broker
	registry *prometheus.Registry
}

func newTestService(t *testing.T, deps ServiceDependencies, mutate ...func(*configpkg.Config)) *testService {
	t.Helper()
	conf := &configpkg.Config{
		URL:            "memory://",
		ConsumerGroup:  testGroup,
		CommitInterval: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(conf)
	}

	broker := memory.NewBroker(1)
	registry := prometheus.NewRegistry()
	deps.Backend = memory.New(broker, nil)
	deps.Registerer = registry
	deps.Gatherer = registry

	svc, err := NewService(context.Background(), conf, testLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return &testService{Service: svc, broker: broker, registry: registry}
}

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.DiscardHandler))
}

func (s *testService) send(t *testing.T, topic string, value []byte) {
	t.Helper()
	producer, err := s.Producer()
	require.NoError(t, err)
	_, err = producer.SendAndWait(context.Background(), topic, nil, value)
	require.NoError(t, err)
}

// run starts the service and returns a func that cancels it and waits for
// Start to return.
func (s *testService) run(t *testing.T) (stop func() error, result <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	t.Cleanup(cancel)
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}, done
}

func (s *testService) committed(topic string) (int64, bool) {
	return s.broker.Committed(testGroup, transport.TopicPartition{Topic: topic})
}

func (s *testService) records(topic string) []transport.Message {
	return s.broker.Fetch(transport.TopicPartition{Topic: topic}, 0, 100)
}
