package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/memory"
)

type harness struct {
	broker   *memory.Broker
	tr       *transport.Transport
	producer *transport.Producer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	broker := memory.NewBroker(1)
	tr, err := transport.New(context.Background(), "memory://", memory.New(broker, nil),
		transport.WithDefaultGroup("handlers"),
		transport.WithDefaultCommitInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	producer, err := tr.CreateProducer()
	require.NoError(t, err)
	return &harness{broker: broker, tr: tr, producer: producer}
}

func (h *harness) send(t *testing.T, topic string, value []byte, headers map[string]string) {
	t.Helper()
	_, err := h.producer.SendRecordAndWait(context.Background(), transport.Record{Topic: topic, Value: value, Headers: headers})
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T, topic string, callback transport.ConsumerCallback) *transport.Consumer {
	t.Helper()
	consumer, err := h.tr.CreateConsumer(transport.Topics(topic), callback)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(func() { _ = consumer.Stop(context.Background()) })
	return consumer
}

func (h *harness) committed(topic string) (int64, bool) {
	return h.broker.Committed("handlers", transport.TopicPartition{Topic: topic})
}

func (h *harness) records(topic string) []transport.Message {
	return h.broker.Fetch(transport.TopicPartition{Topic: topic}, 0, 100)
}
