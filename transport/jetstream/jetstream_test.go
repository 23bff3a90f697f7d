package jetstream

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime/config"
	"github.com/drblury/streamflow/transport"
)

type fakeFetcher struct {
	opts  SubscribeOptions
	batch chan []Delivery
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ int) ([]Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-f.batch:
		return b, nil
	}
}

func (f *fakeFetcher) Unsubscribe() error { return nil }

type pubAckFuture struct {
	ok  chan *nats.PubAck
	err chan error
	msg *nats.Msg
}

func (f *pubAckFuture) Ok() <-chan *nats.PubAck { return f.ok }
func (f *pubAckFuture) Err() <-chan error       { return f.err }
func (f *pubAckFuture) Msg() *nats.Msg          { return f.msg }

type ackCall struct {
	seq  string
	sync bool
}

type fakeStream struct {
	mu         sync.Mutex
	fetchers   []*fakeFetcher
	published  []*nats.Msg
	acks       []ackCall
	publishErr error
	closed     bool
	seq        uint64
}

func (s *fakeStream) Subscribe(opts SubscribeOptions) (Fetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &fakeFetcher{opts: opts, batch: make(chan []Delivery, 4)}
	s.fetchers = append(s.fetchers, f)
	return f, nil
}

func (s *fakeStream) Publish(_ context.Context, msg *nats.Msg) (*nats.PubAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return nil, s.publishErr
	}
	s.published = append(s.published, msg)
	s.seq++
	return &nats.PubAck{Stream: DefaultStreamName, Sequence: s.seq}, nil
}

func (s *fakeStream) PublishAsync(msg *nats.Msg) (nats.PubAckFuture, error) {
	f := &pubAckFuture{ok: make(chan *nats.PubAck, 1), err: make(chan error, 1), msg: msg}
	ack, err := s.Publish(context.Background(), msg)
	if err != nil {
		f.err <- err
	} else {
		f.ok <- ack
	}
	return f, nil
}

func (s *fakeStream) Ack(_ context.Context, msg *nats.Msg, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, ackCall{seq: msg.Header.Get("seq"), sync: sync})
	return nil
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeStream) Acks() []ackCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ackCall(nil), s.acks...)
}

func delivery(subject string, seq uint64) Delivery {
	msg := nats.NewMsg(subject)
	msg.Data = []byte("v")
	msg.Header.Set("seq", strconv.FormatUint(seq, 10))
	return Delivery{Msg: msg, Sequence: seq, Timestamp: time.Unix(0, 0)}
}

func TestRegister(t *testing.T) {
	Register()
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.DefaultRegistry.Has(Alias))
	assert.Equal(t, "nats-jetstream", Capabilities().Name)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})
}

func TestConfigFromTransport(t *testing.T) {
	cfg, err := ConfigFromTransport(&config.Config{URL: "jetstream://u:p@n1:4222,n2:4222?stream=ORDERS&ack_wait=2m"})
	require.NoError(t, err)
	assert.Equal(t, "nats://u:p@n1:4222,n2:4222", cfg.URL)
	assert.Equal(t, "ORDERS", cfg.StreamName)
	assert.Equal(t, 2*time.Minute, cfg.AckWait)

	cfg, err = ConfigFromTransport(&config.Config{URL: "nats-jetstream://", NATSStreamName: "EVENTS"})
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "EVENTS", cfg.StreamName)

	_, err = ConfigFromTransport(&config.Config{URL: "jetstream://h?ack_wait=soon"})
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	orig := StreamFactory
	defer func() { StreamFactory = orig }()

	stream := &fakeStream{}
	StreamFactory = func(cfg Config, logger watermill.LoggerAdapter) (Stream, error) {
		assert.Equal(t, DefaultStreamName, cfg.StreamName)
		return stream, nil
	}
	backend, err := Build(context.Background(), &config.Config{URL: "jetstream://h:4222"}, nil)
	require.NoError(t, err)
	require.NoError(t, backend.(*Backend).Close())
	assert.True(t, stream.closed)

	StreamFactory = func(Config, watermill.LoggerAdapter) (Stream, error) {
		return nil, errors.New("no servers available")
	}
	_, err = Build(context.Background(), &config.Config{URL: "jetstream://h:4222"}, nil)
	assert.Error(t, err)
}

func TestNewConsumerDriver_Subscriptions(t *testing.T) {
	stream := &fakeStream{}
	b := New(Config{}, stream, nil)

	_, err := b.NewConsumerDriver(context.Background(), transport.ConsumerSpec{
		Group:     "workers",
		Topic:     transport.Topics("orders", "payments"),
		StartFrom: transport.StartNewest,
	})
	require.NoError(t, err)
	require.Len(t, stream.fetchers, 2)
	assert.Equal(t, "STREAMFLOW.orders", stream.fetchers[0].opts.Subject)
	assert.Equal(t, "workers_orders", stream.fetchers[0].opts.Durable)
	assert.Equal(t, transport.StartNewest, stream.fetchers[0].opts.StartFrom)
	assert.Equal(t, DefaultAckWait, stream.fetchers[0].opts.AckWait)

	_, err = b.NewConsumerDriver(context.Background(), transport.ConsumerSpec{
		Group: "workers",
		Topic: transport.Pattern("orders.>"),
	})
	require.NoError(t, err)
	assert.Equal(t, "STREAMFLOW.orders.>", stream.fetchers[2].opts.Subject)
	assert.Equal(t, "workers_orders_all", stream.fetchers[2].opts.Durable)
}

func TestEndToEnd_AcksOnlyCommittedMessages(t *testing.T) {
	stream := &fakeStream{}
	tr, err := transport.New(context.Background(), "jetstream://", New(Config{}, stream, nil),
		transport.WithDefaultCommitInterval(10*time.Millisecond))
	require.NoError(t, err)

	events := make(chan *transport.Event, 8)
	consumer, err := tr.CreateConsumer(transport.Pattern("orders.*"), func(_ context.Context, ev *transport.Event) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop(context.Background())

	stream.fetchers[0].batch <- []Delivery{
		delivery("STREAMFLOW.orders.eu", 10),
		delivery("STREAMFLOW.orders.us", 11),
		delivery("STREAMFLOW.orders.eu", 12),
	}
	eu10, us11, eu12 := <-events, <-events, <-events
	assert.Equal(t, "orders.eu", eu10.Topic)
	assert.Equal(t, int64(10), eu10.Offset)
	assert.Equal(t, "orders.us", us11.Topic)

	eu10.Ack()
	eu12.Ack()

	require.Eventually(t, func() bool {
		return len(stream.Acks()) == 2 && consumer.Pending() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ackCall{{seq: "10", sync: true}, {seq: "12", sync: true}}, stream.Acks())
}

func TestProducerDriver(t *testing.T) {
	stream := &fakeStream{}
	b := New(Config{StreamName: "EVENTS"}, stream, nil)
	pd, err := b.NewProducerDriver(context.Background(), transport.ProducerSpec{})
	require.NoError(t, err)

	md, err := pd.SendAndWait(context.Background(), transport.Record{
		Topic:   "orders",
		Key:     []byte("customer-1"),
		Value:   []byte("v"),
		Headers: map[string]string{"trace": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.Offset)
	assert.Equal(t, "EVENTS.orders", stream.published[0].Subject)
	assert.Equal(t, "customer-1", stream.published[0].Header.Get(HeaderKey))
	assert.Equal(t, "abc", stream.published[0].Header.Get("trace"))

	fut, err := pd.Send(context.Background(), transport.Record{Topic: "orders", Value: []byte("v")})
	require.NoError(t, err)
	md, err = fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), md.Offset)

	stream.publishErr = errors.New("no responders")
	fut, err = pd.Send(context.Background(), transport.Record{Topic: "orders"})
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	assert.ErrorContains(t, err, "no responders")

	_, err = pd.SendAndWait(context.Background(), transport.Record{Topic: "orders"})
	assert.ErrorContains(t, err, "no responders")
	assert.NoError(t, pd.Close())
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "g_orders_star", consumerName("g", "orders.*"))
}
