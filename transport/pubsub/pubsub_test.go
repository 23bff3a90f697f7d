package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/transport"
)

func isAcked(msg *message.Message) bool {
	select {
	case <-msg.Acked():
		return true
	default:
		return false
	}
}

func isNacked(msg *message.Message) bool {
	select {
	case <-msg.Nacked():
		return true
	default:
		return false
	}
}

func newTestTransport(t *testing.T, opts Options) *transport.Transport {
	t.Helper()
	if opts.Capabilities.Name == "" {
		opts.Capabilities = transport.ChannelCapabilities
	}
	backend, err := New(opts)
	require.NoError(t, err)
	tr, err := transport.New(context.Background(), "test://", backend,
		transport.WithDefaultCommitInterval(10*time.Millisecond))
	require.NoError(t, err)
	return tr
}

func collect(t *testing.T, tr *transport.Transport, topics ...string) (*transport.Consumer, chan *transport.Event) {
	t.Helper()
	events := make(chan *transport.Event, 16)
	consumer, err := tr.CreateConsumer(transport.Topics(topics...), func(_ context.Context, ev *transport.Event) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	return consumer, events
}

func receive(t *testing.T, events chan *transport.Event) *transport.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "publisher is required")

	_, err = New(Options{Publisher: &fakePublisher{}})
	assert.ErrorContains(t, err, "subscriber is required")

	b, err := New(Options{Publisher: &fakePublisher{}, Subscriber: newFakeSubscriber()})
	require.NoError(t, err)
	assert.NotNil(t, b.logger)
}

func TestCommitAcksInOffsetOrder(t *testing.T) {
	sub := newFakeSubscriber()
	tr := newTestTransport(t, Options{
		Publisher: &fakePublisher{},
		NewSubscriber: func(context.Context, transport.ConsumerSpec) (message.Subscriber, error) {
			return sub, nil
		},
	})
	consumer, events := collect(t, tr, "orders")
	defer consumer.Stop(context.Background())

	msgs := []*message.Message{
		message.NewMessage("a", []byte("a")),
		message.NewMessage("b", []byte("b")),
		message.NewMessage("c", []byte("c")),
	}
	for _, m := range msgs {
		sub.channel("orders") <- m
	}
	first, second, third := receive(t, events), receive(t, events), receive(t, events)
	assert.Equal(t, []int64{0, 1, 2}, []int64{first.Offset, second.Offset, third.Offset})

	first.Ack()
	third.Ack()
	require.Eventually(t, func() bool { return isAcked(msgs[0]) }, time.Second, 5*time.Millisecond)
	assert.False(t, isAcked(msgs[1]))
	assert.False(t, isAcked(msgs[2]))

	second.Ack()
	require.Eventually(t, func() bool {
		return isAcked(msgs[1]) && isAcked(msgs[2])
	}, time.Second, 5*time.Millisecond)
}

func TestStopNacksOutstandingMessages(t *testing.T) {
	sub := newFakeSubscriber()
	tr := newTestTransport(t, Options{
		Publisher: &fakePublisher{},
		NewSubscriber: func(context.Context, transport.ConsumerSpec) (message.Subscriber, error) {
			return sub, nil
		},
	})
	consumer, events := collect(t, tr, "orders")

	msg := message.NewMessage("a", []byte("a"))
	sub.channel("orders") <- msg
	receive(t, events)

	require.NoError(t, consumer.Stop(context.Background()))
	assert.True(t, isNacked(msg))
	assert.True(t, sub.isClosed())
}

func TestSharedSubscriberOutlivesConsumer(t *testing.T) {
	sub := newFakeSubscriber()
	pub := &fakePublisher{}
	connClosed := false
	tr := newTestTransport(t, Options{
		Publisher:  pub,
		Subscriber: sub,
		OnClose: func() error {
			connClosed = true
			return nil
		},
	})
	consumer, _ := collect(t, tr, "orders")

	require.NoError(t, consumer.Stop(context.Background()))
	assert.False(t, sub.isClosed())

	require.NoError(t, tr.Close())
	assert.True(t, sub.isClosed())
	assert.True(t, pub.closed)
	assert.True(t, connClosed)
}

func TestSubscriptionClosedEndsRun(t *testing.T) {
	sub := newFakeSubscriber()
	tr := newTestTransport(t, Options{Publisher: &fakePublisher{}, Subscriber: sub})
	consumer, _ := collect(t, tr, "orders")
	defer consumer.Stop(context.Background())

	require.Eventually(t, func() bool { return sub.subscribed("orders") }, time.Second, 5*time.Millisecond)
	close(sub.channel("orders"))

	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.ErrorIs(t, consumer.Err(), ErrSubscriptionClosed)
}

func TestPatternRejected(t *testing.T) {
	tr := newTestTransport(t, Options{Publisher: &fakePublisher{}, Subscriber: newFakeSubscriber()})
	_, err := tr.CreateConsumer(transport.Pattern("orders-.*"), func(context.Context, *transport.Event) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrPatternUnsupported)
}

func TestEndToEnd_GoChannel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	tr := newTestTransport(t, Options{Publisher: pubSub, Subscriber: pubSub})
	defer func() { require.NoError(t, tr.Close()) }()

	producer, err := tr.CreateProducer()
	require.NoError(t, err)
	fut, err := producer.SendRecord(context.Background(), transport.Record{
		Topic:   "orders",
		Key:     []byte("customer-1"),
		Value:   []byte("first"),
		Headers: map[string]string{"trace": "abc"},
	})
	require.NoError(t, err)
	sent, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, int64(-1), sent.Offset)

	_, err = producer.SendAndWait(context.Background(), "orders", nil, []byte("second"))
	require.NoError(t, err)

	consumer, events := collect(t, tr, "orders")
	defer consumer.Stop(context.Background())

	first := receive(t, events)
	assert.Equal(t, "first", string(first.Value))
	assert.Equal(t, []byte("customer-1"), first.Key)
	assert.Equal(t, "abc", first.Headers["trace"])
	assert.NotContains(t, first.Headers, KeyMetadata)
	first.Ack()

	// gochannel withholds the next message until the commit acks the first.
	second := receive(t, events)
	assert.Equal(t, int64(1), second.Offset)
	assert.Nil(t, second.Key)
}

func TestProducerDriver_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection lost")}
	b, err := New(Options{Publisher: pub, Subscriber: newFakeSubscriber()})
	require.NoError(t, err)
	pd, err := b.NewProducerDriver(context.Background(), transport.ProducerSpec{})
	require.NoError(t, err)

	_, err = pd.SendAndWait(context.Background(), transport.Record{Topic: "orders"})
	assert.ErrorContains(t, err, "connection lost")
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []*message.Message
	err    error
	closed bool
}

func (p *fakePublisher) Publish(_ string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeSubscriber hands out one buffered channel per topic.
type fakeSubscriber struct {
	mu       sync.Mutex
	channels map[string]chan *message.Message
	subs     map[string]bool
	closed   bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		channels: make(map[string]chan *message.Message),
		subs:     make(map[string]bool),
	}
}

func (s *fakeSubscriber) channel(topic string) chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topic]
	if !ok {
		ch = make(chan *message.Message, 8)
		s.channels[topic] = ch
	}
	return ch
}

func (s *fakeSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	ch := s.channel(topic)
	s.mu.Lock()
	s.subs[topic] = true
	s.mu.Unlock()
	return ch, nil
}

func (s *fakeSubscriber) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[topic]
}

func (s *fakeSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
