// Package pubsub runs streamflow consumers and producers on any watermill
// Publisher and Subscriber.
//
// Watermill pub/subs acknowledge messages one by one instead of committing
// offsets, so the driver numbers the messages of each topic itself,
// starting at zero for every consumer. A commit acknowledges, in order,
// every outstanding message up to the committed offset. Broker subscribers
// hold back the next message until the previous one is acknowledged, so
// their backends report GatedDelivery; the in-process gochannel does not.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/ids"
	"github.com/drblury/streamflow/transport"
)

// KeyMetadata carries the record key in message metadata.
const KeyMetadata = "streamflow_key"

// ErrSubscriptionClosed is returned by Run when a subscriber closes a
// message channel while the consumer is still running.
var ErrSubscriptionClosed = errors.New("pubsub: subscription closed")

// SubscriberFactory returns the subscriber serving one consumer.
type SubscriberFactory func(ctx context.Context, spec transport.ConsumerSpec) (message.Subscriber, error)

// Options configures a Backend.
type Options struct {
	Capabilities transport.Capabilities
	Publisher    message.Publisher

	// Subscriber, when set, serves every consumer and is closed with the
	// backend.
	Subscriber message.Subscriber
	// NewSubscriber builds a subscriber per consumer, closed with the
	// consumer. Used when Subscriber is nil.
	NewSubscriber SubscriberFactory

	// OnClose runs last when the backend closes, e.g. to drop a shared
	// connection.
	OnClose func() error

	Logger watermill.LoggerAdapter
}

// Backend adapts a watermill pub/sub to the transport backend contract.
type Backend struct {
	caps          transport.Capabilities
	publisher     message.Publisher
	shared        message.Subscriber
	newSubscriber SubscriberFactory
	onClose       func() error
	logger        watermill.LoggerAdapter
}

// New returns a backend over the given publisher and subscribers.
func New(opts Options) (*Backend, error) {
	if opts.Publisher == nil {
		return nil, errors.New("pubsub: publisher is required")
	}
	if opts.Subscriber == nil && opts.NewSubscriber == nil {
		return nil, errors.New("pubsub: subscriber is required")
	}
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	return &Backend{
		caps:          opts.Capabilities,
		publisher:     opts.Publisher,
		shared:        opts.Subscriber,
		newSubscriber: opts.NewSubscriber,
		onClose:       opts.OnClose,
		logger:        opts.Logger,
	}, nil
}

func (b *Backend) Capabilities() transport.Capabilities { return b.caps }

// Close closes the publisher and the shared subscriber.
func (b *Backend) Close() error {
	var errs []error
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	// gochannel serves both sides from one object.
	if b.shared != nil && any(b.shared) != any(b.publisher) {
		if err := b.shared.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.onClose != nil {
		if err := b.onClose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) NewConsumerDriver(ctx context.Context, spec transport.ConsumerSpec) (transport.ConsumerDriver, error) {
	if spec.Topic.IsPattern() {
		return nil, fmt.Errorf("pubsub: %s: pattern subscriptions are not supported", b.caps.Name)
	}

	sub, owned := b.shared, false
	if sub == nil {
		var err error
		if sub, err = b.newSubscriber(ctx, spec); err != nil {
			return nil, fmt.Errorf("pubsub: %s: create subscriber: %w", b.caps.Name, err)
		}
		owned = true
	}

	return &consumerDriver{
		subscriber: sub,
		owned:      owned,
		topics:     spec.Topic.Topics,
		pending:    make(map[string][]pendingMessage),
		next:       make(map[string]int64),
		logger:     b.logger.With(watermill.LogFields{"group": spec.Group}),
	}, nil
}

func (b *Backend) NewProducerDriver(context.Context, transport.ProducerSpec) (transport.ProducerDriver, error) {
	return &producerDriver{publisher: b.publisher}, nil
}

type pendingMessage struct {
	offset int64
	msg    *message.Message
}

type consumerDriver struct {
	subscriber message.Subscriber
	owned      bool
	topics     []string
	logger     watermill.LoggerAdapter

	mu      sync.Mutex
	pending map[string][]pendingMessage
	next    map[string]int64
}

// Run subscribes to every topic and delivers from one goroutine per topic.
func (d *consumerDriver) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	channels := make(map[string]<-chan *message.Message, len(d.topics))
	for _, topic := range d.topics {
		ch, err := d.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
		}
		channels[topic] = ch
	}

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failure  error
	)
	for topic, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.receive(ctx, topic, ch, deliver); err != nil {
				failOnce.Do(func() {
					failure = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()
	return failure
}

func (d *consumerDriver) receive(ctx context.Context, topic string, ch <-chan *message.Message, deliver transport.DeliverFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %s", ErrSubscriptionClosed, topic)
			}
			if err := deliver(ctx, d.track(topic, msg)); err != nil {
				return err
			}
		}
	}
}

// track assigns the next offset of topic to msg and keeps it outstanding
// until a commit covers it.
func (d *consumerDriver) track(topic string, msg *message.Message) transport.Message {
	d.mu.Lock()
	offset := d.next[topic]
	d.next[topic] = offset + 1
	d.pending[topic] = append(d.pending[topic], pendingMessage{offset: offset, msg: msg})
	d.mu.Unlock()

	return toMessage(topic, offset, msg)
}

// Commit acknowledges the outstanding messages of each topic up to the
// committed offset.
func (d *consumerDriver) Commit(ctx context.Context, offsets map[transport.TopicPartition]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for tp, off := range offsets {
		pending := d.pending[tp.Topic]
		n := 0
		for n < len(pending) && pending[n].offset <= off {
			pending[n].msg.Ack()
			n++
		}
		if n == len(pending) {
			delete(d.pending, tp.Topic)
		} else {
			d.pending[tp.Topic] = slices.Clone(pending[n:])
		}
	}
	return nil
}

// Close nacks what was never committed so the broker redelivers it.
func (d *consumerDriver) Close() error {
	d.mu.Lock()
	for _, topic := range slices.Sorted(maps.Keys(d.pending)) {
		for _, p := range d.pending[topic] {
			p.msg.Nack()
		}
	}
	d.pending = make(map[string][]pendingMessage)
	d.mu.Unlock()

	if d.owned {
		return d.subscriber.Close()
	}
	return nil
}

func toMessage(topic string, offset int64, msg *message.Message) transport.Message {
	var headers map[string]string
	for k, v := range msg.Metadata {
		if k == KeyMetadata {
			continue
		}
		if headers == nil {
			headers = make(map[string]string, len(msg.Metadata))
		}
		headers[k] = v
	}
	var key []byte
	if k, ok := msg.Metadata[KeyMetadata]; ok {
		key = []byte(k)
	}
	return transport.Message{
		Topic:     topic,
		Offset:    offset,
		Key:       key,
		Value:     msg.Payload,
		Headers:   headers,
		Timestamp: time.Now(),
	}
}

type producerDriver struct {
	publisher message.Publisher
}

// Send runs the publish on its own goroutine; watermill publishers are
// synchronous.
func (p *producerDriver) Send(ctx context.Context, rec transport.Record) (*transport.SendFuture, error) {
	return transport.SendAsync(ctx, func(ctx context.Context) (transport.RecordMetadata, error) {
		return p.SendAndWait(ctx, rec)
	}), nil
}

func (p *producerDriver) SendAndWait(ctx context.Context, rec transport.Record) (transport.RecordMetadata, error) {
	msg := message.NewMessage(ids.CreateULID(), rec.Value)
	msg.SetContext(ctx)
	for k, v := range rec.Headers {
		msg.Metadata.Set(k, v)
	}
	if rec.Key != nil {
		msg.Metadata.Set(KeyMetadata, string(rec.Key))
	}

	if err := p.publisher.Publish(rec.Topic, msg); err != nil {
		return transport.RecordMetadata{}, fmt.Errorf("pubsub: publish %s: %w", rec.Topic, err)
	}
	md := transport.UnknownPosition(rec.Topic)
	md.ID = msg.UUID
	md.Timestamp = time.Now()
	return md, nil
}

func (p *producerDriver) Close() error { return nil }
