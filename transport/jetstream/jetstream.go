// Package jetstream provides a NATS JetStream transport for streamflow.
//
// Every topic is a subject below the stream name. Consumers are durable
// pull consumers named after the group and the subscription; a message is
// acknowledged only when the consumer's commit task commits its stream
// sequence, which doubles as the offset. Pattern subscriptions use NATS
// subject wildcards ("orders.*", "orders.>").
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/streamflow/transport"
)

// TransportName is the URL scheme served by this transport.
const TransportName = "nats-jetstream"

// Alias is a shorter scheme for the same transport.
const Alias = "jetstream"

const (
	// DefaultStreamName is used when neither the config nor the URL names one.
	DefaultStreamName = "STREAMFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = -1

	// DefaultAckWait must exceed the commit interval, otherwise messages
	// are redelivered while they wait for their commit.
	DefaultAckWait = 5 * time.Minute

	// DefaultFetchBatch is how many messages one pull requests.
	DefaultFetchBatch = 64

	// DefaultFetchWait bounds one pull.
	DefaultFetchWait = time.Second
)

// StreamFactory allows overriding the connection for testing.
var StreamFactory = func(cfg Config, logger watermill.LoggerAdapter) (Stream, error) {
	return Connect(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry under both schemes.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
	transport.RegisterWithCapabilities(Alias, Build, transport.JetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is how long the server waits for a commit before redelivering.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// ConfigFromTransport maps "nats-jetstream://host:4222?stream=ORDERS" onto
// a Config. The stream name in cfg wins over the URL.
func ConfigFromTransport(cfg transport.Config) (Config, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return Config{}, err
	}
	if len(ep.Hosts) == 0 {
		ep.Hosts = []string{"localhost:4222"}
	}
	c := Config{
		URL:             ep.WithScheme("nats"),
		StreamName:      cfg.GetNATSStreamName(),
		RetentionPolicy: ep.Query.Get("retention"),
	}
	if c.StreamName == "" {
		c.StreamName = ep.Query.Get("stream")
	}
	if raw := ep.Query.Get("ack_wait"); raw != "" {
		if c.AckWait, err = time.ParseDuration(raw); err != nil {
			return Config{}, fmt.Errorf("jetstream: invalid ack_wait %q: %w", raw, err)
		}
	}
	return c.withDefaults(), nil
}

// Build connects to NATS and makes sure the stream exists.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	jcfg, err := ConfigFromTransport(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	stream, err := StreamFactory(jcfg, logger)
	if err != nil {
		return nil, err
	}
	return New(jcfg, stream, logger), nil
}

// Backend serves consumers and producers from one stream.
type Backend struct {
	config Config
	stream Stream
	logger watermill.LoggerAdapter
}

// New returns a backend on an open stream.
func New(cfg Config, stream Stream, logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{config: cfg.withDefaults(), stream: stream, logger: logger}
}

func (b *Backend) Capabilities() transport.Capabilities { return transport.JetStreamCapabilities }

// Close closes the NATS connection.
func (b *Backend) Close() error {
	b.stream.Close()
	return nil
}

func (b *Backend) topicToSubject(topic string) string {
	return b.config.StreamName + "." + topic
}

func (b *Backend) subjectToTopic(subject string) string {
	return strings.TrimPrefix(subject, b.config.StreamName+".")
}

// consumerName derives a durable name; NATS forbids '.', '*' and '>'.
func consumerName(group, filter string) string {
	return strings.NewReplacer(".", "_", "*", "star", ">", "all", " ", "_").Replace(group + "_" + filter)
}

func (b *Backend) NewConsumerDriver(_ context.Context, spec transport.ConsumerSpec) (transport.ConsumerDriver, error) {
	filters := spec.Topic.Topics
	if spec.Topic.IsPattern() {
		filters = []string{spec.Topic.Pattern}
	}

	d := &consumerDriver{
		backend: b,
		pending: make(map[transport.TopicPartition][]Delivery),
		logger:  b.logger.With(watermill.LogFields{"group": spec.Group}),
	}
	for _, filter := range filters {
		sub, err := b.stream.Subscribe(SubscribeOptions{
			Subject:    b.topicToSubject(filter),
			Durable:    consumerName(spec.Group, filter),
			StartFrom:  spec.StartFrom,
			AckWait:    b.config.AckWait,
			MaxDeliver: b.config.MaxDeliver,
		})
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("jetstream: subscribe %s: %w", filter, err)
		}
		d.subs = append(d.subs, sub)
	}
	return d, nil
}

func (b *Backend) NewProducerDriver(context.Context, transport.ProducerSpec) (transport.ProducerDriver, error) {
	return &producerDriver{backend: b}, nil
}

type consumerDriver struct {
	backend *Backend
	subs    []Fetcher
	logger  watermill.LoggerAdapter

	mu      sync.Mutex
	pending map[transport.TopicPartition][]Delivery
}

// Run pulls from every subscription concurrently. Each subscription is a
// single ordered stream, so delivery stays sequential per topic.
func (d *consumerDriver) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failure  error
	)
	for _, sub := range d.subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.pull(ctx, sub, deliver); err != nil {
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

func (d *consumerDriver) pull(ctx context.Context, sub Fetcher, deliver transport.DeliverFunc) error {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, DefaultFetchWait)
		deliveries, err := sub.Fetch(fetchCtx, DefaultFetchBatch)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			d.logger.Error("Failed to fetch messages", err, nil)
			continue
		}
		for _, dl := range deliveries {
			msg := d.toMessage(dl)
			d.mu.Lock()
			tp := msg.TopicPartition()
			d.pending[tp] = append(d.pending[tp], dl)
			d.mu.Unlock()
			if err := deliver(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit acknowledges every pending message of each partition up to and
// including the committed sequence. The last ack per partition is
// synchronous so the commit is durable once it returns.
func (d *consumerDriver) Commit(ctx context.Context, offsets map[transport.TopicPartition]int64) error {
	var errs []error
	for tp, off := range offsets {
		d.mu.Lock()
		pending := d.pending[tp]
		n := 0
		for n < len(pending) && int64(pending[n].Sequence) <= off {
			n++
		}
		batch := pending[:n]
		d.mu.Unlock()

		if err := d.ackAll(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("jetstream: commit %s: %w", tp, err))
			continue
		}

		d.mu.Lock()
		d.pending[tp] = d.pending[tp][n:]
		if len(d.pending[tp]) == 0 {
			delete(d.pending, tp)
		}
		d.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (d *consumerDriver) ackAll(ctx context.Context, batch []Delivery) error {
	for i, dl := range batch {
		if err := d.backend.stream.Ack(ctx, dl.Msg, i == len(batch)-1); err != nil {
			return err
		}
	}
	return nil
}

func (d *consumerDriver) Close() error {
	var errs []error
	for _, sub := range d.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *consumerDriver) toMessage(dl Delivery) transport.Message {
	var headers map[string]string
	if len(dl.Msg.Header) > 0 {
		headers = make(map[string]string, len(dl.Msg.Header))
		for k := range dl.Msg.Header {
			headers[k] = dl.Msg.Header.Get(k)
		}
	}
	return transport.Message{
		Topic:     d.backend.subjectToTopic(dl.Msg.Subject),
		Offset:    int64(dl.Sequence),
		Key:       []byte(dl.Msg.Header.Get(HeaderKey)),
		Value:     dl.Msg.Data,
		Headers:   headers,
		Timestamp: dl.Timestamp,
	}
}

// HeaderKey carries the record key, which NATS has no field for.
const HeaderKey = "Sf-Key"

type producerDriver struct {
	backend *Backend
}

func (p *producerDriver) natsMsg(rec transport.Record) *nats.Msg {
	msg := nats.NewMsg(p.backend.topicToSubject(rec.Topic))
	msg.Data = rec.Value
	for k, v := range rec.Headers {
		msg.Header.Set(k, v)
	}
	if rec.Key != nil {
		msg.Header.Set(HeaderKey, string(rec.Key))
	}
	return msg
}

func (p *producerDriver) Send(ctx context.Context, rec transport.Record) (*transport.SendFuture, error) {
	ackFuture, err := p.backend.stream.PublishAsync(p.natsMsg(rec))
	if err != nil {
		return nil, fmt.Errorf("jetstream: publish %s: %w", rec.Topic, err)
	}
	fut := transport.NewSendFuture()
	go func() {
		select {
		case ack := <-ackFuture.Ok():
			fut.Resolve(metadata(rec.Topic, ack), nil)
		case err := <-ackFuture.Err():
			fut.Resolve(transport.RecordMetadata{}, fmt.Errorf("jetstream: publish %s: %w", rec.Topic, err))
		case <-ctx.Done():
			fut.Resolve(transport.RecordMetadata{}, ctx.Err())
		}
	}()
	return fut, nil
}

func (p *producerDriver) SendAndWait(ctx context.Context, rec transport.Record) (transport.RecordMetadata, error) {
	ack, err := p.backend.stream.Publish(ctx, p.natsMsg(rec))
	if err != nil {
		return transport.RecordMetadata{}, fmt.Errorf("jetstream: publish %s: %w", rec.Topic, err)
	}
	return metadata(rec.Topic, ack), nil
}

func (p *producerDriver) Close() error { return nil }

func metadata(topic string, ack *nats.PubAck) transport.RecordMetadata {
	return transport.RecordMetadata{
		Topic:     topic,
		Partition: 0,
		Offset:    int64(ack.Sequence),
		Timestamp: time.Now(),
	}
}
