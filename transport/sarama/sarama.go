// Package sarama provides a Kafka transport for streamflow built on
// IBM/sarama consumer groups. Offsets are marked and committed only when
// the consumer's commit task asks for it; auto-commit is disabled.
package sarama

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/transport"
)

// TransportName is the URL scheme served by this transport.
const TransportName = "sarama"

// DefaultBroker is used when the URL names no host.
const DefaultBroker = "localhost:9092"

// ConsumerGroupFactory allows overriding the consumer group creation for testing.
var ConsumerGroupFactory = func(brokers []string, group string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroup(brokers, group, cfg)
}

// AsyncProducerFactory allows overriding the async producer creation for testing.
var AsyncProducerFactory = func(brokers []string, cfg *sarama.Config) (sarama.AsyncProducer, error) {
	return sarama.NewAsyncProducer(brokers, cfg)
}

// SyncProducerFactory allows overriding the sync producer creation for testing.
var SyncProducerFactory = func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(brokers, cfg)
}

// TopicLister returns every topic known to the cluster.
var TopicLister = func(brokers []string, cfg *sarama.Config) ([]string, error) {
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Topics()
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SaramaCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SaramaCapabilities
}

// Config holds the sarama connection settings.
type Config struct {
	Brokers      []string
	Version      string
	TLS          bool
	SASLUser     string
	SASLPassword string
}

// Build creates a sarama backend from the URL host list and Kafka settings.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return nil, err
	}
	brokers := ep.Hosts
	if len(brokers) == 0 {
		brokers = []string{DefaultBroker}
	}
	return New(Config{
		Brokers:      brokers,
		Version:      cfg.GetKafkaVersion(),
		TLS:          cfg.GetKafkaTLSEnabled(),
		SASLUser:     cfg.GetKafkaSASLUser(),
		SASLPassword: cfg.GetKafkaSASLPassword(),
	}, logger)
}

// Backend creates sarama consumer groups and producers.
type Backend struct {
	config  Config
	version sarama.KafkaVersion
	logger  watermill.LoggerAdapter
}

// New validates cfg and returns a backend.
func New(cfg Config, logger watermill.LoggerAdapter) (*Backend, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	version := sarama.DefaultVersion
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, errspkg.NewConfigurationError(fmt.Errorf("sarama: %w", err))
		}
		version = v
	}
	return &Backend{config: cfg, version: version, logger: logger}, nil
}

func (b *Backend) Capabilities() transport.Capabilities { return transport.SaramaCapabilities }

func (b *Backend) saramaConfig(clientID string) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = b.version
	if clientID != "" {
		sc.ClientID = clientID
	}
	if b.config.TLS {
		sc.Net.TLS.Enable = true
	}
	if b.config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = b.config.SASLUser, b.config.SASLPassword
	}
	return sc
}

// ConsumerConfig returns the sarama configuration used for consumer groups.
func (b *Backend) ConsumerConfig(spec transport.ConsumerSpec) *sarama.Config {
	sc := b.saramaConfig(spec.ClientID)
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	switch spec.StartFrom {
	case transport.StartNewest:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return sc
}

func (b *Backend) NewConsumerDriver(_ context.Context, spec transport.ConsumerSpec) (transport.ConsumerDriver, error) {
	sc := b.ConsumerConfig(spec)

	topics := spec.Topic.Topics
	if spec.Topic.IsPattern() {
		available, err := TopicLister(b.config.Brokers, sc)
		if err != nil {
			return nil, fmt.Errorf("sarama: list topics: %w", err)
		}
		if topics, err = spec.Topic.Resolve(available); err != nil {
			return nil, err
		}
		if len(topics) == 0 {
			return nil, fmt.Errorf("sarama: no topic matches pattern %q", spec.Topic.Pattern)
		}
	}

	group, err := ConsumerGroupFactory(b.config.Brokers, spec.Group, sc)
	if err != nil {
		return nil, fmt.Errorf("sarama: consumer group %s: %w", spec.Group, err)
	}
	return &consumerDriver{
		group:  group,
		topics: topics,
		logger: b.logger.With(watermill.LogFields{"group": spec.Group}),
	}, nil
}

func (b *Backend) NewProducerDriver(_ context.Context, spec transport.ProducerSpec) (transport.ProducerDriver, error) {
	asyncCfg := b.saramaConfig(spec.ClientID)
	asyncCfg.Producer.RequiredAcks = sarama.WaitForLocal
	asyncCfg.Producer.Return.Successes = true
	asyncCfg.Producer.Return.Errors = true
	asyncCfg.Producer.Partitioner = sarama.NewHashPartitioner

	syncCfg := b.saramaConfig(spec.ClientID)
	syncCfg.Producer.RequiredAcks = sarama.WaitForAll
	syncCfg.Producer.Return.Successes = true
	syncCfg.Producer.Partitioner = sarama.NewHashPartitioner

	async, err := AsyncProducerFactory(b.config.Brokers, asyncCfg)
	if err != nil {
		return nil, fmt.Errorf("sarama: async producer: %w", err)
	}
	syncProducer, err := SyncProducerFactory(b.config.Brokers, syncCfg)
	if err != nil {
		_ = async.Close()
		return nil, fmt.Errorf("sarama: sync producer: %w", err)
	}
	return newProducerDriver(async, syncProducer), nil
}

// consumerDriver runs a consumer group and commits through whichever
// session currently owns the partitions.
type consumerDriver struct {
	group  sarama.ConsumerGroup
	topics []string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
	failure error
}

func (d *consumerDriver) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for err := range d.group.Errors() {
			d.logger.Error("Consumer group error", err, nil)
		}
	}()

	handler := &groupHandler{driver: d, deliver: deliver, cancel: cancel}
	for {
		if err := d.group.Consume(ctx, d.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return d.err()
			}
			if ctx.Err() == nil {
				return fmt.Errorf("sarama: consume: %w", err)
			}
		}
		if ctx.Err() != nil {
			return d.err()
		}
	}
}

func (d *consumerDriver) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failure
}

func (d *consumerDriver) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure == nil {
		d.failure = err
	}
}

func (d *consumerDriver) setSession(sess sarama.ConsumerGroupSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = sess
}

// Commit marks the position after each offset and commits synchronously.
// Without a live session, during a rebalance for instance, it fails so the
// consumer retries on its next cycle.
func (d *consumerDriver) Commit(_ context.Context, offsets map[transport.TopicPartition]int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return errspkg.ErrNotAssigned
	}
	for tp, off := range offsets {
		d.session.MarkOffset(tp.Topic, tp.Partition, off+1, "")
	}
	d.session.Commit()
	return nil
}

func (d *consumerDriver) Close() error {
	return d.group.Close()
}

type groupHandler struct {
	driver  *consumerDriver
	deliver transport.DeliverFunc
	cancel  context.CancelFunc
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.driver.setSession(sess)
	claims := sess.Claims()
	for _, topic := range slices.Sorted(maps.Keys(claims)) {
		h.driver.logger.Info("Partitions assigned", watermill.LogFields{
			"topic":      topic,
			"partitions": claims[topic],
			"generation": sess.GenerationID(),
		})
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.driver.setSession(nil)
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.deliver(sess.Context(), toMessage(msg)); err != nil {
				h.driver.fail(err)
				h.cancel()
				return err
			}
		}
	}
}

type producerDriver struct {
	async   sarama.AsyncProducer
	durable sarama.SyncProducer
	done    chan struct{}
}

func newProducerDriver(async sarama.AsyncProducer, syncProducer sarama.SyncProducer) *producerDriver {
	p := &producerDriver{async: async, durable: syncProducer, done: make(chan struct{})}
	go p.drain()
	return p
}

// drain resolves futures from the async producer until it is closed.
func (p *producerDriver) drain() {
	defer close(p.done)
	successes, failures := p.async.Successes(), p.async.Errors()
	for successes != nil || failures != nil {
		select {
		case msg, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			if fut, ok := msg.Metadata.(*transport.SendFuture); ok {
				fut.Resolve(metadata(msg), nil)
			}
		case perr, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			if fut, ok := perr.Msg.Metadata.(*transport.SendFuture); ok {
				fut.Resolve(transport.RecordMetadata{}, perr.Err)
			}
		}
	}
}

func (p *producerDriver) Send(ctx context.Context, rec transport.Record) (*transport.SendFuture, error) {
	fut := transport.NewSendFuture()
	msg := toProducerMessage(rec)
	msg.Metadata = fut
	select {
	case p.async.Input() <- msg:
		return fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *producerDriver) SendAndWait(_ context.Context, rec transport.Record) (transport.RecordMetadata, error) {
	msg := toProducerMessage(rec)
	if _, _, err := p.durable.SendMessage(msg); err != nil {
		return transport.RecordMetadata{}, fmt.Errorf("sarama: send %s: %w", rec.Topic, err)
	}
	return metadata(msg), nil
}

func (p *producerDriver) Close() error {
	asyncErr := p.async.Close()
	<-p.done
	return errors.Join(asyncErr, p.durable.Close())
}

func toProducerMessage(rec transport.Record) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     rec.Topic,
		Value:     sarama.ByteEncoder(rec.Value),
		Timestamp: time.Now(),
	}
	if rec.Key != nil {
		msg.Key = sarama.ByteEncoder(rec.Key)
	}
	for _, k := range slices.Sorted(maps.Keys(rec.Headers)) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(rec.Headers[k])})
	}
	return msg
}

func metadata(msg *sarama.ProducerMessage) transport.RecordMetadata {
	return transport.RecordMetadata{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
	}
}

func toMessage(msg *sarama.ConsumerMessage) transport.Message {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	return transport.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Timestamp,
	}
}
