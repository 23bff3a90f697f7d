// Package kafka provides a native Kafka transport for streamflow built on
// segmentio/kafka-go. Consumers join a consumer group and commit offsets
// explicitly; nothing is committed until the consumer's commit task asks
// for it.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/drblury/streamflow/transport"
)

// TransportName is the URL scheme served by this transport.
const TransportName = "kafka"

// DefaultBroker is used when the URL names no host.
const DefaultBroker = "localhost:9092"

// BatchTimeout is how long a writer waits to fill a batch before sending.
// SendAndWait blocks for at most this long on an idle writer.
const BatchTimeout = 5 * time.Millisecond

// Reader is the subset of *kafka.Reader the consumer driver uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer the producer driver uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory allows overriding the reader creation for testing.
var ReaderFactory = func(cfg kafka.ReaderConfig) Reader {
	return kafka.NewReader(cfg)
}

// WriterFactory allows overriding the writer creation for testing.
var WriterFactory = func(w *kafka.Writer) Writer {
	return w
}

// TopicLister returns every topic known to the cluster. Pattern
// subscriptions are resolved against it when a consumer is created.
var TopicLister = func(ctx context.Context, dialer *kafka.Dialer, brokers []string) ([]string, error) {
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: list topics: %w", err)
	}
	topics := make(map[string]struct{})
	for _, p := range partitions {
		topics[p.Topic] = struct{}{}
	}
	return slices.Sorted(maps.Keys(topics)), nil
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Config holds Kafka connection settings.
type Config struct {
	Brokers      []string
	TLS          bool
	SASLUser     string
	SASLPassword string
}

// ConfigFromTransport reads the broker list from the URL and security
// settings from cfg.
func ConfigFromTransport(cfg transport.Config) (Config, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return Config{}, err
	}
	brokers := ep.Hosts
	if len(brokers) == 0 {
		brokers = []string{DefaultBroker}
	}
	user, password := cfg.GetKafkaSASLUser(), cfg.GetKafkaSASLPassword()
	if ep.User != "" {
		user, password = ep.User, ep.Password
	}
	return Config{
		Brokers:      brokers,
		TLS:          cfg.GetKafkaTLSEnabled() || ep.Query.Get("tls") == "true",
		SASLUser:     user,
		SASLPassword: password,
	}, nil
}

// Build creates a Kafka backend.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	kcfg, err := ConfigFromTransport(cfg)
	if err != nil {
		return nil, err
	}
	return New(kcfg, logger), nil
}

// Backend creates kafka-go readers and writers.
type Backend struct {
	config Config
	logger watermill.LoggerAdapter
}

// New returns a backend for cfg.
func New(cfg Config, logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{config: cfg, logger: logger}
}

func (b *Backend) Capabilities() transport.Capabilities { return transport.KafkaCapabilities }

func (b *Backend) dialer(clientID string) *kafka.Dialer {
	d := &kafka.Dialer{
		ClientID:  clientID,
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if b.config.TLS {
		d.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if b.config.SASLUser != "" {
		d.SASLMechanism = plain.Mechanism{Username: b.config.SASLUser, Password: b.config.SASLPassword}
	}
	return d
}

func (b *Backend) NewConsumerDriver(ctx context.Context, spec transport.ConsumerSpec) (transport.ConsumerDriver, error) {
	dialer := b.dialer(spec.ClientID)
	topics, err := b.resolveTopics(ctx, dialer, spec.Topic)
	if err != nil {
		return nil, err
	}

	startOffset := kafka.FirstOffset
	if spec.StartFrom == transport.StartNewest {
		startOffset = kafka.LastOffset
	}

	reader := ReaderFactory(kafka.ReaderConfig{
		Brokers:     b.config.Brokers,
		GroupID:     spec.Group,
		GroupTopics: topics,
		Dialer:      dialer,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: startOffset,
		// Commits happen only through CommitMessages.
		CommitInterval: 0,
	})

	b.logger.Info("Kafka consumer created", watermill.LogFields{
		"group":  spec.Group,
		"topics": topics,
	})
	return &consumerDriver{reader: reader, logger: b.logger}, nil
}

func (b *Backend) resolveTopics(ctx context.Context, dialer *kafka.Dialer, topic transport.Topic) ([]string, error) {
	if !topic.IsPattern() {
		return topic.Topics, nil
	}
	available, err := TopicLister(ctx, dialer, b.config.Brokers)
	if err != nil {
		return nil, err
	}
	topics, err := topic.Resolve(available)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka: no topic matches pattern %q", topic.Pattern)
	}
	return topics, nil
}

func (b *Backend) NewProducerDriver(_ context.Context, spec transport.ProducerSpec) (transport.ProducerDriver, error) {
	kt := &kafka.Transport{ClientID: spec.ClientID}
	if b.config.TLS {
		kt.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if b.config.SASLUser != "" {
		kt.SASL = plain.Mechanism{Username: b.config.SASLUser, Password: b.config.SASLPassword}
	}

	newWriter := func(acks kafka.RequiredAcks) Writer {
		return WriterFactory(&kafka.Writer{
			Addr:                   kafka.TCP(b.config.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           acks,
			BatchTimeout:           BatchTimeout,
			MaxAttempts:            5,
			ReadTimeout:            10 * time.Second,
			WriteTimeout:           10 * time.Second,
			AllowAutoTopicCreation: true,
			Transport:              kt,
		})
	}
	return &producerDriver{
		fast:    newWriter(kafka.RequireOne),
		durable: newWriter(kafka.RequireAll),
	}, nil
}

type consumerDriver struct {
	reader Reader
	logger watermill.LoggerAdapter
}

func (d *consumerDriver) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	for {
		m, err := d.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kafka: fetch: %w", err)
		}
		if err := deliver(ctx, toMessage(m)); err != nil {
			return err
		}
	}
}

// Commit stores offsets for the group. kafka-go commits the position after
// each message, so the message offsets are passed as is.
func (d *consumerDriver) Commit(ctx context.Context, offsets map[transport.TopicPartition]int64) error {
	msgs := make([]kafka.Message, 0, len(offsets))
	for _, tp := range slices.SortedFunc(maps.Keys(offsets), transport.TopicPartition.Compare) {
		msgs = append(msgs, kafka.Message{Topic: tp.Topic, Partition: int(tp.Partition), Offset: offsets[tp]})
	}
	if err := d.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: commit: %w", err)
	}
	return nil
}

func (d *consumerDriver) Close() error {
	return d.reader.Close()
}

// producerDriver writes with leader acknowledgement for Send and with full
// ISR acknowledgement for SendAndWait.
type producerDriver struct {
	fast    Writer
	durable Writer
}

func (p *producerDriver) Send(ctx context.Context, rec transport.Record) (*transport.SendFuture, error) {
	return transport.SendAsync(ctx, func(ctx context.Context) (transport.RecordMetadata, error) {
		return write(ctx, p.fast, rec)
	}), nil
}

func (p *producerDriver) SendAndWait(ctx context.Context, rec transport.Record) (transport.RecordMetadata, error) {
	return write(ctx, p.durable, rec)
}

func (p *producerDriver) Close() error {
	return errors.Join(p.fast.Close(), p.durable.Close())
}

func write(ctx context.Context, w Writer, rec transport.Record) (transport.RecordMetadata, error) {
	msg := kafka.Message{
		Topic:   rec.Topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: toHeaders(rec.Headers),
		Time:    time.Now(),
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return transport.RecordMetadata{}, fmt.Errorf("kafka: write %s: %w", rec.Topic, err)
	}
	md := transport.UnknownPosition(rec.Topic)
	md.Timestamp = msg.Time
	return md, nil
}

func toMessage(m kafka.Message) transport.Message {
	var headers map[string]string
	if len(m.Headers) > 0 {
		headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return transport.Message{
		Topic:     m.Topic,
		Partition: int32(m.Partition),
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Timestamp: m.Time,
	}
}

func toHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}
