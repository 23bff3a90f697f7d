// Package transport binds message brokers to a consumer and producer pair.
//
// A Consumer hands every received message to a callback as an Event and
// tracks it until the processing pipeline acknowledges it. A background task
// wakes every commit interval and, per partition, commits the oldest tracked
// offset once its event has been acknowledged. The next offset becomes
// eligible on the following cycle, which keeps delivery at-least-once
// without blocking the receive loop.
//
// Each broker implementation lives in its own sub-package and registers a
// Builder for its URL schemes with the registry.
package transport

import (
	"context"
	"io"
	"maps"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/ids"
)

// Version is reported in the default client id.
const Version = "0.4.0"

// DefaultClientID identifies consumers and producers that were not given a
// client id.
const DefaultClientID = "streamflow-" + Version

const (
	// DefaultCommitInterval is how often consumers commit safe offsets.
	DefaultCommitInterval = 30 * time.Second
	// DefaultCommitTimeout bounds one commit call.
	DefaultCommitTimeout = 10 * time.Second
	// PromptCommitInterval replaces DefaultCommitInterval on backends that
	// withhold delivery until the previous message is committed.
	PromptCommitInterval = 100 * time.Millisecond
)

// Config provides the settings backends read when they are built.
type Config interface {
	// GetURL returns the broker endpoint; its scheme selects the backend.
	GetURL() string
	GetClientID() string
	GetConsumerGroup() string
	GetStartFrom() string

	// Kafka
	GetKafkaVersion() string
	GetKafkaTLSEnabled() bool
	GetKafkaSASLUser() string
	GetKafkaSASLPassword() string

	// NATS JetStream
	GetNATSStreamName() string

	// PostgreSQL
	GetPostgresSchema() string
	GetPollInterval() time.Duration

	// HTTP
	GetHTTPServerAddress() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Transport binds a backend to an endpoint URL and an execution context and
// manufactures consumers and producers against it. It holds no other state
// and is safe for concurrent use.
type Transport struct {
	url     string
	ctx     context.Context
	backend Backend
	logger  watermill.LoggerAdapter

	observer       Observer
	clientID       string
	group          string
	startFrom      StartPosition
	commitInterval time.Duration
	intervalSet    bool
	commitTimeout  time.Duration
	releaseOnGC    bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger handed to consumers and producers.
func WithLogger(logger watermill.LoggerAdapter) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver sets the default observer of every consumer.
func WithObserver(observer Observer) Option {
	return func(t *Transport) {
		if observer != nil {
			t.observer = observer
		}
	}
}

// WithClientID sets the client id reported to the broker.
func WithClientID(id string) Option {
	return func(t *Transport) {
		if id != "" {
			t.clientID = id
		}
	}
}

// WithDefaultGroup sets the consumer group used when a consumer names none.
func WithDefaultGroup(group string) Option {
	return func(t *Transport) {
		t.group = group
	}
}

// WithDefaultStartFrom sets where new consumer groups begin reading.
func WithDefaultStartFrom(pos StartPosition) Option {
	return func(t *Transport) {
		t.startFrom = pos
	}
}

// WithDefaultCommitInterval sets the commit interval of every consumer.
func WithDefaultCommitInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.commitInterval = d
			t.intervalSet = true
		}
	}
}

// WithDefaultCommitTimeout bounds each commit call of every consumer.
func WithDefaultCommitTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.commitTimeout = d
		}
	}
}

// WithReleaseOnCollect makes every consumer release events that become
// unreachable without being acknowledged.
func WithReleaseOnCollect(enabled bool) Option {
	return func(t *Transport) {
		t.releaseOnGC = enabled
	}
}

// New binds backend to url. ctx is the execution context shared by every
// consumer task the transport creates; cancelling it stops them all.
func New(ctx context.Context, url string, backend Backend, opts ...Option) (*Transport, error) {
	if backend == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrBackendRequired)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := &Transport{
		url:            url,
		ctx:            ctx,
		backend:        backend,
		logger:         watermill.NopLogger{},
		observer:       NopObserver{},
		clientID:       DefaultClientID,
		startFrom:      StartOldest,
		commitInterval: DefaultCommitInterval,
		commitTimeout:  DefaultCommitTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Open builds the backend selected by cfg's URL scheme from the default
// registry and binds it. Client id, group and start position come from cfg
// unless opts override them.
func Open(ctx context.Context, cfg Config, logger watermill.LoggerAdapter, opts ...Option) (*Transport, error) {
	if cfg == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrConfigRequired)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	backend, err := Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(logger),
		WithClientID(cfg.GetClientID()),
		WithDefaultGroup(cfg.GetConsumerGroup()),
		WithDefaultStartFrom(ParseStartPosition(cfg.GetStartFrom())),
	}
	t, err := New(ctx, cfg.GetURL(), backend, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	logger.Info("Transport opened", watermill.LogFields{
		"backend":   t.Capabilities().Name,
		"client_id": t.clientID,
	})
	return t, nil
}

// URL returns the endpoint the transport is bound to.
func (t *Transport) URL() string { return t.url }

// Context returns the shared execution context.
func (t *Transport) Context() context.Context { return t.ctx }

// Capabilities returns the backend's capabilities.
func (t *Transport) Capabilities() Capabilities { return t.backend.Capabilities() }

// Backend returns the backend serving this transport.
func (t *Transport) Backend() Backend { return t.backend }

// ClientID returns the client id used for consumers and producers.
func (t *Transport) ClientID() string { return t.clientID }

// CreateConsumer validates topic and callback and returns a consumer bound
// to this transport. Exactly one consumer id is allocated per successful
// validation. The consumer does nothing until Start is called.
func (t *Transport) CreateConsumer(topic Topic, callback ConsumerCallback, opts ...ConsumerOption) (*Consumer, error) {
	if callback == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrCallbackRequired)
	}
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	caps := t.Capabilities()
	if topic.IsPattern() {
		if !caps.SupportsPattern {
			return nil, errspkg.NewConfigurationError(errspkg.ErrPatternUnsupported)
		}
		if caps.Name != JetStreamCapabilities.Name {
			if _, err := topic.Matcher(); err != nil {
				return nil, err
			}
		}
	}

	settings := consumerSettings{
		group:          t.group,
		startFrom:      t.startFrom,
		commitInterval: t.commitInterval,
		intervalSet:    t.intervalSet,
		commitTimeout:  t.commitTimeout,
		releaseOnGC:    t.releaseOnGC,
		observer:       t.observer,
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if !settings.intervalSet && caps.RequiresPromptCommits() {
		settings.commitInterval = PromptCommitInterval
	}
	if settings.group == "" {
		settings.group = t.clientID
	}

	id := ids.NextConsumerID()
	driver, err := t.backend.NewConsumerDriver(t.ctx, ConsumerSpec{
		ID:        id,
		ClientID:  t.clientID,
		Group:     settings.group,
		Topic:     topic,
		StartFrom: settings.startFrom,
		Options:   maps.Clone(settings.options),
	})
	if err != nil {
		return nil, err
	}

	return newConsumer(t, id, topic, callback, driver, settings), nil
}

// CreateProducer returns a producer bound to this transport.
func (t *Transport) CreateProducer(opts ...ProducerOption) (*Producer, error) {
	var settings producerSettings
	for _, opt := range opts {
		opt(&settings)
	}
	driver, err := t.backend.NewProducerDriver(t.ctx, ProducerSpec{
		ClientID: t.clientID,
		Options:  maps.Clone(settings.options),
	})
	if err != nil {
		return nil, err
	}
	return newProducer(t, driver), nil
}

// Close releases resources held by the backend itself, if any. Consumers
// and producers must be stopped first.
func (t *Transport) Close() error {
	if closer, ok := t.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
