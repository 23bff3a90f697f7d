package streamflow

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/streamflow/internal/runtime"
	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/streamflow/internal/runtime/handlers"
	idspkg "github.com/drblury/streamflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/streamflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metricspkg "github.com/drblury/streamflow/internal/runtime/metrics"
	"github.com/drblury/streamflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Transport layer
	Transport        = transport.Transport
	TransportOption  = transport.Option
	TransportConfig  = transport.Config
	Backend          = transport.Backend
	Capabilities     = transport.Capabilities
	Consumer         = transport.Consumer
	ConsumerOption   = transport.ConsumerOption
	ConsumerCallback = transport.ConsumerCallback
	Producer         = transport.Producer
	Record           = transport.Record
	RecordMetadata   = transport.RecordMetadata
	SendFuture       = transport.SendFuture
	Message          = transport.Message
	Event            = transport.Event
	EventRef         = transport.EventRef
	MessageTag       = transport.MessageTag
	TopicPartition   = transport.TopicPartition
	Topic            = transport.Topic
	StartPosition    = transport.StartPosition
	Observer         = transport.Observer
	NopObserver      = transport.NopObserver

	// Handlers
	HandlerRegistration                       = runtimepkg.HandlerRegistration
	JSONHandlerRegistration[T any, O any]     = runtimepkg.JSONHandlerRegistration[T, O]
	ProtoHandlerRegistration[T proto.Message] = runtimepkg.ProtoHandlerRegistration[T]
	MessageContext[T any]                     = handlerpkg.Context[T]
	MessageContextBase                        = handlerpkg.MessageContextBase
	MessageOutput[O any]                      = handlerpkg.Output[O]
	MessageHandler[T any, O any]              = handlerpkg.Handler[T, O]
	ProtoEncoding                             = handlerpkg.ProtoEncoding

	HandlerInfo          = runtimepkg.HandlerInfo
	HandlerStats         = runtimepkg.HandlerStats
	HandlerStatsSnapshot = runtimepkg.HandlerStatsSnapshot

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Metrics
	Metrics         = metricspkg.Metrics
	MetricsSnapshot = metricspkg.Snapshot
	ConsumerStats   = metricspkg.ConsumerStats

	LogFields      = loggingpkg.LogFields
	ServiceLogger  = loggingpkg.ServiceLogger
	LoggingOptions = loggingpkg.Options

	ConfigurationError = errspkg.ConfigurationError
)

const (
	StartOldest = transport.StartOldest
	StartNewest = transport.StartNewest

	ProtoBinary = handlerpkg.ProtoBinary
	ProtoJSON   = handlerpkg.ProtoJSON
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewMetrics = metricspkg.New

	// Transport construction
	NewTransport      = transport.New
	Topics            = transport.Topics
	Pattern           = transport.Pattern
	Observers         = transport.Observers
	GetCapabilities   = transport.GetCapabilities
	RegisterTransport = transport.RegisterWithCapabilities

	WithLogger                = transport.WithLogger
	WithObserver              = transport.WithObserver
	WithClientID              = transport.WithClientID
	WithDefaultGroup          = transport.WithDefaultGroup
	WithDefaultStartFrom      = transport.WithDefaultStartFrom
	WithDefaultCommitInterval = transport.WithDefaultCommitInterval
	WithDefaultCommitTimeout  = transport.WithDefaultCommitTimeout
	WithReleaseOnCollect      = transport.WithReleaseOnCollect
	WithConsumerGroup         = transport.WithConsumerGroup
	WithStartFrom             = transport.WithStartFrom
	WithCommitInterval        = transport.WithCommitInterval
	WithCommitTimeout         = transport.WithCommitTimeout
	WithConsumerObserver      = transport.WithConsumerObserver
	WithEventReleaseOnCollect = transport.WithEventReleaseOnCollect
	WithDriverOptions         = transport.WithDriverOptions

	NewConfigurationError     = errspkg.NewConfigurationError
	IsConfigurationError      = errspkg.IsConfigurationError
	NewLogger                 = loggingpkg.New
	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillLoggerAdapter = loggingpkg.NewWatermillAdapter

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	CreateULID = idspkg.CreateULID

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrServiceStarted       = errspkg.ErrServiceStarted
	ErrServiceClosed        = errspkg.ErrServiceClosed
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrMessageTypeRequired  = errspkg.ErrMessageTypeRequired
	ErrMessagePointerNeeded = errspkg.ErrMessagePointerNeeded
	ErrPublishTopicRequired = errspkg.ErrPublishTopicRequired
	ErrCallbackRequired     = errspkg.ErrCallbackRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrPatternUnsupported   = errspkg.ErrPatternUnsupported
	ErrBackendRequired      = errspkg.ErrBackendRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrUnknownBackend       = errspkg.ErrUnknownBackend
	ErrConsumerStarted      = errspkg.ErrConsumerStarted
	ErrConsumerStopped      = errspkg.ErrConsumerStopped
	ErrProducerClosed       = errspkg.ErrProducerClosed
)

// Header keys set on records emitted by typed handlers.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventSchema   = handlerpkg.MetadataKeyEventSchema
	MetadataKeyCausationID   = handlerpkg.MetadataKeyCausationID
)

// Open builds the transport selected by cfg.URL. The backend package must be
// linked in, e.g. through a blank import of transport/transports.
func Open(ctx context.Context, cfg *Config, logger watermill.LoggerAdapter, opts ...TransportOption) (*Transport, error) {
	if cfg == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrConfigRequired)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigurationError(err)
	}
	if cfg.CommitInterval > 0 {
		opts = append([]TransportOption{transport.WithDefaultCommitInterval(cfg.CommitInterval)}, opts...)
	}
	if cfg.CommitTimeout > 0 {
		opts = append([]TransportOption{transport.WithDefaultCommitTimeout(cfg.CommitTimeout)}, opts...)
	}
	opts = append([]TransportOption{transport.WithReleaseOnCollect(cfg.ReleaseOnCollect)}, opts...)
	return transport.Open(ctx, cfg, logger, opts...)
}

func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}

func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) error {
	return runtimepkg.RegisterProtoHandler(svc, cfg)
}

// NewProtoMessage returns a fresh instance of T.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	return handlerpkg.EnsureProtoPrototype(zero)
}

// MustProtoMessage is like NewProtoMessage but panics on error.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}
