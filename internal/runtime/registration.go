package runtime

import (
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/transport"
)

// HandlerRegistration wires a raw consumer callback without typed helpers.
type HandlerRegistration struct {
	Name    string
	Topic   transport.Topic
	Handler transport.ConsumerCallback

	// Group and StartFrom override the service defaults when set.
	Group     string
	StartFrom transport.StartPosition

	publishTopic string
}

// RegisterHandler creates the consumer serving cfg. It runs once the
// service is started.
func (s *Service) RegisterHandler(cfg HandlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}

	stats := newHandlerStats()
	var opts []transport.ConsumerOption
	if cfg.Group != "" {
		opts = append(opts, transport.WithConsumerGroup(cfg.Group))
	}
	if cfg.StartFrom != "" {
		opts = append(opts, transport.WithStartFrom(cfg.StartFrom))
	}
	consumer, err := s.transport.CreateConsumer(cfg.Topic, wrapCallback(cfg.Name, cfg.Handler, s.hooks, stats), opts...)
	if err != nil {
		return err
	}

	s.consumers = append(s.consumers, consumer)
	s.handlers = append(s.handlers, &HandlerInfo{
		Name:         cfg.Name,
		Topic:        cfg.Topic.String(),
		Group:        consumer.Group(),
		PublishTopic: cfg.publishTopic,
		ConsumerID:   consumer.ID(),
		Stats:        stats,
	})
	s.Logger.Info("Handler registered", loggingpkg.LogFields{
		"handler":     cfg.Name,
		"topic":       cfg.Topic.String(),
		"group":       consumer.Group(),
		"consumer_id": consumer.ID(),
	})
	return nil
}

// RegisterMessageHandler attaches a raw callback to svc.
func RegisterMessageHandler(svc *Service, cfg HandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.RegisterHandler(cfg)
}

// JSONHandlerRegistration describes a typed JSON handler. T must be a
// pointer type.
type JSONHandlerRegistration[T any, O any] struct {
	Name            string
	Topic           transport.Topic
	Group           string
	StartFrom       transport.StartPosition
	PublishTopic    string
	SkipUndecodable bool
	Handler         handlers.Handler[T, O]
}

// RegisterJSONHandler decodes events as JSON into T and publishes the
// outputs to PublishTopic.
func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	opts, err := svc.handlerOptions(cfg.PublishTopic, cfg.SkipUndecodable)
	if err != nil {
		return err
	}
	callback, err := handlers.BuildJSONHandler(cfg.Handler, opts)
	if err != nil {
		return err
	}
	return svc.RegisterHandler(HandlerRegistration{
		Name:         cfg.Name,
		Topic:        cfg.Topic,
		Group:        cfg.Group,
		StartFrom:    cfg.StartFrom,
		Handler:      callback,
		publishTopic: cfg.PublishTopic,
	})
}

// ProtoHandlerRegistration describes a typed protobuf handler. The name
// defaults to the message's full name.
type ProtoHandlerRegistration[T proto.Message] struct {
	Name            string
	Topic           transport.Topic
	Group           string
	StartFrom       transport.StartPosition
	PublishTopic    string
	SkipUndecodable bool
	Encoding        handlers.ProtoEncoding
	Handler         handlers.Handler[T, proto.Message]
}

// RegisterProtoHandler decodes events into T and publishes the outputs to
// PublishTopic.
func RegisterProtoHandler[T proto.Message](svc *Service, cfg ProtoHandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	prototype, err := handlers.EnsureProtoPrototype(*new(T))
	if err != nil {
		return err
	}
	if cfg.Name == "" {
		cfg.Name = string(prototype.ProtoReflect().Descriptor().FullName()) + "-Handler"
	}
	opts, err := svc.handlerOptions(cfg.PublishTopic, cfg.SkipUndecodable)
	if err != nil {
		return err
	}
	callback, err := handlers.BuildProtoHandler(prototype, cfg.Encoding, cfg.Handler, opts)
	if err != nil {
		return err
	}
	return svc.RegisterHandler(HandlerRegistration{
		Name:         cfg.Name,
		Topic:        cfg.Topic,
		Group:        cfg.Group,
		StartFrom:    cfg.StartFrom,
		Handler:      callback,
		publishTopic: cfg.PublishTopic,
	})
}

func (s *Service) handlerOptions(publishTopic string, skipUndecodable bool) (handlers.Options, error) {
	opts := handlers.Options{
		PublishTopic:    publishTopic,
		SkipUndecodable: skipUndecodable,
		Logger:          s.Logger,
	}
	if publishTopic == "" {
		return opts, nil
	}
	producer, err := s.Producer()
	if err != nil {
		return opts, err
	}
	opts.Producer = producer
	return opts, nil
}
