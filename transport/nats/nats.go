// Package nats provides a NATS Core transport for streamflow.
//
// Core NATS keeps no history: a consumer sees only what is published while
// it is subscribed, and its commits are acknowledgements that nothing
// replays. Members of a consumer group share a queue group per subject.
// Use the jetstream transport when delivery must survive restarts.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// ServerURL returns the server list of the transport URL, e.g.
// "nats://u:p@n1:4222,n2:4222".
func ServerURL(cfg transport.Config) (string, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return "", err
	}
	if len(ep.Hosts) == 0 {
		ep.Hosts = []string{"localhost:4222"}
	}
	ep.Path = ""
	return ep.WithScheme("nats"), nil
}

// Build creates the publisher and prepares a queue-group subscriber per
// consumer.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	url, err := ServerURL(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: core,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return pubsub.New(pubsub.Options{
		Capabilities: transport.NATSCapabilities,
		Publisher:    publisher,
		NewSubscriber: func(_ context.Context, spec transport.ConsumerSpec) (message.Subscriber, error) {
			return SubscriberFactory(
				nats.SubscriberConfig{
					URL:              url,
					Unmarshaler:      marshaler,
					QueueGroupPrefix: spec.Group,
					SubscribersCount: 1,
					JetStream:        core,
				},
				logger,
			)
		},
		Logger: logger,
	})
}
