// Package rabbitmq provides a RabbitMQ/AMQP transport for streamflow.
//
// Every consumer group gets its own durable queue per topic, bound to the
// topic's fanout exchange, so groups consume independently while members
// of one group share the queue.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// Alias accepts plain AMQP URLs.
const Alias = "amqp"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register adds the transport to the default registry under both schemes.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
	transport.RegisterWithCapabilities(Alias, Build, transport.RabbitMQCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// AMQPURI rewrites the transport URL to the amqp scheme, keeping the
// credentials and the vhost path.
func AMQPURI(cfg transport.Config) (string, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return "", err
	}
	if len(ep.Hosts) == 0 {
		ep.Hosts = []string{"localhost:5672"}
	}
	if ep.User == "" {
		ep.User, ep.Password = "guest", "guest"
	}
	if ep.Path == "" {
		ep.Path = "/"
	}
	scheme := "amqp"
	if ep.Query.Get("tls") == "true" {
		scheme = "amqps"
	}
	return ep.WithScheme(scheme), nil
}

// Build opens one connection shared by the publisher and every consumer's
// subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	uri, err := AMQPURI(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := PublisherFactory(amqp.NewDurablePubSubConfig(uri, nil), logger, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return pubsub.New(pubsub.Options{
		Capabilities: transport.RabbitMQCapabilities,
		Publisher:    publisher,
		NewSubscriber: func(_ context.Context, spec transport.ConsumerSpec) (message.Subscriber, error) {
			subCfg := amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(spec.Group))
			return SubscriberFactory(subCfg, logger, conn)
		},
		OnClose: conn.Close,
		Logger:  logger,
	})
}
