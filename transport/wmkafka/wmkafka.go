// Package wmkafka provides a Kafka transport for streamflow built on
// watermill-kafka. Each consumer gets its own consumer group subscriber;
// acknowledged messages are marked and committed by sarama's auto commit.
package wmkafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "wm-kafka"

// DefaultBroker is used when the URL names no host.
const DefaultBroker = "localhost:9092"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.WatermillKafkaCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.WatermillKafkaCapabilities
}

// Marshaler keeps the record key as the Kafka message key, so keyed
// records land on a stable partition.
func Marshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		return msg.Metadata.Get(pubsub.KeyMetadata), nil
	})
}

type settings struct {
	brokers      []string
	version      sarama.KafkaVersion
	tls          bool
	saslUser     string
	saslPassword string
}

func (s settings) apply(sc *sarama.Config, clientID string) *sarama.Config {
	sc.Version = s.version
	if clientID != "" {
		sc.ClientID = clientID
	}
	if s.tls {
		sc.Net.TLS.Enable = true
	}
	if s.saslUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = s.saslUser, s.saslPassword
	}
	return sc
}

func settingsFromTransport(cfg transport.Config) (settings, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return settings{}, err
	}
	s := settings{
		brokers:      ep.Hosts,
		version:      sarama.DefaultVersion,
		tls:          cfg.GetKafkaTLSEnabled(),
		saslUser:     cfg.GetKafkaSASLUser(),
		saslPassword: cfg.GetKafkaSASLPassword(),
	}
	if len(s.brokers) == 0 {
		s.brokers = []string{DefaultBroker}
	}
	if raw := cfg.GetKafkaVersion(); raw != "" {
		if s.version, err = sarama.ParseKafkaVersion(raw); err != nil {
			return settings{}, errspkg.NewConfigurationError(fmt.Errorf("wm-kafka: %w", err))
		}
	}
	return s, nil
}

// Build creates a shared publisher; subscribers are created per consumer
// with the consumer's group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	s, err := settingsFromTransport(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               s.brokers,
			Marshaler:             Marshaler(),
			OverwriteSaramaConfig: s.apply(kafka.DefaultSaramaSyncPublisherConfig(), cfg.GetClientID()),
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return pubsub.New(pubsub.Options{
		Capabilities: transport.WatermillKafkaCapabilities,
		Publisher:    publisher,
		NewSubscriber: func(_ context.Context, spec transport.ConsumerSpec) (message.Subscriber, error) {
			sc := s.apply(kafka.DefaultSaramaSubscriberConfig(), spec.ClientID)
			if spec.StartFrom == transport.StartNewest {
				sc.Consumer.Offsets.Initial = sarama.OffsetNewest
			} else {
				sc.Consumer.Offsets.Initial = sarama.OffsetOldest
			}
			return SubscriberFactory(
				kafka.SubscriberConfig{
					Brokers:               s.brokers,
					Unmarshaler:           Marshaler(),
					OverwriteSaramaConfig: sc,
					ConsumerGroup:         spec.Group,
				},
				logger,
			)
		},
		Logger: logger,
	})
}
