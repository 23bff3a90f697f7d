// Package http provides an HTTP push transport for streamflow.
//
// Producers POST each record to "<url>/<topic>". Consumers are served by
// one HTTP server listening on the configured address; a request is
// answered once the record is committed, so a producer's SendAndWait
// returns only after the consuming side processed the record.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// DefaultServerAddress is where the subscriber listens when no address is
// configured.
const DefaultServerAddress = ":8080"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Build creates the publisher posting to the transport URL and the
// subscriber serving on the configured server address.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if len(ep.Hosts) == 0 {
		ep.Hosts = []string{"localhost" + DefaultServerAddress}
	}
	scheme := "http"
	if ep.Query.Get("tls") == "true" {
		scheme = "https"
	}
	prefix := strings.TrimSuffix(ep.Path, "/")
	base := strings.TrimSuffix(ep.WithScheme(scheme), "/")

	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		serverAddr = DefaultServerAddress
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+"/"+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return pubsub.New(pubsub.Options{
		Capabilities: transport.HTTPCapabilities,
		Publisher:    publisher,
		Subscriber:   &serverSubscriber{Subscriber: subscriber, prefix: prefix, logger: logger},
		Logger:       logger,
	})
}

type httpServer interface {
	StartHTTPServer() error
}

// serverSubscriber routes topics below the URL path and starts the HTTP
// server after the first route is registered.
type serverSubscriber struct {
	message.Subscriber
	prefix string
	logger watermill.LoggerAdapter
	start  sync.Once
}

func (s *serverSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, s.prefix+"/"+topic)
	if err != nil {
		return nil, err
	}
	if server, ok := s.Subscriber.(httpServer); ok {
		s.start.Do(func() {
			go func() {
				if err := server.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
					s.logger.Error("Failed to start HTTP subscriber server", err, nil)
				}
			}()
		})
	}
	return ch, nil
}
