package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/internal/runtime/config"
	"github.com/drblury/streamflow/transport"
)

func TestRegister(t *testing.T) {
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	assert.True(t, caps.GatedDelivery)
	assert.False(t, caps.DurableCommits)
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func withFactories(t *testing.T) (*watermillhttp.PublisherConfig, *mockSubscriber, *string) {
	t.Helper()
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	var pubCfg watermillhttp.PublisherConfig
	var addr string
	sub := &mockSubscriber{}
	PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = config
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(a string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		addr = a
		return sub, nil
	}
	return &pubCfg, sub, &addr
}

func TestBuild(t *testing.T) {
	t.Run("posts below the url path", func(t *testing.T) {
		pubCfg, _, addr := withFactories(t)

		_, err := Build(context.Background(), &config.Config{
			URL:               "http://peer:9000/events/",
			HTTPServerAddress: ":9001",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, ":9001", *addr)

		req, err := pubCfg.MarshalMessageFunc("orders", message.NewMessage("id-1", []byte("payload")))
		require.NoError(t, err)
		assert.Equal(t, "http://peer:9000/events/orders", req.URL.String())
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(body))
	})

	t.Run("defaults", func(t *testing.T) {
		pubCfg, _, addr := withFactories(t)

		_, err := Build(context.Background(), &config.Config{URL: "http://?tls=true"}, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultServerAddress, *addr)

		req, err := pubCfg.MarshalMessageFunc("orders", message.NewMessage("id-1", nil))
		require.NoError(t, err)
		assert.Equal(t, "https://localhost:8080/orders", req.URL.String())
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		withFactories(t)
		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &config.Config{URL: "http://"}, nil)
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		withFactories(t)
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &config.Config{URL: "http://"}, nil)
		assert.ErrorContains(t, err, "subscriber error")
	})
}

func TestServerStartsOnceAfterFirstRoute(t *testing.T) {
	_, sub, _ := withFactories(t)

	tr, err := transport.Open(context.Background(), &config.Config{URL: "http://peer:9000/events"}, watermill.NopLogger{})
	require.NoError(t, err)

	for _, group := range []string{"billing", "shipping"} {
		consumer, err := tr.CreateConsumer(transport.Topics("orders"), func(context.Context, *transport.Event) error { return nil },
			transport.WithConsumerGroup(group))
		require.NoError(t, err)
		require.NoError(t, consumer.Start(context.Background()))
		defer consumer.Stop(context.Background())
	}

	require.Eventually(t, func() bool { return len(sub.routes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/events/orders", "/events/orders"}, sub.routes())
	require.Eventually(t, func() bool { return sub.startCount() == 1 }, time.Second, 5*time.Millisecond)
}

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct {
	mu      sync.Mutex
	paths   []string
	started int
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, topic)
	return make(chan *message.Message), nil
}

func (m *mockSubscriber) StartHTTPServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nethttp.ErrServerClosed
}

func (m *mockSubscriber) routes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

func (m *mockSubscriber) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *mockSubscriber) Close() error { return nil }
