package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metricspkg "github.com/drblury/streamflow/internal/runtime/metrics"
	"github.com/drblury/streamflow/transport"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Backend replaces the backend selected by the configured URL.
	Backend transport.Backend
	// Observer receives consumer signals next to the service metrics.
	Observer transport.Observer
	// Registerer receives the metrics collectors. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// Gatherer is scraped by the metrics endpoint. Defaults to the
	// Prometheus default gatherer.
	Gatherer prometheus.Gatherer
	// Hooks run around every handler invocation.
	Hooks JobHooks
}

// Service hosts the consumers of registered handlers on one transport.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport *transport.Transport
	metrics   *metricspkg.Metrics
	gatherer  prometheus.Gatherer
	hooks     JobHooks

	producerOnce sync.Once
	producer     *transport.Producer
	producerErr  error

	mu        sync.RWMutex
	handlers  []*HandlerInfo
	consumers []*transport.Consumer
	started   bool
}

// NewService opens the transport described by conf. Register handlers on
// the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrConfigRequired)
	}
	if log == nil {
		return nil, errspkg.NewConfigurationError(errspkg.ErrLoggerRequired)
	}
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigurationError(err)
	}
	log.Info("Creating event service", loggingpkg.LogFields{"config": conf.String()})

	m := metricspkg.New(deps.Registerer)
	if conf.MetricsEnabled {
		if err := m.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	opts := []transport.Option{
		transport.WithObserver(transport.Observers(m, deps.Observer)),
		transport.WithReleaseOnCollect(conf.ReleaseOnCollect),
	}
	if conf.CommitInterval > 0 {
		opts = append(opts, transport.WithDefaultCommitInterval(conf.CommitInterval))
	}
	if conf.CommitTimeout > 0 {
		opts = append(opts, transport.WithDefaultCommitTimeout(conf.CommitTimeout))
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	var (
		tr  *transport.Transport
		err error
	)
	if deps.Backend != nil {
		opts = append([]transport.Option{
			transport.WithLogger(wmLogger),
			transport.WithClientID(conf.ClientID),
			transport.WithDefaultGroup(conf.ConsumerGroup),
			transport.WithDefaultStartFrom(transport.ParseStartPosition(conf.StartFrom)),
		}, opts...)
		tr, err = transport.New(ctx, conf.URL, deps.Backend, opts...)
	} else {
		tr, err = transport.Open(ctx, conf, wmLogger, opts...)
	}
	if err != nil {
		return nil, err
	}

	return &Service{
		Conf:      conf,
		Logger:    log,
		transport: tr,
		metrics:   m,
		gatherer:  deps.Gatherer,
		hooks:     deps.Hooks,
	}, nil
}

// Transport returns the transport consumers and producers are bound to.
func (s *Service) Transport() *transport.Transport { return s.transport }

// Metrics returns the consumer metrics observer.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// Producer returns the producer shared by the service's handlers.
func (s *Service) Producer() (*transport.Producer, error) {
	s.producerOnce.Do(func() {
		s.producer, s.producerErr = s.transport.CreateProducer()
	})
	return s.producer, s.producerErr
}

// Start runs every registered consumer until ctx is cancelled or one of
// them fails, then stops all of them. Stopping commits what was
// acknowledged. The returned error is the first consumer failure.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	consumers := append([]*transport.Consumer(nil), s.consumers...)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.Conf.MetricsEnabled {
		addr := fmt.Sprintf(":%d", s.Conf.MetricsPort)
		bound, _, err := metricspkg.Serve(ctx, addr, s.httpHandler())
		if err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
		s.Logger.Info("Serving metrics", loggingpkg.LogFields{"address": bound})
	}

	var started []*transport.Consumer
	var runErr error
	for _, c := range consumers {
		if err := c.Start(ctx); err != nil {
			runErr = err
			break
		}
		started = append(started, c)
	}

	if runErr == nil {
		runErr = s.wait(ctx, started)
	}
	cancel()

	stopErr := s.stopAll(started)
	if runErr != nil {
		return runErr
	}
	return stopErr
}

// wait blocks until ctx ends or a consumer stops on its own.
func (s *Service) wait(ctx context.Context, consumers []*transport.Consumer) error {
	failed := make(chan *transport.Consumer, len(consumers))
	for _, c := range consumers {
		go func() {
			select {
			case <-c.Done():
				failed <- c
			case <-ctx.Done():
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case c := <-failed:
		if ctx.Err() != nil {
			return nil
		}
		err := c.Err()
		s.Logger.Error("Consumer stopped", err, loggingpkg.LogFields{
			"consumer_id": c.ID(),
			"topic":       c.Topic().String(),
		})
		return err
	}
}

func (s *Service) stopAll(consumers []*transport.Consumer) error {
	var errs []error
	for _, c := range consumers {
		stopCtx := context.WithoutCancel(s.transport.Context())
		if err := c.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
		s.metrics.Forget(c.ID())
	}
	return errors.Join(errs...)
}

// Close releases the producer and the transport. Producer returns
// ErrServiceClosed afterwards if it was never created.
func (s *Service) Close() error {
	s.producerOnce.Do(func() {
		s.producerErr = errspkg.ErrServiceClosed
	})
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	errs = append(errs, s.transport.Close())
	return errors.Join(errs...)
}

func (s *Service) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricspkg.Handler(s.gatherer))
	mux.HandleFunc("/api/handlers", s.handleGetHandlers)
	return mux
}
