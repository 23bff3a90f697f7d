package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/streamflow/transport"
)

// Stream is the part of JetStream the backend needs.
type Stream interface {
	Subscribe(opts SubscribeOptions) (Fetcher, error)
	Publish(ctx context.Context, msg *nats.Msg) (*nats.PubAck, error)
	PublishAsync(msg *nats.Msg) (nats.PubAckFuture, error)
	// Ack acknowledges msg; sync waits for the server to confirm.
	Ack(ctx context.Context, msg *nats.Msg, sync bool) error
	Close()
}

// SubscribeOptions describes a durable pull consumer.
type SubscribeOptions struct {
	Subject    string
	Durable    string
	StartFrom  transport.StartPosition
	AckWait    time.Duration
	MaxDeliver int
}

// Fetcher pulls batches from one durable consumer.
type Fetcher interface {
	Fetch(ctx context.Context, batch int) ([]Delivery, error)
	Unsubscribe() error
}

// Delivery is a fetched message with its stream position.
type Delivery struct {
	Msg       *nats.Msg
	Sequence  uint64
	Timestamp time.Time
}

type natsStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter
}

// Connect opens a NATS connection and ensures the stream exists.
func Connect(cfg Config, logger watermill.LoggerAdapter) (Stream, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL, nats.Name("streamflow"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s := &natsStream{nc: nc, js: js, config: cfg, logger: logger}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return s, nil
}

func (s *natsStream) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     s.config.StreamName,
		Subjects: []string{s.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: s.config.Replicas,
	}

	switch s.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	_, err := s.js.AddStream(streamCfg)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	if _, err := s.js.UpdateStream(streamCfg); err != nil {
		s.logger.Info("JetStream stream exists", watermill.LogFields{
			"stream": s.config.StreamName,
			"error":  err.Error(),
		})
	}
	return nil
}

func (s *natsStream) Subscribe(opts SubscribeOptions) (Fetcher, error) {
	deliver := nats.DeliverAllPolicy
	if opts.StartFrom == transport.StartNewest {
		deliver = nats.DeliverNewPolicy
	}
	consumerCfg := &nats.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: opts.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    opts.MaxDeliver,
		AckWait:       opts.AckWait,
		DeliverPolicy: deliver,
	}

	if _, err := s.js.AddConsumer(s.config.StreamName, consumerCfg); err != nil {
		// An existing durable keeps its delivery position.
		if _, err := s.js.ConsumerInfo(s.config.StreamName, opts.Durable); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := s.js.PullSubscribe(opts.Subject, opts.Durable, nats.Bind(s.config.StreamName, opts.Durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &natsFetcher{sub: sub}, nil
}

func (s *natsStream) Publish(ctx context.Context, msg *nats.Msg) (*nats.PubAck, error) {
	return s.js.PublishMsg(msg, nats.Context(ctx))
}

func (s *natsStream) PublishAsync(msg *nats.Msg) (nats.PubAckFuture, error) {
	return s.js.PublishMsgAsync(msg)
}

func (s *natsStream) Ack(ctx context.Context, msg *nats.Msg, sync bool) error {
	if sync {
		return msg.AckSync(nats.Context(ctx))
	}
	return msg.Ack()
}

func (s *natsStream) Close() {
	s.nc.Close()
}

type natsFetcher struct {
	sub *nats.Subscription
}

func (f *natsFetcher) Fetch(ctx context.Context, batch int) ([]Delivery, error) {
	msgs, err := f.sub.Fetch(batch, nats.Context(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		meta, err := m.Metadata()
		if err != nil {
			return out, fmt.Errorf("message metadata: %w", err)
		}
		out = append(out, Delivery{Msg: m, Sequence: meta.Sequence.Stream, Timestamp: meta.Timestamp})
	}
	return out, nil
}

func (f *natsFetcher) Unsubscribe() error {
	return f.sub.Unsubscribe()
}
