// Package handlers turns typed handlers into consumer callbacks.
//
// A built callback decodes the event value, runs the handler, publishes
// what the handler emitted and then acknowledges the event, so the offset
// is only committed once the emitted records were accepted.
package handlers

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/transport"
)

// Output describes a record to publish after the handler succeeds.
type Output[O any] struct {
	Key     []byte
	Message O
	// Headers default to the incoming headers when nil.
	Headers map[string]string
}

// Handler processes one decoded event and returns the records to emit.
type Handler[T, O any] func(ctx context.Context, event Context[T]) ([]Output[O], error)

// Options configures a built callback.
type Options struct {
	// Producer publishes emitted records.
	Producer *transport.Producer
	// PublishTopic receives emitted records.
	PublishTopic string
	// SkipUndecodable acknowledges events whose value cannot be decoded
	// instead of failing the consumer.
	SkipUndecodable bool
	Logger          loggingpkg.ServiceLogger
}

type codec[T, O any] struct {
	decode func([]byte) (T, error)
	encode func(O) ([]byte, error)
	schema func(O) string
}

func build[T, O any](handler Handler[T, O], c codec[T, O], opts Options) (transport.ConsumerCallback, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{})
	}

	return func(ctx context.Context, ev *transport.Event) error {
		logger := opts.Logger.With(loggingpkg.LogFields{
			"topic":     ev.Topic,
			"partition": ev.Partition,
			"offset":    ev.Offset,
		})

		payload, err := c.decode(ev.Value)
		if err != nil {
			if opts.SkipUndecodable {
				logger.Error("Skipping undecodable event", err, nil)
				ev.Ack()
				return nil
			}
			return fmt.Errorf("decode %s: %w", causationID(ev), err)
		}

		outputs, err := handler(ctx, Context[T]{
			MessageContextBase: MessageContextBase{Event: ev, Headers: ev.Headers, Logger: logger},
			Payload:            payload,
		})
		if err != nil {
			return err
		}
		if err := publish(ctx, ev, outputs, c, opts); err != nil {
			return err
		}
		ev.Ack()
		return nil
	}, nil
}

func publish[T, O any](ctx context.Context, ev *transport.Event, outputs []Output[O], c codec[T, O], opts Options) error {
	if len(outputs) == 0 {
		return nil
	}
	if opts.Producer == nil || opts.PublishTopic == "" {
		return errspkg.ErrPublishTopicRequired
	}

	futures := make([]*transport.SendFuture, 0, len(outputs))
	for _, out := range outputs {
		value, err := c.encode(out.Message)
		if err != nil {
			return fmt.Errorf("encode %s: %w", c.schema(out.Message), err)
		}
		headers := maps.Clone(out.Headers)
		if headers == nil {
			headers = MessageContextBase{Headers: ev.Headers}.CloneHeaders()
		}
		headers[MetadataKeyEventSchema] = c.schema(out.Message)
		headers[MetadataKeyCausationID] = causationID(ev)

		fut, err := opts.Producer.SendRecord(ctx, transport.Record{
			Topic:   opts.PublishTopic,
			Key:     out.Key,
			Value:   value,
			Headers: headers,
		})
		if err != nil {
			return err
		}
		futures = append(futures, fut)
	}
	for _, fut := range futures {
		if _, err := fut.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func causationID(ev *transport.Event) string {
	return ev.Topic + "/" + strconv.FormatInt(int64(ev.Partition), 10) + "/" + strconv.FormatInt(ev.Offset, 10)
}
