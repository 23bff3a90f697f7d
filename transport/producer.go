package transport

import (
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

const tracerName = "github.com/drblury/streamflow/transport"

type producerSettings struct {
	options map[string]string
}

// ProducerOption configures a single producer.
type ProducerOption func(*producerSettings)

// WithProducerOptions passes backend specific settings through to the driver.
func WithProducerOptions(options map[string]string) ProducerOption {
	return func(s *producerSettings) {
		if s.options == nil {
			s.options = make(map[string]string, len(options))
		}
		for k, v := range options {
			s.options[k] = v
		}
	}
}

// Producer publishes keyed byte payloads to named topics. It holds nothing
// but the transport and the backend driver.
type Producer struct {
	transport *Transport
	driver    ProducerDriver
	logger    watermill.LoggerAdapter
	tracer    trace.Tracer
	closed    atomic.Bool
}

func newProducer(t *Transport, driver ProducerDriver) *Producer {
	return &Producer{
		transport: t,
		driver:    driver,
		logger:    t.logger.With(watermill.LogFields{"client_id": t.clientID}),
		tracer:    otel.Tracer(tracerName),
	}
}

// Transport returns the transport that created the producer.
func (p *Producer) Transport() *Transport { return p.transport }

// Send enqueues value for topic and returns a future that resolves once the
// backend accepted it. key may be nil. Failures detected before enqueueing
// are returned directly; later failures resolve the future with an error.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte) (*SendFuture, error) {
	return p.SendRecord(ctx, Record{Topic: topic, Key: key, Value: value})
}

// SendRecord is Send for a record with headers.
func (p *Producer) SendRecord(ctx context.Context, rec Record) (*SendFuture, error) {
	if p.closed.Load() {
		return nil, errspkg.ErrProducerClosed
	}
	ctx, span := p.startSpan(ctx, "send", rec)
	fut, err := p.driver.Send(ctx, rec)
	if err != nil {
		p.endSpan(span, err)
		p.logger.Error("Send rejected", err, watermill.LogFields{"topic": rec.Topic})
		return nil, err
	}
	go func() {
		<-fut.Done()
		md, _, err := fut.Result()
		if err == nil {
			span.SetAttributes(
				attribute.Int64("messaging.destination.partition.id", int64(md.Partition)),
				attribute.Int64("messaging.kafka.offset", md.Offset),
			)
		}
		p.endSpan(span, err)
	}()
	return fut, nil
}

// SendAndWait publishes value to topic and returns once the broker durably
// acknowledged it. Backend errors are always returned.
func (p *Producer) SendAndWait(ctx context.Context, topic string, key, value []byte) (RecordMetadata, error) {
	return p.SendRecordAndWait(ctx, Record{Topic: topic, Key: key, Value: value})
}

// SendRecordAndWait is SendAndWait for a record with headers.
func (p *Producer) SendRecordAndWait(ctx context.Context, rec Record) (RecordMetadata, error) {
	if p.closed.Load() {
		return RecordMetadata{}, errspkg.ErrProducerClosed
	}
	ctx, span := p.startSpan(ctx, "send_and_wait", rec)
	md, err := p.driver.SendAndWait(ctx, rec)
	if err != nil {
		p.logger.Error("Send failed", err, watermill.LogFields{"topic": rec.Topic})
	}
	p.endSpan(span, err)
	return md, err
}

// Close flushes and closes the backend driver. Further sends fail with
// ErrProducerClosed.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.driver.Close()
}

func (p *Producer) startSpan(ctx context.Context, op string, rec Record) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, rec.Topic+" "+op,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", p.transport.Capabilities().Name),
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.String("messaging.client.id", p.transport.clientID),
			attribute.Int("messaging.message.body.size", len(rec.Value)),
		),
	)
}

func (p *Producer) endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
