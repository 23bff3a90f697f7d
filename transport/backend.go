package transport

import (
	"context"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

// StartPosition selects where a consumer group without committed offsets
// begins reading.
type StartPosition string

const (
	StartOldest StartPosition = "oldest"
	StartNewest StartPosition = "newest"
)

// ParseStartPosition maps a config value onto a StartPosition, defaulting
// to StartOldest.
func ParseStartPosition(s string) StartPosition {
	if StartPosition(s) == StartNewest {
		return StartNewest
	}
	return StartOldest
}

// DeliverFunc hands one received message to the consumer. Drivers call it
// sequentially per partition, in log order. A non-nil error ends Run.
type DeliverFunc func(ctx context.Context, msg Message) error

// ConsumerSpec carries everything a backend needs to build a consumer driver.
type ConsumerSpec struct {
	ID        uint64
	ClientID  string
	Group     string
	Topic     Topic
	StartFrom StartPosition
	// Options are backend specific settings passed through unchanged.
	Options map[string]string
}

// ProducerSpec carries everything a backend needs to build a producer driver.
type ProducerSpec struct {
	ClientID string
	Options  map[string]string
}

// Record is an outgoing message. A nil Key lets the backend choose the
// partition.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Backend is implemented by each transport plugin.
type Backend interface {
	Capabilities() Capabilities
	NewConsumerDriver(ctx context.Context, spec ConsumerSpec) (ConsumerDriver, error)
	NewProducerDriver(ctx context.Context, spec ProducerSpec) (ProducerDriver, error)
}

// ConsumerDriver is the receive side of a backend.
type ConsumerDriver interface {
	// Run receives messages and passes them to deliver until ctx is done or
	// deliver fails. It returns nil on cancellation.
	Run(ctx context.Context, deliver DeliverFunc) error
	// Commit durably records, per partition, the offset of the last message
	// that is fully processed. Offsets not above what is already committed
	// must be ignored.
	Commit(ctx context.Context, offsets map[TopicPartition]int64) error
	Close() error
}

// ProducerDriver is the send side of a backend.
type ProducerDriver interface {
	// Send enqueues rec. The future resolves once the backend accepted the
	// record for delivery.
	Send(ctx context.Context, rec Record) (*SendFuture, error)
	// SendAndWait returns once the broker durably acknowledged rec.
	SendAndWait(ctx context.Context, rec Record) (RecordMetadata, error)
	Close() error
}

// UnimplementedConsumerDriver can be embedded by drivers that do not support
// every operation.
type UnimplementedConsumerDriver struct{}

func (UnimplementedConsumerDriver) Run(context.Context, DeliverFunc) error {
	return errspkg.ErrNotImplemented
}

func (UnimplementedConsumerDriver) Commit(context.Context, map[TopicPartition]int64) error {
	return errspkg.ErrNotImplemented
}

func (UnimplementedConsumerDriver) Close() error { return nil }

// UnimplementedProducerDriver can be embedded by drivers that do not support
// every operation.
type UnimplementedProducerDriver struct{}

func (UnimplementedProducerDriver) Send(context.Context, Record) (*SendFuture, error) {
	return nil, errspkg.ErrNotImplemented
}

func (UnimplementedProducerDriver) SendAndWait(context.Context, Record) (RecordMetadata, error) {
	return RecordMetadata{}, errspkg.ErrNotImplemented
}

func (UnimplementedProducerDriver) Close() error { return nil }
