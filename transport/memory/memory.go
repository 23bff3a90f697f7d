// Package memory provides an in-process partitioned log transport for
// streamflow. It keeps committed offsets per consumer group, which makes it
// useful for tests and local development of at-least-once pipelines.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/streamflow/transport"
)

// TransportName is the URL scheme served by this transport.
const TransportName = "memory"

// DefaultBrokerName names the broker behind "memory://".
const DefaultBrokerName = "default"

// FetchLimit caps how many records of one partition are delivered before
// the driver moves on to the next partition.
const FetchLimit = 64

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build returns a backend for the shared broker named by the URL host. The
// "partitions" query parameter sets the partition count of new topics.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return nil, err
	}
	partitions := DefaultPartitions
	if raw := ep.Query.Get("partitions"); raw != "" {
		partitions, err = strconv.Atoi(raw)
		if err != nil || partitions <= 0 {
			return nil, fmt.Errorf("memory: invalid partitions %q", raw)
		}
	}
	return New(Shared(ep.Host(DefaultBrokerName), partitions), logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Backend serves consumers and producers from one Broker.
type Backend struct {
	broker *Broker
	logger watermill.LoggerAdapter
}

// New returns a backend for broker.
func New(broker *Broker, logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{broker: broker, logger: logger}
}

// Broker returns the underlying log.
func (b *Backend) Broker() *Broker { return b.broker }

func (b *Backend) Capabilities() transport.Capabilities { return transport.MemoryCapabilities }

func (b *Backend) NewConsumerDriver(_ context.Context, spec transport.ConsumerSpec) (transport.ConsumerDriver, error) {
	match, err := spec.Topic.Matcher()
	if err != nil {
		return nil, err
	}
	return &consumerDriver{
		broker:    b.broker,
		spec:      spec,
		match:     match,
		positions: make(map[transport.TopicPartition]int64),
		logger:    b.logger.With(watermill.LogFields{"group": spec.Group}),
	}, nil
}

func (b *Backend) NewProducerDriver(context.Context, transport.ProducerSpec) (transport.ProducerDriver, error) {
	return &producerDriver{broker: b.broker}, nil
}

type consumerDriver struct {
	broker    *Broker
	spec      transport.ConsumerSpec
	match     func(string) bool
	positions map[transport.TopicPartition]int64
	assigned  bool
	logger    watermill.LoggerAdapter
}

func (d *consumerDriver) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	for {
		changed := d.broker.Changed()
		d.assign()

		delivered := false
		for _, tp := range slices.SortedFunc(maps.Keys(d.positions), transport.TopicPartition.Compare) {
			for _, msg := range d.broker.Fetch(tp, d.positions[tp], FetchLimit) {
				if ctx.Err() != nil {
					return nil
				}
				if err := deliver(ctx, msg); err != nil {
					return err
				}
				d.positions[tp] = msg.Offset + 1
				delivered = true
			}
		}
		if delivered {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// assign picks up partitions of matching topics that appeared since the
// last pass and positions them after the group's committed offset. The
// start position only applies to partitions found by the first pass; later
// ones are new and read from their beginning.
func (d *consumerDriver) assign() {
	for _, topic := range d.broker.Topics() {
		if !d.match(topic) {
			continue
		}
		for _, tp := range d.broker.Partitions(topic) {
			if _, ok := d.positions[tp]; ok {
				continue
			}
			switch off, ok := d.broker.Committed(d.spec.Group, tp); {
			case ok:
				d.positions[tp] = off + 1
			case d.spec.StartFrom == transport.StartNewest && !d.assigned:
				d.positions[tp] = d.broker.HighWatermark(tp)
			default:
				d.positions[tp] = 0
			}
			d.logger.Debug("Partition assigned", watermill.LogFields{
				"partition": tp.String(),
				"offset":    d.positions[tp],
			})
		}
	}
	d.assigned = true
}

func (d *consumerDriver) Commit(ctx context.Context, offsets map[transport.TopicPartition]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.broker.Commit(d.spec.Group, offsets)
	return nil
}

func (d *consumerDriver) Close() error { return nil }

type producerDriver struct {
	broker *Broker
}

func (p *producerDriver) Send(ctx context.Context, rec transport.Record) (*transport.SendFuture, error) {
	md, err := p.SendAndWait(ctx, rec)
	if err != nil {
		return nil, err
	}
	return transport.ResolvedFuture(md, nil), nil
}

func (p *producerDriver) SendAndWait(ctx context.Context, rec transport.Record) (transport.RecordMetadata, error) {
	if err := ctx.Err(); err != nil {
		return transport.RecordMetadata{}, err
	}
	return p.broker.Append(rec), nil
}

func (p *producerDriver) Close() error { return nil }
