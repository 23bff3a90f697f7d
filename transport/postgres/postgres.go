// Package postgres provides a PostgreSQL-based transport for streamflow.
//
// Topics are partitioned logs stored in a records table; each partition
// hands out offsets from a counter row. Consumers poll for records past
// their position and commit into a consumer_offsets table, so committed
// offsets survive restarts just like on a Kafka cluster.
package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// Alias is the scheme libpq style URLs use.
const Alias = "postgresql"

const (
	// DefaultPollInterval is the default interval for polling new records.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultSchemaName holds the transport tables.
	DefaultSchemaName = "streamflow"
	// DefaultPartitions is the partition count producers spread keys over.
	DefaultPartitions = 1
	// DefaultFetchLimit caps one poll of one partition.
	DefaultFetchLimit = 100
	// DefaultMaxConns sizes the connection pool.
	DefaultMaxConns = 10
)

// StoreFactory allows overriding the database for testing.
var StoreFactory = func(ctx context.Context, cfg Config) (Store, error) {
	return Connect(ctx, cfg)
}

func init() {
	Register()
}

// Register adds the transport to the default registry under both schemes.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities(Alias, Build, transport.PostgresCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema to use for tables. Defaults to "streamflow".
	SchemaName string
	// PollInterval is how long an idle consumer waits before polling again.
	PollInterval time.Duration
	// Partitions is how many partitions producers spread records over.
	Partitions int32
	// FetchLimit caps the records read from one partition per poll.
	FetchLimit int
	// MaxConns sets the maximum size of the connection pool.
	MaxConns int32
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	return c
}

// ConfigFromTransport maps the transport URL onto a Config. The "schema"
// and "partitions" query parameters are consumed here; everything else is
// passed to the driver as part of the connection string.
func ConfigFromTransport(cfg transport.Config) (Config, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return Config{}, err
	}

	c := Config{
		SchemaName:   cfg.GetPostgresSchema(),
		PollInterval: cfg.GetPollInterval(),
	}
	if c.SchemaName == "" {
		c.SchemaName = ep.Query.Get("schema")
	}
	if raw := ep.Query.Get("partitions"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n <= 0 {
			return Config{}, errspkg.NewConfigurationError(fmt.Errorf("postgres: invalid partitions %q", raw))
		}
		c.Partitions = int32(n)
	}

	query := url.Values{}
	for k, v := range ep.Query {
		if k != "schema" && k != "partitions" {
			query[k] = v
		}
	}
	c.ConnectionString = ep.WithScheme(TransportName)
	if len(query) > 0 {
		c.ConnectionString += "?" + query.Encode()
	}
	return c.withDefaults(), nil
}

// Build connects to PostgreSQL and prepares the transport tables.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	pcfg, err := ConfigFromTransport(cfg)
	if err != nil {
		return nil, err
	}
	store, err := StoreFactory(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return New(pcfg, store, logger), nil
}

// Backend serves consumers and producers from one Store.
type Backend struct {
	config     Config
	store      Store
	logger     watermill.LoggerAdapter
	roundRobin atomic.Uint32
}

// New returns a backend on store.
func New(cfg Config, store Store, logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{config: cfg.withDefaults(), store: store, logger: logger}
}

func (b *Backend) Capabilities() transport.Capabilities { return transport.PostgresCapabilities }

// Close releases the connection pool.
func (b *Backend) Close() error {
	b.store.Close()
	return nil
}

// Lag reports, per partition the group has consumed, how many records lie
// beyond its committed offset.
func (b *Backend) Lag(ctx context.Context, group string) (map[transport.TopicPartition]int64, error) {
	partitions, err := b.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	committed, err := b.store.Committed(ctx, group)
	if err != nil {
		return nil, err
	}
	lag := make(map[transport.TopicPartition]int64, len(committed))
	for _, p := range partitions {
		if off, ok := committed[p.TopicPartition()]; ok {
			lag[p.TopicPartition()] = p.NextOffset - off - 1
		}
	}
	return lag, nil
}

func (b *Backend) partitionFor(key []byte) int32 {
	n := uint32(b.config.Partitions)
	if key == nil {
		return int32(b.roundRobin.Add(1) % n)
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int32(h.Sum32() % n)
}

func (b *Backend) NewConsumerDriver(_ context.Context, spec transport.ConsumerSpec) (transport.ConsumerDriver, error) {
	match, err := spec.Topic.Matcher()
	if err != nil {
		return nil, err
	}
	return &consumerDriver{
		backend:   b,
		spec:      spec,
		match:     match,
		positions: make(map[transport.TopicPartition]int64),
		logger:    b.logger.With(watermill.LogFields{"group": spec.Group}),
	}, nil
}

func (b *Backend) NewProducerDriver(context.Context, transport.ProducerSpec) (transport.ProducerDriver, error) {
	return &producerDriver{backend: b}, nil
}

type consumerDriver struct {
	backend   *Backend
	spec      transport.ConsumerSpec
	match     func(string) bool
	positions map[transport.TopicPartition]int64
	assigned  bool
	logger    watermill.LoggerAdapter
}

// Run polls every assigned partition in order and sleeps for the poll
// interval whenever a pass delivered nothing.
func (d *consumerDriver) Run(ctx context.Context, deliver transport.DeliverFunc) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		delivered, err := d.poll(ctx, deliver)
		if err != nil {
			return err
		}
		if delivered {
			timer.Reset(0)
		} else {
			timer.Reset(d.backend.config.PollInterval)
		}
	}
}

// poll runs one pass. Store errors are logged and retried on the next pass;
// only a failing deliver ends Run.
func (d *consumerDriver) poll(ctx context.Context, deliver transport.DeliverFunc) (bool, error) {
	if err := d.assign(ctx); err != nil {
		if ctx.Err() == nil {
			d.logger.Error("Failed to list partitions", err, nil)
		}
		return false, nil
	}

	delivered := false
	for _, tp := range slices.SortedFunc(maps.Keys(d.positions), transport.TopicPartition.Compare) {
		records, err := d.backend.store.Fetch(ctx, tp, d.positions[tp], d.backend.config.FetchLimit)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("Failed to fetch records", err, watermill.LogFields{"partition": tp.String()})
			}
			continue
		}
		for _, rec := range records {
			if ctx.Err() != nil {
				return delivered, nil
			}
			msg, err := d.toMessage(tp, rec)
			if err != nil {
				return delivered, err
			}
			if err := deliver(ctx, msg); err != nil {
				return delivered, err
			}
			d.positions[tp] = rec.Offset + 1
			delivered = true
		}
	}
	return delivered, nil
}

// assign picks up partitions of matching topics that appeared since the
// last pass and positions them after the group's committed offset. The
// start position only applies to partitions found by the first pass; later
// ones are new and read from their beginning.
func (d *consumerDriver) assign(ctx context.Context) error {
	partitions, err := d.backend.store.Partitions(ctx)
	if err != nil {
		return err
	}

	var fresh []PartitionInfo
	for _, p := range partitions {
		if _, ok := d.positions[p.TopicPartition()]; !ok && d.match(p.Topic) {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		d.assigned = true
		return nil
	}

	committed, err := d.backend.store.Committed(ctx, d.spec.Group)
	if err != nil {
		return err
	}
	for _, p := range fresh {
		tp := p.TopicPartition()
		switch off, ok := committed[tp]; {
		case ok:
			d.positions[tp] = off + 1
		case d.spec.StartFrom == transport.StartNewest && !d.assigned:
			d.positions[tp] = p.NextOffset
		default:
			d.positions[tp] = 0
		}
		d.logger.Debug("Partition assigned", watermill.LogFields{
			"partition": tp.String(),
			"offset":    d.positions[tp],
		})
	}
	d.assigned = true
	return nil
}

func (d *consumerDriver) toMessage(tp transport.TopicPartition, rec StoredRecord) (transport.Message, error) {
	headers, err := decodeHeaders(rec.Headers)
	if err != nil {
		return transport.Message{}, fmt.Errorf("postgres: %s@%d: %w", tp, rec.Offset, err)
	}
	return transport.Message{
		Topic:     tp.Topic,
		Partition: tp.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.CreatedAt,
	}, nil
}

func (d *consumerDriver) Commit(ctx context.Context, offsets map[transport.TopicPartition]int64) error {
	if err := d.backend.store.Commit(ctx, d.spec.Group, offsets); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (d *consumerDriver) Close() error { return nil }

type producerDriver struct {
	backend *Backend
}

// Send has no asynchronous path; the insert runs on its own goroutine.
func (p *producerDriver) Send(ctx context.Context, rec transport.Record) (*transport.SendFuture, error) {
	return transport.SendAsync(ctx, func(ctx context.Context) (transport.RecordMetadata, error) {
		return p.SendAndWait(ctx, rec)
	}), nil
}

func (p *producerDriver) SendAndWait(ctx context.Context, rec transport.Record) (transport.RecordMetadata, error) {
	partition := p.backend.partitionFor(rec.Key)
	offset, createdAt, err := p.backend.store.Append(ctx, partition, rec)
	if err != nil {
		return transport.RecordMetadata{}, fmt.Errorf("postgres: append %s: %w", rec.Topic, err)
	}
	return transport.RecordMetadata{
		Topic:     rec.Topic,
		Partition: partition,
		Offset:    offset,
		Timestamp: createdAt,
	}, nil
}

func (p *producerDriver) Close() error { return nil }
