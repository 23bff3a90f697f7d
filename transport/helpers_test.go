package transport

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

var errBoom = errors.New("boom")

// fakeBackend records every driver it hands out.
type fakeBackend struct {
	caps Capabilities

	mu          sync.Mutex
	consumers   []*fakeConsumerDriver
	producers   []*fakeProducerDriver
	consumerErr error
	closed      bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{caps: Capabilities{Name: "fake", SupportsPartitions: true}}
}

func (b *fakeBackend) Capabilities() Capabilities { return b.caps }

func (b *fakeBackend) NewConsumerDriver(_ context.Context, spec ConsumerSpec) (ConsumerDriver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumerErr != nil {
		return nil, b.consumerErr
	}
	d := &fakeConsumerDriver{spec: spec, msgs: make(chan Message, 16)}
	b.consumers = append(b.consumers, d)
	return d, nil
}

func (b *fakeBackend) NewProducerDriver(_ context.Context, spec ProducerSpec) (ProducerDriver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := &fakeProducerDriver{spec: spec}
	b.producers = append(b.producers, d)
	return d, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) lastConsumer() *fakeConsumerDriver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumers[len(b.consumers)-1]
}

// fakeConsumerDriver delivers whatever is pushed onto msgs and records the
// commits it receives.
type fakeConsumerDriver struct {
	spec ConsumerSpec
	msgs chan Message

	mu          sync.Mutex
	commits     []map[TopicPartition]int64
	failCommits int
	closed      bool
}

func (d *fakeConsumerDriver) Run(ctx context.Context, deliver DeliverFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-d.msgs:
			if err := deliver(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (d *fakeConsumerDriver) Commit(_ context.Context, offsets map[TopicPartition]int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCommits > 0 {
		d.failCommits--
		return errBoom
	}
	d.commits = append(d.commits, maps.Clone(offsets))
	return nil
}

func (d *fakeConsumerDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeConsumerDriver) Commits() []map[TopicPartition]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]map[TopicPartition]int64(nil), d.commits...)
}

func (d *fakeConsumerDriver) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCommits = n
}

// fakeProducerDriver stores sent records and assigns sequential offsets.
type fakeProducerDriver struct {
	spec ProducerSpec

	mu      sync.Mutex
	records []Record
	sendErr error
	closed  int
}

func (d *fakeProducerDriver) Send(ctx context.Context, rec Record) (*SendFuture, error) {
	return SendAsync(ctx, func(ctx context.Context) (RecordMetadata, error) {
		return d.SendAndWait(ctx, rec)
	}), nil
}

func (d *fakeProducerDriver) SendAndWait(_ context.Context, rec Record) (RecordMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return RecordMetadata{}, d.sendErr
	}
	d.records = append(d.records, rec)
	return RecordMetadata{Topic: rec.Topic, Offset: int64(len(d.records) - 1), Timestamp: time.Now()}, nil
}

func (d *fakeProducerDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

// recordingObserver keeps every signal it receives.
type recordingObserver struct {
	mu        sync.Mutex
	acked     []MessageTag
	committed []map[TopicPartition]int64
	failures  int
	pending   []int
}

func (o *recordingObserver) EventAcked(tag MessageTag) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acked = append(o.acked, tag)
}

func (o *recordingObserver) OffsetsCommitted(_ uint64, offsets map[TopicPartition]int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, maps.Clone(offsets))
}

func (o *recordingObserver) CommitFailed(uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *recordingObserver) PendingEvents(_ uint64, pending int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, pending)
}

func (o *recordingObserver) Acked() []MessageTag {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]MessageTag(nil), o.acked...)
}

// mockConfig satisfies Config for registry tests.
type mockConfig struct {
	url string
}

func (m *mockConfig) GetURL() string                 { return m.url }
func (m *mockConfig) GetClientID() string            { return "" }
func (m *mockConfig) GetConsumerGroup() string       { return "" }
func (m *mockConfig) GetStartFrom() string           { return "" }
func (m *mockConfig) GetKafkaVersion() string        { return "" }
func (m *mockConfig) GetKafkaTLSEnabled() bool       { return false }
func (m *mockConfig) GetKafkaSASLUser() string       { return "" }
func (m *mockConfig) GetKafkaSASLPassword() string   { return "" }
func (m *mockConfig) GetNATSStreamName() string      { return "" }
func (m *mockConfig) GetPostgresSchema() string      { return "" }
func (m *mockConfig) GetPollInterval() time.Duration { return 0 }
func (m *mockConfig) GetHTTPServerAddress() string   { return "" }
func (m *mockConfig) GetAWSRegion() string           { return "" }
func (m *mockConfig) GetAWSAccountID() string        { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string      { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string  { return "" }
func (m *mockConfig) GetAWSEndpoint() string         { return "" }

func nopCallback(context.Context, *Event) error { return nil }
