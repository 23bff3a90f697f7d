package memory

import (
	"hash/fnv"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/drblury/streamflow/transport"
)

// DefaultPartitions is the partition count of topics created implicitly.
const DefaultPartitions = 1

type storedRecord struct {
	key       []byte
	value     []byte
	headers   map[string]string
	timestamp time.Time
}

// Broker is an in-process partitioned log. Topics are created on first
// write. Committed offsets are kept per consumer group.
type Broker struct {
	mu         sync.Mutex
	partitions int32
	topics     map[string][][]storedRecord
	committed  map[string]map[transport.TopicPartition]int64
	roundRobin uint32
	changed    chan struct{}
}

// NewBroker creates an empty broker whose topics have partitions partitions.
func NewBroker(partitions int) *Broker {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	return &Broker{
		partitions: int32(partitions),
		topics:     make(map[string][][]storedRecord),
		committed:  make(map[string]map[transport.TopicPartition]int64),
		changed:    make(chan struct{}),
	}
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*Broker)
)

// Shared returns the broker registered under name, creating it on first use.
// Every backend built from "memory://name" talks to the same broker.
func Shared(name string, partitions int) *Broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	if b, ok := brokers[name]; ok {
		return b
	}
	b := NewBroker(partitions)
	brokers[name] = b
	return b
}

// Reset drops every shared broker.
func Reset() {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	clear(brokers)
}

// CreateTopic creates topic with n partitions if it does not exist yet.
func (b *Broker) CreateTopic(topic string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; ok {
		return
	}
	if n <= 0 {
		n = int(b.partitions)
	}
	b.topics[topic] = make([][]storedRecord, n)
	b.notifyLocked()
}

// Topics returns the names of all topics in sorted order.
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.topics))
}

// Append writes rec to its partition and returns where it landed.
func (b *Broker) Append(rec transport.Record) transport.RecordMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[rec.Topic]
	if !ok {
		parts = make([][]storedRecord, b.partitions)
		b.topics[rec.Topic] = parts
	}
	partition := b.partitionLocked(rec.Key, len(parts))
	now := time.Now()
	parts[partition] = append(parts[partition], storedRecord{
		key:       rec.Key,
		value:     rec.Value,
		headers:   maps.Clone(rec.Headers),
		timestamp: now,
	})
	b.notifyLocked()

	return transport.RecordMetadata{
		Topic:     rec.Topic,
		Partition: int32(partition),
		Offset:    int64(len(parts[partition]) - 1),
		Timestamp: now,
	}
}

// partitionLocked hashes key onto a partition, or spreads keyless records
// round robin.
func (b *Broker) partitionLocked(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	if key == nil {
		b.roundRobin++
		return int(b.roundRobin % uint32(n))
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// Fetch returns the records of tp from offset on, at most limit of them.
func (b *Broker) Fetch(tp transport.TopicPartition, offset int64, limit int) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[tp.Topic]
	if !ok || int(tp.Partition) >= len(parts) {
		return nil
	}
	log := parts[tp.Partition]
	if offset >= int64(len(log)) {
		return nil
	}
	end := min(int64(len(log)), offset+int64(limit))
	out := make([]transport.Message, 0, end-offset)
	for i := offset; i < end; i++ {
		r := log[i]
		out = append(out, transport.Message{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    i,
			Key:       r.key,
			Value:     r.value,
			Headers:   r.headers,
			Timestamp: r.timestamp,
		})
	}
	return out
}

// Partitions returns the partitions of topic, or nil if it does not exist.
func (b *Broker) Partitions(topic string) []transport.TopicPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]transport.TopicPartition, len(parts))
	for i := range parts {
		out[i] = transport.TopicPartition{Topic: topic, Partition: int32(i)}
	}
	return out
}

// HighWatermark returns the offset the next record of tp will get.
func (b *Broker) HighWatermark(tp transport.TopicPartition) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts, ok := b.topics[tp.Topic]
	if !ok || int(tp.Partition) >= len(parts) {
		return 0
	}
	return int64(len(parts[tp.Partition]))
}

// Commit records offsets for group. Offsets never move backwards.
func (b *Broker) Commit(group string, offsets map[transport.TopicPartition]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	committed, ok := b.committed[group]
	if !ok {
		committed = make(map[transport.TopicPartition]int64)
		b.committed[group] = committed
	}
	for tp, off := range offsets {
		if prev, seen := committed[tp]; !seen || off > prev {
			committed[tp] = off
		}
	}
}

// Committed returns the last offset group committed for tp.
func (b *Broker) Committed(group string, tp transport.TopicPartition) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.committed[group][tp]
	return off, ok
}

// Changed returns a channel closed by the next write.
func (b *Broker) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
