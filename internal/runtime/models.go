package runtime

import (
	"sync"
	"time"
)

// HandlerInfo describes a registered handler and the consumer serving it.
type HandlerInfo struct {
	Name         string        `json:"name"`
	Topic        string        `json:"topic"`
	Group        string        `json:"group"`
	PublishTopic string        `json:"publish_topic,omitempty"`
	ConsumerID   uint64        `json:"consumer_id"`
	Stats        *HandlerStats `json:"stats"`
}

// HandlerStats counts the invocations of one handler.
type HandlerStats struct {
	mu sync.Mutex

	messagesProcessed uint64
	messagesFailed    uint64
	totalTime         time.Duration
	lastDuration      time.Duration
	lastProcessedAt   time.Time
	lastOffset        int64
}

// HandlerStatsSnapshot is a copy of HandlerStats safe to serialise.
type HandlerStatsSnapshot struct {
	MessagesProcessed uint64    `json:"messages_processed"`
	MessagesFailed    uint64    `json:"messages_failed"`
	AverageNs         int64     `json:"average_ns"`
	LastNs            int64     `json:"last_ns"`
	LastProcessedAt   time.Time `json:"last_processed_at"`
	LastOffset        int64     `json:"last_offset"`
}

func newHandlerStats() *HandlerStats {
	return &HandlerStats{lastOffset: -1}
}

func (s *HandlerStats) record(offset int64, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messagesProcessed++
	if err != nil {
		s.messagesFailed++
	}
	s.totalTime += duration
	s.lastDuration = duration
	s.lastProcessedAt = time.Now()
	s.lastOffset = offset
}

// Snapshot returns the current counters.
func (s *HandlerStats) Snapshot() HandlerStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := HandlerStatsSnapshot{
		MessagesProcessed: s.messagesProcessed,
		MessagesFailed:    s.messagesFailed,
		LastNs:            s.lastDuration.Nanoseconds(),
		LastProcessedAt:   s.lastProcessedAt,
		LastOffset:        s.lastOffset,
	}
	if s.messagesProcessed > 0 {
		snap.AverageNs = s.totalTime.Nanoseconds() / int64(s.messagesProcessed)
	}
	return snap
}

// MarshalJSON encodes the snapshot.
func (s *HandlerStats) MarshalJSON() ([]byte, error) {
	return marshalJSON(s.Snapshot())
}
