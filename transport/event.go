package transport

import "time"

// Message is a record as received from a backend.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// TopicPartition returns the stream the message was read from.
func (m Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Event is the object handed to a consumer callback. The consumer observes
// it through an EventRef; calling Ack tells the consumer that processing is
// complete and the offset may be committed once every earlier event of the
// same partition is done too.
type Event struct {
	Message

	ref *EventRef
}

// NewEvent wraps msg. The event is untracked until passed to
// Consumer.TrackEvent.
func NewEvent(msg Message) *Event {
	return &Event{Message: msg}
}

// Ack releases the event. Only the first call has an effect; acknowledging
// an untracked event is a no-op.
func (e *Event) Ack() {
	if e.ref != nil {
		e.ref.release()
	}
}

// Tag returns the tag assigned when the event was tracked.
func (e *Event) Tag() (MessageTag, bool) {
	if e.ref == nil {
		return MessageTag{}, false
	}
	return e.ref.tag, true
}
