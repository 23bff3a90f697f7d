package transport

// Observer receives the informational signals emitted by consumers. Calls
// may arrive concurrently from several goroutines.
type Observer interface {
	// EventAcked is called once per tracked event when it is released.
	EventAcked(tag MessageTag)
	// OffsetsCommitted is called after the backend accepted a commit.
	OffsetsCommitted(consumerID uint64, offsets map[TopicPartition]int64)
	// CommitFailed is called when a commit cycle fails; it will be retried.
	CommitFailed(consumerID uint64, err error)
	// PendingEvents reports, once per commit cycle, how many tracked events
	// are still waiting to be committed.
	PendingEvents(consumerID uint64, pending int)
}

// NopObserver ignores every signal. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) EventAcked(MessageTag)                             {}
func (NopObserver) OffsetsCommitted(uint64, map[TopicPartition]int64) {}
func (NopObserver) CommitFailed(uint64, error)                        {}
func (NopObserver) PendingEvents(uint64, int)                         {}

// Observers fans signals out to several observers in order.
func Observers(observers ...Observer) Observer {
	var out multiObserver
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return NopObserver{}
	case 1:
		return out[0]
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) EventAcked(tag MessageTag) {
	for _, o := range m {
		o.EventAcked(tag)
	}
}

func (m multiObserver) OffsetsCommitted(consumerID uint64, offsets map[TopicPartition]int64) {
	for _, o := range m {
		o.OffsetsCommitted(consumerID, offsets)
	}
}

func (m multiObserver) CommitFailed(consumerID uint64, err error) {
	for _, o := range m {
		o.CommitFailed(consumerID, err)
	}
}

func (m multiObserver) PendingEvents(consumerID uint64, pending int) {
	for _, o := range m {
		o.PendingEvents(consumerID, pending)
	}
}
