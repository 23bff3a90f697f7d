package transport

import "sync/atomic"

// EventRef is a non-owning observation of a tracked Event. It holds the
// event's tag and a one-shot hook, never the event itself, so it cannot keep
// the event alive.
type EventRef struct {
	tag      MessageTag
	released atomic.Bool
	onReady  func(*EventRef)
}

func newEventRef(tag MessageTag, onReady func(*EventRef)) *EventRef {
	return &EventRef{tag: tag, onReady: onReady}
}

// Tag returns the tag of the observed event.
func (r *EventRef) Tag() MessageTag {
	return r.tag
}

// Alive reports whether the observed event is still being processed.
func (r *EventRef) Alive() bool {
	return !r.released.Load()
}

// release marks the event gone and fires the hook exactly once, on the
// goroutine that won the race.
func (r *EventRef) release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.onReady != nil {
		r.onReady(r)
	}
}
