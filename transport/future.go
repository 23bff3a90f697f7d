package transport

import (
	"context"
	"sync"
	"time"
)

// RecordMetadata describes where a sent record landed. Partition and Offset
// are -1 when the backend does not report them.
type RecordMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
	ID        string
	Timestamp time.Time
}

// UnknownPosition returns metadata for topic without partition or offset.
func UnknownPosition(topic string) RecordMetadata {
	return RecordMetadata{Topic: topic, Partition: -1, Offset: -1}
}

// SendFuture is the pending result of Producer.Send. It resolves exactly once.
type SendFuture struct {
	once sync.Once
	done chan struct{}
	md   RecordMetadata
	err  error
}

// NewSendFuture returns an unresolved future.
func NewSendFuture() *SendFuture {
	return &SendFuture{done: make(chan struct{})}
}

// ResolvedFuture returns a future that is already resolved.
func ResolvedFuture(md RecordMetadata, err error) *SendFuture {
	f := NewSendFuture()
	f.Resolve(md, err)
	return f
}

// SendAsync runs send on its own goroutine and resolves the returned future
// with its result. It suits backends without a native asynchronous path.
func SendAsync(ctx context.Context, send func(context.Context) (RecordMetadata, error)) *SendFuture {
	f := NewSendFuture()
	go func() {
		f.Resolve(send(ctx))
	}()
	return f
}

// Resolve settles the future. Calls after the first are ignored and report
// false.
func (f *SendFuture) Resolve(md RecordMetadata, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.md, f.err = md, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves.
func (f *SendFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *SendFuture) Wait(ctx context.Context) (RecordMetadata, error) {
	select {
	case <-f.done:
		return f.md, f.err
	case <-ctx.Done():
		return RecordMetadata{}, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while unresolved.
func (f *SendFuture) Result() (RecordMetadata, bool, error) {
	select {
	case <-f.done:
		return f.md, true, f.err
	default:
		return RecordMetadata{}, false, nil
	}
}
