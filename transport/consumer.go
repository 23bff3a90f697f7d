package transport

import (
	"context"
	"errors"
	"iter"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

// ConsumerCallback receives every delivered event. Returning an error stops
// delivery so that the failed message is never committed.
type ConsumerCallback func(ctx context.Context, ev *Event) error

type consumerSettings struct {
	group          string
	startFrom      StartPosition
	commitInterval time.Duration
	intervalSet    bool
	commitTimeout  time.Duration
	releaseOnGC    bool
	observer       Observer
	options        map[string]string
}

// ConsumerOption configures a single consumer.
type ConsumerOption func(*consumerSettings)

// WithConsumerGroup sets the group whose offsets the consumer commits.
func WithConsumerGroup(group string) ConsumerOption {
	return func(s *consumerSettings) { s.group = group }
}

// WithStartFrom sets where reading begins when the group has no commits.
func WithStartFrom(pos StartPosition) ConsumerOption {
	return func(s *consumerSettings) { s.startFrom = pos }
}

// WithCommitInterval sets how often the consumer commits.
func WithCommitInterval(d time.Duration) ConsumerOption {
	return func(s *consumerSettings) {
		if d > 0 {
			s.commitInterval = d
			s.intervalSet = true
		}
	}
}

// WithCommitTimeout bounds each commit call.
func WithCommitTimeout(d time.Duration) ConsumerOption {
	return func(s *consumerSettings) {
		if d > 0 {
			s.commitTimeout = d
		}
	}
}

// WithConsumerObserver replaces the transport's observer for this consumer.
func WithConsumerObserver(observer Observer) ConsumerOption {
	return func(s *consumerSettings) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithEventReleaseOnCollect releases events that become unreachable without
// being acknowledged. Collection timing is up to the runtime, so this is a
// safety net rather than a replacement for Event.Ack.
func WithEventReleaseOnCollect(enabled bool) ConsumerOption {
	return func(s *consumerSettings) { s.releaseOnGC = enabled }
}

// WithDriverOptions passes backend specific settings through to the driver.
func WithDriverOptions(options map[string]string) ConsumerOption {
	return func(s *consumerSettings) {
		if s.options == nil {
			s.options = make(map[string]string, len(options))
		}
		for k, v := range options {
			s.options[k] = v
		}
	}
}

// Consumer receives messages for a topic subscription, tracks every
// delivered event until it is acknowledged and periodically commits the
// oldest tracked offset of each partition once it has been acknowledged.
type Consumer struct {
	id        uint64
	topic     Topic
	transport *Transport
	callback  ConsumerCallback
	driver    ConsumerDriver
	logger    watermill.LoggerAdapter
	settings  consumerSettings

	mu        sync.Mutex
	dirty     map[TopicPartition][]*EventRef
	committed map[TopicPartition]int64

	commitMu sync.Mutex

	lifecycle sync.Mutex
	started   bool
	running   bool
	stopped   bool
	timerOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	runErr    error
	done      chan struct{}
}

func newConsumer(t *Transport, id uint64, topic Topic, callback ConsumerCallback, driver ConsumerDriver, settings consumerSettings) *Consumer {
	return &Consumer{
		id:        id,
		topic:     topic,
		transport: t,
		callback:  callback,
		driver:    driver,
		settings:  settings,
		logger: t.logger.With(watermill.LogFields{
			"consumer_id": id,
			"topic":       topic.String(),
			"group":       settings.group,
		}),
		dirty:     make(map[TopicPartition][]*EventRef),
		committed: make(map[TopicPartition]int64),
		done:      make(chan struct{}),
	}
}

// ID returns the process-wide unique consumer id.
func (c *Consumer) ID() uint64 { return c.id }

// Topic returns the subscription.
func (c *Consumer) Topic() Topic { return c.topic }

// Group returns the consumer group whose offsets are committed.
func (c *Consumer) Group() string { return c.settings.group }

// CommitInterval returns the period of the commit task.
func (c *Consumer) CommitInterval() time.Duration { return c.settings.commitInterval }

// Transport returns the transport that created the consumer.
func (c *Consumer) Transport() *Transport { return c.transport }

// TrackEvent starts observing ev, tagging it with offset, and appends the
// observation to its partition's dirty list. Calls must follow delivery
// order so each list's head is the oldest outstanding message.
func (c *Consumer) TrackEvent(ev *Event, offset int64) {
	tag := MessageTag{ConsumerID: c.id, TopicPartition: ev.TopicPartition(), Offset: offset}
	ref := newEventRef(tag, c.onEventReady)
	ev.ref = ref

	c.mu.Lock()
	c.dirty[tag.TopicPartition] = append(c.dirty[tag.TopicPartition], ref)
	c.mu.Unlock()

	if c.settings.releaseOnGC {
		runtime.AddCleanup(ev, func(r *EventRef) { r.release() }, ref)
	}
}

// onEventReady emits the acknowledgment signal. It never prunes or commits;
// releases arrive in any order and only the commit cycle advances offsets.
func (c *Consumer) onEventReady(ref *EventRef) {
	c.logger.Trace("Event acknowledged", watermill.LogFields{
		"partition": ref.tag.Partition,
		"offset":    ref.tag.Offset,
	})
	c.settings.observer.EventAcked(ref.tag)
}

// RegisterTimers starts the commit task on the transport's execution
// context. The first commit check happens one commit interval later. Only
// the first call has an effect; Start calls it before delivery begins.
func (c *Consumer) RegisterTimers(ctx context.Context) {
	c.timerOnce.Do(func() {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()
		if c.stopped {
			return
		}
		ctx, cancel := c.bind(ctx)
		c.addCancel(cancel)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.commitHandler(ctx)
		}()
	})
}

// Start registers the commit timer and starts receiving. Delivery runs until
// ctx or the transport's context is cancelled, the callback fails or Stop is
// called.
func (c *Consumer) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	switch {
	case c.stopped:
		c.lifecycle.Unlock()
		return errspkg.ErrConsumerStopped
	case c.started:
		c.lifecycle.Unlock()
		return errspkg.ErrConsumerStarted
	}
	c.started = true
	c.lifecycle.Unlock()

	c.RegisterTimers(ctx)

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopped {
		return errspkg.ErrConsumerStopped
	}
	runCtx, cancel := c.bind(ctx)
	c.addCancel(cancel)

	c.logger.Info("Consumer started", watermill.LogFields{
		"commit_interval": c.settings.commitInterval.String(),
	})

	c.running = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		err := c.driver.Run(runCtx, c.deliver)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("Consumer stopped receiving", err, nil)
			c.lifecycle.Lock()
			c.runErr = err
			c.lifecycle.Unlock()
		}
	}()
	return nil
}

// deliver wraps msg as an event, tracks it and hands it to the callback.
func (c *Consumer) deliver(ctx context.Context, msg Message) error {
	ev := NewEvent(msg)
	c.TrackEvent(ev, msg.Offset)
	return c.callback(ctx, ev)
}

// Done is closed when the receive loop has ended, or by Stop when it never
// started.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the receive loop, if any.
func (c *Consumer) Err() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.runErr
}

// Stop cancels the receive loop and the commit timer, waits for both,
// commits every released head and closes the driver. No commit happens
// after Stop returns. Further calls are no-ops.
func (c *Consumer) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	if c.stopped {
		c.lifecycle.Unlock()
		return nil
	}
	c.stopped = true
	if !c.running {
		close(c.done)
	}
	cancel := c.cancel
	c.lifecycle.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	commitErr := c.drain(ctx)
	if commitErr != nil {
		c.logger.Error("Final commit failed", commitErr, nil)
	}
	closeErr := c.driver.Close()

	c.logger.Info("Consumer stopped", watermill.LogFields{"pending": c.Pending()})
	return errors.Join(commitErr, closeErr)
}

// Pending returns the number of tracked events not yet committed.
func (c *Consumer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, refs := range c.dirty {
		n += len(refs)
	}
	return n
}

// Committed returns the last offset committed for tp by this consumer.
func (c *Consumer) Committed(tp TopicPartition) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[tp]
	return off, ok
}

// commitHandler wakes every commit interval and runs a commit cycle. A
// failed cycle is reported and retried on the next tick.
func (c *Consumer) commitHandler(ctx context.Context) {
	ticker := time.NewTicker(c.settings.commitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.commit(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Commit failed, retrying next interval", err, nil)
			}
		}
	}
}

// currentOffsets yields the offset of tp's oldest tracked event once that
// event has been released. Only the head is examined; the next entry
// becomes eligible on a later cycle, after the head has been pruned.
func (c *Consumer) currentOffsets(tp TopicPartition) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		c.mu.Lock()
		refs := c.dirty[tp]
		c.mu.Unlock()
		if len(refs) > 0 && !refs[0].Alive() {
			yield(refs[0].tag.Offset)
		}
	}
}

// commit runs one commit cycle.
func (c *Consumer) commit(ctx context.Context) error {
	_, err := c.commitCycle(ctx)
	return err
}

// drain repeats commit cycles until no partition advances. Stop uses it so
// every released head is committed before the driver closes.
func (c *Consumer) drain(ctx context.Context) error {
	for {
		progressed, err := c.commitCycle(ctx)
		if err != nil || !progressed {
			return err
		}
	}
}

// commitCycle takes, for every partition, the last safe offset, commits all
// partitions that advanced in one backend call and, on success, prunes the
// committed heads. It reports whether any entry was pruned.
func (c *Consumer) commitCycle(ctx context.Context) (bool, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	partitions := make([]TopicPartition, 0, len(c.dirty))
	for tp := range c.dirty {
		partitions = append(partitions, tp)
	}
	c.mu.Unlock()

	pruned := 0
	offsets := make(map[TopicPartition]int64)
	for _, tp := range partitions {
		last, found := int64(0), false
		for off := range c.currentOffsets(tp) {
			last, found = off, true
		}
		if !found {
			continue
		}
		c.mu.Lock()
		prev, seen := c.committed[tp]
		c.mu.Unlock()
		if seen && last <= prev {
			// Redelivered messages at or below the committed offset.
			pruned += c.prune(tp, prev)
			continue
		}
		offsets[tp] = last
	}

	c.settings.observer.PendingEvents(c.id, c.Pending())
	if len(offsets) == 0 {
		return pruned > 0, nil
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settings.commitTimeout)
	defer cancel()
	if err := c.driver.Commit(commitCtx, offsets); err != nil {
		c.settings.observer.CommitFailed(c.id, err)
		return pruned > 0, err
	}

	c.mu.Lock()
	for tp, off := range offsets {
		c.committed[tp] = off
	}
	c.mu.Unlock()
	for tp, off := range offsets {
		pruned += c.prune(tp, off)
	}

	c.logger.Debug("Offsets committed", watermill.LogFields{"offsets": formatOffsets(offsets)})
	c.settings.observer.OffsetsCommitted(c.id, offsets)
	return pruned > 0, nil
}

// prune drops released head entries of tp with offsets up to upTo and
// returns how many it dropped.
func (c *Consumer) prune(tp TopicPartition, upTo int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := c.dirty[tp]
	n := 0
	for n < len(refs) && !refs[n].Alive() && refs[n].tag.Offset <= upTo {
		n++
	}
	if n == len(refs) {
		delete(c.dirty, tp)
	} else if n > 0 {
		c.dirty[tp] = slices.Clone(refs[n:])
	}
	return n
}

// bind derives a context that ends with either ctx or the transport's
// execution context.
func (c *Consumer) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	derived, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.transport.ctx, cancel)
	return derived, func() {
		stop()
		cancel()
	}
}

// addCancel chains cancel onto the consumer's cancel func. Callers hold
// c.lifecycle.
func (c *Consumer) addCancel(cancel context.CancelFunc) {
	prev := c.cancel
	c.cancel = func() {
		if prev != nil {
			prev()
		}
		cancel()
	}
}

func formatOffsets(offsets map[TopicPartition]int64) map[string]int64 {
	out := make(map[string]int64, len(offsets))
	for tp, off := range offsets {
		out[tp.String()] = off
	}
	return out
}
