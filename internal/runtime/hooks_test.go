package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/transport"
)

func TestJobHooks_Merge(t *testing.T) {
	var calls []string
	a := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "a-start") },
		OnJobError: func(JobContext, error) { calls = append(calls, "a-error") },
	}
	b := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "b-start") },
		OnJobDone:  func(JobContext) { calls = append(calls, "b-done") },
	}

	merged := a.Merge(b)
	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	assert.Equal(t, []string{"a-start", "b-start", "b-done", "a-error"}, calls)
	assert.Nil(t, JobHooks{}.Merge(JobHooks{}).OnJobDone)
}

func TestWrapCallback(t *testing.T) {
	var (
		started []JobContext
		done    []JobContext
		failed  []error
	)
	hooks := JobHooks{
		OnJobStart: func(ctx JobContext) { started = append(started, ctx) },
		OnJobDone:  func(ctx JobContext) { done = append(done, ctx) },
		OnJobError: func(_ JobContext, err error) { failed = append(failed, err) },
	}
	boom := errors.New("boom")
	stats := newHandlerStats()
	callback := wrapCallback("orders", func(_ context.Context, ev *transport.Event) error {
		if string(ev.Value) == "bad" {
			return boom
		}
		return nil
	}, hooks, stats)

	ok := transport.NewEvent(transport.Message{Topic: "orders", Partition: 1, Offset: 4, Value: []byte("good")})
	require.NoError(t, callback(context.Background(), ok))
	bad := transport.NewEvent(transport.Message{Topic: "orders", Partition: 1, Offset: 5, Value: []byte("bad")})
	assert.ErrorIs(t, callback(context.Background(), bad), boom)

	require.Len(t, started, 2)
	assert.Equal(t, "orders", started[0].HandlerName)
	assert.Equal(t, int32(1), started[0].Partition)
	assert.Equal(t, int64(4), started[0].Offset)
	require.Len(t, done, 1)
	assert.Equal(t, []error{boom}, failed)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.MessagesProcessed)
	assert.Equal(t, uint64(1), snap.MessagesFailed)
	assert.Equal(t, int64(5), snap.LastOffset)
}

func TestService_RunsHooks(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	svc := newTestService(t, ServiceDependencies{
		Hooks: LoggingHooks(testLogger()).Merge(MetricsHooks(nil, func(handler, topic string) {
			mu.Lock()
			defer mu.Unlock()
			names = append(names, handler+"@"+topic)
		}, nil)),
	})
	require.NoError(t, svc.RegisterHandler(HandlerRegistration{
		Name:    "orders",
		Topic:   transport.Topics("orders"),
		Handler: func(_ context.Context, ev *transport.Event) error { ev.Ack(); return nil },
	}))
	svc.send(t, "orders", []byte("a"))

	stop, _ := svc.run(t)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, []string{"orders@orders"}, names)
}

func TestAlertingHooks(t *testing.T) {
	var got error
	hooks := AlertingHooks(func(_ JobContext, err error) { got = err })
	assert.Nil(t, hooks.OnJobStart)
	hooks.OnJobError(JobContext{}, errors.New("alert"))
	assert.EqualError(t, got, "alert")
}
