package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

func newTestProducer(t *testing.T) (*Producer, *fakeProducerDriver) {
	t.Helper()
	backend := newFakeBackend()
	tr, err := New(context.Background(), "fake://", backend, WithClientID("svc"))
	require.NoError(t, err)
	p, err := tr.CreateProducer(WithProducerOptions(map[string]string{"acks": "all"}))
	require.NoError(t, err)
	return p, backend.producers[0]
}

func TestProducer_SendAndWait(t *testing.T) {
	p, driver := newTestProducer(t)

	md, err := p.SendAndWait(context.Background(), "orders", []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, "orders", md.Topic)
	assert.Equal(t, int64(0), md.Offset)

	require.Len(t, driver.records, 1)
	assert.Equal(t, Record{Topic: "orders", Key: []byte("k"), Value: []byte("v")}, driver.records[0])
	assert.Equal(t, "svc", driver.spec.ClientID)
	assert.Equal(t, map[string]string{"acks": "all"}, driver.spec.Options)
}

func TestProducer_SendAndWaitPropagatesErrors(t *testing.T) {
	p, driver := newTestProducer(t)
	driver.sendErr = errBoom

	_, err := p.SendAndWait(context.Background(), "orders", nil, []byte("v"))
	assert.ErrorIs(t, err, errBoom)
}

func TestProducer_SendResolvesFuture(t *testing.T) {
	p, _ := newTestProducer(t)

	fut, err := p.SendRecord(context.Background(), Record{
		Topic:   "orders",
		Value:   []byte("v"),
		Headers: map[string]string{"trace": "1"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	md, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "orders", md.Topic)
}

func TestProducer_SendFutureCarriesErrors(t *testing.T) {
	p, driver := newTestProducer(t)
	driver.sendErr = errBoom

	fut, err := p.Send(context.Background(), "orders", nil, []byte("v"))
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestProducer_Close(t *testing.T) {
	p, driver := newTestProducer(t)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, driver.closed)

	_, err := p.Send(context.Background(), "orders", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrProducerClosed)
	_, err = p.SendAndWait(context.Background(), "orders", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrProducerClosed)
}

func TestProducer_UnimplementedDriver(t *testing.T) {
	tr, err := New(context.Background(), "fake://", newFakeBackend())
	require.NoError(t, err)
	p := newProducer(tr, UnimplementedProducerDriver{})

	_, err = p.Send(context.Background(), "orders", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrNotImplemented)
	assert.Same(t, tr, p.Transport())
}
