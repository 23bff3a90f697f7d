package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

func TestEnsureProtoPrototype(t *testing.T) {
	var typedNil *structpb.Struct
	got, err := EnsureProtoPrototype(typedNil)
	require.NoError(t, err)
	assert.NotNil(t, got)

	existing := &structpb.Struct{}
	got, err = EnsureProtoPrototype(existing)
	require.NoError(t, err)
	assert.Same(t, existing, got)

	var untyped proto.Message
	_, err = EnsureProtoPrototype(untyped)
	assert.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)
}

func TestBuildProtoHandler(t *testing.T) {
	tests := []struct {
		name     string
		encoding ProtoEncoding
		marshal  func(proto.Message) ([]byte, error)
		decode   func([]byte, proto.Message) error
	}{
		{"binary", ProtoBinary, proto.Marshal, proto.Unmarshal},
		{"json", ProtoJSON, protojson.Marshal, protojson.Unmarshal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			callback, err := BuildProtoHandler((*structpb.Struct)(nil), tt.encoding,
				func(_ context.Context, ev Context[*structpb.Struct]) ([]Output[proto.Message], error) {
					id := ev.Payload.GetFields()["id"].GetStringValue()
					return []Output[proto.Message]{{Key: []byte(id), Message: wrapperspb.String("seen " + id)}}, nil
				},
				Options{Producer: h.producer, PublishTopic: "audit"})
			require.NoError(t, err)

			in, err := structpb.NewStruct(map[string]any{"id": "o-1"})
			require.NoError(t, err)
			payload, err := tt.marshal(in)
			require.NoError(t, err)
			h.send(t, "orders", payload, nil)
			h.run(t, "orders", callback)

			require.Eventually(t, func() bool {
				off, ok := h.committed("orders")
				return ok && off == 0
			}, time.Second, 5*time.Millisecond)

			audit := h.records("audit")
			require.Len(t, audit, 1)
			assert.Equal(t, "google.protobuf.StringValue", audit[0].Headers[MetadataKeyEventSchema])

			var out wrapperspb.StringValue
			require.NoError(t, tt.decode(audit[0].Value, &out))
			assert.Equal(t, "seen o-1", out.GetValue())
		})
	}
}

func TestBuildProtoHandler_NilOutput(t *testing.T) {
	h := newHarness(t)
	callback, err := BuildProtoHandler(&structpb.Struct{}, ProtoBinary,
		func(context.Context, Context[*structpb.Struct]) ([]Output[proto.Message], error) {
			return []Output[proto.Message]{{}}, nil
		},
		Options{Producer: h.producer, PublishTopic: "audit"})
	require.NoError(t, err)

	h.send(t, "orders", nil, nil)
	consumer := h.run(t, "orders", callback)

	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.ErrorContains(t, consumer.Err(), "nil message")
}
