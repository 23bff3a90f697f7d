package handlers

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/transport"
)

// ProtoEncoding selects the wire format of protobuf payloads.
type ProtoEncoding int

const (
	// ProtoBinary is the protobuf wire format.
	ProtoBinary ProtoEncoding = iota
	// ProtoJSON is the canonical protobuf JSON mapping.
	ProtoJSON
)

// BuildProtoHandler converts a typed protobuf handler into a consumer
// callback. prototype may be a typed nil pointer; it only selects the type.
func BuildProtoHandler[T proto.Message](prototype T, encoding ProtoEncoding, handler Handler[T, proto.Message], opts Options) (transport.ConsumerCallback, error) {
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	unmarshal, marshal := proto.Unmarshal, proto.Marshal
	if encoding == ProtoJSON {
		unmarshal, marshal = protojson.Unmarshal, protojson.Marshal
	}

	return build(handler, codec[T, proto.Message]{
		decode: func(data []byte) (T, error) {
			typed, err := clonePrototype(prototype)
			if err != nil {
				return typed, err
			}
			if err := unmarshal(data, typed); err != nil {
				var zero T
				return zero, fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err)
			}
			return typed, nil
		},
		encode: func(out proto.Message) ([]byte, error) {
			if out == nil {
				return nil, errors.New("proto handler emitted nil message")
			}
			return marshal(out)
		},
		schema: func(out proto.Message) string {
			if out == nil {
				return "<nil>"
			}
			return string(out.ProtoReflect().Descriptor().FullName())
		},
	}, opts)
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
