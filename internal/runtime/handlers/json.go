package handlers

import (
	"errors"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/streamflow/internal/runtime/jsoncodec"
	"github.com/drblury/streamflow/transport"
)

// BuildJSONHandler converts a typed JSON handler into a consumer callback.
// T must be a pointer type; a fresh value is decoded for every event.
func BuildJSONHandler[T any, O any](handler Handler[T, O], opts Options) (transport.ConsumerCallback, error) {
	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	return build(handler, codec[T, O]{
		decode: func(data []byte) (T, error) {
			typed := newPayload()
			if err := jsoncodec.Unmarshal(data, typed); err != nil {
				var zero T
				return zero, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
			}
			return typed, nil
		},
		encode: func(out O) ([]byte, error) {
			if v := reflect.ValueOf(out); !v.IsValid() || v.IsZero() {
				return nil, errors.New("json handler emitted zero-value message")
			}
			return jsoncodec.Marshal(out)
		},
		schema: func(out O) string { return fmt.Sprintf("%T", out) },
	}, opts)
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
