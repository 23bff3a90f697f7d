// Package jsoncodec encodes typed payloads, record headers and status
// responses with sonic.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api matches encoding/json, map keys included, so stored headers compare
// byte for byte.
var api = sonic.ConfigStd

var emptyObject = []byte("{}")

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}

// MarshalHeaders encodes record headers as a JSON object. Nil and empty
// headers both encode as {}.
func MarshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return emptyObject, nil
	}
	return api.Marshal(headers)
}

// UnmarshalHeaders is the inverse of MarshalHeaders. Empty input and an
// empty object both decode to nil.
func UnmarshalHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var headers map[string]string
	if err := api.Unmarshal(raw, &headers); err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, nil
	}
	return headers, nil
}
