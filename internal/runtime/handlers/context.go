package handlers

import (
	"maps"

	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/transport"
)

// MessageContextBase provides common functionality for all message context types.
type MessageContextBase struct {
	Event   *transport.Event
	Headers map[string]string
	Logger  loggingpkg.ServiceLogger
}

// CloneHeaders returns a copy of the incoming headers so handlers can
// mutate them for emitted records.
func (b MessageContextBase) CloneHeaders() map[string]string {
	if b.Headers == nil {
		return map[string]string{}
	}
	return maps.Clone(b.Headers)
}

// Get retrieves a header value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Headers[key]
}

// CorrelationID returns the correlation ID header, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Headers[MetadataKeyCorrelationID]
}

// Context carries the decoded payload of one event.
type Context[T any] struct {
	MessageContextBase
	Payload T
}
