package errors

import sterrors "errors"

var (
	ErrCallbackRequired   = sterrors.New("streamflow: consumer callback is required")
	ErrTopicRequired      = sterrors.New("streamflow: topic names or pattern are required")
	ErrTopicConflict      = sterrors.New("streamflow: topic can specify either topics or pattern")
	ErrInvalidPattern     = sterrors.New("streamflow: topic pattern is invalid")
	ErrPatternUnsupported = sterrors.New("streamflow: backend does not support pattern subscriptions")
	ErrBackendRequired    = sterrors.New("streamflow: backend is required")
	ErrConfigRequired     = sterrors.New("streamflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("streamflow: logger is required")
	ErrUnknownBackend     = sterrors.New("streamflow: unknown backend")
	ErrNotImplemented     = sterrors.New("streamflow: operation not implemented by backend")
	ErrConsumerStarted    = sterrors.New("streamflow: consumer already started")
	ErrConsumerStopped    = sterrors.New("streamflow: consumer is stopped")
	ErrProducerClosed     = sterrors.New("streamflow: producer is closed")
	ErrGroupRequired      = sterrors.New("streamflow: consumer group is required")
	ErrNotAssigned        = sterrors.New("streamflow: partition is not assigned to this consumer")

	ErrHandlerRequired      = sterrors.New("streamflow: handler is required")
	ErrMessageTypeRequired  = sterrors.New("streamflow: message prototype is required")
	ErrMessagePointerNeeded = sterrors.New("streamflow: message prototype must be a pointer")
	ErrPublishTopicRequired = sterrors.New("streamflow: publish topic is required when a handler emits records")
	ErrServiceStarted       = sterrors.New("streamflow: service already started")
	ErrServiceClosed        = sterrors.New("streamflow: service is closed")
	ErrServiceRequired      = sterrors.New("streamflow: service is required")
	ErrHandlerNameRequired  = sterrors.New("streamflow: handler name is required")
)

// ConfigurationError marks failures detected while constructing a consumer,
// producer or transport. They are fatal and never retried.
type ConfigurationError struct {
	Err error
}

func (e ConfigurationError) Error() string {
	return "streamflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err, returning nil for a nil error.
func NewConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigurationError{Err: err}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr ConfigurationError
	return sterrors.As(err, &cfgErr)
}
