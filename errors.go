package cistatsd

import (
	"errors"
	"fmt"
)

// ErrLogsDisabled is returned by Client.SendLogs when the client has no log
// destination configured.
var ErrLogsDisabled = errors.New("log collection port is not set")

// ConfigurationError is returned when a client can't be built from the
// supplied connection parameters.  It is fatal to the construction only.
type ConfigurationError struct {
	Field   string // human readable name of the offending setting, e.g. "Target URL"
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("Datadog %s %s", e.Field, e.Message)
	}
	return fmt.Sprintf("Datadog %s is not set properly", e.Field)
}

// NewConfigurationError returns a ConfigurationError for a missing or blank setting.
func NewConfigurationError(field string) *ConfigurationError {
	return &ConfigurationError{Field: field}
}

// TransportError is returned when a single submission to the backend fails.
// It is recoverable, the caller may retry.
type TransportError struct {
	Op  string // what was being sent, e.g. "events"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to send %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BatchError is returned by CounterBatch.Send for a group of counters which
// was not delivered.
type BatchError struct {
	Counters int // counters lost with the group
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d counters not sent: %v", e.Counters, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTransportError reports whether err is, or wraps, a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
