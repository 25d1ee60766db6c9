package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the ingestion path. Both are per-message conditions:
// the message is dropped and logged, the stream continues.
var (
	// ErrMalformedPayload indicates a telemetry payload whose required
	// numeric fields could not be parsed.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownDevice indicates a message for a device with no state record.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNotFound indicates a repository lookup with no matching row.
	ErrNotFound = errors.New("not found")
)

// PersistenceError wraps a failed repository call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// GenerationError wraps a failed rollup run. The whole run is rolled back;
// the scheduler retries on its next slot.
type GenerationError struct {
	Date string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("summary generation for %s failed: %v", e.Date, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// DispatchError wraps a failed notification delivery. It is recorded on the
// notification row and never rolls back ingestion.
type DispatchError struct {
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch via %s failed: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
