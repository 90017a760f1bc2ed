// Package telemetry is the client side of the data import service: it
// buffers samples per named series in a local SQLite database, obtains
// a device identity through registration, and ships buffered samples
// in batches through a pluggable [Transport].
//
// Buffered samples and the device identity survive restarts. A batch
// handed to the transport is claimed in the database first, so a sample
// is never part of two in-flight uploads; failed batches are released
// back into the buffer.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sample is a single timestamped measurement.
type Sample struct {
	Timestamp int64 `json:"time"` // milliseconds since the Unix epoch
	Value     int64 `json:"value"`
}

// NewSample builds a Sample from a wall-clock time.
func NewSample(t time.Time, value int64) Sample {
	return Sample{Timestamp: t.UnixMilli(), Value: value}
}

// Time returns the sample timestamp as a [time.Time].
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

func (s Sample) String() string {
	return fmt.Sprintf("Sample{time=%d value=%d}", s.Timestamp, s.Value)
}

// Batch is a set of samples claimed for one upload, grouped by series.
type Batch struct {
	ID     string
	Series map[string][]Sample
}

// Len returns the total number of samples in the batch.
func (b Batch) Len() int {
	n := 0
	for _, s := range b.Series {
		n += len(s)
	}
	return n
}

// RegisterCallback receives the outcome of [Client.RegisterAsync].
// Exactly one of deviceID and err is meaningful.
type RegisterCallback func(deviceID string, err error)

// SendCallback receives the outcome of [Client.SendAsync]. A nil error
// means the batch was accepted.
type SendCallback func(err error)

// Transport moves registrations and batches to the import service.
type Transport interface {
	// Register asks the service for a new device identifier.
	Register(ctx context.Context) (string, error)
	// Import uploads a batch on behalf of deviceID.
	Import(ctx context.Context, deviceID string, b Batch) error
}

var (
	// ErrNotRegistered is returned by SendAsync before a device ID exists.
	ErrNotRegistered = errors.New("telemetry: device not registered")
	// ErrAlreadyRegistered is returned by RegisterAsync when a device ID
	// is already known.
	ErrAlreadyRegistered = errors.New("telemetry: device already registered")
	// ErrNothingToSend is returned by SendAsync when the buffer is empty.
	ErrNothingToSend = errors.New("telemetry: no buffered samples")
	// ErrInvalidProject is returned by New for a missing project ID or token.
	ErrInvalidProject = errors.New("telemetry: invalid project configuration")
)

// APIError is a non-success response from the import service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("telemetry api: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("telemetry api: status %d: %s", e.StatusCode, e.Message)
}

// Kind names the error class for error tallies.
func (e *APIError) Kind() string {
	return "APIError"
}
