package sampling

import (
	"context"
	"errors"
	"time"

	"github.com/iobeam/rssibeam/internal/telemetry"
)

// MetricSource reads the current value of the sampled metric. ok is
// false when no live measurement exists (for example, no active WiFi
// association); err reports a failed read.
type MetricSource interface {
	Read() (value int64, ok bool, err error)
}

// TelemetryClient is the subset of [telemetry.Client] the controller
// drives. Callbacks may run on any goroutine.
type TelemetryClient interface {
	DeviceID() string
	SetDeviceID(id string) error
	AddData(series string, s telemetry.Sample) error
	DataSize(series string) int
	RegisterAsync(ctx context.Context, cb telemetry.RegisterCallback) error
	SendAsync(ctx context.Context, cb telemetry.SendCallback) error
}

// PreferenceStore mirrors the device ID locally. Get returns "" for a
// missing key.
type PreferenceStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Scheduler arms one-shot timers. The default uses [time.AfterFunc].
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending one-shot timer.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Error kinds surfaced through events and logs. None of them stop the
// sampling loop.
var (
	ErrSensorUnavailable  = errors.New("sensor unavailable")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrClientInit         = errors.New("telemetry client init failed")
)
