package sampling

import (
	"log/slog"

	"github.com/iobeam/rssibeam/internal/telemetry"
)

// Event is a controller outcome delivered to the presentation layer.
// The set of implementations is closed; consumers switch on the
// concrete type.
type Event interface {
	event()
}

// Registered reports a newly assigned device identity.
type Registered struct {
	DeviceID string
}

// RegistrationFailed reports that registration did not produce an
// identity. Sending stays disabled for the rest of the session.
type RegistrationFailed struct {
	Err error
}

// Uploaded reports a completed upload attempt together with the stats
// after it was counted. Signature is the [UploadStats.ErrorTally] key
// the failure was counted under; Buffered is the size of the Series
// buffer once the upload settled.
type Uploaded struct {
	Success   bool
	Err       error
	Signature string
	Series    string
	Buffered  int
	Stats     UploadStats
}

// Sampled reports a buffered sample and the resulting buffer size.
type Sampled struct {
	Series   string
	Sample   telemetry.Sample
	Buffered int
}

// SampleSkipped reports a tick that produced no sample.
type SampleSkipped struct {
	Reason error
}

func (Registered) event()         {}
func (RegistrationFailed) event() {}
func (Uploaded) event()           {}
func (Sampled) event()            {}
func (SampleSkipped) event()      {}

// Sink consumes controller events. Handle runs on the controller
// queue and must not block.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Handle implements [Sink].
func (f SinkFunc) Handle(e Event) { f(e) }

// MultiSink fans an event out to every sink in order. Nil entries are
// skipped.
type MultiSink []Sink

// Handle implements [Sink].
func (m MultiSink) Handle(e Event) {
	for _, s := range m {
		if s != nil {
			s.Handle(e)
		}
	}
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Handle implements [Sink].
func (l LogSink) Handle(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch ev := e.(type) {
	case Registered:
		logger.Info("registered device", "device_id", ev.DeviceID)
	case RegistrationFailed:
		logger.Warn("register failed", "error", ev.Err)
	case Uploaded:
		if ev.Success {
			logger.Info("send succeeded",
				"successes", ev.Stats.Successes,
				"failures", ev.Stats.Failures,
			)
		} else {
			logger.Warn("send failed",
				"error", ev.Err,
				"successes", ev.Stats.Successes,
				"failures", ev.Stats.Failures,
			)
		}
	case Sampled:
		logger.Debug("data",
			"series", ev.Series,
			"time", ev.Sample.Timestamp,
			"value", ev.Sample.Value,
			"buffered", ev.Buffered,
		)
	case SampleSkipped:
		logger.Debug("sample skipped", "reason", ev.Reason)
	}
}
