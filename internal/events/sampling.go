package events

import (
	"github.com/iobeam/rssibeam/internal/sampling"
)

// SamplerSink republishes sampling controller events on a bus.
type SamplerSink struct {
	Bus *Bus
}

// Handle implements [sampling.Sink].
func (s SamplerSink) Handle(e sampling.Event) {
	if s.Bus == nil {
		return
	}

	ev := Event{Source: SourceSampler}
	switch v := e.(type) {
	case sampling.Sampled:
		ev.Kind = KindSample
		ev.Data = map[string]any{
			"series":   v.Series,
			"time":     v.Sample.Timestamp,
			"value":    v.Sample.Value,
			"buffered": v.Buffered,
		}
	case sampling.SampleSkipped:
		ev.Kind = KindSampleSkipped
		ev.Data = map[string]any{"reason": errString(v.Reason)}
	case sampling.Registered:
		ev.Source = SourceTelemetry
		ev.Kind = KindRegistered
		ev.Data = map[string]any{"device_id": v.DeviceID}
	case sampling.RegistrationFailed:
		ev.Source = SourceTelemetry
		ev.Kind = KindRegisterFailed
		ev.Data = map[string]any{"error": errString(v.Err)}
	case sampling.Uploaded:
		ev.Source = SourceTelemetry
		ev.Data = map[string]any{
			"series":    v.Series,
			"buffered":  v.Buffered,
			"successes": v.Stats.Successes,
			"failures":  v.Stats.Failures,
		}
		if v.Success {
			ev.Kind = KindUploadSucceeded
		} else {
			ev.Kind = KindUploadFailed
			ev.Data["error"] = errString(v.Err)
			ev.Data["signature"] = v.Signature
		}
	default:
		return
	}
	s.Bus.Publish(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
