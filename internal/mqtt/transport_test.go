package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/iobeam/rssibeam/internal/telemetry"
)

func TestTransport_Register(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(pub, testTopics, 42, discardLogger())

	id, err := tr.Register(t.Context())
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("device id %q is not a UUID", id)
	}

	msg := pub.last(testTopics.Registration(id))
	if msg == nil {
		t.Fatalf("no registration published; topics = %v", pub.topics())
	}
	if !msg.Retain || msg.QoS != 1 {
		t.Errorf("retain=%v qos=%d, want retained qos 1", msg.Retain, msg.QoS)
	}

	var reg registration
	if err := json.Unmarshal(msg.Payload, &reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.DeviceID != id || reg.ProjectID != 42 {
		t.Errorf("registration = %+v", reg)
	}
	if !strings.HasPrefix(reg.Agent, "rssibeam/") {
		t.Errorf("agent = %q", reg.Agent)
	}
}

func TestTransport_RegisterPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	tr := NewTransport(pub, testTopics, 0, discardLogger())

	if _, err := tr.Register(t.Context()); err == nil {
		t.Error("Register() error = nil, want publish failure")
	}
}

func TestTransport_Import(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTransport(pub, testTopics, 7, discardLogger())

	b := telemetry.Batch{
		ID: "batch-1",
		Series: map[string][]telemetry.Sample{
			"rssi":  {{Timestamp: 1000, Value: -50}, {Timestamp: 2000, Value: -51}},
			"noise": {{Timestamp: 1000, Value: -90}},
		},
	}
	if err := tr.Import(t.Context(), "dev-1", b); err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	got := pub.topics()
	want := []string{"rssibeam/devices/dev-1/noise", "rssibeam/devices/dev-1/rssi"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("topics = %v, want %v", got, want)
	}

	var m batchMessage
	if err := json.Unmarshal(pub.last(want[1]).Payload, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.BatchID != "batch-1" || m.DeviceID != "dev-1" || m.ProjectID != 7 || m.Series != "rssi" {
		t.Errorf("message = %+v", m)
	}
	if len(m.Samples) != 2 || m.Samples[1].Value != -51 {
		t.Errorf("samples = %v", m.Samples)
	}
}

func TestTransport_ImportRejected(t *testing.T) {
	pub := &fakePublisher{reason: 0x87}
	tr := NewTransport(pub, testTopics, 0, discardLogger())

	b := telemetry.Batch{ID: "b", Series: map[string][]telemetry.Sample{"rssi": {{Value: -1}}}}
	err := tr.Import(t.Context(), "dev", b)
	if err == nil || !strings.Contains(err.Error(), "0x87") {
		t.Errorf("Import() error = %v, want broker rejection", err)
	}
}

func TestTransport_ImportStopsAtFirstFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("timeout"), failFor: "rssibeam/devices/dev/a"}
	tr := NewTransport(pub, testTopics, 0, discardLogger())

	b := telemetry.Batch{ID: "b", Series: map[string][]telemetry.Sample{
		"a": {{Value: 1}},
		"b": {{Value: 2}},
	}}
	if err := tr.Import(t.Context(), "dev", b); err == nil {
		t.Fatal("Import() error = nil")
	}
	if n := len(pub.topics()); n != 0 {
		t.Errorf("published %d messages after failure, want 0", n)
	}
}
