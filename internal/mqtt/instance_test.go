package mqtt

import (
	"testing"

	"github.com/google/uuid"
)

func TestInstanceID_CreatesAndReuses(t *testing.T) {
	kv := memKV{}

	first, err := InstanceID(kv)
	if err != nil {
		t.Fatalf("InstanceID() error: %v", err)
	}
	u, err := uuid.Parse(first)
	if err != nil {
		t.Fatalf("instance id %q is not a UUID: %v", first, err)
	}
	if u.Version() != 7 {
		t.Errorf("version = %d, want 7", u.Version())
	}
	if kv[KeyInstanceID] != first {
		t.Errorf("stored = %q, want %q", kv[KeyInstanceID], first)
	}

	second, err := InstanceID(kv)
	if err != nil {
		t.Fatalf("second InstanceID() error: %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}

func TestInstanceID_Existing(t *testing.T) {
	kv := memKV{KeyInstanceID: "fixed"}
	if id, _ := InstanceID(kv); id != "fixed" {
		t.Errorf("InstanceID() = %q, want fixed", id)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("inst-1", "den-pi")
	if info.Name != "den-pi" || len(info.Identifiers) != 1 || info.Identifiers[0] != "inst-1" {
		t.Errorf("NewDeviceInfo() = %+v", info)
	}
	if info.Model != "rssibeam" {
		t.Errorf("Model = %q, want rssibeam", info.Model)
	}
}
