package mqtt

import (
	"fmt"

	"github.com/google/uuid"
)

// KeyInstanceID is the preference name holding the discovery identity.
const KeyInstanceID = "instance_id"

// KV is the small key/value store the instance ID is kept in.
type KV interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// InstanceID returns the persisted Home Assistant device identifier,
// creating a UUIDv7 on first use. It is independent of the telemetry
// device ID so entity history survives a re-registration.
func InstanceID(kv KV) (string, error) {
	id, err := kv.Get(KeyInstanceID)
	if err != nil {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	id = u.String()
	if err := kv.Set(KeyInstanceID, id); err != nil {
		return "", fmt.Errorf("store instance id: %w", err)
	}
	return id, nil
}
