package mqtt

import "github.com/iobeam/rssibeam/internal/buildinfo"

// DeviceInfo is the Home Assistant device block shared by every sensor
// this process announces, so they group under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo identifies the device by its stable instance ID; name is
// only what the UI shows.
func NewDeviceInfo(instanceID, name string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         name,
		Manufacturer: "iobeam",
		Model:        "rssibeam",
		SWVersion:    buildinfo.Version,
	}
}

// SensorConfig is a Home Assistant MQTT sensor discovery payload.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}
