package mqtt

import (
	"strings"

	"github.com/iobeam/rssibeam/internal/config"
)

// Topics builds the topic names used by one device.
//
//	<prefix>/<device>/availability
//	<prefix>/<device>/<entity>/state
//	<prefix>/devices/<device_id>/registration
//	<prefix>/devices/<device_id>/<series>
//	<discovery>/<component>/<device>/<entity>/config
type Topics struct {
	Prefix    string
	Device    string
	Discovery string
}

// TopicsFor derives the topic layout from broker settings.
func TopicsFor(cfg config.MQTTConfig) Topics {
	return Topics{
		Prefix:    strings.TrimSuffix(cfg.TopicPrefix, "/"),
		Device:    sanitize(cfg.DeviceName),
		Discovery: strings.TrimSuffix(cfg.DiscoveryPrefix, "/"),
	}
}

func (t Topics) base() string {
	return t.Prefix + "/" + t.Device
}

// Availability is the retained online/offline topic.
func (t Topics) Availability() string {
	return t.base() + "/availability"
}

// State is the retained state topic for a status entity.
func (t Topics) State(entity string) string {
	return t.base() + "/" + entity + "/state"
}

// Config is the Home Assistant discovery topic for an entity.
func (t Topics) Config(component, entity string) string {
	return t.Discovery + "/" + component + "/" + t.Device + "/" + entity + "/config"
}

// Registration is where a device announces its identity.
func (t Topics) Registration(deviceID string) string {
	return t.Prefix + "/devices/" + sanitize(deviceID) + "/registration"
}

// Data is where batches for one series are published.
func (t Topics) Data(deviceID, series string) string {
	return t.Prefix + "/devices/" + sanitize(deviceID) + "/" + sanitize(series)
}

// sanitize replaces characters that are reserved in topic names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, s)
}
