package mqtt

import (
	"testing"

	"github.com/iobeam/rssibeam/internal/config"
)

func TestTopics(t *testing.T) {
	tp := TopicsFor(config.MQTTConfig{
		TopicPrefix:     "rssibeam/",
		DeviceName:      "den pi",
		DiscoveryPrefix: "homeassistant",
	})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", tp.Availability(), "rssibeam/den_pi/availability"},
		{"state", tp.State("signal"), "rssibeam/den_pi/signal/state"},
		{"config", tp.Config("sensor", "signal"), "homeassistant/sensor/den_pi/signal/config"},
		{"registration", tp.Registration("abc123"), "rssibeam/devices/abc123/registration"},
		{"data", tp.Data("abc123", "rssi"), "rssibeam/devices/abc123/rssi"},
		{"data sanitized", tp.Data("a/b", "x+#"), "rssibeam/devices/a_b/x__"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
