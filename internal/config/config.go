// Package config handles rssibeam configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Config.applyDefaults] when a field is left empty.
const (
	DefaultSeries        = "rssi"
	DefaultPeriodSec     = 20
	DefaultThreshold     = 3
	DefaultProcPath      = "/proc/net/wireless"
	DefaultStatusPort    = 8686
	DefaultDataDir       = "data"
	DefaultTopicPrefix   = "rssibeam"
	DefaultDiscovery     = "homeassistant"
	DefaultHTTPBaseURL   = "https://api.iobeam.com"
	DefaultHTTPTimeout   = 15
	TransportHTTP        = "http"
	TransportMQTT        = "mqtt"
	SourceKindWireless   = "proc_wireless"
	SourceKindStatic     = "static"
	DefaultDeviceNameFmt = "rssibeam-%s"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/rssibeam/config.yaml, /etc/rssibeam/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rssibeam", "config.yaml"))
	}

	paths = append(paths, "/etc/rssibeam/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all rssibeam configuration.
type Config struct {
	Sampling  SamplingConfig  `yaml:"sampling"`
	Source    SourceConfig    `yaml:"source"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Status    StatusConfig    `yaml:"status"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text, json or pretty
}

// SamplingConfig controls the sampling loop.
type SamplingConfig struct {
	Series    string `yaml:"series"`
	PeriodSec int    `yaml:"period_sec"`
	// Threshold is the buffered sample count that triggers an upload.
	Threshold int `yaml:"threshold"`
}

// Period returns the tick period as a duration.
func (s SamplingConfig) Period() time.Duration {
	return time.Duration(s.PeriodSec) * time.Second
}

// SourceConfig selects and configures the metric source.
type SourceConfig struct {
	Kind      string `yaml:"kind"`      // proc_wireless (default) or static
	Interface string `yaml:"interface"` // empty = first wireless interface
	ProcPath  string `yaml:"proc_path"`
	// StaticValue is reported on every tick when Kind is "static".
	StaticValue int64 `yaml:"static_value"`
}

// TelemetryConfig configures the telemetry client and its transport.
type TelemetryConfig struct {
	Transport string     `yaml:"transport"` // http (default) or mqtt
	ProjectID int64      `yaml:"project_id"`
	Token     string     `yaml:"project_token"`
	HTTP      HTTPConfig `yaml:"http"`
	MQTT      MQTTConfig `yaml:"mqtt"`
}

// HTTPConfig defines the REST import endpoint.
type HTTPConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// RetryCount retries transient dial failures before an upload fails.
	RetryCount int `yaml:"retry_count"`
}

// MQTTConfig defines the MQTT broker used both as an alternative
// telemetry transport and for Home Assistant status sensors.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// Discovery enables Home Assistant sensors for upload statistics.
	Discovery bool `yaml:"discovery"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// StatusConfig defines the local status HTTP server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Sampling.Series == "" {
		c.Sampling.Series = DefaultSeries
	}
	if c.Sampling.PeriodSec <= 0 {
		c.Sampling.PeriodSec = DefaultPeriodSec
	}
	if c.Sampling.Threshold <= 0 {
		c.Sampling.Threshold = DefaultThreshold
	}
	if c.Source.Kind == "" {
		c.Source.Kind = SourceKindWireless
	}
	if c.Source.ProcPath == "" {
		c.Source.ProcPath = DefaultProcPath
	}
	if c.Telemetry.Transport == "" {
		c.Telemetry.Transport = TransportHTTP
	}
	if c.Telemetry.HTTP.BaseURL == "" {
		c.Telemetry.HTTP.BaseURL = DefaultHTTPBaseURL
	}
	if c.Telemetry.HTTP.TimeoutSec <= 0 {
		c.Telemetry.HTTP.TimeoutSec = DefaultHTTPTimeout
	}
	if c.Telemetry.MQTT.TopicPrefix == "" {
		c.Telemetry.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.Telemetry.MQTT.DiscoveryPrefix == "" {
		c.Telemetry.MQTT.DiscoveryPrefix = DefaultDiscovery
	}
	if c.Telemetry.MQTT.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "device"
		}
		c.Telemetry.MQTT.DeviceName = fmt.Sprintf(DefaultDeviceNameFmt, host)
	}
	if c.Status.Port == 0 {
		c.Status.Port = DefaultStatusPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
}

// Validate reports the first configuration problem it finds. It
// assumes defaults have already been applied.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json", "pretty":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json, pretty)", c.LogFormat)
	}

	switch c.Source.Kind {
	case SourceKindWireless, SourceKindStatic:
	default:
		return fmt.Errorf("unknown source.kind %q (valid: %s, %s)", c.Source.Kind, SourceKindWireless, SourceKindStatic)
	}

	switch c.Telemetry.Transport {
	case TransportHTTP:
		if _, err := url.Parse(c.Telemetry.HTTP.BaseURL); err != nil {
			return fmt.Errorf("telemetry.http.base_url: %w", err)
		}
	case TransportMQTT:
		if !c.Telemetry.MQTT.Configured() {
			return errors.New("telemetry.transport is mqtt but telemetry.mqtt.broker is empty")
		}
	default:
		return fmt.Errorf("unknown telemetry.transport %q (valid: %s, %s)", c.Telemetry.Transport, TransportHTTP, TransportMQTT)
	}

	if c.Telemetry.MQTT.Configured() {
		if _, err := url.Parse(c.Telemetry.MQTT.Broker); err != nil {
			return fmt.Errorf("telemetry.mqtt.broker: %w", err)
		}
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port %d out of range", c.Status.Port)
	}
	return nil
}
