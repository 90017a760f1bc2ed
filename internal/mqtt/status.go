package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/iobeam/rssibeam/internal/sampling"
)

// Status entities.
const (
	EntitySignal       = "signal"
	EntityBuffered     = "buffered"
	EntityUploadsOK    = "uploads_ok"
	EntityUploadsFail  = "uploads_failed"
	EntityLastUpload   = "last_upload"
	EntityDeviceID     = "device_id"
	EntityRegistration = "registration"
)

// StatusPublisher mirrors controller events into retained Home
// Assistant sensor states. Handle only records the new values and Run
// publishes them, so a slow broker never stalls the controller.
type StatusPublisher struct {
	pub        Publisher
	topics     Topics
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger

	mu     sync.Mutex
	states map[string]string
	wake   chan struct{}
}

// NewStatusPublisher creates a publisher for the device named in
// topics, identified to Home Assistant by instanceID.
func NewStatusPublisher(pub Publisher, topics Topics, instanceID string, logger *slog.Logger) *StatusPublisher {
	return &StatusPublisher{
		pub:        pub,
		topics:     topics,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, topics.Device),
		logger:     logger,
		states:     make(map[string]string),
		wake:       make(chan struct{}, 1),
	}
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (s *StatusPublisher) sensors() []sensorDef {
	def := func(entity, name string, edit func(*SensorConfig)) sensorDef {
		cfg := SensorConfig{
			Name:              s.device.Name + " " + name,
			UniqueID:          s.instanceID + "_" + entity,
			StateTopic:        s.topics.State(entity),
			AvailabilityTopic: s.topics.Availability(),
			Device:            s.device,
		}
		edit(&cfg)
		return sensorDef{entity: entity, config: cfg}
	}
	return []sensorDef{
		def(EntitySignal, "Signal", func(c *SensorConfig) {
			c.DeviceClass = "signal_strength"
			c.UnitOfMeasurement = "dBm"
			c.StateClass = "measurement"
		}),
		def(EntityBuffered, "Buffered Samples", func(c *SensorConfig) {
			c.Icon = "mdi:tray-full"
			c.StateClass = "measurement"
		}),
		def(EntityUploadsOK, "Uploads Succeeded", func(c *SensorConfig) {
			c.Icon = "mdi:cloud-check"
			c.StateClass = "total_increasing"
		}),
		def(EntityUploadsFail, "Uploads Failed", func(c *SensorConfig) {
			c.Icon = "mdi:cloud-alert"
			c.StateClass = "total_increasing"
		}),
		def(EntityLastUpload, "Last Upload", func(c *SensorConfig) {
			c.DeviceClass = "timestamp"
			c.EntityCategory = "diagnostic"
		}),
		def(EntityDeviceID, "Device ID", func(c *SensorConfig) {
			c.Icon = "mdi:identifier"
			c.EntityCategory = "diagnostic"
		}),
		def(EntityRegistration, "Registration", func(c *SensorConfig) {
			c.Icon = "mdi:account-check"
			c.EntityCategory = "diagnostic"
		}),
	}
}

// PublishDiscovery sends retained discovery configs for every entity.
// It has the [ConnectHook] shape so it can rerun on reconnect.
func (s *StatusPublisher) PublishDiscovery(ctx context.Context, pub Publisher) {
	for _, d := range s.sensors() {
		payload, err := json.Marshal(d.config)
		if err != nil {
			s.logger.Error("mqtt discovery encode failed", "entity", d.entity, "error", err)
			continue
		}
		topic := s.topics.Config("sensor", d.entity)
		if err := publish(ctx, pub, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			s.logger.Warn("mqtt discovery publish failed", "entity", d.entity, "error", err)
			continue
		}
		s.logger.Debug("mqtt discovery published", "entity", d.entity, "topic", topic)
	}

	// Retained states may have been lost with the broker; resend all.
	s.mu.Lock()
	if _, ok := s.states[EntityRegistration]; !ok {
		s.states[EntityRegistration] = "pending"
	}
	s.mu.Unlock()
	s.signal()
}

// SetDeviceID records an identity known before the controller starts.
func (s *StatusPublisher) SetDeviceID(id string) {
	if id == "" {
		return
	}
	s.set(map[string]string{EntityDeviceID: id, EntityRegistration: "registered"})
}

// Handle implements [sampling.Sink].
func (s *StatusPublisher) Handle(e sampling.Event) {
	switch ev := e.(type) {
	case sampling.Sampled:
		s.set(map[string]string{
			EntitySignal:   strconv.FormatInt(ev.Sample.Value, 10),
			EntityBuffered: strconv.Itoa(ev.Buffered),
		})
	case sampling.Registered:
		s.set(map[string]string{EntityDeviceID: ev.DeviceID, EntityRegistration: "registered"})
	case sampling.RegistrationFailed:
		s.set(map[string]string{EntityRegistration: "failed"})
	case sampling.Uploaded:
		st := map[string]string{
			EntityBuffered:    strconv.Itoa(ev.Buffered),
			EntityUploadsOK:   strconv.FormatInt(ev.Stats.Successes, 10),
			EntityUploadsFail: strconv.FormatInt(ev.Stats.Failures, 10),
		}
		if !ev.Stats.LastSuccess.IsZero() {
			st[EntityLastUpload] = ev.Stats.LastSuccess.UTC().Format(time.RFC3339)
		}
		s.set(st)
	}
}

func (s *StatusPublisher) set(states map[string]string) {
	s.mu.Lock()
	maps.Copy(s.states, states)
	s.mu.Unlock()
	s.signal()
}

func (s *StatusPublisher) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run publishes recorded states until ctx is cancelled.
func (s *StatusPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.Flush(ctx)
		}
	}
}

// Flush publishes the latest value of every entity seen so far.
func (s *StatusPublisher) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := maps.Clone(s.states)
	s.mu.Unlock()

	for _, entity := range slices.Sorted(maps.Keys(batch)) {
		if err := publish(ctx, s.pub, &paho.Publish{
			Topic:   s.topics.State(entity),
			Payload: []byte(batch[entity]),
			Retain:  true,
		}); err != nil {
			s.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	s.logger.Debug("mqtt states published", "entities", len(batch))
}
