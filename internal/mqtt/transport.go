package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/iobeam/rssibeam/internal/buildinfo"
	"github.com/iobeam/rssibeam/internal/config"
	"github.com/iobeam/rssibeam/internal/telemetry"
)

// Transport delivers telemetry over MQTT. There is no server-side
// registry on a plain broker, so registration mints a UUIDv7 locally
// and announces it on a retained topic.
type Transport struct {
	pub       Publisher
	topics    Topics
	projectID int64
	logger    *slog.Logger
	now       func() time.Time
}

var _ telemetry.Transport = (*Transport)(nil)

// NewTransport publishes through pub using the given topic layout.
func NewTransport(pub Publisher, topics Topics, projectID int64, logger *slog.Logger) *Transport {
	return &Transport{
		pub:       pub,
		topics:    topics,
		projectID: projectID,
		logger:    logger,
		now:       time.Now,
	}
}

type registration struct {
	DeviceID     string `json:"device_id"`
	ProjectID    int64  `json:"project_id,omitempty"`
	RegisteredAt int64  `json:"registered_at"`
	Agent        string `json:"agent"`
}

// Register implements [telemetry.Transport].
func (t *Transport) Register(ctx context.Context) (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	id := u.String()

	payload, err := json.Marshal(registration{
		DeviceID:     id,
		ProjectID:    t.projectID,
		RegisteredAt: t.now().UnixMilli(),
		Agent:        buildinfo.UserAgent(),
	})
	if err != nil {
		return "", fmt.Errorf("encode registration: %w", err)
	}

	if err := publish(ctx, t.pub, &paho.Publish{
		Topic:   t.topics.Registration(id),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return "", err
	}
	t.logger.Log(ctx, config.LevelTrace, "mqtt registration published", "device_id", id)
	return id, nil
}

type batchMessage struct {
	BatchID   string             `json:"batch_id"`
	ProjectID int64              `json:"project_id,omitempty"`
	DeviceID  string             `json:"device_id"`
	Series    string             `json:"series"`
	Samples   []telemetry.Sample `json:"samples"`
}

// Import implements [telemetry.Transport]. Each series goes to its own
// topic at QoS 1; the first failing series aborts the batch.
func (t *Transport) Import(ctx context.Context, deviceID string, b telemetry.Batch) error {
	names := make([]string, 0, len(b.Series))
	for name := range b.Series {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		payload, err := json.Marshal(batchMessage{
			BatchID:   b.ID,
			ProjectID: t.projectID,
			DeviceID:  deviceID,
			Series:    name,
			Samples:   b.Series[name],
		})
		if err != nil {
			return fmt.Errorf("encode batch %s/%s: %w", b.ID, name, err)
		}
		if err := publish(ctx, t.pub, &paho.Publish{
			Topic:   t.topics.Data(deviceID, name),
			Payload: payload,
			QoS:     1,
		}); err != nil {
			return err
		}
	}

	t.logger.Debug("mqtt batch published",
		"batch_id", b.ID,
		"series", len(names),
		"samples", b.Len(),
	)
	return nil
}
