package mqtt

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/eclipse/paho.golang/paho"

	"github.com/iobeam/rssibeam/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePublisher records messages and can reject topics.
type fakePublisher struct {
	mu      sync.Mutex
	msgs    []*paho.Publish
	err     error
	reason  byte
	failFor string
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && (f.failFor == "" || f.failFor == p.Topic) {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{ReasonCode: f.reason}, nil
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Topic
	}
	return out
}

// last returns the most recent message sent to topic.
func (f *fakePublisher) last(topic string) *paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Topic == topic {
			return f.msgs[i]
		}
	}
	return nil
}

var testTopics = Topics{Prefix: "rssibeam", Device: "den-pi", Discovery: "homeassistant"}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "den-pi",
		TopicPrefix:     "rssibeam",
		DiscoveryPrefix: "homeassistant",
	}
}

type memKV map[string]string

func (m memKV) Get(k string) (string, error) { return m[k], nil }
func (m memKV) Set(k, v string) error { m[k] = v; return nil }
