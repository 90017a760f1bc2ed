package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a [Client].
type Options struct {
	// DeviceID seeds the identity when the store has none, for example
	// from a locally cached preference.
	DeviceID string
	// CallTimeout bounds each background register or import call, so
	// [Client.Wait] returns even when the caller's context never ends.
	// Zero selects [DefaultCallTimeout].
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultCallTimeout is the per-call bound used when
// Options.CallTimeout is zero.
const DefaultCallTimeout = 30 * time.Second

// Client buffers samples and uploads them through a Transport.
type Client struct {
	store       *Store
	transport   Transport
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	deviceID string
	wg       sync.WaitGroup
}

// New creates a client over an opened store and loads the persisted
// device identity.
func New(store *Store, transport Transport, opts Options) (*Client, error) {
	if store == nil || transport == nil {
		panic("telemetry: New requires a store and a transport")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	c := &Client{
		store:       store,
		transport:   transport,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger,
	}

	id, err := store.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("load device id: %w", err)
	}
	if id == "" && opts.DeviceID != "" {
		if err := store.SetDeviceID(opts.DeviceID); err != nil {
			return nil, err
		}
		id = opts.DeviceID
	}
	c.deviceID = id
	return c, nil
}

// DeviceID returns the current device identity, or "" before
// registration.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// SetDeviceID adopts and persists an identity obtained elsewhere.
func (c *Client) SetDeviceID(id string) error {
	if err := c.store.SetDeviceID(id); err != nil {
		return err
	}
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
	return nil
}

// AddData appends a sample to the named series buffer.
func (c *Client) AddData(series string, s Sample) error {
	return c.store.Append(series, s)
}

// DataSize returns the number of buffered, not yet claimed samples in
// a series. Storage errors are logged and reported as zero.
func (c *Client) DataSize(series string) int {
	n, err := c.store.Pending(series)
	if err != nil {
		c.logger.Warn("telemetry buffer size unavailable", "series", series, "error", err)
		return 0
	}
	return n
}

// RegisterAsync requests a device ID in the background. The callback
// runs exactly once, on a goroutine owned by the client. A non-nil
// return means the request was not started and cb will not be called.
func (c *Client) RegisterAsync(ctx context.Context, cb RegisterCallback) error {
	if c.DeviceID() != "" {
		return ErrAlreadyRegistered
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		id, err := c.transport.Register(ctx)
		if err == nil && id == "" {
			err = fmt.Errorf("telemetry: registration returned an empty device id")
		}
		if err == nil {
			err = c.SetDeviceID(id)
		}
		if err != nil {
			cb("", err)
			return
		}
		c.logger.Debug("telemetry device registered", "device_id", id)
		cb(id, nil)
	}()
	return nil
}

// SendAsync claims everything buffered into one batch and uploads it in
// the background. The callback runs exactly once. A non-nil return
// means nothing was started: the device is unregistered, the buffer is
// empty, or the claim failed.
func (c *Client) SendAsync(ctx context.Context, cb SendCallback) error {
	deviceID := c.DeviceID()
	if deviceID == "" {
		return ErrNotRegistered
	}

	batchID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate batch id: %w", err)
	}

	batch, err := c.store.Claim(batchID.String())
	if err != nil {
		return err
	}
	if batch.Len() == 0 {
		return ErrNothingToSend
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		logger := c.logger.With("batch_id", batch.ID, "samples", batch.Len())
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		if err := c.transport.Import(ctx, deviceID, batch); err != nil {
			if rerr := c.store.Release(batch.ID); rerr != nil {
				logger.Error("telemetry batch release failed", "error", rerr)
			}
			logger.Debug("telemetry batch rejected", "error", err)
			cb(err)
			return
		}
		if err := c.store.Ack(batch.ID); err != nil {
			// Delivered but still on disk; it will be sent again after a
			// restart releases it.
			logger.Error("telemetry batch ack failed", "error", err)
		}
		logger.Debug("telemetry batch delivered")
		cb(nil)
	}()
	return nil
}

// Wait blocks until every in-flight registration and upload has
// invoked its callback.
func (c *Client) Wait() {
	c.wg.Wait()
}
