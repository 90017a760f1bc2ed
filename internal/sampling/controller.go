// Package sampling runs the periodic sample-and-upload loop.
//
// A [Controller] owns a repeating tick. Each tick reads the metric
// source, appends a sample to a named series held by the telemetry
// client, and once the series holds at least Threshold samples and the
// device has an identity, asks the client to upload asynchronously.
// Registration and upload outcomes are reported to a [Sink] and folded
// into [UploadStats].
//
// All controller state lives on one goroutine, the one running
// [Controller.Run]. Timers and async completions post closures onto
// its queue; nothing else touches the state, so there are no locks
// around it. Completions that arrive after Run returns are dropped.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iobeam/rssibeam/internal/telemetry"
)

// KeyDeviceID is the preference key that mirrors the device identity.
const KeyDeviceID = "device_id"

// Defaults for [Config].
const (
	DefaultSeries    = "rssi"
	DefaultPeriod    = 20 * time.Second
	DefaultThreshold = 3
)

// State is the coarse controller state reported in [Status].
type State string

// Controller states.
const (
	StateIdle        State = "idle"
	StateSampling    State = "sampling"
	StateRegistering State = "registering"
	StateUploading   State = "uploading"
	StateStopped     State = "stopped"
)

// Config holds the loop parameters. Zero fields take the defaults.
type Config struct {
	Series    string
	Period    time.Duration
	Threshold int
}

func (c Config) withDefaults() Config {
	if c.Series == "" {
		c.Series = DefaultSeries
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Status is a point-in-time view of the controller, safe to read from
// any goroutine.
type Status struct {
	State      State             `json:"state"`
	Series     string            `json:"series"`
	DeviceID   string            `json:"device_id,omitempty"`
	CanSend    bool              `json:"can_send"`
	LastSample *telemetry.Sample `json:"last_sample,omitempty"`
	Buffered   int               `json:"buffered"`
	Uploads    UploadStats       `json:"uploads"`
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithSink sets the event consumer.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithPreferences sets the local device ID mirror.
func WithPreferences(p PreferenceStore) Option {
	return func(c *Controller) { c.prefs = p }
}

// WithScheduler replaces the timer implementation.
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

// WithClock replaces the wall clock used for sample timestamps and
// stats.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is the sampling state machine.
type Controller struct {
	cfg    Config
	source MetricSource
	client TelemetryClient
	prefs  PreferenceStore
	sink   Sink
	logger *slog.Logger
	sched  Scheduler
	now    func() time.Time

	queue   chan func()
	done    chan struct{}
	started atomic.Bool

	// Owned by the Run goroutine.
	ctx         context.Context
	state       State
	deviceID    string
	canSend     bool
	registering bool
	uploads     int
	timer       Timer
	tickGen     uint64
	lastSample  *telemetry.Sample
	buffered    int
	stats       UploadStats

	mu     sync.RWMutex
	status Status
}

// New creates a controller. client may be nil when the telemetry
// client failed to initialize; the controller then samples without
// ever sending.
func New(cfg Config, source MetricSource, client TelemetryClient, opts ...Option) *Controller {
	if source == nil {
		panic("sampling: New requires a MetricSource")
	}
	c := &Controller{
		cfg:    cfg.withDefaults(),
		source: source,
		client: client,
		sink:   MultiSink(nil),
		sched:  realScheduler{},
		now:    time.Now,
		queue:  make(chan func(), 64),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.publishStatus()
	return c
}

// Run starts sampling and processes the controller queue until ctx is
// cancelled. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("sampling: controller already started")
	}

	c.ctx = ctx
	c.start()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case fn := <-c.queue:
			fn()
		}
	}
}

// Status returns the latest published status.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Done is closed once the controller has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// post schedules fn on the controller queue. It reports false, and
// drops fn, once the controller has stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) start() {
	c.state = StateSampling
	c.initIdentity()
	c.refreshState()
	c.scheduleTick(0)
}

func (c *Controller) shutdown() {
	c.cancelTick()
	c.state = StateStopped
	close(c.done)
	c.publishStatus()
	c.logger.Info("sampling stopped", "series", c.cfg.Series)
}

// initIdentity loads the device ID from the client or the preference
// mirror and starts registration when neither has one.
func (c *Controller) initIdentity() {
	if c.client == nil {
		c.logger.Warn("sending disabled for this session", "error", ErrClientInit)
		return
	}

	id := c.client.DeviceID()
	cached := c.cachedDeviceID()

	switch {
	case id != "":
		if cached != id {
			c.storeDeviceID(id)
		}
	case cached != "":
		if err := c.client.SetDeviceID(cached); err != nil {
			c.logger.Warn("adopt cached device id failed", "device_id", cached, "error", err)
		} else {
			id = cached
		}
	}

	if id != "" {
		c.deviceID = id
		c.canSend = true
		c.logger.Info("device identity loaded", "device_id", id)
		return
	}
	c.registerAsync()
}

func (c *Controller) cachedDeviceID() string {
	if c.prefs == nil {
		return ""
	}
	id, err := c.prefs.Get(KeyDeviceID)
	if err != nil {
		c.logger.Warn("read cached device id failed", "error", err)
		return ""
	}
	return id
}

func (c *Controller) storeDeviceID(id string) {
	if c.prefs == nil {
		return
	}
	if err := c.prefs.Set(KeyDeviceID, id); err != nil {
		c.logger.Warn("cache device id failed", "device_id", id, "error", err)
	}
}

// callContext is handed to client calls that outlive a tick. It keeps
// the Run context's values but not its cancellation: stopping the
// controller drops late callbacks, it does not abort in-flight work.
func (c *Controller) callContext() context.Context {
	return context.WithoutCancel(c.ctx)
}

func (c *Controller) registerAsync() {
	var once sync.Once
	c.registering = true

	err := c.client.RegisterAsync(c.callContext(), func(id string, err error) {
		once.Do(func() {
			c.post(func() {
				if err != nil {
					c.onRegistrationFailure(err)
					return
				}
				c.onRegistrationSuccess(id)
			})
		})
	})
	if err != nil {
		c.onRegistrationFailure(err)
	}
}

func (c *Controller) onRegistrationSuccess(id string) {
	if id == "" {
		c.onRegistrationFailure(errors.New("empty device id"))
		return
	}
	c.registering = false
	if c.canSend && c.deviceID == id {
		return
	}
	c.deviceID = id
	c.canSend = true
	c.storeDeviceID(id)
	c.refreshState()
	c.emit(Registered{DeviceID: id})
}

func (c *Controller) onRegistrationFailure(err error) {
	c.registering = false
	c.deviceID = ""
	c.canSend = false
	c.refreshState()
	c.emit(RegistrationFailed{Err: fmt.Errorf("%w: %w", ErrRegistrationFailed, err)})
}

// scheduleTick replaces any pending tick with one that fires after d.
func (c *Controller) scheduleTick(d time.Duration) {
	c.cancelTick()
	c.tickGen++
	gen := c.tickGen
	c.timer = c.sched.AfterFunc(d, func() {
		c.post(func() { c.onTick(gen) })
	})
}

func (c *Controller) cancelTick() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onTick(gen uint64) {
	// A timer that fired after being replaced is stale.
	if gen != c.tickGen || c.state == StateStopped {
		return
	}
	c.cancelTick()
	defer c.scheduleTick(c.cfg.Period)

	value, ok, err := c.source.Read()
	switch {
	case err != nil:
		c.logger.Warn("metric read failed", "error", err)
		c.emit(SampleSkipped{Reason: fmt.Errorf("%w: %w", ErrSensorUnavailable, err)})
		return
	case !ok:
		c.emit(SampleSkipped{Reason: ErrSensorUnavailable})
		return
	}

	c.addSample(c.cfg.Series, telemetry.NewSample(c.now(), value))
}

func (c *Controller) addSample(series string, s telemetry.Sample) {
	c.lastSample = &s

	if c.client == nil {
		c.publishStatus()
		c.emit(Sampled{Series: series, Sample: s})
		return
	}

	if err := c.client.AddData(series, s); err != nil {
		c.logger.Warn("buffer sample failed", "series", series, "error", err)
		c.publishStatus()
		return
	}

	c.buffered = c.client.DataSize(series)
	c.emit(Sampled{Series: series, Sample: s, Buffered: c.buffered})

	if c.canSend && c.buffered >= c.cfg.Threshold {
		c.uploadAsync()
	}
	c.publishStatus()
}

func (c *Controller) uploadAsync() {
	var once sync.Once

	c.uploads++
	c.refreshState()

	err := c.client.SendAsync(c.callContext(), func(err error) {
		once.Do(func() {
			c.post(func() {
				if err != nil {
					c.onUploadFailure(err)
					return
				}
				c.onUploadSuccess()
			})
		})
	})
	if err != nil {
		c.uploads--
		c.refreshState()
		c.logger.Warn("upload not started", "error", err)
		return
	}
	c.buffered = c.client.DataSize(c.cfg.Series)
}

func (c *Controller) onUploadSuccess() {
	c.uploadDone()
	c.stats.recordSuccess(c.now())
	c.emit(Uploaded{
		Success:  true,
		Series:   c.cfg.Series,
		Buffered: c.buffered,
		Stats:    c.stats.Snapshot(),
	})
}

func (c *Controller) onUploadFailure(err error) {
	c.uploadDone()
	sig := c.stats.recordFailure(c.now(), err)
	c.emit(Uploaded{
		Err:       fmt.Errorf("%w: %w", ErrUploadFailed, err),
		Signature: sig,
		Series:    c.cfg.Series,
		Buffered:  c.buffered,
		Stats:     c.stats.Snapshot(),
	})
}

func (c *Controller) uploadDone() {
	if c.uploads > 0 {
		c.uploads--
	}
	if c.client != nil {
		c.buffered = c.client.DataSize(c.cfg.Series)
	}
	c.refreshState()
}

func (c *Controller) refreshState() {
	switch {
	case c.state == StateStopped || c.state == StateIdle:
	case c.uploads > 0:
		c.state = StateUploading
	case c.registering:
		c.state = StateRegistering
	default:
		c.state = StateSampling
	}
	c.publishStatus()
}

func (c *Controller) emit(e Event) {
	c.publishStatus()
	if c.sink != nil {
		c.sink.Handle(e)
	}
}

func (c *Controller) publishStatus() {
	st := Status{
		State:    c.state,
		Series:   c.cfg.Series,
		DeviceID: c.deviceID,
		CanSend:  c.canSend,
		Buffered: c.buffered,
		Uploads:  c.stats.Snapshot(),
	}
	if c.lastSample != nil {
		s := *c.lastSample
		st.LastSample = &s
	}

	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
}
