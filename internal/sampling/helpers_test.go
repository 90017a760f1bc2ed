package sampling

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iobeam/rssibeam/internal/telemetry"
)

// fakeScheduler hands out timers that only fire when the test says so.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *fakeScheduler) active() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the oldest active timer and returns it, or nil if none is
// armed.
func (s *fakeScheduler) fire() *fakeTimer {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	if next != nil {
		next.f()
	}
	return next
}

type fakeSource struct {
	mu    sync.Mutex
	value int64
	ok    bool
	err   error
	reads int
}

func (f *fakeSource) Read() (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.value, f.ok, f.err
}

func (f *fakeSource) set(value int64, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.ok, f.err = value, ok, err
}

// fakeClient records calls and holds callbacks until the test
// completes them, the way an off-queue network call would.
type fakeClient struct {
	mu            sync.Mutex
	deviceID      string
	buffers       map[string][]telemetry.Sample
	addErr        error
	sendErr       error
	registerErr   error
	registerCalls int
	sendCalls     int
	setIDCalls    int
	sends         []telemetry.SendCallback
	registers     []telemetry.RegisterCallback
}

func newFakeClient(deviceID string) *fakeClient {
	return &fakeClient{deviceID: deviceID, buffers: make(map[string][]telemetry.Sample)}
}

func (f *fakeClient) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}

func (f *fakeClient) SetDeviceID(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setIDCalls++
	f.deviceID = id
	return nil
}

func (f *fakeClient) AddData(series string, s telemetry.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.buffers[series] = append(f.buffers[series], s)
	return nil
}

func (f *fakeClient) DataSize(series string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffers[series])
}

func (f *fakeClient) RegisterAsync(ctx context.Context, cb telemetry.RegisterCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registerCalls++
	f.registers = append(f.registers, cb)
	return nil
}

// SendAsync drains every buffer into the pending upload, like the
// real client's claim.
func (f *fakeClient) SendAsync(ctx context.Context, cb telemetry.SendCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sendCalls++
	for k := range f.buffers {
		delete(f.buffers, k)
	}
	f.sends = append(f.sends, cb)
	return nil
}

func (f *fakeClient) counts() (register, send int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.sendCalls
}

func (f *fakeClient) completeSend(err error) {
	f.mu.Lock()
	cb := f.sends[0]
	f.sends = f.sends[1:]
	f.mu.Unlock()
	cb(err)
}

func (f *fakeClient) completeRegister(id string, err error) {
	f.mu.Lock()
	cb := f.registers[0]
	f.registers = f.registers[1:]
	f.mu.Unlock()
	if err == nil {
		f.SetDeviceID(id)
	}
	cb(id, err)
}

type memPrefs struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newMemPrefs() *memPrefs {
	return &memPrefs{data: make(map[string]string)}
}

func (m *memPrefs) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memPrefs) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[key] = value
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) registered() []Registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Registered
	for _, e := range r.events {
		if ev, ok := e.(Registered); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingSink) uploads() []Uploaded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Uploaded
	for _, e := range r.events {
		if ev, ok := e.(Uploaded); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingSink) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	c      *Controller
	sched  *fakeScheduler
	source *fakeSource
	client *fakeClient
	prefs  *memPrefs
	sink   *recordingSink
	cancel context.CancelFunc
	errc   chan error
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newHarness builds a controller around fakes. client may be nil to
// simulate a failed client init.
func newHarness(t *testing.T, cfg Config, client *fakeClient) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		sched:  &fakeScheduler{},
		source: &fakeSource{value: -52, ok: true},
		client: client,
		prefs:  newMemPrefs(),
		sink:   &recordingSink{},
		errc:   make(chan error, 1),
	}

	var tc TelemetryClient
	if client != nil {
		tc = client
	}

	tick := 0
	h.c = New(cfg, h.source, tc,
		WithScheduler(h.sched),
		WithPreferences(h.prefs),
		WithSink(h.sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time {
			tick++
			return testEpoch.Add(time.Duration(tick) * time.Second)
		}),
	)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- h.c.Run(ctx) }()
	h.t.Cleanup(h.stop)
	h.sync()
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	if err := <-h.errc; err != nil {
		h.t.Errorf("Run() error: %v", err)
	}
}

// sync waits until everything queued so far has run.
func (h *harness) sync() {
	h.t.Helper()
	done := make(chan struct{})
	if !h.c.post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("controller queue did not drain")
	}
}

// tick fires the pending tick timer and waits for it to be handled.
func (h *harness) tick() {
	h.t.Helper()
	if h.sched.fire() == nil {
		h.t.Fatal("no tick armed")
	}
	h.sync()
}
