package capture

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type nopTarget struct{}

func (nopTarget) Deliver(Frame) {}

func (nopTarget) BufferSize() (int, int) { return 1280, 720 }

type fakeSession struct {
	mu        sync.Mutex
	request   *Request
	stopped   bool
	closes    int
	repeatErr error
}

func (s *fakeSession) SetRepeatingRequest(r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repeatErr != nil {
		return s.repeatErr
	}
	s.request = &r
	return nil
}

func (s *fakeSession) StopRepeating() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

type fakeDevice struct {
	id     string
	mgr    *fakeManager
	cb     DeviceCallbacks
	closes atomic.Int32

	mu       sync.Mutex
	sessions []*fakeSession
	sessCB   SessionCallbacks
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) CreateSession(t Target, cb SessionCallbacks) error {
	if d.closes.Load() > 0 {
		return errors.New("device closed")
	}
	sess := &fakeSession{repeatErr: d.mgr.repeatErr}
	d.mu.Lock()
	d.sessions = append(d.sessions, sess)
	d.sessCB = cb
	d.mu.Unlock()

	if d.mgr.holdSession {
		return nil
	}
	go d.mgr.executor()(func() {
		if d.mgr.configureErr != nil {
			cb.OnConfigureFailed(sess, d.mgr.configureErr)
			return
		}
		cb.OnConfigured(sess)
	})
	return nil
}

func (d *fakeDevice) Close() error {
	d.closes.Add(1)
	return nil
}

func (d *fakeDevice) session() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// fakeManager opens devices asynchronously through the executor, or holds
// the callbacks for the test to fire when holdOpen is set.
type fakeManager struct {
	ids          []string
	holdOpen     bool
	holdSession  bool
	configureErr error
	repeatErr    error
	openErr      error

	mu      sync.Mutex
	exec    Executor
	devices []*fakeDevice
	pending []func()
}

func (m *fakeManager) Devices() ([]string, error) { return m.ids, nil }

func (m *fakeManager) OpenDevice(id string, cb DeviceCallbacks, exec Executor) error {
	if m.openErr != nil {
		return m.openErr
	}
	dev := &fakeDevice{id: id, mgr: m, cb: cb}
	m.mu.Lock()
	m.exec = exec
	m.devices = append(m.devices, dev)
	fire := func() { exec(func() { cb.OnOpened(dev) }) }
	if m.holdOpen {
		m.pending = append(m.pending, fire)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	go fire()
	return nil
}

func (m *fakeManager) executor() Executor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec
}

func (m *fakeManager) firePending() {
	m.mu.Lock()
	p := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fire := range p {
		fire()
	}
}

func (m *fakeManager) allDevices() []*fakeDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeDevice(nil), m.devices...)
}

func newTestController(t *testing.T, m *fakeManager, cfg Config) *Controller {
	t.Helper()
	cfg.Manager = m
	c := NewController(cfg)
	c.SetTarget(nopTarget{})
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

func await(t *testing.T, c *Controller, want ...State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s, err := c.Await(ctx, want...); err != nil {
		t.Fatalf("Await(%v): stuck in %s", want, s)
	}
}

func TestOpenStreamClose(t *testing.T) {
	m := &fakeManager{ids: []string{"0", "1"}}
	c := newTestController(t, m, Config{})

	if err := c.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	await(t, c, StateStreaming)

	devs := m.allDevices()
	if len(devs) != 1 || devs[0].id != "0" {
		t.Fatalf("opened %v, want first device", devs)
	}
	sess := devs[0].session()
	if sess == nil || sess.request == nil {
		t.Fatal("no repeating request submitted")
	}
	if sess.request.AutoFocus != AFContinuousPicture || sess.request.AutoExposure != AEOnAutoFlash {
		t.Errorf("request = %+v, want continuous AF and auto-flash AE", *sess.request)
	}
	if sess.request.Target == nil {
		t.Error("request has no target")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state after Close = %s", c.State())
	}
	if !sess.stopped || !sess.closed() || devs[0].closes.Load() != 1 {
		t.Errorf("resources not released: stopped=%v closed=%v device closes=%d", sess.stopped, sess.closed(), devs[0].closes.Load())
	}

	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if devs[0].closes.Load() != 1 {
		t.Errorf("second Close touched the device again")
	}
}

func TestOpenPreconditions(t *testing.T) {
	authTests := []struct {
		name       string
		err        error
		want       error
		notWant    error
		countsFail bool
	}{
		{"denied sentinel", ErrPermissionDenied, ErrPermissionDenied, ErrOpenFailed, false},
		{"fs permission", &fs.PathError{Op: "open", Path: "/dev/video0", Err: fs.ErrPermission}, ErrPermissionDenied, ErrOpenFailed, false},
		{"missing node", &fs.PathError{Op: "open", Path: "/dev/video0", Err: fs.ErrNotExist}, ErrOpenFailed, ErrPermissionDenied, true},
		{"busy device", errors.New("device or resource busy"), ErrOpenFailed, ErrPermissionDenied, true},
	}
	for _, tt := range authTests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeManager{ids: []string{"0"}}
			auth := AuthorizerFunc(func(string) error { return tt.err })
			c := newTestController(t, m, Config{Authorizer: auth})

			err := c.Open("")
			if !errors.Is(err, tt.want) || errors.Is(err, tt.notWant) {
				t.Fatalf("Open = %v, want %v and not %v", err, tt.want, tt.notWant)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Open = %v, driver error not kept", err)
			}
			if c.State() != StateIdle || len(m.allDevices()) != 0 {
				t.Errorf("state %s, %d devices opened", c.State(), len(m.allDevices()))
			}
			st := c.Stats()
			if got := st.Failures == 1 && st.LastError != ""; got != tt.countsFail {
				t.Errorf("stats = %+v, counted as failure %v, want %v", st, got, tt.countsFail)
			}
		})
	}

	t.Run("no target", func(t *testing.T) {
		c := NewController(Config{Manager: &fakeManager{ids: []string{"0"}}})
		defer c.Shutdown()
		if err := c.Open(""); !errors.Is(err, ErrNoTarget) {
			t.Errorf("Open = %v, want ErrNoTarget", err)
		}
	})

	t.Run("no device", func(t *testing.T) {
		c := newTestController(t, &fakeManager{}, Config{})
		if err := c.Open(""); !errors.Is(err, ErrNoDevice) {
			t.Errorf("Open = %v, want ErrNoDevice", err)
		}
	})

	t.Run("unknown selector", func(t *testing.T) {
		c := newTestController(t, &fakeManager{ids: []string{"0"}}, Config{})
		if err := c.Open("7"); !errors.Is(err, ErrNoDevice) {
			t.Errorf("Open = %v, want ErrNoDevice", err)
		}
	})

	t.Run("busy", func(t *testing.T) {
		c := newTestController(t, &fakeManager{ids: []string{"0"}}, Config{})
		if err := c.Open(""); err != nil {
			t.Fatalf("Open: %v", err)
		}
		await(t, c, StateStreaming)
		if err := c.Open(""); !errors.Is(err, ErrBusy) {
			t.Errorf("second Open = %v, want ErrBusy", err)
		}
	})
}

// TestCloseRacingOpenCallback closes while the open is still pending and
// delivers the device afterwards. The late device must be closed and the
// controller must stay idle.
func TestCloseRacingOpenCallback(t *testing.T) {
	m := &fakeManager{ids: []string{"0"}, holdOpen: true}
	c := newTestController(t, m, Config{})

	if err := c.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.State() != StateOpening {
		t.Fatalf("state = %s, want opening", c.State())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m.firePending()
	c.flush()

	if c.State() != StateIdle {
		t.Errorf("state after late callback = %s, want idle", c.State())
	}
	dev := m.allDevices()[0]
	if dev.closes.Load() != 1 {
		t.Errorf("late device closes = %d, want 1", dev.closes.Load())
	}
	if dev.session() != nil {
		t.Error("session created for a closed controller")
	}
	if st := c.Stats(); st.StaleCallbacks != 1 {
		t.Errorf("StaleCallbacks = %d, want 1", st.StaleCallbacks)
	}
}

func TestCloseRacingConfigureCallback(t *testing.T) {
	m := &fakeManager{ids: []string{"0"}, holdSession: true}
	c := newTestController(t, m, Config{})

	if err := c.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	await(t, c, StateConfiguring)
	c.flush()
	dev := m.allDevices()[0]
	sess := dev.session()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dev.mu.Lock()
	cb := dev.sessCB
	dev.mu.Unlock()
	m.executor()(func() { cb.OnConfigured(sess) })
	c.flush()

	if c.State() != StateIdle {
		t.Errorf("state = %s, want idle", c.State())
	}
	if !sess.closed() || sess.request != nil {
		t.Errorf("late session: closed=%v request=%v", sess.closed(), sess.request)
	}
}

func TestConfigureFailure(t *testing.T) {
	m := &fakeManager{ids: []string{"0"}, configureErr: errors.New("unsupported format")}
	var reported atomic.Value
	c := newTestController(t, m, Config{Reporter: func(err error) { reported.Store(err) }})

	if err := c.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	await(t, c, StateError)

	err, _ := reported.Load().(error)
	if !errors.Is(err, ErrConfigureFailed) {
		t.Errorf("reported %v, want ErrConfigureFailed", err)
	}
	if !errors.Is(c.Err(), ErrConfigureFailed) {
		t.Errorf("Err() = %v", c.Err())
	}
	dev := m.allDevices()[0]
	if dev.closes.Load() != 1 || !dev.session().closed() {
		t.Error("device or session left open after configure failure")
	}

	// no automatic retry; an explicit Open is allowed from error
	time.Sleep(20 * time.Millisecond)
	if n := len(m.allDevices()); n != 1 {
		t.Errorf("devices opened = %d, want 1", n)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close from error = %v", err)
	}
	m.configureErr = nil
	if err := c.Open(""); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	await(t, c, StateStreaming)
}

func TestRepeatingRequestFailure(t *testing.T) {
	m := &fakeManager{ids: []string{"0"}, repeatErr: errors.New("target size unsupported")}
	c := newTestController(t, m, Config{})

	if err := c.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	await(t, c, StateError)
	if !m.allDevices()[0].session().closed() {
		t.Error("session left open")
	}
}

func TestDisconnectWhileStreaming(t *testing.T) {
	m := &fakeManager{ids: []string{"0"}}
	errs := make(chan error, 1)
	c := newTestController(t, m, Config{Reporter: func(err error) { errs <- err }})

	if err := c.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	await(t, c, StateStreaming)

	dev := m.allDevices()[0]
	m.executor()(func() { dev.cb.OnDisconnected(dev) })

	select {
	case err := <-errs:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("reported %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	await(t, c, StateError)
	if dev.closes.Load() == 0 || !dev.session().closed() {
		t.Error("resources not released on disconnect")
	}
}

func TestOpenDeviceError(t *testing.T) {
	m := &fakeManager{ids: []string{"0"}, openErr: errors.New("device busy")}
	c := newTestController(t, m, Config{})

	if err := c.Open(""); err == nil {
		t.Fatal("Open should fail when the driver refuses")
	}
	if c.State() != StateError {
		t.Errorf("state = %s, want error", c.State())
	}
}

// TestOpenCloseStress interleaves Open and Close with asynchronous driver
// callbacks and checks that every device ever opened ends up closed.
func TestOpenCloseStress(t *testing.T) {
	m := &fakeManager{ids: []string{"0"}}
	c := newTestController(t, m, Config{})
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		_ = c.Open("")
		if rng.Intn(2) == 0 {
			time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}

	// let in-flight callbacks land
	time.Sleep(50 * time.Millisecond)
	c.flush()

	if c.State() != StateIdle {
		t.Errorf("final state = %s", c.State())
	}
	for i, dev := range m.allDevices() {
		if dev.closes.Load() == 0 {
			t.Errorf("device #%d never closed", i)
		}
		if s := dev.session(); s != nil && !s.closed() {
			t.Errorf("device #%d session never closed", i)
		}
	}
	st := c.Stats()
	t.Logf("✅ opens=%d closes=%d stale=%d", st.Opens, st.Closes, st.StaleCallbacks)
}
