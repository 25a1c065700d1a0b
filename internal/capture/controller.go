// Package capture drives a camera through its session lifecycle and feeds
// frames to a Target.
//
// The Controller is a state machine over an asynchronous driver (Manager,
// Device, Session). Driver callbacks are executed on a single callback
// goroutine owned by the controller; explicit Open and Close calls may come
// from any goroutine. Every transition happens under one mutex and is
// stamped with a generation number, so a callback that arrives after Close
// (or after a newer Open) only releases the handle it carries.
//
//	Idle → Opening → Configuring → Streaming → Closing → Idle
//	          ↘            ↘            ↘
//	                     Error ──Close──→ Idle
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of the capture session.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateConfiguring
	StateStreaming
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats contains controller counters.
type Stats struct {
	Opens          uint64
	Failures       uint64
	Closes         uint64
	StaleCallbacks uint64
	State          string
	DeviceID       string
	LastError      string
}

// Config configures a Controller.
type Config struct {
	Manager Manager
	// Authorizer is consulted on every Open. Nil allows everything.
	Authorizer Authorizer
	// Reporter is told about errors that move the session to StateError.
	Reporter Reporter
	// QueueSize bounds pending callbacks. Defaults to 16.
	QueueSize int
}

// Controller owns at most one camera session.
type Controller struct {
	mgr    Manager
	auth   Authorizer
	report Reporter

	mu       sync.Mutex
	state    State
	gen      uint64
	changed  chan struct{}
	target   Target
	deviceID string
	device   Device
	session  Session
	lastErr  error

	queue chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	opens, failures, closes, stale atomic.Uint64
}

// NewController starts the callback goroutine and returns an idle controller.
func NewController(cfg Config) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	c := &Controller{
		mgr:     cfg.Manager,
		auth:    cfg.Authorizer,
		report:  cfg.Reporter,
		changed: make(chan struct{}),
		queue:   make(chan func(), cfg.QueueSize),
		quit:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.callbackLoop()
	return c
}

// callbackLoop is the dedicated goroutine every driver callback runs on.
func (c *Controller) callbackLoop() {
	defer c.wg.Done()
	slog.Debug("capture: callback goroutine started")
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.quit:
			for {
				select {
				case fn := <-c.queue:
					fn()
				default:
					slog.Debug("capture: callback goroutine stopped")
					return
				}
			}
		}
	}
}

// post is the Executor handed to the driver. After Shutdown callbacks run
// inline; by then every callback is stale and only releases its handle.
func (c *Controller) post(fn func()) {
	select {
	case <-c.quit:
		fn()
		return
	default:
	}
	select {
	case c.queue <- fn:
	case <-c.quit:
		fn()
	}
}

// flush waits until every callback posted so far has run.
func (c *Controller) flush() {
	done := make(chan struct{})
	c.post(func() { close(done) })
	<-done
}

// setState must be called with mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	slog.Debug("capture: state changed", "from", c.state.String(), "to", s.String(), "generation", c.gen)
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the session to StateError, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Await blocks until the controller is in one of want, or ctx is done.
func (c *Controller) Await(ctx context.Context, want ...State) (State, error) {
	for {
		c.mu.Lock()
		s, ch := c.state, c.changed
		c.mu.Unlock()
		if slices.Contains(want, s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ch:
		}
	}
}

// SetTarget binds the surface the next session will stream into.
func (c *Controller) SetTarget(t Target) {
	c.mu.Lock()
	c.target = t
	c.mu.Unlock()
}

// Open starts opening the camera named by selector, or the first camera
// when selector is empty. It returns once the request is issued; progress
// is observable through State and Await. Valid from StateIdle and
// StateError.
func (c *Controller) Open(selector string) error {
	id, err := c.pick(selector)
	if err != nil {
		return err
	}
	if c.auth != nil {
		if err := c.auth.Authorize(id); err != nil {
			switch {
			case errors.Is(err, ErrPermissionDenied):
			case errors.Is(err, fs.ErrPermission):
				err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
			default:
				err = fmt.Errorf("%w: %s: %w", ErrOpenFailed, id, err)
				c.mu.Lock()
				c.lastErr = err
				c.mu.Unlock()
				c.failures.Add(1)
				slog.Error("capture: camera unavailable", "device", id, "error", err)
				return err
			}
			slog.Warn("capture: camera not authorized", "device", id, "error", err)
			return err
		}
	}

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, s)
	}
	if c.target == nil {
		c.mu.Unlock()
		return ErrNoTarget
	}
	c.gen++
	gen := c.gen
	c.deviceID = id
	c.lastErr = nil
	c.setState(StateOpening)
	c.mu.Unlock()

	c.opens.Add(1)
	slog.Info("capture: opening camera", "device", id, "generation", gen)

	if err := c.mgr.OpenDevice(id, c.deviceCallbacks(gen), c.post); err != nil {
		err = fmt.Errorf("capture: open %s: %w", id, err)
		c.fail(gen, err, nil)
		return err
	}
	return nil
}

func (c *Controller) pick(selector string) (string, error) {
	ids, err := c.mgr.Devices()
	if err != nil {
		return "", fmt.Errorf("capture: enumerate devices: %w", err)
	}
	if len(ids) == 0 {
		return "", ErrNoDevice
	}
	if selector == "" {
		return ids[0], nil
	}
	if !slices.Contains(ids, selector) {
		return "", fmt.Errorf("%w: %q not in %v", ErrNoDevice, selector, ids)
	}
	return selector, nil
}

// current reports whether gen is still the live generation and the state
// is want. Must be called with mu held.
func (c *Controller) current(gen uint64, want State) bool {
	return gen == c.gen && c.state == want
}

func (c *Controller) deviceCallbacks(gen uint64) DeviceCallbacks {
	return DeviceCallbacks{
		OnOpened: func(dev Device) {
			c.mu.Lock()
			if !c.current(gen, StateOpening) {
				c.mu.Unlock()
				c.discard("opened", dev, nil)
				return
			}
			c.device = dev
			c.setState(StateConfiguring)
			target := c.target
			c.mu.Unlock()

			slog.Info("capture: camera opened", "device", dev.ID(), "generation", gen)
			if err := dev.CreateSession(target, c.sessionCallbacks(gen)); err != nil {
				c.fail(gen, fmt.Errorf("%w: %v", ErrConfigureFailed, err), nil)
			}
		},
		OnDisconnected: func(dev Device) {
			if !c.fail(gen, fmt.Errorf("%w: %s", ErrDisconnected, dev.ID()), dev) {
				c.discard("disconnected", dev, nil)
			}
		},
		OnError: func(dev Device, err error) {
			if !c.fail(gen, fmt.Errorf("capture: device %s: %w", dev.ID(), err), dev) {
				c.discard("error", dev, nil)
			}
		},
	}
}

func (c *Controller) sessionCallbacks(gen uint64) SessionCallbacks {
	return SessionCallbacks{
		OnConfigured: func(sess Session) {
			c.mu.Lock()
			if !c.current(gen, StateConfiguring) {
				c.mu.Unlock()
				c.discard("configured", nil, sess)
				return
			}
			c.session = sess
			req := PreviewRequest(c.target)
			id := c.deviceID
			c.mu.Unlock()

			err := sess.SetRepeatingRequest(req)

			c.mu.Lock()
			if !c.current(gen, StateConfiguring) {
				// Close already took the session
				c.mu.Unlock()
				return
			}
			if err != nil {
				c.mu.Unlock()
				c.fail(gen, fmt.Errorf("%w: repeating request: %v", ErrConfigureFailed, err), nil)
				return
			}
			c.setState(StateStreaming)
			c.mu.Unlock()

			slog.Info("capture: streaming",
				"device", id,
				"auto_focus", req.AutoFocus.String(),
				"auto_exposure", req.AutoExposure.String(),
			)
		},
		OnConfigureFailed: func(sess Session, err error) {
			if !c.fail(gen, fmt.Errorf("%w: %v", ErrConfigureFailed, err), nil) {
				c.discard("configure-failed", nil, sess)
				return
			}
			if sess != nil {
				_ = sess.Close()
			}
		},
	}
}

// discard releases handles delivered by a stale callback.
func (c *Controller) discard(event string, dev Device, sess Session) {
	c.stale.Add(1)
	slog.Info("capture: stale callback, releasing handle", "event", event)
	if err := release(sess, dev); err != nil {
		slog.Warn("capture: release stale handle", "event", event, "error", err)
	}
}

// fail moves generation gen to StateError and releases its resources. dev
// is closed too when the controller does not hold it yet. It returns false
// when gen is stale.
func (c *Controller) fail(gen uint64, err error, dev Device) bool {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosing || c.state == StateIdle || c.state == StateError {
		c.mu.Unlock()
		return false
	}
	id := c.deviceID
	held, sess := c.device, c.session
	c.device, c.session = nil, nil
	c.lastErr = err
	c.setState(StateError)
	c.mu.Unlock()

	if held == nil {
		held = dev
	}
	c.failures.Add(1)
	slog.Error("capture: session failed", "device", id, "error", err)
	if rerr := release(sess, held); rerr != nil {
		slog.Warn("capture: release after failure", "error", rerr)
	}
	if c.report != nil {
		c.report(err)
	}
	return true
}

// Close stops streaming and releases the session and device. It is
// idempotent and safe from any goroutine. Callbacks still in flight for the
// closed session only release the handles they carry.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	from, id := c.state, c.deviceID
	c.gen++
	dev, sess := c.device, c.session
	c.device, c.session = nil, nil
	c.setState(StateClosing)
	c.mu.Unlock()

	err := release(sess, dev)

	c.mu.Lock()
	c.setState(StateIdle)
	c.mu.Unlock()

	c.closes.Add(1)
	slog.Info("capture: closed", "device", id, "from", from.String())
	if err != nil {
		return fmt.Errorf("capture: close: %w", err)
	}
	return nil
}

// Shutdown closes the session and stops the callback goroutine.
func (c *Controller) Shutdown() error {
	err := c.Close()
	c.once.Do(func() {
		close(c.quit)
		c.wg.Wait()
	})
	return err
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	st := Stats{State: c.state.String(), DeviceID: c.deviceID}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	st.Opens = c.opens.Load()
	st.Failures = c.failures.Load()
	st.Closes = c.closes.Load()
	st.StaleCallbacks = c.stale.Load()
	return st
}

func release(sess Session, dev Device) error {
	var errs []error
	if sess != nil {
		if err := sess.StopRepeating(); err != nil {
			errs = append(errs, fmt.Errorf("stop repeating: %w", err))
		}
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if dev != nil {
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device %s: %w", dev.ID(), err))
		}
	}
	return errors.Join(errs...)
}
