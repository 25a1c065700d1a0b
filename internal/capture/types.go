package capture

import (
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by Open when the process may not use
	// the camera. Capture stays disabled; nothing else is affected.
	ErrPermissionDenied = errors.New("capture: camera permission denied")
	// ErrNoTarget is returned by Open when no CaptureSurface is bound.
	ErrNoTarget = errors.New("capture: no target surface bound")
	// ErrNoDevice is returned when the driver enumerates no cameras.
	ErrNoDevice = errors.New("capture: no camera device")
	// ErrOpenFailed is returned by Open when the device cannot be used for a
	// reason other than permission, such as a missing or busy device node.
	ErrOpenFailed = errors.New("capture: device open failed")
	// ErrBusy is returned by Open when a session is already in progress.
	ErrBusy = errors.New("capture: session already active")
	// ErrDisconnected is reported when the device goes away while in use.
	ErrDisconnected = errors.New("capture: device disconnected")
	// ErrConfigureFailed is reported when the streaming session cannot be set up.
	ErrConfigureFailed = errors.New("capture: session configuration failed")
)

// Frame is one camera image in RGBA order, top row first.
//
// IMMUTABILITY CONTRACT: once delivered to a Target the frame is shared by
// reference; nobody may modify Pix afterwards.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the backend
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Stride is the byte length of one row
	Stride int
	// Pix holds Height*Stride bytes of RGBA data
	Pix []byte
	// TraceID is a unique identifier for tracing a frame through the pipeline
	TraceID string
}

// Target receives frames from a streaming session. Deliver is called from
// the backend's streaming goroutine and must not block.
type Target interface {
	Deliver(f Frame)
	// BufferSize is the preferred frame size.
	BufferSize() (width, height int)
}

// AFMode selects the autofocus behaviour of a repeating request.
type AFMode int

const (
	AFOff AFMode = iota
	AFContinuousPicture
)

func (m AFMode) String() string {
	if m == AFContinuousPicture {
		return "continuous-picture"
	}
	return "off"
}

// AEMode selects the auto-exposure behaviour of a repeating request.
type AEMode int

const (
	AEOff AEMode = iota
	AEOn
	AEOnAutoFlash
)

func (m AEMode) String() string {
	switch m {
	case AEOn:
		return "on"
	case AEOnAutoFlash:
		return "on-auto-flash"
	default:
		return "off"
	}
}

// Request is a repeating capture request.
type Request struct {
	Target       Target
	AutoFocus    AFMode
	AutoExposure AEMode
}

// PreviewRequest is the request submitted once a session is configured.
func PreviewRequest(t Target) Request {
	return Request{Target: t, AutoFocus: AFContinuousPicture, AutoExposure: AEOnAutoFlash}
}

// Executor runs a callback on the controller's callback goroutine.
type Executor func(func())

// DeviceCallbacks receive the outcome of Manager.OpenDevice.
type DeviceCallbacks struct {
	OnOpened       func(Device)
	OnDisconnected func(Device)
	OnError        func(Device, error)
}

// SessionCallbacks receive the outcome of Device.CreateSession.
type SessionCallbacks struct {
	OnConfigured      func(Session)
	OnConfigureFailed func(Session, error)
}

// Manager enumerates and opens cameras. All callbacks must be dispatched
// through the Executor given to OpenDevice, never inline from the calling
// goroutine.
type Manager interface {
	Devices() ([]string, error)
	OpenDevice(id string, cb DeviceCallbacks, exec Executor) error
}

// Device is an open camera. Close must be idempotent.
type Device interface {
	ID() string
	// CreateSession prepares streaming into t. The outcome is reported
	// asynchronously through cb.
	CreateSession(t Target, cb SessionCallbacks) error
	Close() error
}

// Session streams frames once a repeating request is set. Close must be
// idempotent.
type Session interface {
	SetRepeatingRequest(r Request) error
	StopRepeating() error
	Close() error
}

// Authorizer decides whether the process may open a camera.
type Authorizer interface {
	Authorize(id string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(id string) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(id string) error { return f(id) }

// Reporter is told about errors that end a session.
type Reporter func(err error)
