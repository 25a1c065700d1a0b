package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Broker is the message transport used by the control plane.
type Broker interface {
	Subscribe(topic string, qos byte, handler func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload []byte) error
}

// Topics names the control and status topics.
type Topics struct {
	Control string
	Status  string
}

// Command represents a control plane command
type Command struct {
	Command string
	Params  gjson.Result
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus func() map[string]any
	// OnSetEffect applies an effect by name and returns the label now active
	OnSetEffect func(name string) (string, error)
	// OnCycleEffect selects the next effect and returns its label
	OnCycleEffect       func() (string, error)
	OnEnableProcessing  func() error
	OnDisableProcessing func() error
	OnRestartCapture    func() error
	OnStopCapture       func() error
}

// Handler handles control plane commands
type Handler struct {
	broker    Broker
	topics    Topics
	qos       byte
	commands  chan Command
	callbacks CommandCallbacks
	now       func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewHandler creates a new control plane handler
func NewHandler(broker Broker, topics Topics, qos byte, callbacks CommandCallbacks) *Handler {
	return &Handler{
		broker:    broker,
		topics:    topics,
		qos:       qos,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start subscribes to the control topic and processes commands until ctx
// is done or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane", "topic", h.topics.Control, "qos", h.qos)

	if err := h.broker.Subscribe(h.topics.Control, h.qos, h.messageHandler); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and stops command processing.
func (h *Handler) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		err = h.broker.Unsubscribe(h.topics.Control)
		close(h.done)
		slog.Info("control plane handler stopped")
	})
	return err
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      err.Error(),
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func parseCommand(payload []byte) (Command, error) {
	if !gjson.ValidBytes(payload) {
		return Command{}, fmt.Errorf("invalid JSON")
	}
	name := gjson.GetBytes(payload, "command")
	if name.Type != gjson.String || name.Str == "" {
		return Command{}, fmt.Errorf("missing 'command'")
	}
	return Command{Command: name.Str, Params: gjson.GetBytes(payload, "params")}, nil
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	notImplemented := func() Response {
		return fail(fmt.Errorf("%s not implemented", cmd.Command))
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented()
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "set_effect":
		if h.callbacks.OnSetEffect == nil {
			return notImplemented()
		}
		name := cmd.Params.Get("effect")
		if name.Type != gjson.String {
			return fail(fmt.Errorf("missing or invalid 'effect' parameter (expected string)"))
		}
		label, err := h.callbacks.OnSetEffect(name.Str)
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"effect": label}

	case "cycle_effect":
		if h.callbacks.OnCycleEffect == nil {
			return notImplemented()
		}
		label, err := h.callbacks.OnCycleEffect()
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"effect": label}

	case "enable_processing", "disable_processing":
		enable := cmd.Command == "enable_processing"
		fn := h.callbacks.OnDisableProcessing
		if enable {
			fn = h.callbacks.OnEnableProcessing
		}
		if fn == nil {
			return notImplemented()
		}
		if err := fn(); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"processing_enabled": enable}

	case "restart_capture":
		if h.callbacks.OnRestartCapture == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnRestartCapture(); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"message": "capture restarting"}

	case "stop_capture":
		if h.callbacks.OnStopCapture == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnStopCapture(); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"capture_active": false}

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// sendResponse sends a response to the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	if err := h.broker.Publish(h.topics.Status, h.qos, payload); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
