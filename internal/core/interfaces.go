package core

import (
	"context"

	"github.com/e7canasta/orion-edge-viewer/internal/control"
)

// Emitter is the MQTT side of the service: it carries the control plane
// subscription and publishes status.
type Emitter interface {
	control.Broker
	// Connect establishes connection to the broker
	Connect(ctx context.Context) error
	// PublishStatus publishes a status message
	PublishStatus(payload []byte) error
	// Disconnect closes the connection
	Disconnect() error
}
