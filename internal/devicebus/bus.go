// Package devicebus is the device-layer fan-out the TelegramQueue forwards
// incoming and outgoing traffic to: a thin adapter that publishes decoded
// group telegram events and accepts write commands from an external
// integration, without itself decoding DPTs or modelling devices.
package devicebus

import (
	"github.com/nerrad567/knxcore/internal/knx/address"
	"github.com/nerrad567/knxcore/internal/knx/apci"
)

// Bus is the device-layer fan-out interface the protocol core publishes
// telegram events to and receives write commands from.
type Bus interface {
	// PublishState reports a group address's observed value from an
	// incoming group write; payloads other than GroupValueWrite are rejected.
	PublishState(ga address.Group, payload apci.Service) error

	// PublishHealth reports the interface's connection health.
	PublishHealth(connected bool) error

	// OnCommand registers the handler invoked when an external system
	// requests a group write. The bus decodes its transport-specific
	// command message into (address, payload) and calls handler; it does
	// not interpret the payload itself.
	OnCommand(handler func(ga address.Group, payload apci.Service) error)

	// Close disconnects the bus.
	Close() error
}
