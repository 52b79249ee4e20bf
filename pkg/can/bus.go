// Package can defines the hardware CAN bus seam used by the rest of the
// engine. The controller itself is an external collaborator: the engine
// only ever talks to the Bus interface below, never to a specific chip.
package can

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const CanSffMask uint32 = unix.CAN_SFF_MASK
const CanEffFlag uint32 = unix.CAN_EFF_FLAG

// Frame is a single CAN frame: 11- or 29-bit identifier, 0..8 data bytes.
// Immutable once handed to a Bus or a FrameListener.
type Frame struct {
	ID       uint32
	Extended bool
	DLC      uint8
	Data     [8]byte
}

func NewFrame(id uint32, extended bool, dlc uint8) Frame {
	return Frame{ID: id, Extended: extended, DLC: dlc}
}

// FrameListener receives CAN frames off the bus. Handle must not block.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the narrow interface the engine uses to talk to a CAN controller.
// It says nothing about mailboxes or filters — that's a software concept
// layered on top in pkg/mailbox.
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus, non-blocking
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// RegisterInterface registers a new Bus implementation under a name. Called
// from the init() function of a binding package (socketcan, virtual, ...).
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// NewBus creates a new Bus with the given registered interface.
// Currently supported: "socketcan", "virtual".
func NewBus(canInterface string, channel string) (Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported CAN interface: %v", canInterface)
	}
	return createInterface(channel)
}
