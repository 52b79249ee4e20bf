// Package socketcan binds the engine's can.Bus seam to a real SocketCAN
// interface via github.com/brutella/can. This is the one concrete hardware
// binding the adapter ships with; everything else in this repo talks only
// to can.Bus.
package socketcan

import (
	sockcan "github.com/brutella/can"

	can "github.com/vdiagfw/engine/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

// Connect implements can.Bus.
func (b *SocketcanBus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

// Disconnect implements can.Bus.
func (b *SocketcanBus) Disconnect() error {
	return b.bus.Disconnect()
}

// Send implements can.Bus. Non-blocking: brutella/can.Publish queues the
// frame for the controller and returns immediately.
func (b *SocketcanBus) Send(frame can.Frame) error {
	// SocketCAN encodes the extended-frame flag in bit 31 of the id word
	// itself (CAN_EFF_FLAG), not as a separate field.
	id := frame.ID
	if frame.Extended {
		id |= can.CanEffFlag
	}
	return b.bus.Publish(sockcan.Frame{
		ID:     id,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

// Subscribe implements can.Bus.
func (b *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	b.rxCallback = rxCallback
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's frame handler interface.
func (b *SocketcanBus) Handle(frame sockcan.Frame) {
	extended := frame.ID&can.CanEffFlag != 0
	b.rxCallback.Handle(can.Frame{
		ID:       frame.ID &^ can.CanEffFlag,
		Extended: extended,
		DLC:      frame.Length,
		Data:     frame.Data,
	})
}

func NewSocketCanBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus}, nil
}
