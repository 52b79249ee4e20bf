// Package virtual is an in-process CAN bus used for tests and examples. All
// buses created with the same channel name share a broadcast domain, so two
// Bus values standing in for two adapter-side test peers can exchange
// frames without any real hardware.
package virtual

import (
	"sync"

	can "github.com/vdiagfw/engine/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
}

type broadcastDomain struct {
	mu      sync.Mutex
	members []*Bus
}

var domains = struct {
	mu  sync.Mutex
	set map[string]*broadcastDomain
}{set: make(map[string]*broadcastDomain)}

func domainFor(channel string) *broadcastDomain {
	domains.mu.Lock()
	defer domains.mu.Unlock()
	d, ok := domains.set[channel]
	if !ok {
		d = &broadcastDomain{}
		domains.set[channel] = d
	}
	return d
}

// Bus is a virtual CAN bus backed by an in-process broadcast domain.
type Bus struct {
	mu         sync.Mutex
	domain     *broadcastDomain
	rxCallback can.FrameListener
	receiveOwn bool
	connected  bool
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{domain: domainFor(channel)}, nil
}

// Connect implements can.Bus: joins the broadcast domain.
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.domain.mu.Lock()
	b.domain.members = append(b.domain.members, b)
	b.domain.mu.Unlock()
	return nil
}

// Disconnect implements can.Bus: leaves the broadcast domain.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.domain.mu.Lock()
	defer b.domain.mu.Unlock()
	for i, m := range b.domain.members {
		if m == b {
			b.domain.members = append(b.domain.members[:i], b.domain.members[i+1:]...)
			break
		}
	}
	return nil
}

// Send implements can.Bus: delivers the frame to every other connected
// member of the domain synchronously, and to itself if SetReceiveOwn(true).
func (b *Bus) Send(frame can.Frame) error {
	b.domain.mu.Lock()
	members := make([]*Bus, len(b.domain.members))
	copy(members, b.domain.members)
	b.domain.mu.Unlock()

	for _, m := range members {
		if m == b && !b.receiveOwn {
			continue
		}
		m.mu.Lock()
		cb := m.rxCallback
		m.mu.Unlock()
		if cb != nil {
			cb.Handle(frame)
		}
	}
	return nil
}

// Subscribe implements can.Bus.
func (b *Bus) Subscribe(callback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = callback
	return nil
}

// SetReceiveOwn controls whether frames sent by this bus are also delivered
// back to its own listener, mirroring the adapter's CAN-channel loopback
// IOCTL at the bus level for test convenience.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
