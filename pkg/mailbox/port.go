package mailbox

import (
	"fmt"
	"sync"

	can "github.com/vdiagfw/engine/pkg/can"
)

// Count is the number of hardware mailboxes on the adapter. Per spec §9
// Open Question 8, the reference source carries two divergent headers with
// different mailbox counts (7 vs MAILBOX_COUNT); 7 is canonical here.
const Count = 7

// OverlayKind is the software filter overlay installed on top of the
// hardware pattern/mask match.
type OverlayKind uint8

const (
	OverlayNone OverlayKind = iota
	OverlayPass
	OverlayBlock
)

// Role records what a mailbox is being used for, so that callers sharing
// the mailbox pool (raw CAN vs ISO-TP channels) don't have to guess.
type Role uint8

const (
	RoleFilter Role = iota
	RoleFlowControl
)

// Mailbox is a single hardware filter slot bound to a software RX ring.
// A mailbox is either free (InUse == false) or owns exactly one filter
// definition.
type Mailbox struct {
	InUse       bool
	Pattern     uint32
	Mask        uint32
	Extended    bool
	Overlay     OverlayKind
	Role        Role
	FlowControl uint32 // only meaningful when Role == RoleFlowControl
	Ring        Ring
}

func (m *Mailbox) matches(frame can.Frame) bool {
	if m.Mask == 0 {
		// Accept-all (hardware "block-all" reset state uses the inverse,
		// mask 0xFFFFFFFF; mask 0 is the accept-everything case used by
		// software block-filter overlays, which do their own matching on
		// top) — no extended/standard distinction applies here.
		return m.Pattern == 0
	}
	if frame.Extended != m.Extended {
		return false
	}
	return frame.ID&m.Mask == m.Pattern
}

// Port is the CAN adapter: 7 mailboxes plus non-blocking TX through the
// underlying hardware Bus. Grounded on the teacher's BusManager, which
// dispatches received frames to CAN-id-indexed listeners under a mutex;
// here the dispatch target is a fixed mailbox array instead of a dynamic
// subscriber list, and delivery goes into a bounded ring rather than an
// immediate callback, since mailbox contents are polled, not pushed.
type Port struct {
	mu       sync.Mutex
	bus      can.Bus
	mailbox  [Count]Mailbox
	enabled  bool
}

func NewPort(bus can.Bus) *Port {
	return &Port{bus: bus}
}

// Enable brings the controller online: every mailbox is set to block-all
// (mask 0xFFFFFFFF, pattern 0) and every ring is cleared.
func (p *Port) Enable(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.bus.Subscribe(p); err != nil {
		return err
	}
	if err := p.bus.Connect(baud); err != nil {
		return err
	}
	for i := range p.mailbox {
		p.resetMailboxLocked(i)
	}
	p.enabled = true
	return nil
}

// Disable tears the controller down symmetrically with Enable.
func (p *Port) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	for i := range p.mailbox {
		p.resetMailboxLocked(i)
	}
	return p.bus.Disconnect()
}

func (p *Port) resetMailboxLocked(id int) {
	p.mailbox[id] = Mailbox{
		InUse:   false,
		Pattern: 0,
		Mask:    0xFFFFFFFF,
		Overlay: OverlayNone,
		Ring:    p.mailbox[id].Ring, // keeps the drop counter; Clear empties the frames
	}
	p.mailbox[id].Ring.Clear()
}

// SetFilter installs a hardware filter on mailbox id and clears its ring.
func (p *Port) SetFilter(id int, pattern, mask uint32, extended bool, overlay OverlayKind, role Role, flowControl uint32) error {
	if id < 0 || id >= Count {
		return fmt.Errorf("mailbox id %d out of range", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	mb := &p.mailbox[id]
	mb.InUse = true
	mb.Pattern = pattern
	mb.Mask = mask
	mb.Extended = extended
	mb.Overlay = overlay
	mb.Role = role
	mb.FlowControl = flowControl
	mb.Ring.Clear()
	return nil
}

// ClearFilter restores block-all on mailbox id and clears its ring.
func (p *Port) ClearFilter(id int) error {
	if id < 0 || id >= Count {
		return fmt.Errorf("mailbox id %d out of range", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetMailboxLocked(id)
	return nil
}

// Mailbox returns a copy of mailbox id's metadata (not its ring contents).
func (p *Port) Mailbox(id int) (Mailbox, error) {
	if id < 0 || id >= Count {
		return Mailbox{}, fmt.Errorf("mailbox id %d out of range", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	mb := p.mailbox[id]
	mb.Ring = Ring{} // don't leak ring internals through the copy
	return mb, nil
}

// FirstFree returns the id of the first mailbox not InUse, or -1.
func (p *Port) FirstFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.mailbox {
		if !p.mailbox[i].InUse {
			return i
		}
	}
	return -1
}

// Send transmits a frame through the hardware, non-blocking.
func (p *Port) Send(frame can.Frame) error {
	return p.bus.Send(frame)
}

// TryRecv pops the oldest queued frame for mailbox id, if any.
func (p *Port) TryRecv(id int) (can.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= Count {
		return can.Frame{}, false
	}
	return p.mailbox[id].Ring.Pop()
}

// Dropped returns the overflow counter for mailbox id (spec §9 Open
// Question 7: the reference silently drops on overflow with no counter;
// this adds one without changing the drop behavior).
func (p *Port) Dropped(id int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= Count {
		return 0
	}
	return p.mailbox[id].Ring.Dropped()
}

// Handle implements can.FrameListener. It stands in for the mailbox
// interrupt: every in-use mailbox whose hardware pattern/mask matches gets
// the frame copied into its ring. On ring-full the frame is dropped
// silently, matching the reference; no dynamic allocation occurs here.
func (p *Port) Handle(frame can.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	for i := range p.mailbox {
		mb := &p.mailbox[i]
		if mb.InUse && mb.matches(frame) {
			mb.Ring.Push(frame)
		}
	}
}
