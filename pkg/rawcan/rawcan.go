// Package rawcan implements the raw CAN channel (spec §4.4): pass/block
// filters over the shared mailbox pool, plus a loopback IOCTL.
package rawcan

import (
	"encoding/binary"
	"sync"

	"github.com/vdiagfw/engine/pkg/can"
	"github.com/vdiagfw/engine/pkg/channel"
	"github.com/vdiagfw/engine/pkg/mailbox"
)

// IOCTL ids understood by this channel. Everything else is
// ErrInvalidIoctlID.
const (
	IoctlLoopback uint32 = 0x01
	// IoctlMailboxDropped reads the total ring-overflow count across every
	// mailbox bound to this channel's Port (spec §9 Open Question 7, §3
	// expansion: the reference drops silently with no counter at all).
	IoctlMailboxDropped uint32 = 0x02
)

type filterEntry struct {
	inUse   bool
	kind    channel.FilterKind
	mask    uint32
	pattern uint32
}

// Channel is the raw CAN channel. One instance owns the mailbox Port for
// the lifetime of the CAN slot; AddFilter/RemoveFilter index mailboxes by
// filter id exactly as CanPort does, so filter id == mailbox id.
//
// Grounded on BusManager's CAN-id dispatch (bus_manager.go) for the
// pass-filter path, where hardware does the matching; the block-filter
// software overlay follows the accept-everything-then-drop idea in
// original_source/firmware's custom_can channel.
type Channel struct {
	mu       sync.Mutex
	port     *mailbox.Port
	extended bool
	filters  [mailbox.Count]filterEntry
	loopback bool
	pending  []channel.RxEvent
}

func New(port *mailbox.Port) *Channel {
	return &Channel{port: port}
}

func (c *Channel) Setup(baud int, flags uint32) error {
	c.mu.Lock()
	c.extended = flags&channel.FlagCAN29BitID != 0
	c.mu.Unlock()
	return c.port.Enable(baud)
}

func (c *Channel) Teardown() error {
	c.mu.Lock()
	c.filters = [mailbox.Count]filterEntry{}
	c.pending = nil
	c.mu.Unlock()
	return c.port.Disable()
}

// AddFilter installs filterID as a mailbox filter. FLOW_CONTROL_FILTER is
// rejected here (spec §4.4); mask/pattern must each be <= 4 bytes,
// big-endian.
func (c *Channel) AddFilter(filterID int, kind channel.FilterKind, mask, pattern, flowControl []byte, extended bool) error {
	if filterID < 0 || filterID >= mailbox.Count {
		return channel.ErrExceededLimit
	}
	if kind == channel.FilterFlowControl {
		return channel.ErrFailed
	}
	if kind != channel.FilterPass && kind != channel.FilterBlock {
		return channel.ErrFailed
	}
	if len(mask) > 4 || len(pattern) > 4 {
		return channel.ErrFailed
	}

	maskVal := beUint32(mask)
	patternVal := beUint32(pattern)

	overlay := mailbox.OverlayPass
	hwMask, hwPattern := maskVal, patternVal
	if kind == channel.FilterBlock {
		// Hardware accepts everything; the block decision is made in
		// update() against the filter's own mask/pattern.
		overlay = mailbox.OverlayBlock
		hwMask, hwPattern = 0, 0
	}

	if err := c.port.SetFilter(filterID, hwPattern, hwMask, extended, overlay, mailbox.RoleFilter, 0); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[filterID] = filterEntry{inUse: true, kind: kind, mask: maskVal, pattern: patternVal}
	return nil
}

func (c *Channel) RemoveFilter(filterID int) error {
	if err := c.port.ClearFilter(filterID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters[filterID] = filterEntry{}
	return nil
}

// Send: input bytes are [CANID(4, BE), data...]. Sends via the mailbox
// Port, always synchronously (raw CAN send has no later confirmation), so
// ackNow mirrors requireResponse. Queues the loopback RX event, if
// enabled, for Poll to drain.
func (c *Channel) Send(data []byte, requireResponse bool) (bool, error) {
	if len(data) < 4 {
		return false, channel.ErrFailed
	}
	id := can.DecodeID(data[:4])
	payload := data[4:]
	if len(payload) > 8 {
		return false, channel.ErrFailed
	}

	c.mu.Lock()
	extended := c.extended
	c.mu.Unlock()

	var frame can.Frame
	frame.ID = id
	frame.Extended = extended
	frame.DLC = uint8(len(payload))
	copy(frame.Data[:], payload)

	if err := c.port.Send(frame); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.loopback {
		ev := channel.RxEvent{RxStatus: channel.RxStatusTxConfirm, Data: append([]byte(nil), data...)}
		c.pending = append(c.pending, ev)
	}
	c.mu.Unlock()
	return requireResponse, nil
}

// Poll drains every in-use mailbox and applies the block-filter drop rule
// (spec §9 Open Question 3: drop when (mask & id) == pattern — corrected
// from the reference's precedence bug, not a fresh invention).
func (c *Channel) Poll(nowMs int64) []channel.RxEvent {
	c.mu.Lock()
	events := c.pending
	c.pending = nil
	filters := c.filters
	c.mu.Unlock()

	for id := 0; id < mailbox.Count; id++ {
		f := filters[id]
		if !f.inUse {
			continue
		}
		for {
			frame, ok := c.port.TryRecv(id)
			if !ok {
				break
			}
			if f.kind == channel.FilterBlock && (f.mask&frame.ID) == f.pattern {
				continue
			}
			payload := make([]byte, 0, 4+int(frame.DLC))
			idBytes := can.EncodeID(frame.ID)
			payload = append(payload, idBytes[:]...)
			payload = append(payload, frame.Data[:frame.DLC]...)
			events = append(events, channel.RxEvent{RxStatus: 0, Data: payload})
		}
	}
	return events
}

func (c *Channel) IoctlGet(id uint32) (uint32, error) {
	switch id {
	case IoctlLoopback:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.loopback {
			return 1, nil
		}
		return 0, nil
	case IoctlMailboxDropped:
		var total uint32
		for i := 0; i < mailbox.Count; i++ {
			total += c.port.Dropped(i)
		}
		return total, nil
	default:
		return 0, channel.ErrInvalidIoctlID
	}
}

func (c *Channel) IoctlSet(id uint32, value uint32) error {
	switch id {
	case IoctlLoopback:
		c.mu.Lock()
		c.loopback = value != 0
		c.mu.Unlock()
		return nil
	default:
		return channel.ErrInvalidIoctlID
	}
}

// Wakeup is meaningless for raw CAN.
func (c *Channel) Wakeup(request []byte) ([]byte, error) {
	return nil, channel.ErrNotSupported
}

func beUint32(b []byte) uint32 {
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}

var _ channel.Channel = (*Channel)(nil)
