// Package channel defines the channel capability interface and the
// two-slot channel registry (spec §3, §4.3). This replaces the reference
// firmware's virtual-dispatch Channel base class (spec §9 redesign note)
// with a small interface plus per-protocol implementations owning their own
// state, registered into two exclusive-owner slots.
package channel

import "sync"

// ID identifies a channel slot. Only CAN and KLine are implemented; J1850
// and SCI are accepted by OPEN_CHANNEL dispatch but rejected as
// not-supported protocols.
type ID uint8

const (
	CAN   ID = 0
	KLine ID = 1
	J1850 ID = 2
	SCI   ID = 3
)

// Protocol identifies the wire protocol requested at OPEN_CHANNEL time.
type Protocol uint32

const (
	ProtocolCAN      Protocol = 1
	ProtocolISO15765 Protocol = 2
	ProtocolISO9141  Protocol = 3
)

// Open-channel flag bits (spec §4.3/§6).
const (
	FlagCAN29BitID        uint32 = 0x00000100
	FlagISO15765AddrType  uint32 = 0x00000080
)

// FilterKind is the filter type named in SET_CHAN_FILT.
type FilterKind uint32

const (
	FilterPass        FilterKind = 1
	FilterBlock       FilterKind = 2
	FilterFlowControl FilterKind = 3
)

// RxEvent is a single unsolicited RX delivery a Channel hands back to the
// engine for forwarding to the host as MSG_RX_CHAN_DATA.
type RxEvent struct {
	RxStatus uint32
	Data     []byte
}

// RxStatus tags shared across channel implementations (spec §6).
const (
	RxStatusNormal     uint32 = 0x00
	RxStatusFirstFrame uint32 = 0x01 // ISO15765_FIRST_FRAME: unsolicited FF indication
	RxStatusTxConfirm  uint32 = 0x02 // TX_MSG_TYPE: loopback/tx-complete confirmation
)

// Channel is the capability surface every channel implementation satisfies.
// Setup/Teardown bracket the channel's lifetime; AddFilter/RemoveFilter
// configure mailboxes; Send/Poll handle data; Ioctl{Get,Set} cover
// per-channel numeric parameters; Wakeup is only meaningful for K-Line.
type Channel interface {
	Setup(baud int, flags uint32) error
	Teardown() error
	AddFilter(filterID int, kind FilterKind, mask, pattern, flowControl []byte, extended bool) error
	RemoveFilter(filterID int) error
	// Send transmits data. ackNow reports whether the engine should emit an
	// immediate respond_ok for this request: true for transfers that
	// complete synchronously, false when completion is only confirmed
	// later via a Poll RxEvent (ISO-TP multi-frame sends).
	Send(data []byte, requireResponse bool) (ackNow bool, err error)
	// Poll drains whatever is ready and returns RX events to emit, in the
	// order they were observed.
	Poll(nowMs int64) []RxEvent
	IoctlGet(id uint32) (uint32, error)
	IoctlSet(id uint32, value uint32) error
	Wakeup(request []byte) ([]byte, error)
}

// Registry owns at most one CAN-family channel and at most one K-Line
// channel, and routes host commands to them by channel id.
type Registry struct {
	mu       sync.Mutex
	canSlot  Channel
	klineSlot Channel
}

// Open installs newChannel in the slot for id. Fails with ErrChannelInUse if
// the slot is already populated, and does not call newChannel() for J1850
// or SCI ids — callers must reject those with ErrNotSupported first.
func (r *Registry) Open(id ID, newChannel func() (Channel, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slot(id)
	if err != nil {
		return err
	}
	if *slot != nil {
		return ErrChannelInUse
	}
	ch, err := newChannel()
	if err != nil {
		return err
	}
	*slot = ch
	return nil
}

// Close destroys the channel in slot id. Fails with ErrInvalidChannelID if
// the slot is empty.
func (r *Registry) Close(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slot(id)
	if err != nil {
		return err
	}
	if *slot == nil {
		return ErrInvalidChannelID
	}
	err = (*slot).Teardown()
	*slot = nil
	return err
}

// Get returns the channel installed in slot id, or ErrInvalidChannelID if
// the slot is empty or the id is unknown/unimplemented.
func (r *Registry) Get(id ID) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	if *slot == nil {
		return nil, ErrInvalidChannelID
	}
	return *slot, nil
}

// Each calls fn for every currently-populated channel, in slot order
// (CAN then KLine). Used by the dispatch loop's poll step.
func (r *Registry) Each(fn func(id ID, ch Channel)) {
	r.mu.Lock()
	can, kline := r.canSlot, r.klineSlot
	r.mu.Unlock()
	if can != nil {
		fn(CAN, can)
	}
	if kline != nil {
		fn(KLine, kline)
	}
}

// Reset destroys every populated channel. Used for host goodbye / disconnect
// (spec §8 scenario 6).
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canSlot != nil {
		_ = r.canSlot.Teardown()
		r.canSlot = nil
	}
	if r.klineSlot != nil {
		_ = r.klineSlot.Teardown()
		r.klineSlot = nil
	}
}

func (r *Registry) slot(id ID) (*Channel, error) {
	switch id {
	case CAN:
		return &r.canSlot, nil
	case KLine:
		return &r.klineSlot, nil
	default:
		return nil, ErrInvalidChannelID
	}
}
