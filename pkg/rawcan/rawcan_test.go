package rawcan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdiagfw/engine/pkg/can"
	virtualcan "github.com/vdiagfw/engine/pkg/can/virtual"
	"github.com/vdiagfw/engine/pkg/channel"
	"github.com/vdiagfw/engine/pkg/mailbox"
)

func newTestChannel(t *testing.T, chanName string) (*Channel, can.Bus) {
	t.Helper()
	bus, err := virtualcan.NewVirtualCanBus(chanName)
	require.NoError(t, err)
	port := mailbox.NewPort(bus)
	ch := New(port)
	require.NoError(t, ch.Setup(500000, 0))
	return ch, bus
}

func idBytes(id uint32) []byte {
	b := can.EncodeID(id)
	return b[:]
}

func TestPassFilterDeliversMatchingFrame(t *testing.T) {
	ch, bus := newTestChannel(t, t.Name())
	require.NoError(t, ch.AddFilter(0, channel.FilterPass, []byte{0xFF, 0xFF, 0xFF, 0xFF}, []byte{0x00, 0x00, 0x07, 0xE8}, nil, false))

	peer, err := virtualcan.NewVirtualCanBus(t.Name())
	require.NoError(t, err)
	require.NoError(t, peer.Connect())
	frame := can.NewFrame(0x7E8, false, 3)
	frame.Data = [8]byte{0x41, 0x0C, 0x1A}
	require.NoError(t, peer.Send(frame))

	events := ch.Poll(0)
	require.Len(t, events, 1)
	assert.EqualValues(t, 0, events[0].RxStatus)
	want := append(idBytes(0x7E8), 0x41, 0x0C, 0x1A)
	assert.Equal(t, want, events[0].Data)
	_ = bus
}

func TestBlockFilterDropsMatchingFrame(t *testing.T) {
	ch, _ := newTestChannel(t, t.Name())
	require.NoError(t, ch.AddFilter(0, channel.FilterBlock, []byte{0xFF, 0xFF, 0xFF, 0xFF}, []byte{0x00, 0x00, 0x07, 0xE8}, nil, false))

	peer, err := virtualcan.NewVirtualCanBus(t.Name())
	require.NoError(t, err)
	require.NoError(t, peer.Connect())

	blocked := can.NewFrame(0x7E8, false, 1)
	require.NoError(t, peer.Send(blocked))
	allowed := can.NewFrame(0x7E9, false, 1)
	require.NoError(t, peer.Send(allowed))

	events := ch.Poll(0)
	require.Len(t, events, 1)
	// The allowed frame has DLC 1, so its one (zero) data byte follows the id.
	want := append(idBytes(0x7E9), 0x00)
	assert.Equal(t, want, events[0].Data)
}

func TestFlowControlFilterRejected(t *testing.T) {
	ch, _ := newTestChannel(t, t.Name())
	err := ch.AddFilter(0, channel.FilterFlowControl, []byte{0, 0, 0, 0}, []byte{0, 0, 0, 0}, []byte{0, 0, 0, 0}, false)
	assert.ErrorIs(t, err, channel.ErrFailed)
}

func TestSendTooLongPayloadRejected(t *testing.T) {
	ch, _ := newTestChannel(t, t.Name())
	data := append(idBytes(0x123), make([]byte, 9)...)
	_, err := ch.Send(data, false)
	assert.ErrorIs(t, err, channel.ErrFailed)
}

func TestLoopbackQueuesTxConfirmEvent(t *testing.T) {
	ch, _ := newTestChannel(t, t.Name())
	require.NoError(t, ch.IoctlSet(IoctlLoopback, 1))
	v, err := ch.IoctlGet(IoctlLoopback)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	data := append(idBytes(0x321), 0x01, 0x02)
	ackNow, err := ch.Send(data, false)
	require.NoError(t, err)
	assert.False(t, ackNow)

	events := ch.Poll(0)
	require.Len(t, events, 1)
	assert.EqualValues(t, channel.RxStatusTxConfirm, events[0].RxStatus)
	assert.Equal(t, data, events[0].Data)
}

func TestMailboxDroppedIoctlSumsOverflowAcrossMailboxes(t *testing.T) {
	ch, bus := newTestChannel(t, t.Name())
	require.NoError(t, ch.AddFilter(0, channel.FilterPass, []byte{0, 0, 0, 0}, []byte{0, 0, 0, 0}, nil, false))

	peer, err := virtualcan.NewVirtualCanBus(t.Name())
	require.NoError(t, err)
	require.NoError(t, peer.Connect())

	for i := 0; i < mailbox.RingSize+3; i++ {
		require.NoError(t, peer.Send(can.NewFrame(0x1, false, 0)))
	}

	v, err := ch.IoctlGet(IoctlMailboxDropped)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)
	_ = bus
}

func TestUnknownIoctlRejected(t *testing.T) {
	ch, _ := newTestChannel(t, t.Name())
	_, err := ch.IoctlGet(0xFF)
	assert.ErrorIs(t, err, channel.ErrInvalidIoctlID)
	assert.ErrorIs(t, ch.IoctlSet(0xFF, 1), channel.ErrInvalidIoctlID)
}
