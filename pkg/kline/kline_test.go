package kline_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdiagfw/engine/pkg/channel"
	"github.com/vdiagfw/engine/pkg/kline"
)

// fakePort is an in-memory double for kline.Port. Write pushes each byte
// onto rx immediately to simulate the half-duplex wire echo; tests queue
// the canned ECU response separately, after the echoed frame has drained.
type fakePort struct {
	mu      sync.Mutex
	online  bool
	baud    int
	lines   []bool
	written []byte
	rx      chan byte
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan byte, 64)}
}

func (p *fakePort) SetOnline(online bool, baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
	p.baud = baud
	return nil
}

func (p *fakePort) SetLine(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, high)
	return nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, b...)
	p.mu.Unlock()
	for _, x := range b {
		p.rx <- x
	}
	return len(b), nil
}

func (p *fakePort) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-p.rx:
		return b, nil
	case <-time.After(timeout):
		return 0, channel.ErrTimeout
	}
}

func (p *fakePort) writtenLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}

// queueAfterFrame pushes resp onto rx only once the fake has echoed back
// frameLen bytes, so it lands after the echo rather than racing it.
func (p *fakePort) queueAfterFrame(frameLen int, resp []byte) {
	go func() {
		for p.writtenLen() < frameLen {
			time.Sleep(time.Millisecond)
		}
		for _, b := range resp {
			p.rx <- b
		}
	}()
}

func fastTiming(t *testing.T, ch *kline.Channel) {
	t.Helper()
	for id, v := range map[uint32]uint32{
		kline.IoctlTIdle: 1, kline.IoctlTInl: 1, kline.IoctlTWup: 1,
		kline.IoctlP4Min: 0, kline.IoctlP1Max: 50, kline.IoctlP3Min: 1,
	} {
		require.NoError(t, ch.IoctlSet(id, v))
	}
}

func TestFastInitRunsPulseTrainThenReadsResponse(t *testing.T) {
	port := newFakePort()
	ch := kline.New(port, nil)
	require.NoError(t, ch.Setup(10400, 0))
	fastTiming(t, ch)

	request := []byte{0x68, 0x6A, 0xF1, 0x3E}
	checksum := byte(0x68 + 0x6A + 0xF1 + 0x3E)
	frameLen := len(request) + 1

	// Canned ECU response: length byte (low 6 bits = 3), then 3+2 bytes.
	resp := []byte{0x03, 0x41, 0x00, 0xFF, 0x00, 0x00}
	port.queueAfterFrame(frameLen, resp)

	out, err := ch.Wakeup(append([]byte{kline.WakeupFastInit}, request...))
	require.NoError(t, err)
	assert.Equal(t, resp, out)

	port.mu.Lock()
	defer port.mu.Unlock()
	assert.Equal(t, append(append([]byte(nil), request...), checksum), port.written)
	assert.Equal(t, []bool{true, false, true}, port.lines)
	assert.True(t, port.online)
	assert.Equal(t, 10400, port.baud)
}

func TestFastInitTimesOutWithNoResponse(t *testing.T) {
	port := newFakePort()
	ch := kline.New(port, nil)
	require.NoError(t, ch.Setup(10400, 0))
	fastTiming(t, ch)

	_, err := ch.Wakeup([]byte{kline.WakeupFastInit, 0x01, 0x02})
	assert.ErrorIs(t, err, channel.ErrTimeout)
}

func TestFiveBaudInitIsNotSupported(t *testing.T) {
	port := newFakePort()
	ch := kline.New(port, nil)
	require.NoError(t, ch.Setup(10400, 0))

	_, err := ch.Wakeup([]byte{kline.WakeupFiveBaud, 0x01})
	assert.ErrorIs(t, err, channel.ErrNotSupported)
}

func TestWakeupRejectsEmptyRequest(t *testing.T) {
	port := newFakePort()
	ch := kline.New(port, nil)
	require.NoError(t, ch.Setup(10400, 0))

	_, err := ch.Wakeup(nil)
	assert.ErrorIs(t, err, channel.ErrNullParameter)
}

func TestIoctlSetRoundTripsViaGetIsStubbed(t *testing.T) {
	port := newFakePort()
	ch := kline.New(port, nil)
	require.NoError(t, ch.IoctlSet(kline.IoctlP1Max, 42))

	v, err := ch.IoctlGet(kline.IoctlP1Max)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestIoctlUnknownIDIsInvalid(t *testing.T) {
	port := newFakePort()
	ch := kline.New(port, nil)
	_, err := ch.IoctlGet(0xFFFF)
	assert.ErrorIs(t, err, channel.ErrInvalidIoctlID)
	assert.ErrorIs(t, ch.IoctlSet(0xFFFF, 1), channel.ErrInvalidIoctlID)
}

func TestStubbedOpsAcknowledgeOK(t *testing.T) {
	port := newFakePort()
	ch := kline.New(port, nil)
	require.NoError(t, ch.AddFilter(0, channel.FilterPass, nil, nil, nil, false))
	require.NoError(t, ch.RemoveFilter(0))
	ackNow, err := ch.Send([]byte{0x01}, false)
	require.NoError(t, err)
	assert.True(t, ackNow)
	assert.Empty(t, ch.Poll(0))
}
