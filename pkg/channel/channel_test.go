package channel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/vdiagfw/engine/pkg/channel"
)

type stubChannel struct {
	torn bool
}

func (s *stubChannel) Setup(int, uint32) error { return nil }
func (s *stubChannel) Teardown() error         { s.torn = true; return nil }
func (s *stubChannel) AddFilter(int, FilterKind, []byte, []byte, []byte, bool) error {
	return nil
}
func (s *stubChannel) RemoveFilter(int) error                { return nil }
func (s *stubChannel) Send([]byte, bool) (bool, error)         { return true, nil }
func (s *stubChannel) Poll(int64) []RxEvent                   { return nil }
func (s *stubChannel) IoctlGet(uint32) (uint32, error)        { return 0, nil }
func (s *stubChannel) IoctlSet(uint32, uint32) error          { return nil }
func (s *stubChannel) Wakeup([]byte) ([]byte, error)          { return nil, nil }

func TestOpenRejectsDoubleOpen(t *testing.T) {
	var reg Registry
	require.NoError(t, reg.Open(CAN, func() (Channel, error) { return &stubChannel{}, nil }))
	err := reg.Open(CAN, func() (Channel, error) { return &stubChannel{}, nil })
	assert.ErrorIs(t, err, ErrChannelInUse)
}

func TestCloseEmptySlotIsError(t *testing.T) {
	var reg Registry
	err := reg.Close(CAN)
	assert.ErrorIs(t, err, ErrInvalidChannelID)
}

func TestCloseThenCloseAgainIsError(t *testing.T) {
	var reg Registry
	require.NoError(t, reg.Open(KLine, func() (Channel, error) { return &stubChannel{}, nil }))
	require.NoError(t, reg.Close(KLine))
	assert.ErrorIs(t, reg.Close(KLine), ErrInvalidChannelID)
}

func TestCANAndKLineAreIndependentSlots(t *testing.T) {
	var reg Registry
	require.NoError(t, reg.Open(CAN, func() (Channel, error) { return &stubChannel{}, nil }))
	require.NoError(t, reg.Open(KLine, func() (Channel, error) { return &stubChannel{}, nil }))
	_, err := reg.Get(CAN)
	require.NoError(t, err)
	_, err = reg.Get(KLine)
	require.NoError(t, err)
}

func TestUnknownChannelIDIsInvalid(t *testing.T) {
	var reg Registry
	_, err := reg.Get(J1850)
	assert.ErrorIs(t, err, ErrInvalidChannelID)
}

func TestResetTearsDownBoth(t *testing.T) {
	var reg Registry
	can := &stubChannel{}
	kline := &stubChannel{}
	require.NoError(t, reg.Open(CAN, func() (Channel, error) { return can, nil }))
	require.NoError(t, reg.Open(KLine, func() (Channel, error) { return kline, nil }))
	reg.Reset()
	assert.True(t, can.torn)
	assert.True(t, kline.torn)
	_, err := reg.Get(CAN)
	assert.ErrorIs(t, err, ErrInvalidChannelID)
}
