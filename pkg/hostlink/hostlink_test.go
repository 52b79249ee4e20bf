package hostlink

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameBytes(msgID, msgType byte, args []byte) []byte {
	total := len(args) + 2
	buf := []byte{byte(total), byte(total >> 8), msgID, msgType}
	return append(buf, args...)
}

func TestReadMessageCompleteFrame(t *testing.T) {
	hl := New(nil)
	r := bytes.NewReader(frameBytes(7, MsgOpenChannel, []byte{1, 2, 3}))
	msg, err := hl.ReadMessage(r)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.EqualValues(t, 7, msg.MsgID)
	assert.Equal(t, MsgOpenChannel, msg.MsgType)
	assert.Equal(t, []byte{1, 2, 3}, msg.Args)
	assert.EqualValues(t, 7, hl.LastID())
}

func TestReadMessagePartialFrameStaysInProgress(t *testing.T) {
	hl := New(nil)
	full := frameBytes(1, MsgTxChanData, []byte{0xAA, 0xBB})
	r1 := bytes.NewReader(full[:3])
	msg, err := hl.ReadMessage(r1)
	require.NoError(t, err)
	assert.Nil(t, msg)

	r2 := bytes.NewReader(full[3:])
	msg, err = hl.ReadMessage(r2)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte{0xAA, 0xBB}, msg.Args)
}

func TestUnsolicitedDoesNotUpdateLastID(t *testing.T) {
	hl := New(nil)
	_, _ = hl.ReadMessage(bytes.NewReader(frameBytes(5, MsgTxChanData, nil)))
	require.EqualValues(t, 5, hl.LastID())
	_, _ = hl.ReadMessage(bytes.NewReader(frameBytes(0, MsgTxChanData, nil)))
	assert.EqualValues(t, 5, hl.LastID())
}

func TestTwoFramesInOneReadBothDelivered(t *testing.T) {
	hl := New(nil)
	both := append(frameBytes(1, MsgOpenChannel, []byte{0x01}), frameBytes(2, MsgCloseChannel, nil)...)
	r := bytes.NewReader(both)

	msg, err := hl.ReadMessage(r)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.EqualValues(t, 1, msg.MsgID)

	// Second frame should come from the buffered remainder, without a
	// further read (reader is already exhausted).
	msg, err = hl.ReadMessage(bytes.NewReader(nil))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.EqualValues(t, 2, msg.MsgID)
}

func TestRespondOKCarriesLastID(t *testing.T) {
	hl := New(nil)
	_, _ = hl.ReadMessage(bytes.NewReader(frameBytes(9, MsgReadBatt, nil)))
	var out bytes.Buffer
	require.NoError(t, hl.RespondOK(&out, MsgReadBatt, []byte{0x12, 0x34}))
	got := out.Bytes()
	assert.Equal(t, frameBytes(9, MsgReadBatt, []byte{0x00, 0x12, 0x34}), got)
}

func TestRespondErrCarriesCodeAndText(t *testing.T) {
	hl := New(nil)
	var out bytes.Buffer
	require.NoError(t, hl.RespondErr(&out, MsgOpenChannel, 0x07, "limit"))
	assert.Equal(t, frameBytes(0, MsgOpenChannel, append([]byte{0x07}, "limit"...)), out.Bytes())
}

func TestSendRxDataIsUnsolicited(t *testing.T) {
	hl := New(nil)
	var out bytes.Buffer
	require.NoError(t, hl.SendRxData(&out, 0, 0, []byte{0x00, 0x00, 0x07, 0xE8, 0x41}))
	want := frameBytes(0, MsgRxChanData, append([]byte{0x00, 0x00, 0x00, 0x00, 0x00}, 0x00, 0x00, 0x07, 0xE8, 0x41))
	assert.Equal(t, want, out.Bytes())
}
