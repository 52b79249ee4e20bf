package virtual

import (
	"testing"

	can "github.com/vdiagfw/engine/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	frames []can.Frame
}

func (r *frameRecorder) Handle(frame can.Frame) {
	r.frames = append(r.frames, frame)
}

func TestSendAndSubscribe(t *testing.T) {
	busA, err := NewVirtualCanBus(t.Name())
	require.NoError(t, err)
	busB, err := NewVirtualCanBus(t.Name())
	require.NoError(t, err)
	require.NoError(t, busA.Connect())
	require.NoError(t, busB.Connect())
	defer busA.Disconnect()
	defer busB.Disconnect()

	recv := &frameRecorder{}
	require.NoError(t, busB.Subscribe(recv))

	frame := can.NewFrame(0x123, false, 8)
	frame.Data[0] = 0xAA
	require.NoError(t, busA.Send(frame))

	require.Len(t, recv.frames, 1)
	assert.EqualValues(t, 0x123, recv.frames[0].ID)
	assert.EqualValues(t, 0xAA, recv.frames[0].Data[0])
}

func TestReceiveOwnDefaultOff(t *testing.T) {
	bus, err := NewVirtualCanBus(t.Name())
	require.NoError(t, err)
	require.NoError(t, bus.Connect())
	defer bus.Disconnect()

	recv := &frameRecorder{}
	require.NoError(t, bus.Subscribe(recv))
	require.NoError(t, bus.Send(can.NewFrame(0x1, false, 0)))
	assert.Empty(t, recv.frames)

	bus.(*Bus).SetReceiveOwn(true)
	require.NoError(t, bus.Send(can.NewFrame(0x1, false, 0)))
	assert.Len(t, recv.frames, 1)
}
