package hostlink

import (
	"encoding/binary"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/vdiagfw/engine/pkg/channel"
)

// HostLink is the framed serial transport to the host PC. It is
// non-blocking and incremental: ReadMessage drains whatever bytes the
// transport currently has available and returns a completed HostMessage
// exactly once per fully-received frame, or (nil, nil) if the frame is
// still in progress. The underlying io.Reader must not block past
// currently-available bytes — that contract belongs to the transport
// binding (pkg/transport/serialport sets a short read deadline for this).
//
// Grounded on the teacher's SDOMessage accessor style (pkg/sdo/common.go):
// typed helpers over a raw byte buffer with an explicit cursor, generalized
// here from a fixed 8-byte CAN payload to a variable-length framed stream.
type HostLink struct {
	logger *logrus.Entry

	pending []byte

	reading   bool
	lenLo     byte
	haveLenLo bool
	targetLen uint16
	readPos   uint16
	scratch   []byte

	lastID byte
}

func New(logger *logrus.Entry) *HostLink {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HostLink{logger: logger.WithField("component", "hostlink")}
}

// LastID returns the most recent non-zero request id seen.
func (hl *HostLink) LastID() byte { return hl.lastID }

// ResetLastID clears LastID, e.g. on host disconnect (spec §8 scenario 6).
func (hl *HostLink) ResetLastID() { hl.lastID = 0 }

// ReadMessage performs one non-blocking read and feeds whatever bytes came
// back through the frame state machine. Returns a completed HostMessage, or
// nil if the frame is still in progress (or no bytes were available).
func (hl *HostLink) ReadMessage(r io.Reader) (*HostMessage, error) {
	chunk := make([]byte, 256)
	n, err := r.Read(chunk)
	if err != nil && err != io.EOF {
		return nil, err
	}

	data := hl.pending
	if n > 0 {
		data = append(data, chunk[:n]...)
	}
	hl.pending = nil

	for i, b := range data {
		if msg := hl.feed(b); msg != nil {
			hl.pending = append([]byte(nil), data[i+1:]...)
			return msg, nil
		}
	}
	return nil, nil
}

func (hl *HostLink) feed(b byte) *HostMessage {
	if !hl.reading {
		if !hl.haveLenLo {
			hl.lenLo = b
			hl.haveLenLo = true
			return nil
		}
		total := uint16(hl.lenLo) | uint16(b)<<8
		hl.targetLen = total
		hl.scratch = make([]byte, total)
		hl.readPos = 0
		hl.reading = true
		hl.haveLenLo = false
		return nil
	}

	hl.scratch[hl.readPos] = b
	hl.readPos++
	if hl.readPos < hl.targetLen {
		return nil
	}

	msgID := hl.scratch[0]
	msgType := hl.scratch[1]
	args := append([]byte(nil), hl.scratch[2:]...)
	hl.reading = false
	hl.readPos = 0
	hl.scratch = nil

	if msgID != 0 {
		hl.lastID = msgID
	}
	return &HostMessage{MsgID: msgID, MsgType: msgType, Args: args}
}

func (hl *HostLink) emit(w io.Writer, msgType byte, msgID byte, args []byte) error {
	total := len(args) + 2 // msg_id + msg_type are counted in len, per spec §4.1
	buf := make([]byte, 0, 2+total)
	buf = append(buf, byte(total), byte(total>>8))
	buf = append(buf, msgID, msgType)
	buf = append(buf, args...)
	_, err := w.Write(buf)
	return err
}

// RespondOK emits {msg_type=op, msg_id=LastID, args=[STATUS_NOERROR]++args}.
func (hl *HostLink) RespondOK(w io.Writer, op byte, args []byte) error {
	full := make([]byte, 0, 1+len(args))
	full = append(full, byte(channel.StatusNoError))
	full = append(full, args...)
	return hl.emit(w, op, hl.lastID, full)
}

// RespondErr emits {msg_type=op, msg_id=LastID, args=[err_code]++text}.
func (hl *HostLink) RespondErr(w io.Writer, op byte, code channel.ErrCode, text string) error {
	full := make([]byte, 0, 1+len(text))
	full = append(full, byte(code))
	full = append(full, []byte(text)...)
	return hl.emit(w, op, hl.lastID, full)
}

// SendRxData emits an unsolicited MSG_RX_CHAN_DATA frame (msg_id=0).
func (hl *HostLink) SendRxData(w io.Writer, channelID byte, rxStatus uint32, data []byte) error {
	args := make([]byte, 0, 5+len(data))
	args = append(args, channelID)
	var rs [4]byte
	binary.LittleEndian.PutUint32(rs[:], rxStatus)
	args = append(args, rs[:]...)
	args = append(args, data...)
	return hl.emit(w, MsgRxChanData, 0, args)
}

// Log emits an unsolicited MSG_LOG frame and logs locally for operator
// visibility (stderr side-channel, via logrus — the wire log is the
// authoritative record for the host).
func (hl *HostLink) Log(w io.Writer, text string) error {
	hl.logger.Debug(text)
	return hl.emit(w, MsgLog, 0, []byte(text))
}
