// Package engine owns the adapter's mutable state — the channel registry,
// the shared mailbox pool, and HostLink's last_id — as a single value the
// dispatch loop borrows, instead of the reference firmware's process-wide
// globals (spec.md §9 redesign note). Its Run loop is the dispatch loop of
// spec §4.7.
//
// Grounded on pkg/network/network.go's Network struct, the teacher's own
// move away from global node/bus state into one owned value, and on
// cmd/canopen/main.go's INIT/RUNNING/RESETING loop, collapsed here into the
// single steady-state loop the spec calls for (there is no node bring-up
// phase to gate on).
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vdiagfw/engine/pkg/channel"
	"github.com/vdiagfw/engine/pkg/config"
	"github.com/vdiagfw/engine/pkg/hostlink"
	"github.com/vdiagfw/engine/pkg/isotp"
	"github.com/vdiagfw/engine/pkg/kline"
	"github.com/vdiagfw/engine/pkg/mailbox"
	"github.com/vdiagfw/engine/pkg/rawcan"
)

// FirmwareVersion is returned verbatim by GET_FW_VERSION.
const FirmwareVersion = "vdiagfw-1.0"

// tickPeriod is the loop's "yield briefly" step (spec §4.7 step 3).
const tickPeriod = time.Millisecond

// BatteryReader is the hardware seam behind READ_BATT. The reference
// firmware's ADC/status-LED peripheral (original_source/firmware/comm_a0.cpp)
// is out of scope for this port (SPEC_FULL.md §4.9); a nil reader makes
// READ_BATT answer ErrNotSupported instead of a fabricated voltage.
type BatteryReader interface {
	ReadMillivolts() (uint32, error)
}

// TelemetryFrame mirrors a single outgoing MSG_RX_CHAN_DATA or MSG_LOG frame
// for pkg/telemetry's read-only tap (SPEC_FULL.md §4.9). Engine sends on Tap
// without blocking if nobody is listening or the channel is full.
type TelemetryFrame struct {
	IsLog     bool
	ChannelID byte
	RxStatus  uint32
	Data      []byte
	Text      string
}

// Engine is the adapter's complete runtime state.
type Engine struct {
	link     *hostlink.HostLink
	registry channel.Registry

	canPort   *mailbox.Port
	klinePort kline.Port
	battery   BatteryReader

	strictISOTP bool
	cfg         *config.Config
	logger      *logrus.Entry

	start time.Time
	tap   chan<- TelemetryFrame
}

// New builds an Engine. klinePort may be nil if no K-Line hardware is
// present — OPEN_CHANNEL(id=KLine) then fails with ErrFailed rather than
// panicking. battery may be nil (see BatteryReader).
func New(canPort *mailbox.Port, klinePort kline.Port, battery BatteryReader, cfg *config.Config, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		link:      hostlink.New(logger),
		canPort:   canPort,
		klinePort: klinePort,
		battery:   battery,
		cfg:       cfg,
		logger:    logger.WithField("component", "engine"),
		start:     time.Now(),
	}
}

// SetStrictISOTP toggles the optional strict-mode ISO-TP extension (spec §9
// Open Question 5) for every ISO-TP channel opened from here on. Off by
// default, matching the reference's lack of CF sequence/timeout checking.
func (e *Engine) SetStrictISOTP(strict bool) { e.strictISOTP = strict }

// SetTap installs a telemetry sink. Safe to call once before Run.
func (e *Engine) SetTap(tap chan<- TelemetryFrame) { e.tap = tap }

func (e *Engine) nowMs() int64 { return time.Since(e.start).Milliseconds() }

// Run executes the dispatch loop against rw until ctx is cancelled (spec
// §4.7): drain the host link, dispatch one message if a full one arrived,
// poll every open channel for unsolicited RX, then yield briefly.
func (e *Engine) Run(ctx context.Context, rw io.ReadWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := e.link.ReadMessage(rw)
		if err != nil {
			return err
		}
		if msg != nil {
			e.dispatch(rw, msg)
		}

		e.registry.Each(func(id channel.ID, ch channel.Channel) {
			for _, ev := range ch.Poll(e.nowMs()) {
				e.emitRx(rw, byte(id), ev.RxStatus, ev.Data)
			}
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tickPeriod):
		}
	}
}

func (e *Engine) emitRx(w io.Writer, channelID byte, rxStatus uint32, data []byte) {
	if err := e.link.SendRxData(w, channelID, rxStatus, data); err != nil {
		e.logger.WithError(err).Warn("failed writing rx_chan_data")
		return
	}
	e.sendTap(TelemetryFrame{ChannelID: channelID, RxStatus: rxStatus, Data: data})
}

func (e *Engine) emitLog(w io.Writer, text string) {
	_ = e.link.Log(w, text)
	e.sendTap(TelemetryFrame{IsLog: true, Text: text})
}

func (e *Engine) sendTap(f TelemetryFrame) {
	if e.tap == nil {
		return
	}
	select {
	case e.tap <- f:
	default:
	}
}

func (e *Engine) dispatch(rw io.ReadWriter, msg *hostlink.HostMessage) {
	switch msg.MsgType {
	case hostlink.MsgOpenChannel:
		e.handleOpenChannel(rw, msg.Args)
	case hostlink.MsgCloseChannel:
		e.handleCloseChannel(rw, msg.Args)
	case hostlink.MsgSetChanFilt:
		e.handleSetChanFilt(rw, msg.Args)
	case hostlink.MsgRemChanFilt:
		e.handleRemChanFilt(rw, msg.Args)
	case hostlink.MsgTxChanData:
		e.handleTxChanData(rw, msg.Args)
	case hostlink.MsgReadBatt:
		e.handleReadBatt(rw)
	case hostlink.MsgIoctlSet:
		e.handleIoctlSet(rw, msg.Args)
	case hostlink.MsgIoctlGet:
		e.handleIoctlGet(rw, msg.Args)
	case hostlink.MsgInitLinChannel:
		e.handleInitLinChannel(rw, msg.Args)
	case hostlink.MsgStatus:
		e.handleStatus(rw, msg.Args)
	case hostlink.MsgGetFwVersion:
		_ = e.link.RespondOK(rw, hostlink.MsgGetFwVersion, []byte(FirmwareVersion))
	case hostlink.MsgRxChanData, hostlink.MsgLog:
		// fw→host only; a host sending these is a protocol violation, not
		// a request to answer.
		e.logger.Warnf("ignoring host-originated msg_type 0x%02x", msg.MsgType)
	default:
		_ = e.link.RespondErr(rw, msg.MsgType, channel.ErrFailed, "unknown msg_type")
	}
}

// errCode extracts a channel.ErrCode from err, defaulting to ErrFailed for
// anything else (hardware/transport errors surfaced by a channel or the
// mailbox pool).
func errCode(err error) channel.ErrCode {
	var code channel.ErrCode
	if errors.As(err, &code) {
		return code
	}
	return channel.ErrFailed
}

func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }

func chanID(id channel.ID) (channel.ID, error) {
	switch id {
	case channel.CAN, channel.KLine:
		return id, nil
	case channel.J1850, channel.SCI:
		return 0, channel.ErrNotSupported
	default:
		return 0, channel.ErrInvalidChannelID
	}
}

// OPEN_CHANNEL payload: channel_id, protocol, baud, flags — 4 LE u32 each
// (spec §4.3).
func (e *Engine) handleOpenChannel(rw io.ReadWriter, args []byte) {
	if len(args) != 16 {
		_ = e.link.RespondErr(rw, hostlink.MsgOpenChannel, channel.ErrFailed, "bad open_channel payload length")
		return
	}
	id, err := chanID(channel.ID(le32(args, 0)))
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgOpenChannel, errCode(err), "unsupported channel id")
		return
	}
	protocol := channel.Protocol(le32(args, 4))
	baud := int(le32(args, 8))
	flags := le32(args, 12)

	newChannel := func() (channel.Channel, error) {
		ch, err := e.instantiate(id, protocol)
		if err != nil {
			return nil, err
		}
		if err := ch.Setup(baud, flags); err != nil {
			return nil, err
		}
		return ch, nil
	}

	if err := e.registry.Open(id, newChannel); err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgOpenChannel, errCode(err), err.Error())
		return
	}
	_ = e.link.RespondOK(rw, hostlink.MsgOpenChannel, nil)
}

func (e *Engine) instantiate(id channel.ID, protocol channel.Protocol) (channel.Channel, error) {
	switch id {
	case channel.CAN:
		switch protocol {
		case channel.ProtocolCAN:
			if e.canPort == nil {
				return nil, channel.ErrFailed
			}
			return rawcan.New(e.canPort), nil
		case channel.ProtocolISO15765:
			if e.canPort == nil {
				return nil, channel.ErrFailed
			}
			return isotp.New(e.canPort, e.logger, e.strictISOTP), nil
		default:
			return nil, channel.ErrNotSupported
		}
	case channel.KLine:
		if protocol != channel.ProtocolISO9141 {
			return nil, channel.ErrNotSupported
		}
		if e.klinePort == nil {
			return nil, channel.ErrFailed
		}
		return kline.New(e.klinePort, e.logger), nil
	default:
		return nil, channel.ErrInvalidChannelID
	}
}

func (e *Engine) handleCloseChannel(rw io.ReadWriter, args []byte) {
	if len(args) < 4 {
		_ = e.link.RespondErr(rw, hostlink.MsgCloseChannel, channel.ErrFailed, "bad close_channel payload length")
		return
	}
	id := channel.ID(le32(args, 0))
	if err := e.registry.Close(id); err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgCloseChannel, errCode(err), err.Error())
		return
	}
	_ = e.link.RespondOK(rw, hostlink.MsgCloseChannel, nil)
}

// SET_CHAN_FILT payload: channel_id(4LE), filter_id(4LE), filter_type(4LE),
// mask_size(4LE), pattern_size(4LE), flowcontrol_size(4LE), mask_bytes,
// pattern_bytes, flowcontrol_bytes (spec §6).
func (e *Engine) handleSetChanFilt(rw io.ReadWriter, args []byte) {
	if len(args) < 24 {
		_ = e.link.RespondErr(rw, hostlink.MsgSetChanFilt, channel.ErrFailed, "bad set_chan_filt header")
		return
	}
	id := channel.ID(le32(args, 0))
	filterID := int(le32(args, 4))
	filterType := channel.FilterKind(le32(args, 8))
	maskSize := int(le32(args, 12))
	patternSize := int(le32(args, 16))
	fcSize := int(le32(args, 20))

	pos := 24
	mask, ok := sliceN(args, pos, maskSize)
	if !ok {
		_ = e.link.RespondErr(rw, hostlink.MsgSetChanFilt, channel.ErrFailed, "truncated mask")
		return
	}
	pos += maskSize
	pattern, ok := sliceN(args, pos, patternSize)
	if !ok {
		_ = e.link.RespondErr(rw, hostlink.MsgSetChanFilt, channel.ErrFailed, "truncated pattern")
		return
	}
	pos += patternSize
	var flowControl []byte
	if fcSize > 0 {
		flowControl, ok = sliceN(args, pos, fcSize)
		if !ok {
			_ = e.link.RespondErr(rw, hostlink.MsgSetChanFilt, channel.ErrFailed, "truncated flowcontrol")
			return
		}
	}

	ch, err := e.registry.Get(id)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgSetChanFilt, errCode(err), err.Error())
		return
	}
	if err := ch.AddFilter(filterID, filterType, mask, pattern, flowControl, false); err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgSetChanFilt, errCode(err), err.Error())
		return
	}
	_ = e.link.RespondOK(rw, hostlink.MsgSetChanFilt, nil)
}

func sliceN(b []byte, off, n int) ([]byte, bool) {
	if n == 0 {
		return nil, true
	}
	if off+n > len(b) {
		return nil, false
	}
	return b[off : off+n], true
}

func (e *Engine) handleRemChanFilt(rw io.ReadWriter, args []byte) {
	if len(args) < 8 {
		_ = e.link.RespondErr(rw, hostlink.MsgRemChanFilt, channel.ErrFailed, "bad rem_chan_filt payload length")
		return
	}
	id := channel.ID(le32(args, 0))
	filterID := int(le32(args, 4))

	ch, err := e.registry.Get(id)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgRemChanFilt, errCode(err), err.Error())
		return
	}
	if err := ch.RemoveFilter(filterID); err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgRemChanFilt, errCode(err), err.Error())
		return
	}
	_ = e.link.RespondOK(rw, hostlink.MsgRemChanFilt, nil)
}

// TX_CHAN_DATA payload: channel_id(4LE), require_response(1 byte),
// data... — data is passed straight to the channel's Send, which for
// CAN/ISO-TP starts with the 4-byte BE CAN id (spec §4.4/§4.5).
func (e *Engine) handleTxChanData(rw io.ReadWriter, args []byte) {
	if len(args) < 5 {
		_ = e.link.RespondErr(rw, hostlink.MsgTxChanData, channel.ErrFailed, "bad tx_chan_data payload length")
		return
	}
	id := channel.ID(le32(args, 0))
	requireResponse := args[4] != 0
	data := args[5:]

	ch, err := e.registry.Get(id)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgTxChanData, errCode(err), err.Error())
		return
	}
	ackNow, err := ch.Send(data, requireResponse)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgTxChanData, errCode(err), err.Error())
		return
	}
	if requireResponse && ackNow {
		_ = e.link.RespondOK(rw, hostlink.MsgTxChanData, nil)
	}
}

func (e *Engine) handleReadBatt(rw io.ReadWriter) {
	if e.battery == nil {
		_ = e.link.RespondErr(rw, hostlink.MsgReadBatt, channel.ErrNotSupported, "no battery driver configured")
		return
	}
	mv, err := e.battery.ReadMillivolts()
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgReadBatt, errCode(err), err.Error())
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], mv)
	_ = e.link.RespondOK(rw, hostlink.MsgReadBatt, b[:])
}

func (e *Engine) handleIoctlSet(rw io.ReadWriter, args []byte) {
	if len(args) < 12 {
		_ = e.link.RespondErr(rw, hostlink.MsgIoctlSet, channel.ErrFailed, "bad ioctl_set payload length")
		return
	}
	id := channel.ID(le32(args, 0))
	ioctlID := le32(args, 4)
	value := le32(args, 8)

	ch, err := e.registry.Get(id)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgIoctlSet, errCode(err), err.Error())
		return
	}
	if err := ch.IoctlSet(ioctlID, value); err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgIoctlSet, errCode(err), err.Error())
		return
	}
	_ = e.link.RespondOK(rw, hostlink.MsgIoctlSet, nil)
}

func (e *Engine) handleIoctlGet(rw io.ReadWriter, args []byte) {
	if len(args) < 8 {
		_ = e.link.RespondErr(rw, hostlink.MsgIoctlGet, channel.ErrFailed, "bad ioctl_get payload length")
		return
	}
	id := channel.ID(le32(args, 0))
	ioctlID := le32(args, 4)

	ch, err := e.registry.Get(id)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgIoctlGet, errCode(err), err.Error())
		return
	}
	value, err := ch.IoctlGet(ioctlID)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgIoctlGet, errCode(err), err.Error())
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	_ = e.link.RespondOK(rw, hostlink.MsgIoctlGet, b[:])
}

// INIT_LIN_CHANNEL payload: channel_id(4LE), then the wakeup request passed
// straight to the K-Line channel's Wakeup (spec §4.6).
func (e *Engine) handleInitLinChannel(rw io.ReadWriter, args []byte) {
	if len(args) < 5 {
		_ = e.link.RespondErr(rw, hostlink.MsgInitLinChannel, channel.ErrFailed, "bad init_lin_channel payload length")
		return
	}
	id := channel.ID(le32(args, 0))
	request := args[4:]

	ch, err := e.registry.Get(id)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgInitLinChannel, errCode(err), err.Error())
		return
	}
	resp, err := ch.Wakeup(request)
	if err != nil {
		_ = e.link.RespondErr(rw, hostlink.MsgInitLinChannel, errCode(err), err.Error())
		return
	}
	_ = e.link.RespondOK(rw, hostlink.MsgInitLinChannel, resp)
}

// STATUS(args[0]): 0x00 = host goodbye, destroy everything; 0x01 = hello,
// acknowledged only (spec §4.3, §8 scenario 6).
func (e *Engine) handleStatus(rw io.ReadWriter, args []byte) {
	if len(args) < 1 {
		_ = e.link.RespondErr(rw, hostlink.MsgStatus, channel.ErrFailed, "bad status payload length")
		return
	}
	switch args[0] {
	case hostlink.StatusGoodbye:
		_ = e.link.RespondOK(rw, hostlink.MsgStatus, nil)
		e.registry.Reset()
		e.link.ResetLastID()
	case hostlink.StatusHello:
		_ = e.link.RespondOK(rw, hostlink.MsgStatus, nil)
	default:
		_ = e.link.RespondErr(rw, hostlink.MsgStatus, channel.ErrFailed, "unknown status subcommand")
	}
}
