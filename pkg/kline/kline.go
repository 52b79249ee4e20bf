// Package kline implements the K-Line (ISO9141) wakeup/timing channel
// (spec §4.6): fast-init pulse train, checksum-appending write path, and the
// documented portion of the half-duplex read-back contract. Five-baud init
// and the remainder of the RX path are left unimplemented (spec §9 Open
// Question 6) and return ErrNotSupported rather than guessed-at behavior.
package kline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vdiagfw/engine/pkg/channel"
)

// Wakeup request layout: request[0] selects the init method (0 = five-baud,
// 1 = fast init), request[1:] is the caller-supplied init frame.
const (
	WakeupFiveBaud byte = 0
	WakeupFastInit byte = 1
)

// IOCTL ids for the ISO9141 timing parameters (spec §4.6), settable via
// IoctlSet. Values are milliseconds.
const (
	IoctlP1Min uint32 = iota + 1
	IoctlP1Max
	IoctlP2Min
	IoctlP2Max
	IoctlP3Min
	IoctlP3Max
	IoctlP4Min
	IoctlP4Max
	IoctlW1
	IoctlW2
	IoctlW3
	IoctlW4
	IoctlW5
	IoctlTIdle
	IoctlTInl
	IoctlTWup
	IoctlParity
)

// Timing holds the ISO9141 timing parameters, all in milliseconds. Defaults
// match the reference's (original_source/firmware/comm_channel_iso9141.cpp).
type Timing struct {
	P1Min, P1Max uint32
	P2Min, P2Max uint32
	P3Min, P3Max uint32
	P4Min, P4Max uint32
	W1, W2, W3, W4, W5 uint32
	TIdle, TInl, TWup  uint32
	Parity             uint32
}

func defaultTiming() Timing {
	return Timing{
		P1Min: 0, P1Max: 20,
		P2Min: 25, P2Max: 50,
		P3Min: 55, P3Max: 5000,
		P4Min: 5, P4Max: 20,
		W1: 300, W2: 20, W3: 20, W4: 50, W5: 300,
		TIdle: 300, TInl: 25, TWup: 50,
		Parity: 0,
	}
}

// Channel implements channel.Channel for the K-Line/ISO9141 protocol.
type Channel struct {
	mu     sync.Mutex
	port   Port
	logger *logrus.Entry

	baud   int
	timing Timing
}

func New(port Port, logger *logrus.Entry) *Channel {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{
		port:   port,
		logger: logger.WithField("component", "kline"),
		timing: defaultTiming(),
	}
}

func (c *Channel) Setup(baud int, flags uint32) error {
	c.mu.Lock()
	c.baud = baud
	c.timing = defaultTiming()
	c.mu.Unlock()
	return c.port.SetOnline(true, baud)
}

func (c *Channel) Teardown() error {
	return c.port.SetOnline(false, 0)
}

// AddFilter/RemoveFilter/Send are acknowledged but functionally stubbed
// (spec §4.6): the reference never implements per-message filtering or an
// actual transmit path for this channel beyond wakeup.
func (c *Channel) AddFilter(filterID int, kind channel.FilterKind, mask, pattern, flowControl []byte, extended bool) error {
	return nil
}

func (c *Channel) RemoveFilter(filterID int) error {
	return nil
}

func (c *Channel) Send(data []byte, requireResponse bool) (bool, error) {
	return true, nil
}

// Poll has nothing to drain: unsolicited K-Line RX is not implemented
// (spec §9 Open Question 6).
func (c *Channel) Poll(nowMs int64) []channel.RxEvent {
	return nil
}

// IoctlGet is stubbed: the reference fails every id outright, but spec §4.6
// keeps the host acknowledgement contract, so this returns a zero value
// rather than propagating that error.
func (c *Channel) IoctlGet(id uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch id {
	case IoctlP1Min, IoctlP1Max, IoctlP2Min, IoctlP2Max, IoctlP3Min, IoctlP3Max,
		IoctlP4Min, IoctlP4Max, IoctlW1, IoctlW2, IoctlW3, IoctlW4, IoctlW5,
		IoctlTIdle, IoctlTInl, IoctlTWup, IoctlParity:
		return 0, nil
	default:
		return 0, channel.ErrInvalidIoctlID
	}
}

func (c *Channel) IoctlSet(id uint32, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch id {
	case IoctlP1Min:
		c.timing.P1Min = value
	case IoctlP1Max:
		c.timing.P1Max = value
	case IoctlP2Min:
		c.timing.P2Min = value
	case IoctlP2Max:
		c.timing.P2Max = value
	case IoctlP3Min:
		c.timing.P3Min = value
	case IoctlP3Max:
		c.timing.P3Max = value
	case IoctlP4Min:
		c.timing.P4Min = value
	case IoctlP4Max:
		c.timing.P4Max = value
	case IoctlW1:
		c.timing.W1 = value
	case IoctlW2:
		c.timing.W2 = value
	case IoctlW3:
		c.timing.W3 = value
	case IoctlW4:
		c.timing.W4 = value
	case IoctlW5:
		c.timing.W5 = value
	case IoctlTIdle:
		c.timing.TIdle = value
	case IoctlTInl:
		c.timing.TInl = value
	case IoctlTWup:
		c.timing.TWup = value
	case IoctlParity:
		c.timing.Parity = value
	default:
		return channel.ErrInvalidIoctlID
	}
	return nil
}

// Wakeup runs the ISO9141 init sequence named by request[0]. Fast init
// (spec §4.6): take the UART offline, pulse the line high/low/high for
// tidle/tinl/twup ms, bring the UART back online, write the request with an
// appended 8-bit-sum checksum (spec §9 Open Question 8: the checksum-
// appending write path is canonical) at p4_min spacing reading back each
// byte's half-duplex echo, then read one response byte whose low 6 bits
// give the payload length, followed by length+2 more bytes.
func (c *Channel) Wakeup(request []byte) ([]byte, error) {
	if len(request) < 1 {
		return nil, channel.ErrNullParameter
	}
	wakeupType := request[0]
	body := request[1:]

	c.logger.Info("kline wakeup started")

	if wakeupType == WakeupFiveBaud {
		return nil, channel.ErrNotSupported
	}
	if wakeupType != WakeupFastInit {
		return nil, channel.ErrFailed
	}
	return c.fastInit(body)
}

func (c *Channel) fastInit(request []byte) ([]byte, error) {
	c.mu.Lock()
	t := c.timing
	baud := c.baud
	c.mu.Unlock()

	if err := c.port.SetOnline(false, baud); err != nil {
		return nil, err
	}
	if err := c.port.SetLine(true); err != nil {
		return nil, err
	}
	time.Sleep(time.Duration(t.TIdle) * time.Millisecond)
	if err := c.port.SetLine(false); err != nil {
		return nil, err
	}
	time.Sleep(time.Duration(t.TInl) * time.Millisecond)
	if err := c.port.SetLine(true); err != nil {
		return nil, err
	}
	time.Sleep(time.Duration(t.TWup) * time.Millisecond)

	if err := c.port.SetOnline(true, baud); err != nil {
		return nil, err
	}

	frame := append(append([]byte(nil), request...), checksum(request))
	for i, b := range frame {
		if i > 0 {
			time.Sleep(time.Duration(t.P4Min) * time.Millisecond)
		}
		if _, err := c.port.Write([]byte{b}); err != nil {
			c.logger.WithError(err).Warn("kline write failed")
			return nil, err
		}
		if _, err := c.port.ReadByte(time.Duration(t.P1Max) * time.Millisecond); err != nil {
			c.logger.Warn("kline write echo timed out")
			return nil, channel.ErrTimeout
		}
	}

	first, err := c.port.ReadByte(time.Duration(t.P1Max+t.P3Min) * time.Millisecond)
	if err != nil {
		c.logger.Warn("kline response byte timed out")
		return nil, channel.ErrTimeout
	}

	length := int(first & 0x3F)
	resp := make([]byte, 0, 1+length+2)
	resp = append(resp, first)
	for i := 0; i < length+2; i++ {
		b, err := c.port.ReadByte(time.Duration(t.P1Max) * time.Millisecond)
		if err != nil {
			c.logger.Warn("kline response tail timed out")
			return nil, channel.ErrTimeout
		}
		resp = append(resp, b)
	}
	return resp, nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, x := range b {
		sum += x
	}
	return sum
}

var _ channel.Channel = (*Channel)(nil)
