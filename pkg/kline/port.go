package kline

import "time"

// Port is the hardware seam for the K-Line UART: bringing the line on/off
// the UART peripheral, driving it as a bare GPIO during the fast-init pulse
// train, and byte-at-a-time half-duplex I/O once back online. Grounded on
// the teacher's can.Bus seam (pkg/can) that separates protocol logic from
// the concrete hardware binding.
type Port interface {
	// SetOnline toggles the UART peripheral. Going offline (false) frees the
	// pin for direct GPIO control via SetLine; going online (true) re-attaches
	// the UART at baud.
	SetOnline(online bool, baud int) error
	// SetLine drives the K-line pin directly while the UART is offline.
	SetLine(high bool) error
	// Write sends bytes on the (online) UART.
	Write(b []byte) (int, error)
	// ReadByte blocks for up to timeout for a single byte, returning
	// channel.ErrTimeout if none arrives in time.
	ReadByte(timeout time.Duration) (byte, error)
}
