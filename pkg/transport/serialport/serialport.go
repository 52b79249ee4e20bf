// Package serialport binds HostLink's io.ReadWriter contract to a real
// UART, via github.com/tarm/serial (grounded on the pack's
// anodyne74-iload-obd2 repo, which wraps the same library the same way for
// its own host link).
package serialport

import (
	"time"

	"github.com/tarm/serial"
)

// readTimeout bounds every Read call so HostLink.ReadMessage never blocks
// past currently-available bytes, per its documented contract.
const readTimeout = 10 * time.Millisecond

// Port is an io.ReadWriteCloser backed by a physical serial device.
type Port struct {
	port *serial.Port
}

// Open opens device at baud, 8N1, with a short read timeout so the caller's
// read loop stays non-blocking.
func Open(device string, baud int) (*Port, error) {
	cfg := &serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: readTimeout,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return &Port{port: p}, nil
}

func (p *Port) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *Port) Close() error {
	return p.port.Close()
}
