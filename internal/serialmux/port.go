package serialmux

import "io"

// SerialPorter is the minimal serial port surface used by SerialMux, so tests
// can substitute pipes for hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
