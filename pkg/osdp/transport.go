package osdp

import "io"

// Transport is one open serial endpoint. Implementations may optionally
// satisfy DirectionTagger to let the trace service source frame direction
// from transport metadata instead of falling back to ADDR bit 7.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// DirectionTagger is an optional Transport capability: some serial stacks
// (e.g. RS-485 half-duplex adapters) can report which way the last read
// byte travelled. The trace service prefers this over the ADDR bit-7
// fallback when available.
type DirectionTagger interface {
	LastDirection() (Direction, bool)
}

// BaudRate is one of the enumerated OSDP baud rates.
type BaudRate int

const (
	Baud9600   BaudRate = 9600
	Baud19200  BaudRate = 19200
	Baud38400  BaudRate = 38400
	Baud57600  BaudRate = 57600
	Baud115200 BaudRate = 115200
)

// ValidBaud reports whether b is one of the enumerated OSDP baud rates.
func ValidBaud(b BaudRate) bool {
	switch b {
	case Baud9600, Baud19200, Baud38400, Baud57600, Baud115200:
		return true
	default:
		return false
	}
}

// SerialPortService is the external collaborator (§6) that owns physical
// serial port enumeration and opening. The core depends only on this
// interface; internal/serialport provides the production implementation
// over github.com/daedaluz/goserial.
type SerialPortService interface {
	PortExists(path string) bool
	Open(path string, baud BaudRate) (Transport, error)
}
