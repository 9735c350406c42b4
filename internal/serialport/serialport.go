// Package serialport provides the production SerialPortService
// (pkg/osdp's §6 collaborator 1) over github.com/daedaluz/goserial. It
// opens a path in raw mode at a fixed baud, and recognizes an
// "rs485://" prefix to additionally enable RS-485 direction control via
// the kernel's RS485 ioctl.
package serialport

import (
	"fmt"
	"os"
	"strings"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/openosdp/gateway/pkg/osdp"
)

const rs485Scheme = "rs485://"

// readTimeout bounds a single blocking Read call so the Bus's own
// reply_timeout (applied around the whole frame read) is never starved
// by a kernel-level read that never returns.
const readTimeout = 300 * time.Millisecond

var baudFlags = map[osdp.BaudRate]serial.CFlag{
	osdp.Baud9600:   serial.B9600,
	osdp.Baud19200:  serial.B19200,
	osdp.Baud38400:  serial.B38400,
	osdp.Baud57600:  serial.B57600,
	osdp.Baud115200: serial.B115200,
}

// Service implements osdp.SerialPortService.
type Service struct{}

// New constructs the default serial port service.
func New() *Service { return &Service{} }

func (s *Service) PortExists(path string) bool {
	path = strings.TrimPrefix(path, rs485Scheme)
	_, err := os.Stat(path)
	return err == nil
}

// Open opens path (optionally "rs485://"-prefixed) at baud, places the
// port in raw mode, and returns it wrapped as an osdp.Transport.
func (s *Service) Open(path string, baud osdp.BaudRate) (osdp.Transport, error) {
	flag, ok := baudFlags[baud]
	if !ok {
		return nil, fmt.Errorf("serialport: unsupported baud rate %d", baud)
	}

	rs485 := strings.HasPrefix(path, rs485Scheme)
	devicePath := strings.TrimPrefix(path, rs485Scheme)

	opts := serial.NewOptions()
	port, err := serial.Open(devicePath, opts)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", devicePath, err)
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("serialport: get attrs on %s: %w", devicePath, err)
	}
	attrs.MakeRaw()
	attrs.SetSpeed(flag)
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	if err := port.SetAttr(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialport: set attrs on %s: %w", devicePath, err)
	}
	port.SetReadTimeout(readTimeout)

	if rs485 {
		if err := port.SetRS485(&serial.RS485{Flags: serial.RS485Enabled | serial.RS485RTSOnSend}); err != nil {
			port.Close()
			return nil, fmt.Errorf("serialport: enable rs485 on %s: %w", devicePath, err)
		}
	}

	return &transport{port: port}, nil
}

// transport adapts *serial.Port to osdp.Transport.
type transport struct {
	port *serial.Port
}

func (t *transport) Read(p []byte) (int, error)  { return t.port.Read(p) }
func (t *transport) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *transport) Close() error                { return t.port.Close() }
