package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fisaks/si12/internal/mfc"
	"github.com/goburrow/serial"
)

// Fixed bus framing. MFCs on the rack all run 19200 8O1.
const (
	BaudRate = 19200
	DataBits = 8
	StopBits = 1
	Parity   = "O"
)

// Port is an open byte-stream connection to the bus.
type Port interface {
	io.ReadWriteCloser
	Name() string
}

// Opener opens the named port. The session uses it so tests can swap in fakes.
type Opener func(name string, timeout time.Duration) (Port, error)

// allow tests to override the serial backend
var openSerial = serial.Open

// Open opens name with the fixed framing and the given read timeout.
func Open(name string, timeout time.Duration) (Port, error) {
	p, err := openSerial(&serial.Config{
		Address:  name,
		BaudRate: BaudRate,
		DataBits: DataBits,
		StopBits: StopBits,
		Parity:   Parity,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open serial port %s: %v", mfc.ErrTransport, name, err)
	}
	return Wrap(name, p), nil
}

// Wrap turns any ReadWriteCloser into a Port whose Close is idempotent.
func Wrap(name string, rwc io.ReadWriteCloser) Port {
	return &port{ReadWriteCloser: rwc, name: name}
}

type port struct {
	io.ReadWriteCloser
	name string

	once     sync.Once
	closeErr error
}

func (p *port) Name() string { return p.name }

func (p *port) Close() error {
	p.once.Do(func() {
		p.closeErr = p.ReadWriteCloser.Close()
	})
	return p.closeErr
}
