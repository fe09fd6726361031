package modbus

import (
	"fmt"
	"io"
	"log"
)

const (
	fcReadHoldingRegisters   = 0x03
	fcReadInputRegisters     = 0x04
	fcWriteSingleRegister    = 0x06
	fcWriteMultipleRegisters = 0x10

	rtuMinSize = 5
	rtuMaxSize = 256
)

// portTransporter sends RTU frames over a port opened by the transport
// session. goburrow's own RTU transporter wants to own the serial port,
// which would bypass the session.
type portTransporter struct {
	port   io.ReadWriter
	logger *log.Logger
}

func (t *portTransporter) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Printf(format, v...)
	}
}

func (t *portTransporter) Send(aduRequest []byte) ([]byte, error) {
	t.logf("modbus: sending % x", aduRequest)
	if _, err := t.port.Write(aduRequest); err != nil {
		return nil, err
	}

	buf := make([]byte, rtuMaxSize)
	if _, err := io.ReadFull(t.port, buf[:rtuMinSize]); err != nil {
		return nil, err
	}

	n := rtuMinSize
	fc := buf[1]
	switch {
	case fc&0x80 != 0:
		// exception: slave, fc, code, crc
	case fc == fcReadHoldingRegisters || fc == fcReadInputRegisters:
		n = 3 + int(buf[2]) + 2
	case fc == fcWriteSingleRegister || fc == fcWriteMultipleRegisters:
		n = 8
	default:
		return nil, fmt.Errorf("modbus: unsupported function code 0x%02x in response", fc)
	}
	if n > rtuMaxSize {
		return nil, fmt.Errorf("modbus: response length %d exceeds %d", n, rtuMaxSize)
	}
	if n > rtuMinSize {
		if _, err := io.ReadFull(t.port, buf[rtuMinSize:n]); err != nil {
			return nil, err
		}
	}
	t.logf("modbus: received % x", buf[:n])
	return buf[:n], nil
}
