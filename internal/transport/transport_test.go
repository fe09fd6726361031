package transport

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fisaks/si12/internal/mfc"
	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

type fakeSerial struct {
	closes int
	cfg    *serial.Config
}

func (f *fakeSerial) Open(c *serial.Config) error { f.cfg = c; return nil }
func (f *fakeSerial) Read(p []byte) (int, error)  { return 0, io.EOF }
func (f *fakeSerial) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeSerial) Close() error {
	f.closes++
	if f.closes > 1 {
		return errors.New("already closed")
	}
	return nil
}

func TestOpen_FixedFraming(t *testing.T) {
	fake := &fakeSerial{}
	orig := openSerial
	t.Cleanup(func() { openSerial = orig })
	openSerial = func(c *serial.Config) (serial.Port, error) {
		fake.cfg = c
		return fake, nil
	}

	p, err := Open("/dev/ttyUSB0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", p.Name())
	assert.Equal(t, 19200, fake.cfg.BaudRate)
	assert.Equal(t, "O", fake.cfg.Parity)
	assert.Equal(t, 1, fake.cfg.StopBits)
	assert.Equal(t, 8, fake.cfg.DataBits)
	assert.Equal(t, time.Second, fake.cfg.Timeout)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, fake.closes)
}

func TestOpen_FailureIsTransportError(t *testing.T) {
	orig := openSerial
	t.Cleanup(func() { openSerial = orig })
	openSerial = func(c *serial.Config) (serial.Port, error) {
		return nil, errors.New("no such file or directory")
	}

	_, err := Open("COM99", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, mfc.ErrTransport)
	assert.Contains(t, err.Error(), "COM99")
}

func TestListPorts_DetailedSorted(t *testing.T) {
	origD, origP := getDetailedPortsList, getPortsList
	t.Cleanup(func() { getDetailedPortsList, getPortsList = origD, origP })

	getDetailedPortsList = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB1", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "FT1"},
			{Name: "/dev/ttyS0"},
		}, nil
	}
	ports, err := ListPorts()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyS0", ports[0].Name)
	assert.Equal(t, "0403", ports[1].VendorID)
	assert.True(t, ports[1].IsUSB)
}

func TestListPorts_FallbackToNames(t *testing.T) {
	origD, origP := getDetailedPortsList, getPortsList
	t.Cleanup(func() { getDetailedPortsList, getPortsList = origD, origP })

	getDetailedPortsList = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("not supported")
	}
	getPortsList = func() ([]string, error) { return []string{"COM4", "COM3"}, nil }

	names, err := PortNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"COM3", "COM4"}, names)
}
