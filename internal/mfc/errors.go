package mfc

import "errors"

var (
	// ErrTransport reports that the serial connection could not be opened or used.
	ErrTransport = errors.New("transport error")
	// ErrNotConnected is returned by commands issued while no session is open.
	ErrNotConnected = errors.New("serial port not connected")
	// ErrDeviceOff is returned by commands against an inactive channel.
	ErrDeviceOff = errors.New("device off")
	// ErrIndex is returned for a channel index outside [0, N).
	ErrIndex = errors.New("device index out of range")
	// ErrExchange wraps any failed request/response round-trip with a device.
	ErrExchange = errors.New("protocol exchange failed")
	// ErrNoData is returned by a Driver read when the device has no value to
	// report. Callers treat it as the unknown sentinel, not as a failure.
	ErrNoData = errors.New("reading unavailable")
)
