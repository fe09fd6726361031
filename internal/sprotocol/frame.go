package sprotocol

import (
	"errors"
	"fmt"
	"io"
)

const (
	preambleByte  = 0xFF
	delimRequest  = 0x82 // long frame, master to slave
	delimResponse = 0x86 // long frame, slave to master

	maxPreambles = 32
)

// broadcastAddress is used only with cmdReadUniqueIDByTag.
var broadcastAddress = [5]byte{0x80, 0, 0, 0, 0}

var (
	errChecksum  = errors.New("checksum mismatch")
	errDelimiter = errors.New("unexpected start delimiter")
	errShort     = errors.New("short response")
)

// frame is one long-address frame. status is only present on responses.
type frame struct {
	delim  byte
	addr   [5]byte
	cmd    byte
	status [2]byte
	data   []byte
}

func (f frame) isResponse() bool { return f.delim == delimResponse }

func (f frame) encode(preambles int) []byte {
	count := len(f.data)
	if f.isResponse() {
		count += 2
	}
	out := make([]byte, 0, preambles+9+count)
	for i := 0; i < preambles; i++ {
		out = append(out, preambleByte)
	}
	start := len(out)
	out = append(out, f.delim)
	out = append(out, f.addr[:]...)
	out = append(out, f.cmd, byte(count))
	if f.isResponse() {
		out = append(out, f.status[:]...)
	}
	out = append(out, f.data...)
	return append(out, checksum(out[start:]))
}

func checksum(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// readFrame reads one frame with the given delimiter, skipping preambles.
func readFrame(r io.Reader, delim byte) (frame, error) {
	var f frame
	one := make([]byte, 1)

	skipped := 0
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return f, err
		}
		if one[0] != preambleByte {
			break
		}
		skipped++
		if skipped > maxPreambles {
			return f, fmt.Errorf("more than %d preambles", maxPreambles)
		}
	}
	if one[0] != delim {
		return f, fmt.Errorf("%w 0x%02X", errDelimiter, one[0])
	}
	f.delim = delim

	hdr := make([]byte, 7)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return f, err
	}
	copy(f.addr[:], hdr[:5])
	f.cmd = hdr[5]
	count := int(hdr[6])

	body := make([]byte, count+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return f, err
	}

	sum := checksum(append([]byte{delim}, hdr...))
	sum ^= checksum(body[:count])
	if sum != body[count] {
		return f, errChecksum
	}

	body = body[:count]
	if delim == delimResponse {
		if count < 2 {
			return f, errShort
		}
		copy(f.status[:], body[:2])
		body = body[2:]
	}
	f.data = body
	return f, nil
}

// packTag packs an 8 character tag into 6 bytes of 6-bit characters.
func packTag(tag string) [6]byte {
	var out [6]byte
	t := []byte(tag)
	for len(t) < 8 {
		t = append(t, '_')
	}
	for g := 0; g < 2; g++ {
		c0, c1, c2, c3 := t[g*4]&0x3F, t[g*4+1]&0x3F, t[g*4+2]&0x3F, t[g*4+3]&0x3F
		out[g*3] = c0<<2 | c1>>4
		out[g*3+1] = (c1&0x0F)<<4 | c2>>2
		out[g*3+2] = (c2&0x03)<<6 | c3
	}
	return out
}
