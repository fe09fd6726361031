package sprotocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fisaks/si12/internal/mfc"
)

var unitNames = map[byte]string{
	15: "ft3/min",
	16: "gal/min",
	17: "l/min",
	19: "m3/h",
	24: "l/s",
	28: "m3/s",
	32: "degC",
	33: "degF",
	35: "K",
	41: "l",
	43: "m3",
	57: "%",
	// manufacturer specific flow units
	170: "ml/min",
	171: "ml/h",
	172: "nl/min",
	173: "nl/h",
}

// UnitName returns the label for a unit code.
func UnitName(code byte) string {
	if name, ok := unitNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unit(%d)", code)
}

func putFloat(v float64) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
	return b
}

func getFloat(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

// reading decodes a unit code followed by a float at off.
func reading(data []byte, off int) (mfc.Reading, error) {
	if len(data) < off+5 {
		return mfc.Unknown, fmt.Errorf("%w: %d bytes, want %d", mfc.ErrNoData, len(data), off+5)
	}
	v := getFloat(data[off+1 : off+5])
	if math.IsNaN(v) {
		return mfc.Unknown, fmt.Errorf("%w: value not a number", mfc.ErrNoData)
	}
	return mfc.Reading{Value: v, Unit: UnitName(data[off])}, nil
}
