package main

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/mfc"
)

// simUnit models one register-mapped MFC. The Modbus server owns the
// register slices; step reads what the supervisor wrote and updates the
// measured values in place.
type simUnit struct {
	UnitID    uint8
	Gases     []string
	FullScale []float64 // per gas id, index 0 is gas 1

	regs    config.ModbusMapping
	holding []uint16
	input   []uint16

	flow  float64
	total float64
	temp  float64

	mu      sync.Mutex
	offline bool
}

func newSimUnit(id uint8, regs config.ModbusMapping, holding, input []uint16) *simUnit {
	u := &simUnit{
		UnitID:    id,
		Gases:     []string{"N2", "Ar", "O2"},
		FullScale: []float64{10, 14.2, 9.8},
		regs:      regs,
		holding:   holding,
		input:     input,
		temp:      21.5,
	}
	u.seed()
	return u
}

func (u *simUnit) seed() {
	r := u.regs
	u.holding[r.IdentityRegister] = uint16(u.UnitID)
	u.holding[r.GasSelect] = 1
	for i, name := range u.Gases {
		putString(u.holding, r.GasNameBase+uint16(i)*r.GasNameStride, name, 8)
	}
	for i, fs := range u.FullScale {
		putFloat(u.holding, r.FullScaleBase+uint16(i)*2, fs)
	}
	putFloat(u.holding, r.RampTime, 1)
	u.holding[r.TotalizerControl] = uint16(mfc.TotalizerStart)
	u.publish()
}

func (u *simUnit) selectedFullScale() float64 {
	g := int(u.holding[u.regs.GasSelect])
	if g < 1 || g > len(u.FullScale) {
		return 0
	}
	return u.FullScale[g-1]
}

// step advances the model by dt.
func (u *simUnit) step(dt time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	r := u.regs
	fs := u.selectedFullScale()
	target := getFloat(u.holding, r.Setpoint) / 100 * fs
	switch mfc.ValveCommand(u.holding[r.ValveOverride]) {
	case mfc.ValveOpening:
		target = fs
	case mfc.ValveClosing:
		target = 0
	}
	if u.offline {
		target = 0
	}

	if mfc.RampMode(u.holding[r.RampMode]) == mfc.RampLinear {
		ramp := getFloat(u.holding, r.RampTime)
		if ramp <= 0 || math.IsNaN(ramp) {
			ramp = 1
		}
		maxStep := fs / ramp * dt.Seconds()
		delta := target - u.flow
		if math.Abs(delta) > maxStep {
			delta = math.Copysign(maxStep, delta)
		}
		u.flow += delta
	} else {
		u.flow = target
	}

	switch mfc.TotalizerMode(u.holding[r.TotalizerControl]) {
	case mfc.TotalizerStart:
		u.total += u.flow * dt.Minutes()
	case mfc.TotalizerReset:
		u.total = 0
		u.holding[r.TotalizerControl] = uint16(mfc.TotalizerStart)
	}
	u.publish()
}

func (u *simUnit) publish() {
	r := u.regs
	putFloat(u.input, r.Flow, u.flow)
	putFloat(u.input, r.Temperature, u.temp)
	putFloat(u.input, r.Totalizer, u.total)
}

type unitState struct {
	UnitID      uint8    `json:"unitId"`
	Gases       []string `json:"gases"`
	SelectedGas int      `json:"selectedGas"`
	FullScale   float64  `json:"fullScale"`
	Setpoint    float64  `json:"setpointPercent"`
	Flow        float64  `json:"flow"`
	Total       float64  `json:"total"`
	Temperature float64  `json:"temperature"`
	Valve       string   `json:"valve"`
	RampActive  bool     `json:"rampActive"`
	RampTime    float64  `json:"rampTime"`
	Offline     bool     `json:"offline"`
}

func (u *simUnit) state() unitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	r := u.regs
	return unitState{
		UnitID:      u.UnitID,
		Gases:       append([]string(nil), u.Gases...),
		SelectedGas: int(u.holding[r.GasSelect]),
		FullScale:   u.selectedFullScale(),
		Setpoint:    getFloat(u.holding, r.Setpoint),
		Flow:        u.flow,
		Total:       u.total,
		Temperature: u.temp,
		Valve:       mfc.ValveCommand(u.holding[r.ValveOverride]).String(),
		RampActive:  mfc.RampMode(u.holding[r.RampMode]) == mfc.RampLinear,
		RampTime:    getFloat(u.holding, r.RampTime),
		Offline:     u.offline,
	}
}

func (u *simUnit) setTemperature(v float64) {
	u.mu.Lock()
	u.temp = v
	u.publish()
	u.mu.Unlock()
}

func (u *simUnit) setFullScale(gas int, v float64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if gas < 1 || gas > len(u.FullScale) {
		return false
	}
	u.FullScale[gas-1] = v
	putFloat(u.holding, u.regs.FullScaleBase+uint16(gas-1)*2, v)
	return true
}

// setOffline makes the measured flow fall to zero, as with a blocked line.
func (u *simUnit) setOffline(off bool) {
	u.mu.Lock()
	u.offline = off
	u.mu.Unlock()
}

/* ----------------------------- register codec ---------------------------- */

func putFloat(regs []uint16, addr uint16, v float64) {
	bits := math.Float32bits(float32(v))
	regs[addr] = uint16(bits >> 16)
	regs[addr+1] = uint16(bits)
}

func getFloat(regs []uint16, addr uint16) float64 {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, regs[addr])
	binary.BigEndian.PutUint16(b[2:], regs[addr+1])
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

// putString writes s as ASCII, two chars per register, NUL padded.
func putString(regs []uint16, addr uint16, s string, n int) {
	b := make([]byte, n*2)
	copy(b, s)
	for i := 0; i < n; i++ {
		regs[addr+uint16(i)] = binary.BigEndian.Uint16(b[i*2:])
	}
}
