package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUnit() *simUnit {
	return newSimUnit(1, config.DefaultModbusMapping(), make([]uint16, 1024), make([]uint16, 1024))
}

func TestSeed(t *testing.T) {
	u := newTestUnit()
	r := u.regs

	assert.Equal(t, uint16(1), u.holding[r.IdentityRegister])
	assert.Equal(t, uint16(1), u.holding[r.GasSelect])
	assert.Equal(t, uint16('N')<<8|uint16('2'), u.holding[r.GasNameBase])
	assert.Zero(t, u.holding[r.GasNameBase+1])
	assert.InDelta(t, 14.2, getFloat(u.holding, r.FullScaleBase+2), 1e-5)
	assert.InDelta(t, 21.5, getFloat(u.input, r.Temperature), 1e-5)
}

func TestStep_FlowFollowsSetpoint(t *testing.T) {
	u := newTestUnit()
	putFloat(u.holding, u.regs.Setpoint, 50)

	u.step(time.Second)
	assert.InDelta(t, 5.0, getFloat(u.input, u.regs.Flow), 1e-5)
	assert.InDelta(t, 5.0/60, getFloat(u.input, u.regs.Totalizer), 1e-5)
}

func TestStep_ValveOverride(t *testing.T) {
	u := newTestUnit()
	putFloat(u.holding, u.regs.Setpoint, 10)

	u.holding[u.regs.ValveOverride] = uint16(mfc.ValveOpening)
	u.step(time.Second)
	assert.InDelta(t, 10.0, u.state().Flow, 1e-9)

	u.holding[u.regs.ValveOverride] = uint16(mfc.ValveClosing)
	u.step(time.Second)
	assert.Zero(t, u.state().Flow)
}

func TestStep_Ramp(t *testing.T) {
	u := newTestUnit()
	putFloat(u.holding, u.regs.Setpoint, 100)
	u.holding[u.regs.RampMode] = uint16(mfc.RampLinear)
	putFloat(u.holding, u.regs.RampTime, 4)

	u.step(time.Second)
	assert.InDelta(t, 2.5, u.state().Flow, 1e-5, "a quarter of full scale per second")
}

func TestStep_TotalizerReset(t *testing.T) {
	u := newTestUnit()
	putFloat(u.holding, u.regs.Setpoint, 100)
	u.step(time.Minute)
	require.InDelta(t, 10.0, u.state().Total, 1e-5)

	u.holding[u.regs.TotalizerControl] = uint16(mfc.TotalizerReset)
	u.step(time.Second)
	assert.Zero(t, u.state().Total)
	assert.Equal(t, uint16(mfc.TotalizerStart), u.holding[u.regs.TotalizerControl])
}

func TestREST_FullScaleAndOffline(t *testing.T) {
	u := newTestUnit()
	h := newSimHandler(map[uint8]*simUnit{1: u})

	req := httptest.NewRequest(http.MethodPut, "/units/1/fullScale", strings.NewReader(`{"gas":1,"value":20}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 20.0, getFloat(u.holding, u.regs.FullScaleBase), 1e-5)

	req = httptest.NewRequest(http.MethodPut, "/units/1/offline", strings.NewReader(`{"offline":true}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	putFloat(u.holding, u.regs.Setpoint, 50)
	u.step(time.Second)
	assert.Zero(t, u.state().Flow)

	req = httptest.NewRequest(http.MethodGet, "/units/9", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
