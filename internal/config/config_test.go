package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadSupervisorConfigFromReader(strings.NewReader(`{}`))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Channels)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, time.Second, cfg.StopTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.Settle())
	assert.Equal(t, time.Second, cfg.Serial.Timeout())
	assert.Equal(t, "sprotocol", cfg.Driver.Type)
	assert.Equal(t, 5, cfg.Driver.Preambles)
	assert.Zero(t, cfg.MaxPollFailures)
}

func TestLoadFromReader_CommentsAndURLs(t *testing.T) {
	raw := `{
  // twelve channels on the rack
  "channels": 4,
  /* broker on the lab network */
  "mqtt": {"url": "tcp://broker.lab:1883", "heartbeatSec": 30}
}`
	cfg, err := LoadSupervisorConfigFromReader(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Channels)
	assert.Equal(t, "tcp://broker.lab:1883", cfg.MQTT.URL)
	assert.Equal(t, "si12", cfg.MQTT.Name)
	assert.Equal(t, 30*time.Second, cfg.MQTT.Heartbeat())
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := LoadSupervisorConfigFromReader(strings.NewReader(`{"baud": 9600}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"too many channels", `{"channels": 13}`, "channels must be 1..12"},
		{"negative poll", `{"pollIntervalMs": -5}`, "cannot be negative"},
		{"negative failures", `{"maxPollFailures": -1}`, "maxPollFailures"},
		{"bad driver", `{"driver": {"type": "hart"}}`, "driver.type"},
		{"bad preambles", `{"driver": {"preambles": 40}}`, "driver.preambles"},
		{"negative write settle", `{"driver": {"type": "modbus", "modbus": {"settleAfterWriteMs": -1}}}`, "settleAfterWriteMs"},
		{"unit id overflow", `{"driver": {"type": "modbus", "modbus": {"baseUnitId": 240}}}`, "baseUnitId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSupervisorConfigFromReader(strings.NewReader(tt.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ModbusDefaults(t *testing.T) {
	raw := `{"driver": {"type": "modbus", "modbus": {"flow": 500, "flowUnit": "sccm"}}}`
	cfg, err := LoadSupervisorConfigFromReader(strings.NewReader(raw))
	require.NoError(t, err)

	m := cfg.Driver.Modbus
	def := DefaultModbusMapping()
	assert.Equal(t, uint16(500), m.Flow)
	assert.Equal(t, "sccm", m.FlowUnit)
	assert.Equal(t, def.Setpoint, m.Setpoint)
	assert.Equal(t, def.GasNameStride, m.GasNameStride)
	assert.Equal(t, def.BaseUnitId, m.BaseUnitId)
}

func TestLoadSupervisorConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadSupervisorConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Channels)
}

func TestLoadSupervisorConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "si12.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"settleMs": 50}`), 0o644))

	cfg, err := LoadSupervisorConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Settle())
}
