// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
)

/* =========================
   Types
   ========================= */

type SupervisorConfig struct {
	Channels        int          `json:"channels"`
	PollIntervalMs  int          `json:"pollIntervalMs"`
	StopTimeoutMs   int          `json:"stopTimeoutMs"`
	SettleMs        int          `json:"settleMs"`
	MaxPollFailures int          `json:"maxPollFailures"` // 0 = never auto-deactivate
	SettingsPath    string       `json:"settingsPath"`
	Serial          SerialConfig `json:"serial"`
	Driver          DriverConfig `json:"driver"`
	MQTT            MQTTConfig   `json:"mqtt"`
	HTTP            HTTPConfig   `json:"http"`
}

// SerialConfig only carries what may vary per site. Framing is fixed
// (19200 baud, odd parity, 1 stop bit, 8 data bits).
type SerialConfig struct {
	Port      string `json:"port"` // optional auto-connect
	TimeoutMs int    `json:"timeoutMs"`
	Debug     bool   `json:"debug"`
}

type DriverConfig struct {
	Type      string        `json:"type"` // "sprotocol" | "modbus"
	Preambles int           `json:"preambles"`
	Modbus    ModbusMapping `json:"modbus"`
}

// ModbusMapping describes the register layout of a Modbus-capable MFC.
// Float values span two registers, big-endian word order.
type ModbusMapping struct {
	BaseUnitId       uint8  `json:"baseUnitId"`
	IdentityRegister uint16 `json:"identityRegister"`
	GasSelect        uint16 `json:"gasSelect"`
	GasNameBase      uint16 `json:"gasNameBase"`
	GasNameStride    uint16 `json:"gasNameStride"`
	Flow             uint16 `json:"flow"`
	Temperature      uint16 `json:"temperature"`
	FullScaleBase    uint16 `json:"fullScaleBase"`
	Totalizer        uint16 `json:"totalizer"`
	Setpoint         uint16 `json:"setpoint"`
	ValveOverride    uint16 `json:"valveOverride"`
	RampMode         uint16 `json:"rampMode"`
	RampTime         uint16 `json:"rampTime"`
	TotalizerControl uint16 `json:"totalizerControl"`

	SettleAfterWriteMs int `json:"settleAfterWriteMs"`

	FlowUnit        string `json:"flowUnit"`
	TemperatureUnit string `json:"temperatureUnit"`
	TotalizerUnit   string `json:"totalizerUnit"`
}

type MQTTConfig struct {
	URL          string `json:"url"` // empty disables the bridge
	Name         string `json:"name"`
	HeartbeatSec int    `json:"heartbeatSec"`
}

type HTTPConfig struct {
	Listen string `json:"listen"` // empty disables the REST API
}

/* =========================
   Helpers
   ========================= */

func (c SupervisorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
func (c SupervisorConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMs) * time.Millisecond
}
func (c SupervisorConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}
func (s SerialConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}
func (m MQTTConfig) Heartbeat() time.Duration {
	return time.Duration(m.HeartbeatSec) * time.Second
}

// DefaultModbusMapping is the layout served by cmd/tools/mfc-sim.
func DefaultModbusMapping() ModbusMapping {
	return ModbusMapping{
		BaseUnitId:       1,
		IdentityRegister: 0,
		GasSelect:        10,
		GasNameBase:      100,
		GasNameStride:    8,
		Flow:             200,
		Temperature:      202,
		FullScaleBase:    210, // one float per gas id, gas 1 at 210
		Totalizer:        220,
		Setpoint:         300,
		ValveOverride:    302,
		RampMode:         303,
		RampTime:         304,
		TotalizerControl: 306,
		FlowUnit:         "ln/min",
		TemperatureUnit:  "degC",
		TotalizerUnit:    "ln",
	}
}

// Default returns a validated configuration used when no file is present.
func Default() *SupervisorConfig {
	cfg := &SupervisorConfig{}
	_ = cfg.Validate()
	return cfg
}

/* =========================
   Strict load + validate
   ========================= */

// LoadSupervisorConfig reads path. A missing file yields Default().
func LoadSupervisorConfig(path string) (*SupervisorConfig, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Warn("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	return LoadSupervisorConfigFromReader(f)
}

func LoadSupervisorConfigFromReader(r io.Reader) (*SupervisorConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	clean := stripJSONComments(raw)
	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()

	var cfg SupervisorConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *SupervisorConfig) Validate() error {
	var errs multiErr

	/* Channels */
	if c.Channels == 0 {
		c.Channels = mfc.MaxChannels
	}
	if c.Channels < 1 || c.Channels > mfc.MaxChannels {
		errs.addf("channels must be 1..%d", mfc.MaxChannels)
	}

	/* Timings */
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 1000
	}
	if c.StopTimeoutMs == 0 {
		c.StopTimeoutMs = 1000
	}
	if c.SettleMs == 0 {
		c.SettleMs = 200
	}
	if c.PollIntervalMs < 0 || c.StopTimeoutMs < 0 || c.SettleMs < 0 {
		errs.add("pollIntervalMs, stopTimeoutMs and settleMs cannot be negative")
	}
	if c.MaxPollFailures < 0 {
		errs.add("maxPollFailures cannot be negative (0 disables auto-deactivation)")
	}

	/* Serial */
	if c.Serial.TimeoutMs <= 0 {
		c.Serial.TimeoutMs = 1000
	}

	/* Driver */
	if c.Driver.Type == "" {
		c.Driver.Type = "sprotocol"
	}
	switch strings.ToLower(c.Driver.Type) {
	case "sprotocol":
		if c.Driver.Preambles == 0 {
			c.Driver.Preambles = 5
		}
		if c.Driver.Preambles < 2 || c.Driver.Preambles > 20 {
			errs.add("driver.preambles must be 2..20")
		}
	case "modbus":
		c.Driver.Modbus.fillDefaults()
		m := c.Driver.Modbus
		if m.BaseUnitId == 0 || int(m.BaseUnitId)+c.Channels-1 > 247 {
			errs.addf("driver.modbus.baseUnitId must leave room for %d unit ids within 1..247", c.Channels)
		}
		if m.GasNameStride < 8 {
			errs.add("driver.modbus.gasNameStride must be >= 8 registers")
		}
	default:
		errs.addf("driver.type must be 'sprotocol' or 'modbus', got %q", c.Driver.Type)
	}

	/* MQTT */
	if c.MQTT.URL != "" && strings.TrimSpace(c.MQTT.Name) == "" {
		c.MQTT.Name = "si12"
	}
	if c.MQTT.HeartbeatSec < 0 {
		errs.add("mqtt.heartbeatSec cannot be negative")
	}
	if c.MQTT.URL != "" && c.MQTT.HeartbeatSec == 0 {
		logging.Warn("mqtt.heartbeatSec=0 configured, heartbeats disabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fillDefaults leaves explicitly configured registers alone. Register 0 is
// only a valid override for the identity register, which defaults to 0 anyway.
func (m *ModbusMapping) fillDefaults() {
	def := DefaultModbusMapping()
	if m.BaseUnitId == 0 {
		m.BaseUnitId = def.BaseUnitId
	}
	setU16 := func(dst *uint16, v uint16) {
		if *dst == 0 {
			*dst = v
		}
	}
	setU16(&m.GasSelect, def.GasSelect)
	setU16(&m.GasNameBase, def.GasNameBase)
	setU16(&m.GasNameStride, def.GasNameStride)
	setU16(&m.Flow, def.Flow)
	setU16(&m.Temperature, def.Temperature)
	setU16(&m.FullScaleBase, def.FullScaleBase)
	setU16(&m.Totalizer, def.Totalizer)
	setU16(&m.Setpoint, def.Setpoint)
	setU16(&m.ValveOverride, def.ValveOverride)
	setU16(&m.RampMode, def.RampMode)
	setU16(&m.RampTime, def.RampTime)
	setU16(&m.TotalizerControl, def.TotalizerControl)
	if m.FlowUnit == "" {
		m.FlowUnit = def.FlowUnit
	}
	if m.TemperatureUnit == "" {
		m.TemperatureUnit = def.TemperatureUnit
	}
	if m.TotalizerUnit == "" {
		m.TotalizerUnit = def.TotalizerUnit
	}
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
