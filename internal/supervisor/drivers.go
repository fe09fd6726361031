package supervisor

import (
	"strings"

	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/modbus"
	"github.com/fisaks/si12/internal/sprotocol"
)

// NewDriverFactory picks the protocol driver configured for the bus.
func NewDriverFactory(cfg config.DriverConfig, debug bool) mfc.DriverFactory {
	switch strings.ToLower(cfg.Type) {
	case "modbus":
		return modbus.Factory(cfg.Modbus, debug)
	default:
		return sprotocol.Factory(cfg.Preambles)
	}
}
