package main

import (
	"os"
	"strconv"
	"time"

	"github.com/fisaks/si12/internal/config"
	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/transport"
	"github.com/goburrow/serial"
	"github.com/womat/mbserver"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

const stepInterval = 100 * time.Millisecond

func main() {
	logging.Init()

	portName := os.Getenv("SIM_PORT")
	if portName == "" {
		logging.Fatal("SIM_PORT not set")
	}
	count, err := strconv.Atoi(getenv("SIM_UNITS", "12"))
	if err != nil || count < 1 || count > 12 {
		logging.Fatal("SIM_UNITS must be 1..12", "value", os.Getenv("SIM_UNITS"))
	}
	listen := getenv("SIM_REST_LISTEN", ":8081")

	regs := config.DefaultModbusMapping()
	s := mbserver.NewServer()

	units := make(map[uint8]*simUnit, count)
	for i := 0; i < count; i++ {
		id := regs.BaseUnitId + uint8(i)
		if id != 1 {
			if err := s.NewDevice(id); err != nil {
				logging.Fatal("NewDevice failed", "unit", id, "error", err)
			}
		}
		dev := s.Devices[id]
		units[id] = newSimUnit(id, regs, dev.HoldingRegisters, dev.InputRegisters)
	}

	port, err := serial.Open(&serial.Config{
		Address:  portName,
		BaudRate: transport.BaudRate,
		DataBits: transport.DataBits,
		StopBits: transport.StopBits,
		Parity:   transport.Parity,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		logging.Fatal("serial open failed", "port", portName, "error", err)
	}
	defer port.Close()

	if err := s.ListenRTU(port); err != nil {
		logging.Fatal("listenRTU failed", "error", err)
	}
	logging.Info("MFC simulator ready", "port", portName, "units", count, "firstUnit", regs.BaseUnitId)

	go func() {
		if err := StartRestAPI(listen, units); err != nil {
			logging.Error("simulator REST API stopped", "error", err)
		}
	}()

	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()
	for range ticker.C {
		for _, u := range units {
			u.step(stepInterval)
		}
	}
}
