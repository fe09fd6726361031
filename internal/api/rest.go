package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fisaks/si12/internal/logging"
	"github.com/fisaks/si12/internal/mfc"
	"github.com/fisaks/si12/internal/supervisor"
)

type ThemeRequest struct {
	Theme string `json:"theme"`
}

type ConnectRequest struct {
	Port string `json:"port"`
}

type LabelRequest struct {
	Label string `json:"label"`
}

type ToggleRequest struct {
	On bool `json:"on"`
}

type SetpointRequest struct {
	Value any `json:"value"` // number or numeric string
}

type ValveRequest struct {
	Action string `json:"action"`
}

type RampRequest struct {
	Active bool `json:"active"`
	Time   any  `json:"time"` // seconds, number or numeric string
}

type GasRequest struct {
	Gas string `json:"gas"`
}

// Result is the body of every mutating call.
type Result struct {
	Snapshot *supervisor.Snapshot `json:"snapshot,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func NewHandler(a *API) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/info", a.getInfoHandler)
	mux.HandleFunc("PUT /api/theme", a.setThemeHandler)
	mux.HandleFunc("GET /api/ports", a.listPortsHandler)

	mux.HandleFunc("POST /api/connect", a.connectHandler)
	mux.HandleFunc("POST /api/disconnect", a.disconnectHandler)
	mux.HandleFunc("GET /api/snapshot", a.snapshotHandler)

	mux.HandleFunc("PUT /api/devices/{idx}/label", a.setLabelHandler)
	mux.HandleFunc("POST /api/devices/{idx}/toggle", a.toggleHandler)
	mux.HandleFunc("PUT /api/devices/{idx}/setpoint", a.setpointHandler)
	mux.HandleFunc("PUT /api/devices/{idx}/valve", a.valveHandler)
	mux.HandleFunc("POST /api/devices/{idx}/totalizer/reset", a.resetTotalHandler)
	mux.HandleFunc("PUT /api/devices/{idx}/ramp", a.rampHandler)
	mux.HandleFunc("PUT /api/devices/{idx}/gas", a.gasHandler)
	mux.HandleFunc("GET /api/devices/{idx}/history", a.historyHandler)

	return mux
}

// ListenAndServe serves h on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("REST API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

/* ------------------------ helpers: json & errors ------------------------ */

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Result{Error: msg})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, mfc.ErrIndex):
		return http.StatusNotFound
	case errors.Is(err, mfc.ErrNotConnected), errors.Is(err, mfc.ErrDeviceOff):
		return http.StatusConflict
	case errors.Is(err, mfc.ErrTransport), errors.Is(err, mfc.ErrExchange):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeResult(w http.ResponseWriter, snap supervisor.Snapshot, err error) {
	res := Result{Snapshot: &snap}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, statusFor(err), res)
}

func parseIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid index")
		return 0, false
	}
	return i, true
}

// decodeDevice parses the index and, when dst is not nil, the body.
func decodeDevice(w http.ResponseWriter, r *http.Request, dst any) (int, bool) {
	idx, ok := parseIndex(w, r)
	if !ok {
		return 0, false
	}
	if dst != nil {
		if err := readJSON(r, dst); err != nil {
			fail(w, http.StatusBadRequest, "bad json")
			return 0, false
		}
	}
	return idx, true
}

/* ------------------------------ handlers -------------------------------- */

func (a *API) getInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.AppInfo())
}

func (a *API) setThemeHandler(w http.ResponseWriter, r *http.Request) {
	var req ThemeRequest
	if err := readJSON(r, &req); err != nil || req.Theme == "" {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	if err := a.SetTheme(req.Theme); err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.AppInfo())
}

func (a *API) listPortsHandler(w http.ResponseWriter, r *http.Request) {
	ports, err := a.ListPorts()
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (a *API) connectHandler(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := readJSON(r, &req); err != nil || req.Port == "" {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	snap, err := a.Connect(req.Port)
	writeResult(w, snap, err)
}

func (a *API) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	writeResult(w, a.Disconnect(), nil)
}

func (a *API) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Snapshot())
}

func (a *API) setLabelHandler(w http.ResponseWriter, r *http.Request) {
	var req LabelRequest
	idx, ok := decodeDevice(w, r, &req)
	if !ok {
		return
	}
	snap, err := a.SetLabel(idx, req.Label)
	writeResult(w, snap, err)
}

func (a *API) toggleHandler(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	idx, ok := decodeDevice(w, r, &req)
	if !ok {
		return
	}
	snap, err := a.Toggle(r.Context(), idx, req.On)
	writeResult(w, snap, err)
}

func (a *API) setpointHandler(w http.ResponseWriter, r *http.Request) {
	var req SetpointRequest
	idx, ok := decodeDevice(w, r, &req)
	if !ok {
		return
	}
	snap, err := a.SetSetpoint(r.Context(), idx, req.Value)
	writeResult(w, snap, err)
}

func (a *API) valveHandler(w http.ResponseWriter, r *http.Request) {
	var req ValveRequest
	idx, ok := decodeDevice(w, r, &req)
	if !ok {
		return
	}
	snap, err := a.SetValve(r.Context(), idx, req.Action)
	writeResult(w, snap, err)
}

func (a *API) resetTotalHandler(w http.ResponseWriter, r *http.Request) {
	idx, ok := decodeDevice(w, r, nil)
	if !ok {
		return
	}
	snap, err := a.ResetTotal(r.Context(), idx)
	writeResult(w, snap, err)
}

func (a *API) rampHandler(w http.ResponseWriter, r *http.Request) {
	var req RampRequest
	idx, ok := decodeDevice(w, r, &req)
	if !ok {
		return
	}
	snap, err := a.SetRamp(r.Context(), idx, req.Active, req.Time)
	writeResult(w, snap, err)
}

func (a *API) gasHandler(w http.ResponseWriter, r *http.Request) {
	var req GasRequest
	idx, ok := decodeDevice(w, r, &req)
	if !ok {
		return
	}
	snap, err := a.SelectGas(r.Context(), idx, req.Gas)
	writeResult(w, snap, err)
}

func (a *API) historyHandler(w http.ResponseWriter, r *http.Request) {
	idx, ok := parseIndex(w, r)
	if !ok {
		return
	}
	h, err := a.History(idx)
	if err != nil {
		fail(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}
