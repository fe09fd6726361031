package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fisaks/si12/internal/logging"
)

type fullScaleRequest struct {
	Gas   int     `json:"gas"`
	Value float64 `json:"value"`
}

type temperatureRequest struct {
	Value float64 `json:"value"`
}

type offlineRequest struct {
	Offline bool `json:"offline"`
}

type simAPI struct {
	units map[uint8]*simUnit
}

func newSimHandler(units map[uint8]*simUnit) http.Handler {
	a := &simAPI{units: units}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /units", a.listUnitsHandler)
	mux.HandleFunc("GET /units/{unitId}", a.getUnitHandler)
	mux.HandleFunc("PUT /units/{unitId}/fullScale", a.setFullScaleHandler)
	mux.HandleFunc("PUT /units/{unitId}/temperature", a.setTemperatureHandler)
	mux.HandleFunc("PUT /units/{unitId}/offline", a.setOfflineHandler)
	return mux
}

func StartRestAPI(listen string, units map[uint8]*simUnit) error {
	logging.Info("MFC simulator REST API listening", "addr", listen)
	return http.ListenAndServe(listen, newSimHandler(units))
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
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *simAPI) lookup(w http.ResponseWriter, r *http.Request) (*simUnit, bool) {
	id, err := strconv.Atoi(r.PathValue("unitId"))
	if err != nil || id < 0 || id > 255 {
		fail(w, http.StatusBadRequest, "invalid unit id")
		return nil, false
	}
	u, ok := a.units[uint8(id)]
	if !ok {
		fail(w, http.StatusNotFound, "unit not found")
		return nil, false
	}
	return u, true
}

/* ------------------------------ handlers -------------------------------- */

func (a *simAPI) listUnitsHandler(w http.ResponseWriter, r *http.Request) {
	out := make([]unitState, 0, len(a.units))
	for id := 0; id < 256; id++ {
		if u, ok := a.units[uint8(id)]; ok {
			out = append(out, u.state())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *simAPI) getUnitHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u.state())
}

func (a *simAPI) setFullScaleHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req fullScaleRequest
	if err := readJSON(r, &req); err != nil || req.Value < 0 {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	if !u.setFullScale(req.Gas, req.Value) {
		fail(w, http.StatusBadRequest, "gas out of range")
		return
	}
	writeJSON(w, http.StatusOK, u.state())
}

func (a *simAPI) setTemperatureHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req temperatureRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	u.setTemperature(req.Value)
	writeJSON(w, http.StatusOK, u.state())
}

func (a *simAPI) setOfflineHandler(w http.ResponseWriter, r *http.Request) {
	u, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req offlineRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	u.setOffline(req.Offline)
	writeJSON(w, http.StatusOK, u.state())
}
