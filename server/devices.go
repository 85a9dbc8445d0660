package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ephemera-project/ephemera/devices"
)

type registerDeviceBody struct {
	DeviceID     string `json:"deviceId"`
	Label        string `json:"label"`
	PublicKeyB64 string `json:"publicKeyB64"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body registerDeviceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	dev, err := s.devices.Register(r.Context(), body.DeviceID, body.Label, body.PublicKeyB64)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dev)
	case errors.Is(err, devices.ErrInvalidDevice):
		writeError(w, http.StatusBadRequest, "invalid_device")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.devices.List(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devs})
}

func (s *Server) handleDeviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	dev, err := s.devices.Heartbeat(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dev)
	case errors.Is(err, devices.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "device_not_found")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.devices.Delete(r.Context(), id); err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
