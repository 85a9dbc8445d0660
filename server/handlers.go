package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ephemera-project/ephemera/envelope"
	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/pkg/health"
)

// handleRelayAction feeds the legacy action dispatcher.
func (s *Server) handleRelayAction(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	status, body := s.svc.Dispatch(r.Context(), raw)
	writeJSON(w, status, body)
}

// --- envelope handshake REST ---

type envelopeBody struct {
	Envelope *envelope.Envelope `json:"envelope"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Envelope.Create(r.Context())
	if err != nil {
		s.log.Error("session creation failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": res.SessionID,
		"pin":       res.PIN,
		"saltB64":   res.SaltB64,
		"ttlSec":    res.TTLSec,
		"createdAt": res.CreatedAt.UTC().Format(time.RFC3339),
		"expiresAt": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleResolvePIN(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")

	res, err := s.svc.Envelope.ResolvePIN(r.Context(), pin)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, envelope.ErrPinNotFound):
		writeError(w, http.StatusNotFound, "pin_not_found")
	case errors.Is(err, envelope.ErrPinExpired):
		writeError(w, http.StatusGone, "pin_expired")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handlePostOffer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}

	err := s.svc.Envelope.SetOffer(r.Context(), id, body.Envelope)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{})
	case errors.Is(err, envelope.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, "invalid_envelope")
	case errors.Is(err, envelope.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, envelope.ErrSessionExpired):
		writeError(w, http.StatusGone, "session_expired")
	case errors.Is(err, envelope.ErrOfferAlreadySet):
		writeError(w, http.StatusConflict, "offer_already_set")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	env, err := s.svc.Envelope.GetOffer(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"envelope": env})
	case errors.Is(err, envelope.ErrOfferNotSet):
		writeError(w, http.StatusNotFound, "offer_not_set")
	case errors.Is(err, envelope.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, envelope.ErrSessionExpired):
		writeError(w, http.StatusGone, "session_expired")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handlePostAnswer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}

	err := s.svc.Envelope.SetAnswer(r.Context(), id, body.Envelope)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{})
	case errors.Is(err, envelope.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, "invalid_envelope")
	case errors.Is(err, envelope.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, envelope.ErrSessionExpired):
		writeError(w, http.StatusGone, "session_expired")
	case errors.Is(err, envelope.ErrOfferNotSet):
		writeError(w, http.StatusConflict, "offer_not_set")
	case errors.Is(err, envelope.ErrAnswerAlreadySet):
		writeError(w, http.StatusConflict, "answer_already_set")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleGetAnswer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	env, err := s.svc.Envelope.GetAnswer(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"envelope": env})
	case errors.Is(err, envelope.ErrAnswerNotSet):
		writeError(w, http.StatusNotFound, "answer_not_set")
	case errors.Is(err, envelope.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, envelope.ErrSessionExpired):
		writeError(w, http.StatusGone, "session_expired")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.svc.Envelope.Delete(r.Context(), id); err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ancillary ---

func (s *Server) handleEdition(w http.ResponseWriter, r *http.Request) {
	features := []string{
		"relay",
		"handshake",
		"signaling",
		"chunk_ttl=dynamic-60-180",
	}
	if s.svc.Relay.PlaceholderOnPoll() {
		features = append(features, "placeholder_on_poll")
	}
	if s.cfg.Edition.IsEnterprise() {
		features = append(features, "devices", "audit_log")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"edition":      s.cfg.Edition.Name,
		"isEnterprise": s.cfg.Edition.IsEnterprise(),
		"features":     features,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.checker.CheckAll(r.Context())

	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// --- helpers ---

func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (*envelopeBody, bool) {
	var body envelopeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_envelope")
		return nil, false
	}
	if body.Envelope == nil {
		writeError(w, http.StatusBadRequest, "invalid_envelope")
		return nil, false
	}
	return &body, true
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", logger.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
