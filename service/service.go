// Package service is the action-dispatched surface the HTTP layer calls
// into. Every handler is a pure function from request to (status, body);
// engine error kinds map to stable wire codes here.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ephemera-project/ephemera/envelope"
	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/relay"
	"github.com/ephemera-project/ephemera/signaling"
)

// Service dispatches relay actions and exposes the engines to the REST
// handlers.
type Service struct {
	Relay     *relay.Engine
	Envelope  *envelope.Engine
	Signaling *signaling.Engine

	log      logger.Logger
	handlers map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, req *actionRequest) (int, any)

// actionRequest is the union of every action's fields. The legacy wire
// contract carries the invite code in a field named "pin".
type actionRequest struct {
	Action       string          `json:"action"`
	PIN          string          `json:"pin"`
	PasswordHash string          `json:"passwordHash"`
	ChunkIndex   *int            `json:"chunkIndex"`
	TotalChunks  *int            `json:"totalChunks"`
	Data         *string         `json:"data"`
	InviteCode   string          `json:"inviteCode"`
	PeerID       string          `json:"peerId"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
}

// wireMessage is a drained signal without its storage-only fields.
type wireMessage struct {
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// New creates the dispatch surface.
func New(r *relay.Engine, env *envelope.Engine, sig *signaling.Engine, log logger.Logger) *Service {
	s := &Service{
		Relay:     r,
		Envelope:  env,
		Signaling: sig,
		log:       log,
	}
	s.handlers = map[string]handlerFunc{
		"send":       s.handleSend,
		"receive":    s.handleReceive,
		"ack":        s.handleAck,
		"ack-status": s.handleAckStatus,
		"register":   s.handleRegister,
		"lookup":     s.handleLookup,
		"signal":     s.handleSignal,
		"poll":       s.handlePoll,
	}
	return s
}

// Dispatch decodes an action request and routes it to its handler.
func (s *Service) Dispatch(ctx context.Context, raw []byte) (int, any) {
	var req actionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return http.StatusBadRequest, errBody("invalid_json")
	}
	if req.Action == "" {
		return http.StatusBadRequest, errBody("missing_action")
	}

	handler, ok := s.handlers[req.Action]
	if !ok {
		return http.StatusNotFound, errBody("unknown_action")
	}
	return handler(ctx, &req)
}

func (s *Service) handleSend(ctx context.Context, req *actionRequest) (int, any) {
	if req.PIN == "" || req.PasswordHash == "" || req.ChunkIndex == nil || req.TotalChunks == nil || req.Data == nil {
		return http.StatusBadRequest, errBody("missing_fields")
	}

	err := s.Relay.Push(ctx, req.PIN, req.PasswordHash, *req.ChunkIndex, *req.TotalChunks, *req.Data)
	switch {
	case err == nil:
		return http.StatusOK, map[string]any{"status": "waiting"}
	case errors.Is(err, relay.ErrInvalidChunk):
		return http.StatusBadRequest, errBody("invalid_chunk")
	case errors.Is(err, relay.ErrTotalChunksMismatch):
		return http.StatusConflict, map[string]any{"error": "totalChunks_mismatch", "status": "waiting"}
	case errors.Is(err, relay.ErrDuplicateChunk):
		return http.StatusConflict, map[string]any{"error": "duplicate_chunk", "status": "waiting"}
	case errors.Is(err, relay.ErrConcurrencyConflict):
		// Application-level retry: the legacy contract rides the error
		// on a 200 so clients back off and resend.
		return http.StatusOK, map[string]any{"error": "concurrency_conflict", "status": "waiting"}
	default:
		return s.internal(err)
	}
}

func (s *Service) handleReceive(ctx context.Context, req *actionRequest) (int, any) {
	if req.PIN == "" || req.PasswordHash == "" {
		return http.StatusBadRequest, errBody("missing_pin_or_passwordHash")
	}

	res, err := s.Relay.Next(ctx, req.PIN, req.PasswordHash)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrInvalidChunk):
		return http.StatusBadRequest, errBody("invalid_chunk")
	default:
		return s.internal(err)
	}

	body := map[string]any{"status": string(res.Status)}
	if res.Chunk != nil {
		body["chunk"] = res.Chunk
	}
	return http.StatusOK, body
}

func (s *Service) handleAck(ctx context.Context, req *actionRequest) (int, any) {
	if req.PIN == "" || req.PasswordHash == "" {
		return http.StatusBadRequest, errBody("missing_fields")
	}

	err := s.Relay.SetAck(ctx, req.PIN, req.PasswordHash)
	switch {
	case err == nil:
		return http.StatusOK, map[string]any{"ok": true}
	case errors.Is(err, relay.ErrInvalidChunk):
		return http.StatusBadRequest, errBody("invalid_chunk")
	default:
		return s.internal(err)
	}
}

func (s *Service) handleAckStatus(ctx context.Context, req *actionRequest) (int, any) {
	if req.PIN == "" || req.PasswordHash == "" {
		return http.StatusBadRequest, errBody("missing_fields")
	}

	acked, err := s.Relay.AckStatus(ctx, req.PIN, req.PasswordHash)
	switch {
	case err == nil:
		return http.StatusOK, map[string]any{"acknowledged": acked}
	case errors.Is(err, relay.ErrInvalidChunk):
		return http.StatusBadRequest, errBody("invalid_chunk")
	default:
		return s.internal(err)
	}
}

func (s *Service) handleRegister(ctx context.Context, req *actionRequest) (int, any) {
	if req.InviteCode == "" || req.PeerID == "" {
		return http.StatusBadRequest, errBody("missing_fields")
	}

	err := s.Signaling.Register(ctx, req.InviteCode, req.PeerID)
	switch {
	case err == nil:
		return http.StatusOK, map[string]any{
			"status": "registered",
			"ttlSec": int(signaling.RegistrationTTL / time.Second),
		}
	case errors.Is(err, signaling.ErrInvalidInviteCode):
		return http.StatusBadRequest, errBody("invalid_invite_code")
	case errors.Is(err, signaling.ErrInvalidPeerID):
		return http.StatusBadRequest, errBody("missing_fields")
	case errors.Is(err, signaling.ErrInviteCodeInUse):
		return http.StatusConflict, errBody("invite_code_in_use")
	default:
		return s.internal(err)
	}
}

func (s *Service) handleLookup(ctx context.Context, req *actionRequest) (int, any) {
	if req.InviteCode == "" {
		return http.StatusBadRequest, errBody("missing_invite_code")
	}

	peerID, err := s.Signaling.Lookup(ctx, req.InviteCode)
	switch {
	case err == nil:
		return http.StatusOK, map[string]any{"peerId": peerID}
	case errors.Is(err, signaling.ErrInvalidInviteCode):
		return http.StatusBadRequest, errBody("invalid_invite_code")
	case errors.Is(err, signaling.ErrPeerNotFound):
		return http.StatusNotFound, errBody("peer_not_found")
	default:
		return s.internal(err)
	}
}

func (s *Service) handleSignal(ctx context.Context, req *actionRequest) (int, any) {
	if req.From == "" || req.To == "" || req.Type == "" || len(req.Payload) == 0 {
		return http.StatusBadRequest, errBody("missing_fields")
	}

	err := s.Signaling.Enqueue(ctx, req.From, req.To, req.Type, req.Payload)
	switch {
	case err == nil:
		return http.StatusOK, map[string]any{"status": "queued"}
	case errors.Is(err, signaling.ErrInvalidSignalType):
		return http.StatusBadRequest, errBody("invalid_signal_type")
	case errors.Is(err, signaling.ErrInvalidPeerID):
		return http.StatusBadRequest, errBody("missing_fields")
	case errors.Is(err, signaling.ErrMailboxBusy):
		return http.StatusOK, map[string]any{"error": "concurrency_conflict", "status": "queued"}
	default:
		return s.internal(err)
	}
}

func (s *Service) handlePoll(ctx context.Context, req *actionRequest) (int, any) {
	if req.PeerID == "" {
		return http.StatusBadRequest, errBody("missing_peer_id")
	}

	msgs, err := s.Signaling.Drain(ctx, req.PeerID)
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrInvalidPeerID):
		return http.StatusBadRequest, errBody("missing_peer_id")
	default:
		return s.internal(err)
	}

	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, wireMessage{
			From:      m.From,
			Type:      m.Type,
			Payload:   m.Payload,
			Timestamp: m.Timestamp,
		})
	}
	return http.StatusOK, map[string]any{"messages": wire}
}

func (s *Service) internal(err error) (int, any) {
	s.log.Error("unexpected engine failure", logger.Error(err))
	return http.StatusInternalServerError, errBody("internal_error")
}

func errBody(code string) map[string]any {
	return map[string]any{"error": code}
}
