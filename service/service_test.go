package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ephemera-project/ephemera/envelope"
	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/pkg/storage/memory"
	"github.com/ephemera-project/ephemera/relay"
	"github.com/ephemera-project/ephemera/signaling"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := memory.NewStore()
	log := logger.NewLogger(&bytes.Buffer{}, logger.ErrorLevel)

	cfg := relay.DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond

	return New(
		relay.NewEngineWithConfig(store, log, cfg),
		envelope.NewEngine(store, log),
		signaling.NewEngine(store, log),
		log,
	)
}

func dispatch(t *testing.T, s *Service, body string) (int, map[string]any) {
	t.Helper()
	status, res := s.Dispatch(context.Background(), []byte(body))

	// Round-trip through JSON like the HTTP layer would.
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return status, m
}

func TestDispatchActionRouting(t *testing.T) {
	s := newTestService(t)

	t.Run("missing action", func(t *testing.T) {
		status, body := dispatch(t, s, `{}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "missing_action", body["error"])
	})

	t.Run("unknown action", func(t *testing.T) {
		status, body := dispatch(t, s, `{"action":"transmogrify"}`)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "unknown_action", body["error"])
	})

	t.Run("invalid json", func(t *testing.T) {
		status, body := dispatch(t, s, `{`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_json", body["error"])
	})
}

func TestSendReceiveScenario(t *testing.T) {
	s := newTestService(t)

	status, body := dispatch(t, s,
		`{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1","chunkIndex":0,"totalChunks":2,"data":"C0"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "waiting", body["status"])

	status, body = dispatch(t, s,
		`{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1","chunkIndex":1,"totalChunks":2,"data":"C1"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "waiting", body["status"])

	status, body = dispatch(t, s,
		`{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "chunkAvailable", body["status"])
	chunk := body["chunk"].(map[string]any)
	require.Equal(t, float64(0), chunk["chunkIndex"])
	require.Equal(t, float64(2), chunk["totalChunks"])
	require.Equal(t, "C0", chunk["data"])

	status, body = dispatch(t, s,
		`{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1"}`)
	require.Equal(t, http.StatusOK, status)
	chunk = body["chunk"].(map[string]any)
	require.Equal(t, "C1", chunk["data"])

	status, body = dispatch(t, s,
		`{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "done", body["status"])
}

func TestSendErrorKinds(t *testing.T) {
	s := newTestService(t)

	t.Run("missing fields", func(t *testing.T) {
		status, body := dispatch(t, s, `{"action":"send","pin":"Ab3Xy9Zk"}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "missing_fields", body["error"])
	})

	t.Run("invalid chunk", func(t *testing.T) {
		status, body := dispatch(t, s,
			`{"action":"send","pin":"bad","passwordHash":"h1h1h1h1h1h1h1h1","chunkIndex":0,"totalChunks":2,"data":"x"}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_chunk", body["error"])
	})

	seed := `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1","chunkIndex":0,"totalChunks":2,"data":"A"}`
	status, _ := dispatch(t, s, seed)
	require.Equal(t, http.StatusOK, status)

	t.Run("duplicate chunk", func(t *testing.T) {
		status, body := dispatch(t, s,
			`{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1","chunkIndex":0,"totalChunks":2,"data":"B"}`)
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, "duplicate_chunk", body["error"])
		require.Equal(t, "waiting", body["status"])
	})

	t.Run("totalChunks mismatch", func(t *testing.T) {
		status, body := dispatch(t, s,
			`{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1","chunkIndex":1,"totalChunks":3,"data":"B"}`)
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, "totalChunks_mismatch", body["error"])
	})
}

func TestReceiveMissingFields(t *testing.T) {
	s := newTestService(t)

	status, body := dispatch(t, s, `{"action":"receive","pin":"Ab3Xy9Zk"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "missing_pin_or_passwordHash", body["error"])
}

func TestAckFlow(t *testing.T) {
	s := newTestService(t)
	channel := `"pin":"Ab3Xy9Zk","passwordHash":"h1h1h1h1h1h1h1h1"`

	status, body := dispatch(t, s, `{"action":"ack-status",`+channel+`}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["acknowledged"])

	status, body = dispatch(t, s, `{"action":"ack",`+channel+`}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["ok"])

	status, body = dispatch(t, s, `{"action":"ack-status",`+channel+`}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["acknowledged"])
}

func TestRegisterLookupScenario(t *testing.T) {
	s := newTestService(t)

	status, body := dispatch(t, s, `{"action":"register","inviteCode":"Uv9Wx1Yz","peerId":"p1"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "registered", body["status"])
	require.Equal(t, float64(30), body["ttlSec"])

	status, body = dispatch(t, s, `{"action":"register","inviteCode":"Uv9Wx1Yz","peerId":"p2"}`)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "invite_code_in_use", body["error"])

	status, body = dispatch(t, s, `{"action":"register","inviteCode":"Uv9Wx1Yz","peerId":"p1"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "registered", body["status"])

	status, body = dispatch(t, s, `{"action":"lookup","inviteCode":"Uv9Wx1Yz"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "p1", body["peerId"])

	status, body = dispatch(t, s, `{"action":"lookup","inviteCode":"Qq2Qq2Qq"}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "peer_not_found", body["error"])

	status, body = dispatch(t, s, `{"action":"lookup"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "missing_invite_code", body["error"])

	status, body = dispatch(t, s, `{"action":"register","inviteCode":"nope","peerId":"p1"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_invite_code", body["error"])
}

func TestSignalPollScenario(t *testing.T) {
	s := newTestService(t)

	for i := 0; i < 3; i++ {
		status, body := dispatch(t, s, fmt.Sprintf(
			`{"action":"signal","from":"alice","to":"bob","type":"ice-candidate","payload":{"seq":%d}}`, i))
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "queued", body["status"])
	}

	status, body := dispatch(t, s, `{"action":"signal","from":"alice","to":"bob","type":"bogus","payload":{}}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_signal_type", body["error"])

	status, body = dispatch(t, s, `{"action":"poll","peerId":"bob"}`)
	require.Equal(t, http.StatusOK, status)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 3)

	first := msgs[0].(map[string]any)
	require.Equal(t, "alice", first["from"])
	require.Equal(t, "ice-candidate", first["type"])
	require.NotEmpty(t, first["timestamp"])
	_, hasExpiry := first["expiresAt"]
	require.False(t, hasExpiry, "storage-only fields must not leak")

	status, body = dispatch(t, s, `{"action":"poll","peerId":"bob"}`)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["messages"])

	status, body = dispatch(t, s, `{"action":"poll"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "missing_peer_id", body["error"])
}
