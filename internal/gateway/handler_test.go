package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pianowire/pianowire/internal/batch"
	"github.com/pianowire/pianowire/internal/gateway"
	"github.com/pianowire/pianowire/internal/metrics"
	"github.com/pianowire/pianowire/internal/piano"
	"github.com/pianowire/pianowire/internal/ratelimit"
)

// startServer assembles the full stack on a real clock and serves it over
// httptest. Heartbeat stays off so reads are deterministic.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	clock := clockwork.NewRealClock()
	m := metrics.New(prometheus.NewRegistry())
	state := piano.NewManager(piano.DefaultConfig(), clock, nil)
	limiter := ratelimit.New(ratelimit.Config{MaxPerWindow: 1000, MaxBurst: 2000, Window: time.Second}, clock, nil)

	co := gateway.NewCoordinator(state, limiter, m, clock)
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), clock, co)
	batcher := batch.New(batch.Config{Enabled: true, MaxBatchSize: 1, MaxDelay: 16 * time.Millisecond, PriorityThreshold: 5}, clock, func(id string, data []byte) {
		cm.SendTo(id, data)
	})
	co.Bind(cm, batcher, nil)

	handler := gateway.NewWebSocketHandler(cm, state, limiter)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(func() {
		cm.CloseAll()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?client_id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

// readUntil drains envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env["type"] == typ {
			return env
		}
	}
	t.Fatalf("no %s envelope within 10 reads", typ)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestConnectReceivesStateSync(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv, "alice")

	env := readEnvelope(t, conn)
	assert.Equal(t, "state_sync", env["type"])
	assert.Equal(t, 1.0, env["connected_clients"])
	assert.NotEmpty(t, env["session_id"])
}

func TestNoteAssertionReachesOtherClient(t *testing.T) {
	srv := startServer(t)
	alice := dial(t, srv, "alice")
	readUntil(t, alice, "state_sync")
	bob := dial(t, srv, "bob")
	readUntil(t, bob, "state_sync")

	send(t, alice, map[string]any{"type": "assert_note", "pitch": 60, "velocity": 100})

	ack := readUntil(t, alice, "ack")
	assert.Equal(t, true, ack["applied"])

	batchEnv := readUntil(t, bob, batch.EnvelopeType)
	msgs := batchEnv["messages"].([]any)
	require.Len(t, msgs, 1)
	note := msgs[0].(map[string]any)
	assert.Equal(t, "note_asserted", note["type"])
	assert.Equal(t, 60.0, note["pitch"])
	assert.Equal(t, "alice", note["owner_id"])
}

func TestDisconnectReleasesNotesForRemainingClients(t *testing.T) {
	srv := startServer(t)
	alice := dial(t, srv, "alice")
	readUntil(t, alice, "state_sync")
	bob := dial(t, srv, "bob")
	readUntil(t, bob, "state_sync")

	send(t, alice, map[string]any{"type": "assert_note", "pitch": 72, "velocity": 90})
	readUntil(t, alice, "ack")
	readUntil(t, bob, batch.EnvelopeType)

	require.NoError(t, alice.Close())

	env := readUntil(t, bob, "state_sync")
	assert.Equal(t, 1.0, env["connected_clients"])
	assert.Empty(t, env["notes"], "departed client's notes are released")
}

func TestReconnectSupersedesPreviousConnection(t *testing.T) {
	srv := startServer(t)
	first := dial(t, srv, "alice")
	readUntil(t, first, "state_sync")

	second := dial(t, srv, "alice")
	readUntil(t, second, "state_sync")

	// The old socket is closed by the server; reads fail once the close
	// frame is consumed.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	var err error
	for i := 0; i < 10; i++ {
		if _, _, err = first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Error(t, err)

	// The surviving connection still works.
	send(t, second, map[string]any{"type": "ping"})
	readUntil(t, second, "pong")
}

func TestStatsEndpoint(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv, "alice")
	readUntil(t, conn, "state_sync")

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		State       piano.Stats `json:"state"`
		Connections int         `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 1, payload.Connections)
	assert.Equal(t, 1, payload.State.ConnectedClients)
}

func TestHealthz(t *testing.T) {
	srv := startServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
