package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pianowire/pianowire/internal/batch"
	"github.com/pianowire/pianowire/internal/metrics"
	"github.com/pianowire/pianowire/internal/piano"
	"github.com/pianowire/pianowire/internal/ratelimit"
)

// heartbeatStack serves the assembled stack with the liveness ticker on a
// fake clock so heartbeat ticks can be driven deterministically.
func heartbeatStack(t *testing.T) (*ConnectionManager, *piano.Manager, *clockwork.FakeClock, *httptest.Server) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	state := piano.NewManager(piano.DefaultConfig(), clock, nil)
	limiter := ratelimit.New(ratelimit.Config{MaxPerWindow: 1000, MaxBurst: 2000, Window: time.Second}, clock, nil)

	co := NewCoordinator(state, limiter, m, clock)
	cm := NewConnectionManager(DefaultConnectionConfig(), clock, co)
	batcher := batch.New(batch.DefaultConfig(), clock, func(id string, data []byte) {
		cm.SendTo(id, data)
	})
	co.Bind(cm, batcher, nil)

	srv := httptest.NewServer(NewWebSocketHandler(cm, state, limiter).Routes())
	t.Cleanup(func() {
		cm.CloseAll()
		srv.Close()
	})
	return cm, state, clock, srv
}

func dialPeer(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?client_id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func connAlive(cm *ConnectionManager, clientID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[clientID]
	return ok && c.alive.Load()
}

// A peer that never answers pings is force-terminated on the second tick and
// its notes are released; a peer that keeps ponging survives indefinitely.
func TestHeartbeatTerminatesUnresponsivePeer(t *testing.T) {
	cm, state, clock, srv := heartbeatStack(t)
	interval := DefaultConnectionConfig().HeartbeatInterval

	// The responsive peer counts pings and answers each with a pong. Its
	// read loop keeps the control handlers running.
	responsive := dialPeer(t, srv, "responsive")
	var pings atomic.Int32
	responsive.SetPingHandler(func(appData string) error {
		pings.Add(1)
		return responsive.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := responsive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The silent peer never reads, so it never sees a ping and never pongs.
	dialPeer(t, srv, "silent")

	require.Eventually(t, func() bool { return cm.Count() == 2 }, time.Second, time.Millisecond)
	state.AddNote(60, 90, "silent", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.StartHeartbeat(ctx)

	// Drives one tick and waits for the responsive peer's pong round trip
	// before the next tick can decide. Seeing ping N on the client proves
	// the server already marked the connection unproven, so a true alive
	// flag afterwards can only come from the answering pong.
	advanceTick := func() {
		t.Helper()
		before := pings.Load()
		clock.Advance(interval)
		require.Eventually(t, func() bool { return pings.Load() > before }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return connAlive(cm, "responsive") }, time.Second, time.Millisecond)
	}

	advanceTick()
	assert.False(t, connAlive(cm, "silent"), "silent peer stays unproven")

	// Second tick: the unanswered ping is fatal.
	advanceTick()
	require.Eventually(t, func() bool { return cm.Count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"responsive"}, cm.ClientIDs())
	assert.Empty(t, state.CurrentState().Notes, "dead peer's notes are released")

	// The ponging peer survives further ticks.
	for i := 0; i < 3; i++ {
		advanceTick()
	}
	assert.Equal(t, 1, cm.Count())
}
