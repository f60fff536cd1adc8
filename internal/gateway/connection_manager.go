package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sessions is the coordinator-facing seam: the connection manager calls it
// for lifecycle hooks and every inbound frame.
type Sessions interface {
	HandleConnect(clientID string)
	HandleDisconnect(clientID string)
	HandleMessage(clientID string, data []byte)
}

// ConnectionConfig holds transport tuning for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	MaxMessageSize    int64
	ReadBufferSize    int
	WriteBufferSize   int
	SendBuffer        int
	EnableCompression bool
	CheckOrigin       func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    64 * 1024,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		SendBuffer:        256,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Connection represents one WebSocket client.
type Connection struct {
	ID       string
	ClientID string

	conn    *websocket.Conn
	send    chan []byte
	pingReq chan struct{}
	done    chan struct{}
	manager *ConnectionManager

	ConnectedAt time.Time
	alive       atomic.Bool
	closeOnce   sync.Once
}

// ConnectionManager tracks live connections, fans out messages, and detects
// dead peers that never sent a clean close.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	upgrader websocket.Upgrader
	cfg      ConnectionConfig
	clock    clockwork.Clock
	sessions Sessions
}

// NewConnectionManager creates a connection manager delivering into sessions.
func NewConnectionManager(cfg ConnectionConfig, clock clockwork.Clock, sessions Sessions) *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin:       cfg.CheckOrigin,
		},
		cfg:      cfg,
		clock:    clock,
		sessions: sessions,
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection and
// starts its pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, clientID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		conn:        conn,
		send:        make(chan []byte, cm.cfg.SendBuffer),
		pingReq:     make(chan struct{}, 1),
		done:        make(chan struct{}),
		manager:     cm,
		ConnectedAt: cm.clock.Now(),
	}
	c.alive.Store(true)

	cm.register(c)

	go c.writePump()
	go c.readPump()

	cm.sessions.HandleConnect(clientID)

	log.Info().
		Str("connection_id", c.ID).
		Str("client_id", clientID).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	prev := cm.conns[c.ClientID]
	cm.conns[c.ClientID] = c
	total := len(cm.conns)
	cm.mu.Unlock()

	// A reconnecting client supersedes its previous connection.
	if prev != nil {
		prev.close("superseded by new connection")
	}

	log.Debug().
		Str("connection_id", c.ID).
		Int("total_connections", total).
		Msg("connection registered")
}

// unregister removes c and fires the disconnect hook. Safe to call from
// either pump; only the first caller wins.
func (cm *ConnectionManager) unregister(c *Connection) {
	c.closeOnce.Do(func() {
		cm.mu.Lock()
		removed := cm.conns[c.ClientID] == c
		if removed {
			delete(cm.conns, c.ClientID)
		}
		cm.mu.Unlock()

		close(c.done)
		c.conn.Close()

		if removed {
			cm.sessions.HandleDisconnect(c.ClientID)
			log.Info().
				Str("connection_id", c.ID).
				Str("client_id", c.ClientID).
				Msg("connection unregistered")
		}
	})
}

// close force-terminates a connection.
func (c *Connection) close(reason string) {
	log.Warn().
		Str("connection_id", c.ID).
		Str("client_id", c.ClientID).
		Str("reason", reason).
		Msg("closing connection")
	c.manager.unregister(c)
}

// SendTo delivers wire bytes to one client. A slow consumer whose send
// buffer is full is closed rather than allowed to stall the rest.
func (cm *ConnectionManager) SendTo(clientID string, data []byte) bool {
	cm.mu.RLock()
	c, ok := cm.conns[clientID]
	cm.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.close("send buffer full")
		return false
	}
}

// Broadcast delivers wire bytes to every client except the named one
// (empty string means everyone).
func (cm *ConnectionManager) Broadcast(data []byte, exceptClientID string) {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.conns))
	for id, c := range cm.conns {
		if id == exceptClientID {
			continue
		}
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			c.close("send buffer full")
		}
	}
}

// ClientIDs returns the ids of all connected clients.
func (cm *ConnectionManager) ClientIDs() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ids := make([]string, 0, len(cm.conns))
	for id := range cm.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected clients.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// CloseAll force-terminates every connection, used at shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		c.close("server shutting down")
	}
}

// StartHeartbeat runs the liveness loop until ctx is cancelled. Each tick,
// a connection that never answered the previous ping is force-terminated;
// everyone else is marked unproven and pinged again.
func (cm *ConnectionManager) StartHeartbeat(ctx context.Context) {
	ticker := cm.clock.NewTicker(cm.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				cm.heartbeatTick()
			}
		}
	}()
}

func (cm *ConnectionManager) heartbeatTick() {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		if !c.alive.Load() {
			c.close("heartbeat timeout")
			continue
		}
		c.alive.Store(false)
		select {
		case c.pingReq <- struct{}{}:
		default:
		}
	}
}

// writePump owns all writes to the socket: queued messages and heartbeat
// pings.
func (c *Connection) writePump() {
	defer c.manager.unregister(c)

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-c.pingReq:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump owns all reads: inbound frames go to the coordinator, pongs mark
// the connection alive.
func (c *Connection) readPump() {
	defer c.manager.unregister(c)

	c.conn.SetReadLimit(c.manager.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.cfg.ReadTimeout))
		c.alive.Store(true)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.manager.cfg.ReadTimeout))
		c.manager.sessions.HandleMessage(c.ClientID, message)
	}
}
