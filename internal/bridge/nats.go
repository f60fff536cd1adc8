// Package bridge relays full state snapshots over NATS so peer processes
// can feed each other's reconciliation path. It is a snapshot source, not a
// replication guarantee: the state manager's session-id and version checks
// decide what, if anything, a received snapshot changes.
package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pianowire/pianowire/internal/piano"
)

// Config holds the relay settings.
type Config struct {
	URL             string
	Subject         string
	MaxReconnects   int
	ReconnectWait   time.Duration
	PublishDebounce time.Duration
}

// DefaultConfig returns default relay configuration.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Subject:         "piano.snapshots",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		PublishDebounce: 100 * time.Millisecond,
	}
}

// ApplyFunc merges a received remote snapshot into local state.
type ApplyFunc func(piano.Snapshot) piano.ReconciliationResult

// Bridge publishes the local snapshot after mutation bursts and applies
// snapshots published by peers. Self-published snapshots come back around
// and are discarded by the session-id check inside the state manager.
type Bridge struct {
	cfg   Config
	state *piano.Manager
	apply ApplyFunc
	clock clockwork.Clock

	nc  *nats.Conn
	sub *nats.Subscription

	// publishFn is the wire seam, nc.Publish in production.
	publishFn func(subject string, data []byte) error

	mu           sync.Mutex
	publishTimer clockwork.Timer
}

// New connects to NATS and prepares the relay. apply is invoked for every
// received snapshot.
func New(cfg Config, state *piano.Manager, clock clockwork.Clock, apply ApplyFunc) (*Bridge, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultConfig().Subject
	}
	if cfg.PublishDebounce <= 0 {
		cfg.PublishDebounce = DefaultConfig().PublishDebounce
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Bridge{
		cfg:       cfg,
		state:     state,
		apply:     apply,
		clock:     clock,
		nc:        nc,
		publishFn: nc.Publish,
	}, nil
}

// Start subscribes to the snapshot subject.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.cfg.Subject, b.handleSnapshot)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.cfg.Subject, err)
	}
	b.sub = sub
	log.Info().Str("subject", b.cfg.Subject).Msg("snapshot bridge started")
	return nil
}

func (b *Bridge) handleSnapshot(msg *nats.Msg) {
	var snap piano.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		log.Error().Err(err).Msg("failed to decode remote snapshot")
		return
	}

	res := b.apply(snap)
	if res.Changed() {
		log.Info().
			Str("remote_session", snap.SessionID).
			Uint64("remote_version", snap.Version).
			Int("added", res.NotesAdded).
			Int("removed", res.NotesRemoved).
			Int("conflicts", len(res.Conflicts)).
			Msg("remote snapshot reconciled")
	}
}

// PublishSoon schedules a snapshot publish after the debounce window,
// coalescing mutation bursts into one message.
func (b *Bridge) PublishSoon() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishTimer != nil {
		b.publishTimer.Stop()
	}
	b.publishTimer = b.clock.AfterFunc(b.cfg.PublishDebounce, b.publishNow)
}

func (b *Bridge) publishNow() {
	snap := b.state.CurrentState()
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal local snapshot")
		return
	}
	if err := b.publishFn(b.cfg.Subject, data); err != nil {
		log.Error().Err(err).Msg("failed to publish local snapshot")
		return
	}
	log.Debug().Uint64("version", snap.Version).Int("notes", len(snap.Notes)).Msg("local snapshot published")
}

// Close publishes any pending snapshot, drains the subscription, and closes
// the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	pending := b.publishTimer != nil && b.publishTimer.Stop()
	b.publishTimer = nil
	b.mu.Unlock()

	if pending {
		b.publishNow()
	}
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain snapshot subscription")
		}
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
