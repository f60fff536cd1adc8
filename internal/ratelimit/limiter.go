// Package ratelimit bounds the inbound message rate per client with a
// sliding window plus a burst ceiling, so chord presses pass while floods
// are rejected before they reach the state manager.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds the limiter tunables.
type Config struct {
	// MaxPerWindow is the sustained message budget inside one window.
	MaxPerWindow int
	// MaxBurst is the hard ceiling; acceptances between MaxPerWindow and
	// MaxBurst are tracked as burst tolerance for brief spikes.
	MaxBurst int
	// Window is the sliding window length.
	Window time.Duration
	// CriticalAfter is the violation count at which the violation signal
	// escalates to critical severity.
	CriticalAfter int
	// CleanupInterval is how often idle client entries are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxPerWindow:    30,
		MaxBurst:        60,
		Window:          time.Second,
		CriticalAfter:   5,
		CleanupInterval: 30 * time.Second,
	}
}

// ViolationFunc is notified when a client exceeds the burst ceiling.
type ViolationFunc func(clientID string, violations int, critical bool)

// ClientStats is a read-only view of one client's admission state.
// BurstAccepts counts messages admitted above the sustained budget since the
// entry was created.
type ClientStats struct {
	ClientID          string `json:"client_id"`
	MessagesInWindow  int    `json:"messages_in_window"`
	BurstAccepts      int    `json:"burst_accepts"`
	Violations        int    `json:"violations"`
	RemainingCapacity int    `json:"remaining_capacity"`
}

// GlobalStats aggregates across all tracked clients.
type GlobalStats struct {
	TrackedClients int           `json:"tracked_clients"`
	AverageRate    float64       `json:"average_rate"`
	TopOffenders   []ClientStats `json:"top_offenders,omitempty"`
}

type entry struct {
	stamps        []time.Time
	violations    int
	lastViolation time.Time
	lastSeen      time.Time
	burstAccepts  int
}

// Limiter is a per-client sliding-window admission controller. Entries are
// created lazily on first message and evicted by the background cleanup
// once idle, bounding memory for churny client populations.
type Limiter struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	cfg         Config
	entries     map[string]*entry
	onViolation ViolationFunc
}

// New creates a limiter. onViolation may be nil.
func New(cfg Config, clock clockwork.Clock, onViolation ViolationFunc) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.CriticalAfter <= 0 {
		cfg.CriticalAfter = DefaultConfig().CriticalAfter
	}
	if cfg.MaxBurst < cfg.MaxPerWindow {
		cfg.MaxBurst = cfg.MaxPerWindow
	}
	return &Limiter{
		clock:       clock,
		cfg:         cfg,
		entries:     make(map[string]*entry),
		onViolation: onViolation,
	}
}

// Allow admits or rejects one inbound message from clientID.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()

	now := l.clock.Now()
	e, ok := l.entries[clientID]
	if !ok {
		e = &entry{}
		l.entries[clientID] = e
	}
	e.lastSeen = now
	l.pruneLocked(e, now)

	if len(e.stamps) < l.cfg.MaxPerWindow {
		e.stamps = append(e.stamps, now)
		l.mu.Unlock()
		return true
	}
	if len(e.stamps) < l.cfg.MaxBurst {
		e.stamps = append(e.stamps, now)
		e.burstAccepts++
		l.mu.Unlock()
		return true
	}

	e.violations++
	e.lastViolation = now
	violations := e.violations
	critical := violations >= l.cfg.CriticalAfter
	fn := l.onViolation
	l.mu.Unlock()

	if fn != nil {
		fn(clientID, violations, critical)
	}
	return false
}

// TimeUntilAllowed returns how long clientID should back off before its next
// message can be admitted. Zero means it would be admitted now.
func (l *Limiter) TimeUntilAllowed(clientID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[clientID]
	if !ok {
		return 0
	}
	now := l.clock.Now()
	l.pruneLocked(e, now)
	if len(e.stamps) < l.cfg.MaxBurst {
		return 0
	}
	wait := e.stamps[0].Add(l.cfg.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Stats returns the admission state for one client.
func (l *Limiter) Stats(clientID string) ClientStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := ClientStats{ClientID: clientID, RemainingCapacity: l.cfg.MaxBurst}
	e, ok := l.entries[clientID]
	if !ok {
		return st
	}
	l.pruneLocked(e, l.clock.Now())
	st.MessagesInWindow = len(e.stamps)
	st.BurstAccepts = e.burstAccepts
	st.Violations = e.violations
	st.RemainingCapacity = l.cfg.MaxBurst - len(e.stamps)
	if st.RemainingCapacity < 0 {
		st.RemainingCapacity = 0
	}
	return st
}

// GlobalStats aggregates rate and violation data across all clients.
func (l *Limiter) GlobalStats() GlobalStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	g := GlobalStats{TrackedClients: len(l.entries)}
	if len(l.entries) == 0 {
		return g
	}

	total := 0
	var offenders []ClientStats
	for id, e := range l.entries {
		l.pruneLocked(e, now)
		total += len(e.stamps)
		if e.violations > 0 {
			offenders = append(offenders, ClientStats{
				ClientID:         id,
				MessagesInWindow: len(e.stamps),
				Violations:       e.violations,
			})
		}
	}
	g.AverageRate = float64(total) / float64(len(l.entries))

	sort.Slice(offenders, func(i, j int) bool {
		return offenders[i].Violations > offenders[j].Violations
	})
	if len(offenders) > 5 {
		offenders = offenders[:5]
	}
	g.TopOffenders = offenders
	return g
}

// Remove drops a client's entry, e.g. on disconnect.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, clientID)
}

// Start runs the background cleanup until ctx is cancelled. Entries whose
// window is empty and which have had no violation for two window lengths
// are evicted.
func (l *Limiter) Start(ctx context.Context) {
	ticker := l.clock.NewTicker(l.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				l.cleanup()
			}
		}
	}()
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	retention := 2 * l.cfg.Window
	evicted := 0
	for id, e := range l.entries {
		l.pruneLocked(e, now)
		if len(e.stamps) > 0 {
			continue
		}
		if !e.lastViolation.IsZero() && now.Sub(e.lastViolation) <= retention {
			continue
		}
		if now.Sub(e.lastSeen) <= retention {
			continue
		}
		delete(l.entries, id)
		evicted++
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Int("tracked", len(l.entries)).Msg("rate limiter cleanup")
	}
}

// pruneLocked drops timestamps that fell out of the sliding window.
func (l *Limiter) pruneLocked(e *entry, now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	idx := 0
	for idx < len(e.stamps) && !e.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.stamps = e.stamps[idx:]
	}
}
