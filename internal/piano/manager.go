package piano

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds the tunables of the state manager.
type Config struct {
	// Strategy decides competing assertions for the same pitch.
	Strategy Strategy
	// ReleaseGrace is how long a released note lingers before physical
	// deletion, absorbing near-simultaneous on/off races.
	ReleaseGrace time.Duration
	// StaleAfter is the age past which a note is treated as orphaned and
	// may be released by any client.
	StaleAfter time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Strategy:     LatestWins,
		ReleaseGrace: 50 * time.Millisecond,
		StaleAfter:   30 * time.Second,
	}
}

// Manager is the single source of truth for the sounding set. All mutation
// is serialized behind one mutex; every mutating operation bumps the version
// counter, which is the sole authority for reconciliation ordering.
//
// The manager is constructed explicitly and passed by reference to whatever
// owns the session lifecycle. There is no package-level instance.
type Manager struct {
	mu    sync.Mutex
	clock clockwork.Clock
	cfg   Config

	sessionID string
	notes     map[int]*ActiveNote
	grace     map[int]clockwork.Timer
	priority  map[string]struct{}

	version          uint64
	lastUpdate       int64
	connectedClients int
	conflictsTotal   uint64

	observe Observer
}

// NewManager creates a state manager. The session id is generated once per
// process and lets reconciliation discard self-originated snapshots.
// observe may be nil.
func NewManager(cfg Config, clock clockwork.Clock, observe Observer) *Manager {
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = DefaultConfig().ReleaseGrace
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Manager{
		clock:     clock,
		cfg:       cfg,
		sessionID: uuid.New().String(),
		notes:     make(map[int]*ActiveNote),
		grace:     make(map[int]clockwork.Timer),
		priority:  make(map[string]struct{}),
		observe:   observe,
	}
}

// SessionID returns the process-lifetime session identity.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Strategy returns the conflict strategy fixed at construction.
func (m *Manager) Strategy() Strategy {
	return m.cfg.Strategy
}

// AddNote asserts a note. If the pitch is free (or only held by a released
// note inside its grace window) the assertion is stored directly; otherwise
// the configured strategy decides between the stored note and the new one.
// Returns whether the caller's assertion took effect.
func (m *Manager) AddNote(pitch, velocity int, ownerID string, priority int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixMilli()
	cand := &ActiveNote{
		Pitch:      pitch,
		Velocity:   velocity,
		AssertedAt: now,
		OwnerID:    ownerID,
		Priority:   priority,
	}

	existing, ok := m.notes[pitch]
	if ok && !existing.live() {
		// A re-press during the grace window is a fresh assertion,
		// not a conflict against the dying note.
		m.cancelGraceLocked(pitch)
		ok = false
	}
	if !ok {
		m.notes[pitch] = cand
		m.bumpLocked(now)
		return true
	}

	res, reason := m.resolveLocked(existing, cand)
	m.conflictsTotal++
	m.emit(Event{Kind: EventConflict, Pitch: pitch, OwnerID: ownerID, Resolution: res, Reason: reason})

	switch res {
	case RemoteWins:
		m.notes[pitch] = cand
		m.bumpLocked(now)
		return true
	case Merged:
		merged := mergeNotes(existing, cand)
		if *merged != *existing {
			m.notes[pitch] = merged
			m.bumpLocked(now)
		}
		return true
	default: // LocalWins: stored entry unchanged, no version bump
		return false
	}
}

// RemoveNote releases a note. A client may only release someone else's note
// if it is a priority client or the note is stale; otherwise the request is
// rejected so one client cannot silence another's legitimately-held note.
// On success the note enters the release grace window and is deleted when
// the window expires.
func (m *Manager) RemoveNote(pitch int, ownerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.notes[pitch]
	if !ok || !existing.live() {
		return false
	}

	now := m.clock.Now().UnixMilli()
	if existing.OwnerID != ownerID && !m.isPriorityLocked(ownerID) {
		age := time.Duration(now-existing.AssertedAt) * time.Millisecond
		if age <= m.cfg.StaleAfter {
			m.emit(Event{Kind: EventReleaseRejected, Pitch: pitch, OwnerID: ownerID, Reason: "not owner"})
			return false
		}
	}

	m.releaseLocked(existing, now)
	m.bumpLocked(now)
	m.emit(Event{Kind: EventNoteReleased, Pitch: pitch, OwnerID: ownerID})
	return true
}

// releaseLocked marks the note released and schedules its physical deletion
// after the grace window. The timer is cancelled if a fresh assertion for
// the pitch arrives first.
func (m *Manager) releaseLocked(n *ActiveNote, now int64) {
	rel := now
	n.ReleasedAt = &rel
	pitch := n.Pitch
	m.cancelGraceLocked(pitch)
	m.grace[pitch] = m.clock.AfterFunc(m.cfg.ReleaseGrace, func() {
		m.purgeReleased(pitch, rel)
	})
}

// purgeReleased physically deletes a released note once its grace window has
// elapsed, unless the pitch was re-asserted in the meantime.
func (m *Manager) purgeReleased(pitch int, releasedAt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notes[pitch]
	if !ok || n.ReleasedAt == nil || *n.ReleasedAt != releasedAt {
		return
	}
	delete(m.notes, pitch)
	delete(m.grace, pitch)
}

func (m *Manager) cancelGraceLocked(pitch int) {
	if t, ok := m.grace[pitch]; ok {
		// Stop-and-drain so a fired-but-unserviced timer cannot leak.
		if !t.Stop() {
			select {
			case <-t.Chan():
			default:
			}
		}
		delete(m.grace, pitch)
	}
}

// ClearAllNotes releases notes in bulk. With an owner it releases only that
// owner's live notes through the normal grace path (used on disconnect).
// With an empty owner it is the all-notes-off control: everything is purged
// immediately, grace timers included. Returns whether anything changed.
func (m *Manager) ClearAllNotes(ownerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixMilli()
	changed := 0

	if ownerID == "" {
		for pitch := range m.notes {
			m.cancelGraceLocked(pitch)
			delete(m.notes, pitch)
			changed++
		}
	} else {
		for _, n := range m.notes {
			if n.live() && n.OwnerID == ownerID {
				m.releaseLocked(n, now)
				changed++
			}
		}
	}

	if changed > 0 {
		m.bumpLocked(now)
		m.emit(Event{Kind: EventNotesCleared, OwnerID: ownerID, Count: changed})
	}
	return changed > 0
}

// CurrentState returns a consistent snapshot of the live set. Pure read.
func (m *Manager) CurrentState() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	notes := make([]ActiveNote, 0, len(m.notes))
	for _, n := range m.notes {
		if n.live() {
			notes = append(notes, *n)
		}
	}
	return Snapshot{
		Notes:            notes,
		LastUpdate:       m.lastUpdate,
		ConnectedClients: m.connectedClients,
		Version:          m.version,
		SessionID:        m.sessionID,
	}
}

// UpdateClientCount records the number of connected clients.
func (m *Manager) UpdateClientCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectedClients == n {
		return
	}
	m.connectedClients = n
	m.bumpLocked(m.clock.Now().UnixMilli())
}

// AddPriorityClient grants override precedence to a client. Priority
// membership is not note state, so no version bump.
func (m *Manager) AddPriorityClient(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority[id] = struct{}{}
}

// RemovePriorityClient revokes override precedence.
func (m *Manager) RemovePriorityClient(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.priority, id)
}

// IsPriorityClient reports whether id currently has override precedence.
func (m *Manager) IsPriorityClient(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPriorityLocked(id)
}

func (m *Manager) isPriorityLocked(id string) bool {
	_, ok := m.priority[id]
	return ok
}

func (m *Manager) bumpLocked(now int64) {
	next := m.version + 1
	if next <= m.version {
		// Should be unreachable given the serialization discipline;
		// discard the bump rather than propagate a decreasing version.
		log.Error().Uint64("version", m.version).Msg("version counter would not increase, discarding bump")
		return
	}
	m.version = next
	if now > m.lastUpdate {
		m.lastUpdate = now
	}
}
