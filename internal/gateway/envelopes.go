package gateway

import (
	"fmt"

	"github.com/pianowire/pianowire/internal/piano"
	"github.com/pianowire/pianowire/internal/ratelimit"
)

// MessageType identifies one envelope on the wire.
type MessageType string

// Inbound envelope types consumed by the coordinator.
const (
	TypeAssertNote      MessageType = "assert_note"
	TypeReleaseNote     MessageType = "release_note"
	TypeAssertChord     MessageType = "assert_chord"
	TypeReleaseAll      MessageType = "release_all"
	TypeSyncRequest     MessageType = "sync_request"
	TypeReconcile       MessageType = "reconcile"
	TypePriorityRequest MessageType = "priority_request"
	TypeStatsRequest    MessageType = "stats_request"
	TypePing            MessageType = "ping"
)

// Outbound envelope types.
const (
	TypeNoteAsserted MessageType = "note_asserted"
	TypeNoteReleased MessageType = "note_released"
	TypeNotesCleared MessageType = "notes_cleared"
	TypeStateSync    MessageType = "state_sync"
	TypeStats        MessageType = "stats"
	TypeAck          MessageType = "ack"
	TypeError        MessageType = "error"
	TypeRateLimited  MessageType = "rate_limited"
	TypePong         MessageType = "pong"
)

// NoteRef is the pitch/velocity pair shared by chord assertions and state
// envelopes.
type NoteRef struct {
	Pitch    int `json:"pitch"`
	Velocity int `json:"velocity"`
}

// Inbound is the envelope received from the transport, one per client
// action. Fields beyond Type are populated per message type. Timestamp and
// Source are accepted for wire compatibility but not consumed: the server
// clock is authoritative for assertion ordering.
type Inbound struct {
	Type      MessageType     `json:"type"`
	Pitch     *int            `json:"pitch,omitempty"`
	Velocity  *int            `json:"velocity,omitempty"`
	Notes     []NoteRef       `json:"notes,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Source    string          `json:"source,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	Snapshot  *piano.Snapshot `json:"snapshot,omitempty"`
}

// noteEvent relays one note assertion or release to other clients.
type noteEvent struct {
	Type      MessageType `json:"type"`
	Pitch     int         `json:"pitch"`
	Velocity  int         `json:"velocity,omitempty"`
	OwnerID   string      `json:"owner_id"`
	Timestamp int64       `json:"timestamp"`
	Priority  int         `json:"priority,omitempty"`
}

// clearedEvent tells clients that a set of notes went silent at once.
type clearedEvent struct {
	Type    MessageType `json:"type"`
	OwnerID string      `json:"owner_id,omitempty"`
	All     bool        `json:"all,omitempty"`
}

// stateEnvelope is the full-state message sent on connect, after
// reconciliation, and after any disconnect-triggered cleanup.
type stateEnvelope struct {
	Type             MessageType  `json:"type"`
	Notes            []NoteRef    `json:"notes"`
	LastUpdate       int64        `json:"last_update"`
	ConnectedClients int          `json:"connected_clients"`
	Version          uint64       `json:"version"`
	SessionID        string       `json:"session_id"`
	Statistics       *piano.Stats `json:"statistics,omitempty"`
}

// ackEnvelope acknowledges or rejects one client action explicitly, so a
// client can render "your note was overridden" instead of watching it
// silently vanish.
type ackEnvelope struct {
	Type    MessageType                 `json:"type"`
	Op      MessageType                 `json:"op"`
	Applied bool                        `json:"applied"`
	Pitch   *int                        `json:"pitch,omitempty"`
	Count   int                         `json:"count,omitempty"`
	Reason  string                      `json:"reason,omitempty"`
	Result  *piano.ReconciliationResult `json:"result,omitempty"`
}

// errorEnvelope reports malformed input back to the offending client.
type errorEnvelope struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// rateLimitedEnvelope tells a flooding client how long to back off.
type rateLimitedEnvelope struct {
	Type       MessageType `json:"type"`
	RetryAfter int64       `json:"retry_after_ms"`
}

// statsEnvelope answers a stats_request.
type statsEnvelope struct {
	Type      MessageType           `json:"type"`
	State     piano.Stats           `json:"state"`
	RateLimit ratelimit.ClientStats `json:"rate_limit"`
}

// pongEnvelope answers an application-level ping.
type pongEnvelope struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// validateNote rejects out-of-range pitch/velocity before anything reaches
// the state manager.
func validateNote(pitch, velocity *int, needVelocity bool) error {
	if pitch == nil {
		return fmt.Errorf("missing pitch")
	}
	if !piano.ValidPitch(*pitch) {
		return fmt.Errorf("pitch %d out of range", *pitch)
	}
	if needVelocity {
		if velocity == nil {
			return fmt.Errorf("missing velocity")
		}
		if !piano.ValidVelocity(*velocity) {
			return fmt.Errorf("velocity %d out of range", *velocity)
		}
	}
	return nil
}
