package piano

// MIDI-style bounds shared by every inbound validation path.
const (
	MinPitch    = 0
	MaxPitch    = 127
	MinVelocity = 0
	MaxVelocity = 127
)

// ActiveNote is one currently-sounding pitch. Timestamps are unix
// milliseconds so they survive JSON round-trips between peers unchanged.
type ActiveNote struct {
	Pitch      int    `json:"pitch"`
	Velocity   int    `json:"velocity"`
	AssertedAt int64  `json:"asserted_at"`
	OwnerID    string `json:"owner_id"`
	ReleasedAt *int64 `json:"released_at,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

// live reports whether the note is still in the sounding set, i.e. its
// release grace window has not started.
func (n *ActiveNote) live() bool {
	return n.ReleasedAt == nil
}

// Snapshot is a consistent, owner-complete view of the sounding set. It is
// the unit exchanged during reconciliation and always carries every live
// note; partial snapshots are never produced.
type Snapshot struct {
	Notes            []ActiveNote `json:"notes"`
	LastUpdate       int64        `json:"last_update"`
	ConnectedClients int          `json:"connected_clients"`
	Version          uint64       `json:"version"`
	SessionID        string       `json:"session_id"`
}

// ValidPitch reports whether p is in the MIDI pitch range.
func ValidPitch(p int) bool {
	return p >= MinPitch && p <= MaxPitch
}

// ValidVelocity reports whether v is in the MIDI velocity range.
func ValidVelocity(v int) bool {
	return v >= MinVelocity && v <= MaxVelocity
}
