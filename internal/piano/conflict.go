package piano

import "fmt"

// Strategy selects how two competing assertions for the same pitch are
// resolved. It is fixed at construction and applied uniformly by AddNote and
// SynchronizeFromRemote so replicas converge regardless of arrival order.
type Strategy int

const (
	// LatestWins keeps the note with the higher asserted timestamp; ties
	// keep the local note.
	LatestWins Strategy = iota
	// VelocityPriority keeps the louder note; ties fall back to LatestWins.
	VelocityPriority
	// ClientPriority prefers notes from priority clients; if both or
	// neither are priority, falls back to LatestWins.
	ClientPriority
	// HighestPriority compares the explicit priority field; exact ties
	// merge the two notes rather than picking a winner.
	HighestPriority
)

func (s Strategy) String() string {
	switch s {
	case LatestWins:
		return "latest_wins"
	case VelocityPriority:
		return "velocity_priority"
	case ClientPriority:
		return "client_priority"
	case HighestPriority:
		return "highest_priority"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "latest_wins", "":
		return LatestWins, nil
	case "velocity_priority":
		return VelocityPriority, nil
	case "client_priority":
		return ClientPriority, nil
	case "highest_priority":
		return HighestPriority, nil
	default:
		return 0, fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Resolution is the outcome of resolving one conflicting pair.
type Resolution string

const (
	LocalWins  Resolution = "local_wins"
	RemoteWins Resolution = "remote_wins"
	Merged     Resolution = "merge"
)

// Conflict records one resolution decision for logging and telemetry. It is
// never persisted.
type Conflict struct {
	Pitch      int        `json:"pitch"`
	Local      ActiveNote `json:"local"`
	Remote     ActiveNote `json:"remote"`
	Resolution Resolution `json:"resolution"`
	Reason     string     `json:"reason"`
}

// resolveLocked decides between the currently stored note and a challenger.
// Callers hold m.mu; ClientPriority needs the priority set.
func (m *Manager) resolveLocked(local, remote *ActiveNote) (Resolution, string) {
	switch m.cfg.Strategy {
	case VelocityPriority:
		if remote.Velocity > local.Velocity {
			return RemoteWins, "higher velocity"
		}
		if local.Velocity > remote.Velocity {
			return LocalWins, "higher velocity"
		}
		return latestWins(local, remote)

	case ClientPriority:
		lp := m.isPriorityLocked(local.OwnerID)
		rp := m.isPriorityLocked(remote.OwnerID)
		if rp && !lp {
			return RemoteWins, "priority client"
		}
		if lp && !rp {
			return LocalWins, "priority client"
		}
		return latestWins(local, remote)

	case HighestPriority:
		if remote.Priority > local.Priority {
			return RemoteWins, "higher priority"
		}
		if local.Priority > remote.Priority {
			return LocalWins, "higher priority"
		}
		// Reward simultaneous collaborative presses instead of
		// arbitrarily picking one side.
		return Merged, "equal priority"

	default: // LatestWins
		return latestWins(local, remote)
	}
}

func latestWins(local, remote *ActiveNote) (Resolution, string) {
	if remote.AssertedAt > local.AssertedAt {
		return RemoteWins, "newer assertion"
	}
	return LocalWins, "older or equal assertion"
}

// mergeNotes combines two competing notes: loudest velocity, highest explicit
// priority, original timestamp and owner retained.
func mergeNotes(local, remote *ActiveNote) *ActiveNote {
	merged := *local
	if remote.Velocity > merged.Velocity {
		merged.Velocity = remote.Velocity
	}
	if remote.Priority > merged.Priority {
		merged.Priority = remote.Priority
	}
	return &merged
}
