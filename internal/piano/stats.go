package piano

// Stats is a read-only diagnostic snapshot of the state manager.
type Stats struct {
	LiveNotes        int            `json:"live_notes"`
	ReleasingNotes   int            `json:"releasing_notes"`
	OldestAssertedAt int64          `json:"oldest_asserted_at,omitempty"`
	NewestAssertedAt int64          `json:"newest_asserted_at,omitempty"`
	NotesByOwner     map[string]int `json:"notes_by_owner,omitempty"`
	Strategy         string         `json:"strategy"`
	PriorityClients  int            `json:"priority_clients"`
	ConflictsTotal   uint64         `json:"conflicts_total"`
	ConnectedClients int            `json:"connected_clients"`
	Version          uint64         `json:"version"`
}

// Statistics returns a diagnostic snapshot. Pure read, no version bump.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Strategy:         m.cfg.Strategy.String(),
		PriorityClients:  len(m.priority),
		ConflictsTotal:   m.conflictsTotal,
		ConnectedClients: m.connectedClients,
		Version:          m.version,
		NotesByOwner:     make(map[string]int),
	}
	for _, n := range m.notes {
		if !n.live() {
			st.ReleasingNotes++
			continue
		}
		st.LiveNotes++
		st.NotesByOwner[n.OwnerID]++
		if st.OldestAssertedAt == 0 || n.AssertedAt < st.OldestAssertedAt {
			st.OldestAssertedAt = n.AssertedAt
		}
		if n.AssertedAt > st.NewestAssertedAt {
			st.NewestAssertedAt = n.AssertedAt
		}
	}
	if st.LiveNotes == 0 {
		st.NotesByOwner = nil
	}
	return st
}
