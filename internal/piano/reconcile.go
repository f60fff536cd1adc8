package piano

// ReconciliationResult reports what merging a remote snapshot changed.
type ReconciliationResult struct {
	Conflicts      []Conflict `json:"conflicts,omitempty"`
	NotesAdded     int        `json:"notes_added"`
	NotesRemoved   int        `json:"notes_removed"`
	VersionUpdated bool       `json:"version_updated"`
}

// Changed reports whether the snapshot had any effect on local state.
func (r ReconciliationResult) Changed() bool {
	return r.VersionUpdated
}

// SynchronizeFromRemote merges a remote snapshot into local state. A
// snapshot from this process's own session, or one whose version does not
// exceed the local version, is ignored as a no-op.
//
// A superseding snapshot is treated as the complete ground truth for the
// live set: remote notes colliding with local live notes go through the
// configured conflict strategy, remote-only notes are inserted, and local
// live notes absent from the snapshot are removed. Snapshots produced by
// this package are always complete (see Snapshot), so the removal step
// never deletes notes outside the remote's view.
func (m *Manager) SynchronizeFromRemote(remote Snapshot) ReconciliationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconciliationResult
	if remote.SessionID == m.sessionID || remote.Version <= m.version {
		return res
	}

	remoteByPitch := make(map[int]*ActiveNote, len(remote.Notes))
	for i := range remote.Notes {
		n := remote.Notes[i]
		if n.ReleasedAt != nil {
			continue
		}
		remoteByPitch[n.Pitch] = &n
	}

	for pitch, rn := range remoteByPitch {
		local, ok := m.notes[pitch]
		if ok && !local.live() {
			// The dying local note no longer competes.
			m.cancelGraceLocked(pitch)
			delete(m.notes, pitch)
			ok = false
		}
		if !ok {
			cp := *rn
			m.notes[pitch] = &cp
			res.NotesAdded++
			continue
		}

		resolution, reason := m.resolveLocked(local, rn)
		m.conflictsTotal++
		conflict := Conflict{
			Pitch:      pitch,
			Local:      *local,
			Remote:     *rn,
			Resolution: resolution,
			Reason:     reason,
		}
		res.Conflicts = append(res.Conflicts, conflict)
		m.emit(Event{Kind: EventConflict, Pitch: pitch, OwnerID: rn.OwnerID, Resolution: resolution, Reason: reason})

		switch resolution {
		case RemoteWins:
			cp := *rn
			m.notes[pitch] = &cp
		case Merged:
			m.notes[pitch] = mergeNotes(local, rn)
		}
	}

	// The superseding snapshot is authoritative for the whole live set:
	// anything live here but absent there is gone.
	for pitch, n := range m.notes {
		if !n.live() {
			continue
		}
		if _, ok := remoteByPitch[pitch]; !ok {
			m.cancelGraceLocked(pitch)
			delete(m.notes, pitch)
			res.NotesRemoved++
		}
	}

	m.version = remote.Version
	if remote.LastUpdate > m.lastUpdate {
		m.lastUpdate = remote.LastUpdate
	}
	res.VersionUpdated = true
	m.emit(Event{Kind: EventReconciled, Count: res.NotesAdded + res.NotesRemoved + len(res.Conflicts)})
	return res
}
