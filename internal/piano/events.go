package piano

// EventKind labels a diagnostic event emitted by the state manager.
type EventKind string

const (
	EventConflict        EventKind = "conflict"
	EventNoteReleased    EventKind = "note_released"
	EventReleaseRejected EventKind = "release_rejected"
	EventNotesCleared    EventKind = "notes_cleared"
	EventReconciled      EventKind = "reconciled"
)

// Event is a diagnostic record of a state decision. Events exist for
// logging and telemetry only; the manager behaves identically whether or
// not anyone observes them.
type Event struct {
	Kind       EventKind
	Pitch      int
	OwnerID    string
	Resolution Resolution
	Reason     string
	Count      int
}

// Observer receives diagnostic events. It may be invoked while the
// manager's lock is held and must not call back into the manager.
type Observer func(Event)

func (m *Manager) emit(ev Event) {
	if m.observe != nil {
		m.observe(ev)
	}
}
