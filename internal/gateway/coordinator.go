package gateway

import (
	"encoding/json"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pianowire/pianowire/internal/batch"
	"github.com/pianowire/pianowire/internal/metrics"
	"github.com/pianowire/pianowire/internal/piano"
	"github.com/pianowire/pianowire/internal/ratelimit"
)

// Transport is the fan-out surface the coordinator sends through. The
// connection manager implements it.
type Transport interface {
	SendTo(clientID string, data []byte) bool
	Broadcast(data []byte, exceptClientID string)
	ClientIDs() []string
	Count() int
}

// Coordinator wires inbound messages through admission control into the
// state manager, and outbound results through the batcher to the transport.
// It owns the session lifecycle on top of raw connections.
type Coordinator struct {
	state   *piano.Manager
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	clock   clockwork.Clock

	transport Transport
	batcher   *batch.Batcher
	publish   func()
}

// NewCoordinator creates a coordinator. Call Bind before serving traffic.
func NewCoordinator(state *piano.Manager, limiter *ratelimit.Limiter, m *metrics.Metrics, clock clockwork.Clock) *Coordinator {
	return &Coordinator{
		state:   state,
		limiter: limiter,
		metrics: m,
		clock:   clock,
	}
}

// Bind attaches the transport, the outbound batcher, and an optional
// publish hook invoked after local mutations (used by the snapshot bridge).
func (co *Coordinator) Bind(t Transport, b *batch.Batcher, publish func()) {
	co.transport = t
	co.batcher = b
	co.publish = publish
}

// HandleConnect registers a new session: the client count is refreshed and
// the newcomer receives a full snapshot so it never starts from a blank view.
func (co *Coordinator) HandleConnect(clientID string) {
	count := co.transport.Count()
	co.state.UpdateClientCount(count)
	co.metrics.ConnectionsActive.Set(float64(count))
	co.sendState(clientID, true)
}

// HandleDisconnect cleans up after a departed client: its notes are
// released, its priority and limiter/batcher entries dropped, and everyone
// remaining gets a fresh snapshot so no client is left with a stale view.
func (co *Coordinator) HandleDisconnect(clientID string) {
	co.batcher.RemoveRecipient(clientID)
	co.limiter.Remove(clientID)

	co.state.ClearAllNotes(clientID)
	co.state.RemovePriorityClient(clientID)

	count := co.transport.Count()
	co.state.UpdateClientCount(count)
	co.metrics.ConnectionsActive.Set(float64(count))

	co.broadcastState("")
	co.notifyMutation()
}

// HandleMessage is the single inbound entry point: decode, admit, dispatch.
func (co *Coordinator) HandleMessage(clientID string, data []byte) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		co.metrics.MessagesRejected.WithLabelValues("malformed").Inc()
		co.sendError(clientID, "malformed_envelope", "invalid JSON envelope")
		return
	}
	co.metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()

	if !co.limiter.Allow(clientID) {
		co.metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
		co.sendDirect(clientID, rateLimitedEnvelope{
			Type:       TypeRateLimited,
			RetryAfter: co.limiter.TimeUntilAllowed(clientID).Milliseconds(),
		})
		return
	}

	switch msg.Type {
	case TypeAssertNote:
		co.handleAssertNote(clientID, msg)
	case TypeReleaseNote:
		co.handleReleaseNote(clientID, msg)
	case TypeAssertChord:
		co.handleAssertChord(clientID, msg)
	case TypeReleaseAll:
		co.handleReleaseAll(clientID)
	case TypeSyncRequest:
		co.sendState(clientID, true)
	case TypeReconcile:
		co.handleReconcile(clientID, msg)
	case TypePriorityRequest:
		co.state.AddPriorityClient(clientID)
		co.sendDirect(clientID, ackEnvelope{Type: TypeAck, Op: TypePriorityRequest, Applied: true})
	case TypeStatsRequest:
		co.sendDirect(clientID, statsEnvelope{
			Type:      TypeStats,
			State:     co.state.Statistics(),
			RateLimit: co.limiter.Stats(clientID),
		})
	case TypePing:
		co.sendDirect(clientID, pongEnvelope{Type: TypePong, Timestamp: co.clock.Now().UnixMilli()})
	default:
		co.metrics.MessagesRejected.WithLabelValues("unknown_type").Inc()
		co.sendError(clientID, "unknown_type", "unrecognized message type")
	}
}

func (co *Coordinator) handleAssertNote(clientID string, msg Inbound) {
	if err := validateNote(msg.Pitch, msg.Velocity, true); err != nil {
		co.metrics.MessagesRejected.WithLabelValues("invalid_note").Inc()
		co.sendError(clientID, "invalid_note", err.Error())
		return
	}

	applied := co.state.AddNote(*msg.Pitch, *msg.Velocity, clientID, msg.Priority)
	reason := ""
	if !applied {
		reason = "conflict resolved in favor of existing note"
	}
	co.sendDirect(clientID, ackEnvelope{Type: TypeAck, Op: TypeAssertNote, Applied: applied, Pitch: msg.Pitch, Reason: reason})

	if applied {
		co.relayNote(TypeNoteAsserted, *msg.Pitch, *msg.Velocity, clientID, msg.Priority)
		co.notifyMutation()
	}
}

func (co *Coordinator) handleReleaseNote(clientID string, msg Inbound) {
	if err := validateNote(msg.Pitch, nil, false); err != nil {
		co.metrics.MessagesRejected.WithLabelValues("invalid_note").Inc()
		co.sendError(clientID, "invalid_note", err.Error())
		return
	}

	applied := co.state.RemoveNote(*msg.Pitch, clientID)
	reason := ""
	if !applied {
		reason = "no live note, or owned by another client"
	}
	co.sendDirect(clientID, ackEnvelope{Type: TypeAck, Op: TypeReleaseNote, Applied: applied, Pitch: msg.Pitch, Reason: reason})

	if applied {
		co.relayNote(TypeNoteReleased, *msg.Pitch, 0, clientID, msg.Priority)
		co.notifyMutation()
	}
}

func (co *Coordinator) handleAssertChord(clientID string, msg Inbound) {
	if len(msg.Notes) == 0 {
		co.metrics.MessagesRejected.WithLabelValues("invalid_note").Inc()
		co.sendError(clientID, "invalid_chord", "chord requires at least one note")
		return
	}
	for _, n := range msg.Notes {
		if !piano.ValidPitch(n.Pitch) || !piano.ValidVelocity(n.Velocity) {
			co.metrics.MessagesRejected.WithLabelValues("invalid_note").Inc()
			co.sendError(clientID, "invalid_chord", "chord note out of range")
			return
		}
	}

	applied := 0
	for _, n := range msg.Notes {
		if co.state.AddNote(n.Pitch, n.Velocity, clientID, msg.Priority) {
			co.relayNote(TypeNoteAsserted, n.Pitch, n.Velocity, clientID, msg.Priority)
			applied++
		}
	}
	co.sendDirect(clientID, ackEnvelope{Type: TypeAck, Op: TypeAssertChord, Applied: applied > 0, Count: applied})
	if applied > 0 {
		co.notifyMutation()
	}
}

// handleReleaseAll releases the sender's own notes; a priority client
// silences the whole instrument.
func (co *Coordinator) handleReleaseAll(clientID string) {
	owner := clientID
	all := false
	if co.state.IsPriorityClient(clientID) {
		owner = ""
		all = true
	}

	changed := co.state.ClearAllNotes(owner)
	co.sendDirect(clientID, ackEnvelope{Type: TypeAck, Op: TypeReleaseAll, Applied: changed})

	if changed {
		data, err := json.Marshal(clearedEvent{Type: TypeNotesCleared, OwnerID: owner, All: all})
		if err == nil {
			co.transport.Broadcast(data, clientID)
		}
		co.notifyMutation()
	}
}

func (co *Coordinator) handleReconcile(clientID string, msg Inbound) {
	if msg.Snapshot == nil {
		co.metrics.MessagesRejected.WithLabelValues("malformed").Inc()
		co.sendError(clientID, "missing_snapshot", "reconcile requires a snapshot")
		return
	}

	res := co.state.SynchronizeFromRemote(*msg.Snapshot)
	co.sendDirect(clientID, ackEnvelope{Type: TypeAck, Op: TypeReconcile, Applied: res.Changed(), Result: &res})

	if res.Changed() {
		co.metrics.Reconciliations.Inc()
		co.broadcastState("")
		co.updateNoteGauge()
		log.Info().
			Int("added", res.NotesAdded).
			Int("removed", res.NotesRemoved).
			Int("conflicts", len(res.Conflicts)).
			Msg("remote snapshot applied")
	}
}

// ApplyRemoteSnapshot is the bridge-facing reconciliation entry point: it
// merges the snapshot and, if anything changed, refreshes every local client.
func (co *Coordinator) ApplyRemoteSnapshot(snap piano.Snapshot) piano.ReconciliationResult {
	res := co.state.SynchronizeFromRemote(snap)
	if res.Changed() {
		co.metrics.Reconciliations.Inc()
		co.broadcastState("")
		co.updateNoteGauge()
	}
	return res
}

// relayNote fans one note event out to everyone but the originator, through
// the batcher so bursty note traffic coalesces.
func (co *Coordinator) relayNote(t MessageType, pitch, velocity int, ownerID string, priority int) {
	data, err := json.Marshal(noteEvent{
		Type:      t,
		Pitch:     pitch,
		Velocity:  velocity,
		OwnerID:   ownerID,
		Timestamp: co.clock.Now().UnixMilli(),
		Priority:  priority,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal note event")
		return
	}

	msg := batch.Message{Type: string(t), Data: data, Priority: priority, Batchable: true}
	for _, id := range co.transport.ClientIDs() {
		if id == ownerID {
			continue
		}
		co.batcher.Add(msg, id)
	}
}

func (co *Coordinator) stateEnvelope(includeStats bool) stateEnvelope {
	snap := co.state.CurrentState()
	notes := make([]NoteRef, 0, len(snap.Notes))
	for _, n := range snap.Notes {
		notes = append(notes, NoteRef{Pitch: n.Pitch, Velocity: n.Velocity})
	}
	env := stateEnvelope{
		Type:             TypeStateSync,
		Notes:            notes,
		LastUpdate:       snap.LastUpdate,
		ConnectedClients: snap.ConnectedClients,
		Version:          snap.Version,
		SessionID:        snap.SessionID,
	}
	if includeStats {
		st := co.state.Statistics()
		env.Statistics = &st
	}
	return env
}

// sendState delivers a full-state envelope directly, never batched.
func (co *Coordinator) sendState(clientID string, includeStats bool) {
	co.sendDirect(clientID, co.stateEnvelope(includeStats))
}

func (co *Coordinator) broadcastState(exceptClientID string) {
	data, err := json.Marshal(co.stateEnvelope(false))
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal state envelope")
		return
	}
	co.transport.Broadcast(data, exceptClientID)
}

func (co *Coordinator) sendError(clientID, code, message string) {
	co.sendDirect(clientID, errorEnvelope{Type: TypeError, Code: code, Message: message})
}

func (co *Coordinator) sendDirect(clientID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("failed to marshal envelope")
		return
	}
	co.transport.SendTo(clientID, data)
}

// notifyMutation refreshes gauges and pokes the snapshot publisher after a
// local state change.
func (co *Coordinator) notifyMutation() {
	co.updateNoteGauge()
	if co.publish != nil {
		co.publish()
	}
}

func (co *Coordinator) updateNoteGauge() {
	co.metrics.NotesActive.Set(float64(co.state.Statistics().LiveNotes))
}
