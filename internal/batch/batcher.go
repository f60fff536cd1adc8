// Package batch aggregates outbound low-priority messages per recipient
// into timed, size-bounded batches. High-priority and non-batchable
// messages bypass the queue entirely.
package batch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Message is one outbound payload plus its delivery hints. Data is the
// already-marshaled envelope as it would go on the wire unbatched.
type Message struct {
	Type      string
	Data      json.RawMessage
	Priority  int
	Batchable bool
}

// Envelope wraps one flushed batch on the wire. It is itself non-batchable
// and high priority. Compress is a hint to the transport that the payload
// is large enough to be worth per-message compression.
type Envelope struct {
	Type     string            `json:"type"`
	BatchID  uint64            `json:"batch_id"`
	Count    int               `json:"count"`
	Compress bool              `json:"compress"`
	Messages []json.RawMessage `json:"messages"`
}

// EnvelopeType is the wire type of a batch envelope.
const EnvelopeType = "batch"

// Config holds the batcher tunables.
type Config struct {
	// Enabled turns batching on; when false every message is emitted
	// immediately.
	Enabled bool
	// MaxBatchSize flushes a recipient's batch as soon as it is reached.
	MaxBatchSize int
	// MaxDelay flushes a non-full batch after this long, tuned for
	// perceptual real-time.
	MaxDelay time.Duration
	// PriorityThreshold: messages at or above it bypass batching.
	PriorityThreshold int
	// CompressMinBytes marks flushed envelopes above this payload size
	// with the compress hint.
	CompressMinBytes int
	// OnFlush, if set, observes every flushed batch (telemetry only).
	OnFlush func(recipientID string, count int)
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxBatchSize:      10,
		MaxDelay:          16 * time.Millisecond,
		PriorityThreshold: 5,
		CompressMinBytes:  1024,
	}
}

// EmitFunc delivers wire bytes to one recipient.
type EmitFunc func(recipientID string, data []byte)

type pending struct {
	msgs  []Message
	timer clockwork.Timer
}

// Batcher queues low-priority messages per recipient and guarantees that a
// message is never silently dropped: it is either emitted immediately or is
// a member of exactly one flushed batch.
type Batcher struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	cfg     Config
	emit    EmitFunc
	pending map[string]*pending
	batchID uint64
}

// New creates a batcher that delivers through emit.
func New(cfg Config, clock clockwork.Clock, emit EmitFunc) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	return &Batcher{
		clock:   clock,
		cfg:     cfg,
		emit:    emit,
		pending: make(map[string]*pending),
	}
}

// Add queues or immediately emits one message for recipientID. Returns
// whether the message was batched.
func (b *Batcher) Add(msg Message, recipientID string) bool {
	if !b.cfg.Enabled || !msg.Batchable || msg.Priority >= b.cfg.PriorityThreshold {
		b.emit(recipientID, msg.Data)
		return false
	}

	b.mu.Lock()
	p, ok := b.pending[recipientID]
	if !ok {
		p = &pending{}
		b.pending[recipientID] = p
	}
	p.msgs = append(p.msgs, msg)

	if len(p.msgs) >= b.cfg.MaxBatchSize {
		data, count := b.sealLocked(recipientID, p)
		b.mu.Unlock()
		b.deliver(recipientID, data, count)
		return true
	}
	if p.timer == nil {
		p.timer = b.clock.AfterFunc(b.cfg.MaxDelay, func() {
			b.Flush(recipientID)
		})
	}
	b.mu.Unlock()
	return true
}

// Flush delivers recipientID's pending batch now, cancelling its timer.
func (b *Batcher) Flush(recipientID string) {
	b.mu.Lock()
	p, ok := b.pending[recipientID]
	if !ok || len(p.msgs) == 0 {
		b.mu.Unlock()
		return
	}
	data, count := b.sealLocked(recipientID, p)
	b.mu.Unlock()
	b.deliver(recipientID, data, count)
}

// FlushAll delivers every pending batch, used at shutdown so no message is
// left stranded.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	type sealed struct {
		recipient string
		data      []byte
		count     int
	}
	out := make([]sealed, 0, len(b.pending))
	for id, p := range b.pending {
		if len(p.msgs) == 0 {
			continue
		}
		data, count := b.sealLocked(id, p)
		out = append(out, sealed{id, data, count})
	}
	b.mu.Unlock()

	for _, s := range out {
		b.deliver(s.recipient, s.data, s.count)
	}
}

// RemoveRecipient flushes and forgets a recipient, e.g. on disconnect. The
// final flush keeps the no-silent-drop invariant; if the connection is
// already gone the transport discards the write.
func (b *Batcher) RemoveRecipient(recipientID string) {
	b.Flush(recipientID)
	b.mu.Lock()
	delete(b.pending, recipientID)
	b.mu.Unlock()
}

// PendingCount returns the number of queued messages for recipientID.
func (b *Batcher) PendingCount(recipientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[recipientID]; ok {
		return len(p.msgs)
	}
	return 0
}

// deliver emits one sealed batch and fires the flush hook.
func (b *Batcher) deliver(recipientID string, data []byte, count int) {
	if data == nil {
		return
	}
	b.emit(recipientID, data)
	if b.cfg.OnFlush != nil {
		b.cfg.OnFlush(recipientID, count)
	}
}

// sealLocked wraps the queued messages into a wire envelope and resets the
// recipient's queue. Callers hold b.mu and emit after unlocking.
func (b *Batcher) sealLocked(recipientID string, p *pending) ([]byte, int) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	b.batchID++
	env := Envelope{
		Type:     EnvelopeType,
		BatchID:  b.batchID,
		Count:    len(p.msgs),
		Messages: make([]json.RawMessage, 0, len(p.msgs)),
	}
	size := 0
	for _, m := range p.msgs {
		env.Messages = append(env.Messages, m.Data)
		size += len(m.Data)
	}
	env.Compress = size >= b.cfg.CompressMinBytes && b.cfg.CompressMinBytes > 0

	data, err := json.Marshal(env)
	if err != nil {
		// Payloads are RawMessage already validated on the wire, so
		// this should be unreachable.
		log.Error().Err(err).Str("recipient", recipientID).Msg("failed to marshal batch envelope")
		data = nil
	}

	delete(b.pending, recipientID)
	return data, env.Count
}
