package batch_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pianowire/pianowire/internal/batch"
)

type capture struct {
	mu    sync.Mutex
	sends map[string][][]byte
}

func newCapture() *capture {
	return &capture{sends: make(map[string][][]byte)}
}

func (c *capture) emit(recipientID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[recipientID] = append(c.sends[recipientID], data)
}

func (c *capture) count(recipientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends[recipientID])
}

func (c *capture) last(t *testing.T, recipientID string) []byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sends[recipientID])
	return c.sends[recipientID][len(c.sends[recipientID])-1]
}

func msg(typ string, priority int, batchable bool) batch.Message {
	data, _ := json.Marshal(map[string]string{"type": typ})
	return batch.Message{Type: typ, Data: data, Priority: priority, Batchable: batchable}
}

func newBatcher(cfg batch.Config) (*batch.Batcher, *capture, *clockwork.FakeClock) {
	out := newCapture()
	clock := clockwork.NewFakeClock()
	return batch.New(cfg, clock, out.emit), out, clock
}

func TestBypass(t *testing.T) {
	tests := []struct {
		name string
		cfg  batch.Config
		m    batch.Message
	}{
		{
			name: "batching disabled",
			cfg:  batch.Config{Enabled: false, MaxBatchSize: 10, MaxDelay: time.Second, PriorityThreshold: 5},
			m:    msg("note", 0, true),
		},
		{
			name: "priority at threshold",
			cfg:  batch.Config{Enabled: true, MaxBatchSize: 10, MaxDelay: time.Second, PriorityThreshold: 5},
			m:    msg("urgent", 5, true),
		},
		{
			name: "non-batchable message",
			cfg:  batch.Config{Enabled: true, MaxBatchSize: 10, MaxDelay: time.Second, PriorityThreshold: 5},
			m:    msg("state", 0, false),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, out, _ := newBatcher(tt.cfg)

			batched := b.Add(tt.m, "client-a")

			assert.False(t, batched)
			require.Equal(t, 1, out.count("client-a"))
			assert.JSONEq(t, string(tt.m.Data), string(out.last(t, "client-a")), "bypassed message goes out unwrapped")
		})
	}
}

func TestFlushOnSize(t *testing.T) {
	b, out, _ := newBatcher(batch.Config{Enabled: true, MaxBatchSize: 3, MaxDelay: time.Second, PriorityThreshold: 5})

	assert.True(t, b.Add(msg("n1", 0, true), "client-a"))
	assert.True(t, b.Add(msg("n2", 0, true), "client-a"))
	assert.Equal(t, 0, out.count("client-a"), "batch not full yet")

	assert.True(t, b.Add(msg("n3", 0, true), "client-a"))
	require.Equal(t, 1, out.count("client-a"))

	var env batch.Envelope
	require.NoError(t, json.Unmarshal(out.last(t, "client-a"), &env))
	assert.Equal(t, batch.EnvelopeType, env.Type)
	assert.Equal(t, 3, env.Count)
	assert.Len(t, env.Messages, 3)
	assert.Equal(t, uint64(1), env.BatchID)
}

func TestFlushOnDelay(t *testing.T) {
	b, out, clock := newBatcher(batch.Config{Enabled: true, MaxBatchSize: 10, MaxDelay: 16 * time.Millisecond, PriorityThreshold: 5})

	b.Add(msg("n1", 0, true), "client-a")
	b.Add(msg("n2", 0, true), "client-a")
	assert.Equal(t, 0, out.count("client-a"))

	clock.Advance(20 * time.Millisecond)
	require.Eventually(t, func() bool {
		return out.count("client-a") == 1
	}, time.Second, time.Millisecond)

	var env batch.Envelope
	require.NoError(t, json.Unmarshal(out.last(t, "client-a"), &env))
	assert.Equal(t, 2, env.Count)
	assert.Equal(t, 0, b.PendingCount("client-a"))
}

func TestBatchIDMonotonic(t *testing.T) {
	b, out, _ := newBatcher(batch.Config{Enabled: true, MaxBatchSize: 1, MaxDelay: time.Second, PriorityThreshold: 5})

	b.Add(msg("n1", 0, true), "client-a")
	b.Add(msg("n2", 0, true), "client-b")
	b.Add(msg("n3", 0, true), "client-a")

	var env batch.Envelope
	require.NoError(t, json.Unmarshal(out.last(t, "client-a"), &env))
	assert.Equal(t, uint64(3), env.BatchID, "batch ids increase across recipients")
}

func TestCompressHint(t *testing.T) {
	b, out, _ := newBatcher(batch.Config{Enabled: true, MaxBatchSize: 2, MaxDelay: time.Second, PriorityThreshold: 5, CompressMinBytes: 10})

	b.Add(msg("n1", 0, true), "client-a")
	b.Add(msg("n2", 0, true), "client-a")

	var env batch.Envelope
	require.NoError(t, json.Unmarshal(out.last(t, "client-a"), &env))
	assert.True(t, env.Compress, "payload above the size threshold carries the hint")
}

func TestFlushAll(t *testing.T) {
	b, out, _ := newBatcher(batch.Config{Enabled: true, MaxBatchSize: 10, MaxDelay: time.Minute, PriorityThreshold: 5})

	b.Add(msg("n1", 0, true), "client-a")
	b.Add(msg("n2", 0, true), "client-b")

	b.FlushAll()

	assert.Equal(t, 1, out.count("client-a"))
	assert.Equal(t, 1, out.count("client-b"))
	assert.Equal(t, 0, b.PendingCount("client-a"))
	assert.Equal(t, 0, b.PendingCount("client-b"))
}

// Every queued message belongs to exactly one flushed batch: removing a
// recipient flushes, and a cancelled timer cannot re-deliver.
func TestRemoveRecipientFlushesOnce(t *testing.T) {
	b, out, clock := newBatcher(batch.Config{Enabled: true, MaxBatchSize: 10, MaxDelay: 16 * time.Millisecond, PriorityThreshold: 5})

	b.Add(msg("n1", 0, true), "client-a")
	b.RemoveRecipient("client-a")
	require.Equal(t, 1, out.count("client-a"))

	clock.Advance(time.Second)
	assert.Never(t, func() bool {
		return out.count("client-a") > 1
	}, 50*time.Millisecond, 5*time.Millisecond, "stale timer must not flush again")
}

func TestOnFlushHook(t *testing.T) {
	var mu sync.Mutex
	flushed := map[string]int{}
	cfg := batch.Config{
		Enabled: true, MaxBatchSize: 2, MaxDelay: time.Second, PriorityThreshold: 5,
		OnFlush: func(recipientID string, count int) {
			mu.Lock()
			flushed[recipientID] = count
			mu.Unlock()
		},
	}
	b, _, _ := newBatcher(cfg)

	b.Add(msg("n1", 0, true), "client-a")
	b.Add(msg("n2", 0, true), "client-a")

	mu.Lock()
	assert.Equal(t, 2, flushed["client-a"])
	mu.Unlock()
}
