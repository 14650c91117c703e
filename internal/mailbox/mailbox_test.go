package mailbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func enqueueN(m *Manager, clientID string, n int) {
	for i := 0; i < n; i++ {
		m.Enqueue(clientID, Event{Type: "progress", Data: map[string]interface{}{"seq": i}})
	}
}

func TestManager_DrainReturnsAllPending(t *testing.T) {
	m := NewManager(zap.NewNop())
	enqueueN(m, "c1", 3)

	msgs := m.Drain("c1", 0)
	require.Len(t, msgs, 3)
	assert.Equal(t, 0, msgs[0].Data.Data["seq"])
	assert.Equal(t, 2, msgs[2].Data.Data["seq"])
	assert.NotEmpty(t, msgs[0].ID)
	assert.Greater(t, msgs[0].Timestamp, float64(0))
}

func TestManager_DrainTrimsRetainedTail(t *testing.T) {
	m := NewManager(zap.NewNop())
	enqueueN(m, "c1", 25)

	msgs := m.Drain("c1", 0)
	assert.Len(t, msgs, 25, "drain returns everything pending")
	assert.Equal(t, RetainAfterDrain, m.QueueSize("c1"), "retained queue trims to the tail window")

	// The retained tail is the newest 20; the first 5 are gone for good.
	again := m.Drain("c1", 0)
	require.Len(t, again, RetainAfterDrain)
	assert.Equal(t, 5, again[0].Data.Data["seq"])
}

func TestManager_DrainTrimsEvenWhenSinceFiltersEverything(t *testing.T) {
	m := NewManager(zap.NewNop())
	enqueueN(m, "c1", 25)

	future := float64(time.Now().Add(time.Hour).UnixNano()) / float64(time.Second)
	msgs := m.Drain("c1", future)
	assert.Empty(t, msgs)
	assert.Equal(t, RetainAfterDrain, m.QueueSize("c1"), "trim happens regardless of what was returned")
}

func TestManager_SinceFiltersOlderMessages(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Enqueue("c1", Event{Type: "a"})
	cut := float64(time.Now().UnixNano()) / float64(time.Second)
	time.Sleep(2 * time.Millisecond)
	m.Enqueue("c1", Event{Type: "b"})

	msgs := m.Drain("c1", cut)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].Data.Type)
}

func TestManager_EnqueueEvictsOldestAtCap(t *testing.T) {
	m := NewManager(zap.NewNop())
	enqueueN(m, "c1", MaxPending+10)

	assert.Equal(t, MaxPending, m.QueueSize("c1"))
	msgs := m.Drain("c1", 0)
	assert.Equal(t, 10, msgs[0].Data.Data["seq"], "oldest entries were evicted")
}

func TestManager_DrainUnknownClientIsEmpty(t *testing.T) {
	m := NewManager(zap.NewNop())
	assert.Empty(t, m.Drain("ghost", 0))
	assert.Equal(t, 0, m.QueueSize("ghost"))
}

func TestManager_BroadcastReachesRecentClientsOnly(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Drain("recent", 0)

	m.mu.Lock()
	m.lastSeen["stale"] = time.Now().Add(-BroadcastWindow - time.Minute)
	m.mu.Unlock()

	m.Broadcast(Event{Type: "status"})
	assert.Equal(t, 1, m.QueueSize("recent"))
	assert.Equal(t, 0, m.QueueSize("stale"))
}

func TestManager_SweepInactiveDropsIdleMailboxes(t *testing.T) {
	m := NewManager(zap.NewNop())
	enqueueN(m, "idle", 2)
	enqueueN(m, "busy", 2)
	m.Drain("busy", 0)

	m.mu.Lock()
	m.lastSeen["idle"] = time.Now().Add(-DefaultInactivity - time.Minute)
	m.mu.Unlock()

	assert.Equal(t, 1, m.SweepInactive(DefaultInactivity))
	assert.Equal(t, 0, m.QueueSize("idle"))
	assert.Equal(t, 2, m.QueueSize("busy"))
}

func TestManager_NeverDrainedMailboxStillAgesOut(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Enqueue("orphan", Event{Type: "progress"})

	m.mu.Lock()
	m.lastSeen["orphan"] = time.Now().Add(-DefaultInactivity - time.Minute)
	m.mu.Unlock()

	assert.Equal(t, 1, m.SweepInactive(DefaultInactivity))
}

func TestManager_QueuesAreIsolatedPerClient(t *testing.T) {
	m := NewManager(zap.NewNop())
	for i := 0; i < 3; i++ {
		m.Enqueue(fmt.Sprintf("c%d", i), Event{Type: "progress"})
	}
	assert.Len(t, m.Drain("c1", 0), 1)
	assert.Equal(t, 1, m.QueueSize("c0"))
	assert.Equal(t, 1, m.QueueSize("c2"))
}
