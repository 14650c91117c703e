package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Create("p1", "txt2img", "client-a", 20)

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, got.State)
	assert.Equal(t, "client-a", got.ClientID)
	assert.Equal(t, 20, got.Progress.TotalNodes)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRegistry_ClientIDIsCanonicalAssociation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Create("p1", "txt2img", "client-a", 20)

	owner, ok := r.ClientID("p1")
	assert.True(t, ok)
	assert.Equal(t, "client-a", owner)

	_, ok = r.ClientID("unknown")
	assert.False(t, ok)
}

func TestRegistry_LifecycleNeverRegresses(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Create("p1", "txt2img", "client-a", 20)

	assert.True(t, r.Advance("p1", StateProgress, Snapshot{CurrentNode: 5, TotalNodes: 20, Percentage: 25}))
	assert.False(t, r.Advance("p1", StateExecuting, Snapshot{}), "executing after progress is a regression")

	got, _ := r.Get("p1")
	assert.Equal(t, StateProgress, got.State)
	assert.Equal(t, 25, got.Progress.Percentage, "rejected transition leaves the snapshot alone")
}

func TestRegistry_DoneIsTerminal(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Create("p1", "txt2img", "client-a", 20)

	require.True(t, r.Advance("p1", StateDone, Snapshot{CurrentNode: 20, TotalNodes: 20, Percentage: 100}))
	assert.False(t, r.Advance("p1", StateProgress, Snapshot{}))
	assert.False(t, r.Advance("p1", StateError, Snapshot{}), "terminal states never change, not even to error")

	got, _ := r.Get("p1")
	assert.Equal(t, StateDone, got.State)
}

func TestRegistry_ErrorReachableFromAnyLiveState(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Create("p1", "txt2img", "client-a", 20)
	require.True(t, r.Advance("p1", StateProgress, Snapshot{CurrentNode: 5, TotalNodes: 20}))

	assert.True(t, r.Advance("p1", StateError, Snapshot{TotalNodes: 20}))
	got, _ := r.Get("p1")
	assert.Equal(t, StateError, got.State)
	assert.False(t, r.Advance("p1", StateDone, Snapshot{}))
}

func TestRegistry_AdvanceUnknownTask(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	assert.False(t, r.Advance("ghost", StateExecuting, Snapshot{}))
}

func TestRegistry_SweepStaleRemovesOldTasks(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Create("old", "txt2img", "client-a", 20)
	r.Create("fresh", "txt2img", "client-b", 20)

	r.mu.Lock()
	r.tasks["old"].UpdatedAt = time.Now().Add(-3 * time.Hour)
	r.mu.Unlock()

	assert.Equal(t, 1, r.SweepStale(2*time.Hour))
	_, err := r.Get("old")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = r.Get("fresh")
	assert.NoError(t, err)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 25, Percentage(5, 20))
	assert.Equal(t, 100, Percentage(20, 20))
	assert.Equal(t, 0, Percentage(0, 20))
	assert.Equal(t, 0, Percentage(5, 0), "zero total never divides")
	assert.Equal(t, 0, Percentage(-3, 20))
	assert.Equal(t, 33, Percentage(1, 3), "floor, not round")
}

func TestState_Strings(t *testing.T) {
	assert.Equal(t, "submitted", StateSubmitted.String())
	assert.Equal(t, "done", StateDone.String())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateProgress.Terminal())
}
