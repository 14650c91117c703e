package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/metrics"
)

// DefaultRetention is how long a task survives after its last update,
// terminal or not.
const DefaultRetention = 2 * time.Hour

// Registry holds the lifecycle state of every in-flight task. One coarse
// lock guards the map; transitions for a single task are serialized by its
// poller, so the lock only has to keep readers from observing a
// mid-mutation record.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Create registers a freshly submitted task in StateSubmitted.
func (r *Registry) Create(id, workflowID, clientID string, nodeCount int) *Task {
	now := time.Now()
	t := &Task{
		ID:         id,
		WorkflowID: workflowID,
		ClientID:   clientID,
		NodeCount:  nodeCount,
		State:      StateSubmitted,
		Progress:   Snapshot{TotalNodes: nodeCount},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.mu.Lock()
	r.tasks[id] = t
	metrics.TasksActive.Set(float64(len(r.tasks)))
	r.mu.Unlock()

	metrics.TasksSubmitted.Inc()
	r.logger.Info("Task registered",
		zap.String("task_id", id),
		zap.String("workflow_id", workflowID),
		zap.String("client_id", clientID),
		zap.Int("node_count", nodeCount))
	return t
}

// Get returns a copy of the task, or ErrTaskNotFound.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// ClientID resolves the owning client of a task. The task's stored client
// id is the canonical task-to-client association.
func (r *Registry) ClientID(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		return t.ClientID, true
	}
	return "", false
}

// Count returns the number of tracked tasks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Advance applies a forward transition and stamps the update time. A
// transition that would regress the lifecycle, or follow a terminal state,
// is ignored and reported false. Unknown ids report false.
func (r *Registry) Advance(id string, state State, snap Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	if t.State.Terminal() {
		return false
	}
	if state != StateError && state < t.State {
		return false
	}

	t.State = state
	t.Progress = snap
	t.UpdatedAt = time.Now()

	if state.Terminal() {
		metrics.TasksCompleted.WithLabelValues(state.String()).Inc()
		r.logger.Info("Task finished",
			zap.String("task_id", id),
			zap.String("state", state.String()),
			zap.Int("percentage", snap.Percentage))
	}
	return true
}

// SweepStale removes tasks whose last update is older than retention and
// returns how many were removed.
func (r *Registry) SweepStale(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.TasksSwept.Add(float64(removed))
		metrics.TasksActive.Set(float64(len(r.tasks)))
		r.logger.Info("Swept stale tasks", zap.Int("count", removed))
	}
	return removed
}

// RunSweeper sweeps stale tasks on the given interval until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale(retention)
		}
	}
}
