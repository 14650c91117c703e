package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/metrics"
)

const (
	// MaxPending bounds a queue that nobody is reading.
	MaxPending = 100
	// RetainAfterDrain is the tail window kept after every drain.
	RetainAfterDrain = 20
	// BroadcastWindow selects which clients count as recently seen.
	BroadcastWindow = 5 * time.Minute
	// DefaultInactivity is how long an unread mailbox survives.
	DefaultInactivity = 10 * time.Minute
)

// Event is the payload enqueued by producers (dispatcher, poller, backend
// listener).
type Event struct {
	Type  string                 `json:"type"`
	Level string                 `json:"level,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Message is a server-stamped queue entry.
type Message struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"timestamp"`
	Data      Event   `json:"data"`
}

// Manager holds one bounded queue per client id. Queues are created lazily
// on first enqueue or drain and removed by the inactivity sweep.
type Manager struct {
	mu       sync.Mutex
	queues   map[string][]Message
	lastSeen map[string]time.Time
	logger   *zap.Logger
}

// NewManager creates an empty mailbox manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		queues:   make(map[string][]Message),
		lastSeen: make(map[string]time.Time),
		logger:   logger,
	}
}

// Enqueue appends a stamped event to the client's queue, evicting the
// oldest entry when the pre-read bound is exceeded.
func (m *Manager) Enqueue(clientID string, ev Event) {
	msg := Message{
		ID:        uuid.New().String()[:8],
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Data:      ev,
	}

	m.mu.Lock()
	if _, ok := m.lastSeen[clientID]; !ok {
		// Never-drained mailboxes must still age out in the sweep.
		m.lastSeen[clientID] = time.Now()
	}
	q := m.queues[clientID]
	if len(q) >= MaxPending {
		q = q[1:]
		metrics.MailboxEventsDropped.Inc()
	}
	m.queues[clientID] = append(q, msg)
	metrics.MailboxClientsActive.Set(float64(len(m.queues)))
	m.mu.Unlock()

	metrics.MailboxEventsEnqueued.Inc()
	m.logger.Debug("Event enqueued",
		zap.String("client_id", clientID),
		zap.String("type", ev.Type))
}

// Drain returns the client's pending messages, filtered to those newer
// than since when since > 0. It marks the client as recently seen and
// trims the retained queue to the most recent RetainAfterDrain entries
// regardless of what was returned.
func (m *Manager) Drain(clientID string, since float64) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeen[clientID] = time.Now()

	q, ok := m.queues[clientID]
	if !ok {
		return nil
	}

	var out []Message
	for _, msg := range q {
		if since <= 0 || msg.Timestamp > since {
			out = append(out, msg)
		}
	}

	if len(q) > RetainAfterDrain {
		tail := make([]Message, RetainAfterDrain)
		copy(tail, q[len(q)-RetainAfterDrain:])
		m.queues[clientID] = tail
	}
	return out
}

// Broadcast enqueues the event to every client seen within BroadcastWindow.
func (m *Manager) Broadcast(ev Event) {
	cutoff := time.Now().Add(-BroadcastWindow)
	m.mu.Lock()
	var active []string
	for clientID, seen := range m.lastSeen {
		if seen.After(cutoff) {
			active = append(active, clientID)
		}
	}
	m.mu.Unlock()

	for _, clientID := range active {
		m.Enqueue(clientID, ev)
	}
}

// QueueSize returns the number of pending messages for a client.
func (m *Manager) QueueSize(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[clientID])
}

// SweepInactive drops mailboxes with no read within maxIdle and returns
// how many were removed.
func (m *Manager) SweepInactive(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for clientID, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			delete(m.lastSeen, clientID)
			delete(m.queues, clientID)
			removed++
		}
	}
	if removed > 0 {
		metrics.MailboxClientsActive.Set(float64(len(m.queues)))
		m.logger.Info("Swept inactive clients", zap.Int("count", removed))
	}
	return removed
}

// RunSweeper sweeps inactive mailboxes on the given interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepInactive(maxIdle)
		}
	}
}
