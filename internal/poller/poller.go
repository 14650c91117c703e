// Package poller tracks submitted tasks by polling the backend's
// execution-history endpoint. One lightweight goroutine runs per task.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/comfy"
	"github.com/huiying/aigc-proxy/internal/mailbox"
	"github.com/huiying/aigc-proxy/internal/metrics"
	"github.com/huiying/aigc-proxy/internal/task"
)

const (
	// DefaultInterval is the pause between history polls.
	DefaultInterval = time.Second
	// DefaultMaxAttempts bounds how long a task is tracked. When the
	// budget runs out the poller just stops; the stale-task sweep
	// reclaims whatever is left.
	DefaultMaxAttempts = 120
)

// Poller spawns one tracking goroutine per submitted task.
type Poller struct {
	client      *comfy.Client
	registry    *task.Registry
	mailboxes   *mailbox.Manager
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// New creates a poller with the default interval and attempt budget.
func New(client *comfy.Client, registry *task.Registry, mailboxes *mailbox.Manager, logger *zap.Logger) *Poller {
	return &Poller{
		client:      client,
		registry:    registry,
		mailboxes:   mailboxes,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
	}
}

// Start begins tracking one task in the background. The goroutine
// self-terminates on completion, failure, budget exhaustion, or ctx
// cancellation.
func (p *Poller) Start(ctx context.Context, backendURL, promptID, workflowID, clientID string, totalNodes int) {
	go p.track(ctx, backendURL, promptID, workflowID, clientID, totalNodes)
}

func (p *Poller) track(ctx context.Context, backendURL, promptID, workflowID, clientID string, totalNodes int) {
	if totalNodes <= 0 {
		totalNodes = 20
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entry, err := p.client.History(ctx, backendURL, promptID)
		if err != nil {
			// Transient failure: swallowed, retried next tick.
			metrics.BackendPolls.WithLabelValues("error").Inc()
			p.logger.Debug("History poll failed",
				zap.String("task_id", promptID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		metrics.BackendPolls.WithLabelValues("ok").Inc()
		if !entry.Found {
			continue
		}

		current := entry.OutputCount
		switch entry.StatusStr {
		case "success":
			current = totalNodes
		case "error":
			current = 0
		}
		percent := task.Percentage(current, totalNodes)

		p.mailboxes.Enqueue(clientID, mailbox.Event{
			Type:  "executing",
			Level: "info",
			Data: map[string]interface{}{
				"prompt_id":   promptID,
				"workflow_id": workflowID,
				"node":        current,
			},
		})
		p.mailboxes.Enqueue(clientID, mailbox.Event{
			Type:  "progress",
			Level: "info",
			Data: map[string]interface{}{
				"prompt_id":   promptID,
				"workflow_id": workflowID,
				"value":       current,
				"max":         totalNodes,
				"percentage":  percent,
			},
		})

		snap := task.Snapshot{
			CurrentNode: current,
			TotalNodes:  totalNodes,
			Percentage:  percent,
		}

		switch {
		case entry.StatusStr == "error":
			p.registry.Advance(promptID, task.StateError, snap)
			p.logger.Info("Task failed",
				zap.String("task_id", promptID),
				zap.Int("attempts", attempt))
			return
		case entry.StatusStr == "success" || current >= totalNodes:
			snap.Percentage = 100
			snap.CurrentNode = totalNodes
			p.registry.Advance(promptID, task.StateDone, snap)
			p.logger.Info("Task completed",
				zap.String("task_id", promptID),
				zap.Int("attempts", attempt))
			return
		case current > 0:
			p.registry.Advance(promptID, task.StateProgress, snap)
		default:
			p.registry.Advance(promptID, task.StateExecuting, snap)
		}

		p.logger.Debug("Progress",
			zap.String("task_id", promptID),
			zap.Int("percentage", percent),
			zap.Int("current", current),
			zap.Int("total", totalNodes))
	}

	p.logger.Warn("Poll budget exhausted, leaving task to the sweep",
		zap.String("task_id", promptID))
}
