package comfy

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/mailbox"
	"github.com/huiying/aigc-proxy/internal/task"
)

const reconnectDelay = 5 * time.Second

// Listener mirrors the backend's websocket event stream into the task
// registry and client mailboxes. It reconnects forever; when the backend
// is unreachable the progress poller remains the only progress source.
type Listener struct {
	client    *Client
	registry  *task.Registry
	mailboxes *mailbox.Manager
	logger    *zap.Logger
}

// NewListener wires a listener to the registry and mailbox manager.
func NewListener(client *Client, registry *task.Registry, mailboxes *mailbox.Manager, logger *zap.Logger) *Listener {
	return &Listener{
		client:    client,
		registry:  registry,
		mailboxes: mailboxes,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, maintaining one connection to the
// backend's /ws endpoint.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		base := l.client.BaseURL()
		if !strings.HasPrefix(base, "http") {
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		wsURL := strings.Replace(strings.Replace(base, "https://", "wss://", 1), "http://", "ws://", 1) + "/ws"
		l.connect(ctx, wsURL)
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (l *Listener) connect(ctx context.Context, wsURL string) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		l.logger.Debug("Backend event stream unavailable", zap.String("url", wsURL), zap.Error(err))
		return
	}
	defer conn.Close()
	l.logger.Info("Backend event stream connected", zap.String("url", wsURL))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("Backend event stream closed", zap.Error(err))
			}
			return
		}
		l.handleFrame(raw)
	}
}

type frame struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func (l *Listener) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		l.logger.Warn("Unparseable backend frame", zap.Error(err))
		return
	}
	if f.Data == nil {
		f.Data = map[string]interface{}{}
	}

	switch f.Type {
	case "status":
		l.handleStatus(f)
		return
	case "executing":
		l.handleExecuting(f)
	case "progress":
		l.handleProgress(f)
	case "executed":
		l.handleExecuted(f)
	}

	promptID, _ := f.Data["prompt_id"].(string)
	if promptID == "" {
		return
	}
	if clientID, ok := l.registry.ClientID(promptID); ok {
		l.mailboxes.Enqueue(clientID, mailbox.Event{
			Type:  f.Type,
			Level: "info",
			Data:  f.Data,
		})
	}
}

func (l *Listener) handleStatus(f frame) {
	// Queue depth frames are not task-scoped; fan them out to every
	// recently seen client.
	l.mailboxes.Broadcast(mailbox.Event{
		Type:  "status",
		Level: "info",
		Data:  f.Data,
	})
}

func (l *Listener) handleExecuting(f frame) {
	promptID, _ := f.Data["prompt_id"].(string)
	if promptID == "" {
		return
	}
	t, err := l.registry.Get(promptID)
	if err != nil {
		return
	}
	snap := t.Progress
	snap.NodeID, _ = f.Data["node"].(string)
	l.registry.Advance(promptID, task.StateExecuting, snap)
}

func (l *Listener) handleProgress(f frame) {
	promptID, _ := f.Data["prompt_id"].(string)
	if promptID == "" {
		return
	}
	t, err := l.registry.Get(promptID)
	if err != nil {
		return
	}
	value := intField(f.Data, "value")
	max := intField(f.Data, "max")

	snap := t.Progress
	snap.CurrentStep = value
	snap.TotalSteps = max
	snap.Percentage = task.Percentage(value, max)
	if node, ok := f.Data["node"].(string); ok {
		snap.NodeID = node
	}
	l.registry.Advance(promptID, task.StateProgress, snap)
}

func (l *Listener) handleExecuted(f frame) {
	promptID, _ := f.Data["prompt_id"].(string)
	if promptID == "" {
		return
	}
	t, err := l.registry.Get(promptID)
	if err != nil {
		return
	}
	snap := t.Progress
	snap.CurrentNode = t.NodeCount
	snap.Percentage = 100
	l.registry.Advance(promptID, task.StateDone, snap)
}

func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
