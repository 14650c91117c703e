package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/comfy"
	"github.com/huiying/aigc-proxy/internal/mailbox"
	"github.com/huiying/aigc-proxy/internal/metrics"
	"github.com/huiying/aigc-proxy/internal/task"
	"github.com/huiying/aigc-proxy/internal/workflow"
)

// recentWindow marks a task as fresh in the /task view.
const recentWindow = 5 * time.Minute

type submitBody struct {
	TemplateID string                 `json:"templateId"`
	Overrides  map[string]interface{} `json:"overrides"`
	ClientID   string                 `json:"clientId"`
	BackendURL string                 `json:"backendUrl"`
}

// handleSubmit is the dispatch pipeline: resolve template, merge overrides,
// hand the graph to the backend, register the task, start its poller.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, 429, "too many requests")
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, 400, "invalid request body")
		return
	}
	if body.TemplateID == "" {
		writeError(w, http.StatusBadRequest, 400, "templateId is required")
		return
	}
	clientID := body.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}

	backendURL, err := s.backend.Resolve(body.BackendURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, 400, "no backend url configured")
		return
	}

	tpl, mapping, err := s.store.Resolve(body.TemplateID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, 404, "unknown workflow: "+body.TemplateID)
			return
		}
		s.logger.Error("Workflow resolve failed", zap.String("workflow_id", body.TemplateID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, 500, "workflow load failed")
		return
	}

	merged := workflow.Merge(tpl, mapping, body.Overrides, s.logger)
	workflow.Summarize(merged).Log(s.logger, body.TemplateID)

	promptID, err := s.backend.Submit(r.Context(), backendURL, clientID, merged)
	if err != nil {
		var ue *comfy.UpstreamError
		if errors.As(err, &ue) {
			writeError(w, http.StatusBadGateway, ue.Status, ue.Body)
			return
		}
		s.logger.Error("Backend submit failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, 502, "backend unreachable")
		return
	}

	totalNodes := s.store.NodeCount(body.TemplateID)
	s.registry.Create(promptID, body.TemplateID, clientID, merged.NodeCount())
	s.poller.Start(s.ctx, backendURL, promptID, body.TemplateID, clientID, totalNodes)

	s.mailboxes.Enqueue(clientID, mailbox.Event{
		Type:  "task_submitted",
		Level: "info",
		Data: map[string]interface{}{
			"prompt_id":   promptID,
			"workflow_id": body.TemplateID,
		},
	})

	writeJSON(w, http.StatusOK, envelope{
		Code: 0,
		Msg:  "success",
		Data: map[string]interface{}{
			"taskId":    promptID,
			"promptId":  promptID,
			"clientId":  clientID,
			"nodeCount": merged.NodeCount(),
		},
	})
}

// handlePoll drains the caller's mailbox.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
		return
	}
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, 400, "clientId is required")
		return
	}
	var since float64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, 400, "since must be a unix timestamp")
			return
		}
		since = parsed
	}

	metrics.PollRequests.Inc()
	msgs := s.mailboxes.Drain(clientID, since)
	if msgs == nil {
		msgs = []mailbox.Message{}
	}

	writeJSON(w, http.StatusOK, envelope{
		Code: 0,
		Msg:  "success",
		Data: map[string]interface{}{
			"messages":   msgs,
			"clientId":   clientID,
			"serverTime": float64(time.Now().UnixNano()) / float64(time.Second),
			"extraInfo": map[string]interface{}{
				"activeTasks": s.registry.Count(),
				"queueSize":   s.mailboxes.QueueSize(clientID),
			},
		},
	})
}

// handleTask reports one task's lifecycle snapshot.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/task/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, 400, "task id is required")
		return
	}

	t, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, 404, "task not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, 500, "task lookup failed")
		return
	}

	age := time.Since(t.UpdatedAt)
	writeJSON(w, http.StatusOK, envelope{
		Code: 0,
		Msg:  "success",
		Data: map[string]interface{}{
			"taskId":     t.ID,
			"workflowId": t.WorkflowID,
			"clientId":   t.ClientID,
			"state":      t.State.String(),
			"progress":   t.Progress,
			"nodeCount":  t.NodeCount,
			"createdAt":  t.CreatedAt.Unix(),
			"updatedAt":  t.UpdatedAt.Unix(),
			"ageSeconds": int(age.Seconds()),
			"isRecent":   age < recentWindow,
		},
	})
}
