package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type backendURLBody struct {
	URL string `json:"url"`
}

// handleBackendURL swaps the default backend endpoint at runtime and
// persists it to the config file.
func (s *Server) handleBackendURL(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, envelope{
			Code: 0,
			Msg:  "success",
			Data: map[string]interface{}{"backendUrl": s.backend.BaseURL()},
		})
	case http.MethodPost:
		var body backendURLBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
			writeError(w, http.StatusBadRequest, 400, "url is required")
			return
		}
		if err := s.cfg.SetBackendURL(body.URL); err != nil {
			s.logger.Error("Could not persist backend url", zap.Error(err))
			writeError(w, http.StatusInternalServerError, 500, "could not persist backend url")
			return
		}
		s.backend.SetBaseURL(body.URL)
		s.logger.Info("Backend url updated", zap.String("url", s.backend.BaseURL()))
		writeJSON(w, http.StatusOK, envelope{
			Code: 200,
			Msg:  "updated",
			Data: map[string]interface{}{"backendUrl": s.backend.BaseURL()},
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
	}
}

// handleReload drops the template cache and re-reads the mapping table.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
		return
	}
	s.store.Reset()
	if err := s.store.Init(false); err != nil {
		writeError(w, http.StatusInternalServerError, 500, "mapping reload failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Code: 200, Msg: "reloaded"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "aigc-proxy",
		"version":   Version,
		"timestamp": time.Now().Unix(),
		"features": []string{
			"workflow-merge",
			"task-tracking",
			"client-mailbox",
			"single-session",
			"backend-passthrough",
		},
	})
}
