package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/session"
)

// tokenLifetimeSeconds is advertised to clients; the sweep enforces the
// real ceiling.
const tokenLifetimeSeconds = 604799

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"clientId"`
}

// handleLogin authenticates locally first; principals unknown to the local
// user store fall through to the upstream identity service verbatim.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, 400, "invalid request body")
		return
	}
	var body loginBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Username == "" {
		writeError(w, http.StatusBadRequest, 400, "username and password are required")
		return
	}

	token, err := s.sessions.Login(body.Username, body.Password, clientIP(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, envelope{
			Code: 200,
			Msg:  "ok",
			Data: map[string]interface{}{
				"access_token": token,
				"expire_in":    tokenLifetimeSeconds,
				"client_id":    body.ClientID,
			},
		})
	case errors.Is(err, session.ErrUnknownPrincipal):
		// Not a local account; the identity service decides.
		r.Body = io.NopCloser(bytes.NewReader(raw))
		s.upstream.Passthrough(w, r, "/auth/login")
	case errors.Is(err, session.ErrDisabled):
		writeError(w, http.StatusForbidden, 403, "account disabled")
	case errors.Is(err, session.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, 401, "invalid username or password")
	default:
		s.logger.Error("Login failed", zap.String("username", body.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, 500, "login failed")
	}
}

// handleLogout revokes the caller's token; tokens this proxy never issued
// fall through to the upstream identity service.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, 401, "missing bearer token")
		return
	}

	if _, err := s.sessions.Logout(token); err != nil {
		s.upstream.Passthrough(w, r, "/auth/logout")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Code: 200, Msg: "ok"})
}

// handleCheckOnline reports whether the presented token is still the
// principal's current session.
func (s *Server) handleCheckOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, 405, "method not allowed")
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, 401, "missing bearer token")
		return
	}

	principal, err := s.sessions.Validate(token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, envelope{
			Code: 200,
			Msg:  "online",
			Data: map[string]interface{}{"username": principal},
		})
	case errors.Is(err, session.ErrSuperseded):
		writeError(w, http.StatusUnauthorized, 401, "account signed in elsewhere")
	default:
		// Possibly a token issued upstream; let the identity service judge.
		s.upstream.Passthrough(w, r, "/auth/check-online")
	}
}
