// Package httpapi exposes the proxy's HTTP surface: task submission,
// client polling, the websocket bridge, authentication, and runtime
// configuration.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/huiying/aigc-proxy/internal/comfy"
	"github.com/huiying/aigc-proxy/internal/config"
	"github.com/huiying/aigc-proxy/internal/mailbox"
	"github.com/huiying/aigc-proxy/internal/poller"
	"github.com/huiying/aigc-proxy/internal/session"
	"github.com/huiying/aigc-proxy/internal/task"
	"github.com/huiying/aigc-proxy/internal/workflow"
)

// Server wires every component behind the HTTP surface. It owns no state
// of its own; all shared state lives in the component managers.
type Server struct {
	ctx       context.Context // root context for background pollers
	cfg       *config.Manager
	store     *workflow.Store
	registry  *task.Registry
	mailboxes *mailbox.Manager
	sessions  *session.Manager
	backend   *comfy.Client
	poller    *poller.Poller
	upstream  *Upstream
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewServer constructs the HTTP server facade.
func NewServer(
	ctx context.Context,
	cfg *config.Manager,
	store *workflow.Store,
	registry *task.Registry,
	mailboxes *mailbox.Manager,
	sessions *session.Manager,
	backend *comfy.Client,
	p *poller.Poller,
	upstream *Upstream,
	logger *zap.Logger,
) *Server {
	return &Server{
		ctx:       ctx,
		cfg:       cfg,
		store:     store,
		registry:  registry,
		mailboxes: mailboxes,
		sessions:  sessions,
		backend:   backend,
		poller:    p,
		upstream:  upstream,
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		logger:    logger,
	}
}

// RegisterRoutes attaches every endpoint to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/submit", s.requireAuth(s.handleSubmit))
	mux.HandleFunc("/poll", s.handlePoll)
	mux.HandleFunc("/task/", s.handleTask)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/check-online", s.handleCheckOnline)
	mux.HandleFunc("/config/backend-url", s.handleBackendURL)
	mux.HandleFunc("/config/reload", s.handleReload)
	mux.HandleFunc("/health", s.handleHealth)
}

// envelope is the uniform JSON response body.
type envelope struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, envelope{Code: code, Msg: msg})
}

// bearerToken extracts the token from the Authorization header or, as a
// fallback, the token query parameter.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if auth != "" {
		return auth
	}
	return r.URL.Query().Get("token")
}

// clientIP honors proxy headers before falling back to the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, 401, "missing bearer token")
			return
		}
		if _, err := s.sessions.Validate(token); err != nil {
			if errors.Is(err, session.ErrSuperseded) {
				writeError(w, http.StatusUnauthorized, 401, "account signed in elsewhere")
				return
			}
			writeError(w, http.StatusUnauthorized, 401, "invalid token")
			return
		}
		next(w, r)
	}
}

// Upstream forwards requests to the identity service verbatim.
type Upstream struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// NewUpstream creates a passthrough client for the identity service.
func NewUpstream(base string, client *http.Client, logger *zap.Logger) *Upstream {
	return &Upstream{base: strings.TrimRight(base, "/"), http: client, logger: logger}
}

// Passthrough replays the incoming request against base+path and copies
// the upstream response back with status, content type and body untouched.
func (u *Upstream) Passthrough(w http.ResponseWriter, r *http.Request, path string) {
	var body io.Reader
	if r.Body != nil {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.base+path, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, 500, "upstream request failed")
		return
	}
	for k, vs := range r.Header {
		if k == "Host" || k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.URL.RawQuery = r.URL.RawQuery

	resp, err := u.http.Do(req)
	if err != nil {
		u.logger.Error("Upstream request failed", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, 500, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
