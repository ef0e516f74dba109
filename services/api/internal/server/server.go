package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"toyapi/internal/metrics"
	"toyapi/internal/ratelimit"
	"toyapi/internal/security"
	"toyapi/internal/util"
	"toyapi/pkg/auth"
	"toyapi/pkg/domain"
	"toyapi/services/api/internal/app"
)

const (
	maxBodyBytes = 1 << 20

	rootMessage    = "Hello World! Clean build"
	publicMessage  = "Hello from the public endpoint!"
	privateMessage = "Hello from the private endpoint!"

	msgUIDRequired           = "UID is required."
	msgMessageRequired       = "Message is required."
	msgMessageRequiredForPut = "Message is required for update."
	msgItemNotFound          = "Item not found or unauthorized."
	msgInvalidJSON           = "invalid JSON body"
	msgTooManyTokenRequests  = "Too many token requests."
)

// JWKSSource publishes the public signing keys of the token issuer.
type JWKSSource interface {
	JWKS() ([]byte, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Gates maps a gate name ("apiKey", "bearer") to its authenticator.
	Gates          map[string]auth.Authenticator
	PrivateAuth    string
	ItemsAuth      string
	JWKS           JWKSSource
	TokenLimiter   *ratelimit.FixedWindowLimiter
	Metrics        *metrics.Metrics
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	// Alerter is optional; nil disables security alerts.
	Alerter *security.AuditAlerter
}

// Server exposes the HTTP endpoints.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	privateGate    auth.Middleware
	itemsGate      auth.Middleware
	jwks           JWKSSource
	tokenLimiter   *ratelimit.FixedWindowLimiter
	metrics        *metrics.Metrics
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	alerter        *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		jwks:           cfg.JWKS,
		tokenLimiter:   cfg.TokenLimiter,
		metrics:        cfg.Metrics,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		alerter:        cfg.Alerter,
	}
	var err error
	if s.privateGate, err = s.gate(cfg.Gates, cfg.PrivateAuth); err != nil {
		return nil, fmt.Errorf("server: private route: %w", err)
	}
	if s.itemsGate, err = s.gate(cfg.Gates, cfg.ItemsAuth); err != nil {
		return nil, fmt.Errorf("server: items routes: %w", err)
	}
	s.routes()
	return s, nil
}

func (s *Server) gate(gates map[string]auth.Authenticator, name string) (auth.Middleware, error) {
	authenticator, ok := gates[name]
	if !ok || authenticator == nil {
		return auth.Middleware{}, fmt.Errorf("no authenticator configured for gate %q", name)
	}
	return auth.Middleware{Gate: name, Authenticator: authenticator, OnDecision: s.onAuthDecision}, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = util.WithCORS(s.corsOrigins, s.mux)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(h, s.observeRequest)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/public", s.handlePublic)
	s.mux.Handle("/private", s.privateGate.Wrap(http.HandlerFunc(s.handlePrivate)))
	s.mux.HandleFunc("/auth/token", s.handleToken)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
	s.mux.HandleFunc("/metrics", s.handleMetrics)

	s.mux.Handle("/items", s.itemsGate.Wrap(callerHandler(s.handleItems)))
	s.mux.Handle("/items/", itemPath(
		s.itemsGate.Wrap(callerHandler(s.handleItems)),
		s.itemsGate.Wrap(callerHandler(s.handleItemByID)),
	))
}

// itemPath resolves the /items/ subtree before authentication: "/items/" is
// the collection, "/items/{id}" a single item, anything deeper is unknown.
func itemPath(collection, item http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch id := strings.TrimPrefix(r.URL.Path, "/items/"); {
		case id == "":
			collection.ServeHTTP(w, r)
		case strings.Contains(id, "/"):
			writeError(w, http.StatusNotFound, "Not Found")
		default:
			item.ServeHTTP(w, r)
		}
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeText(w, http.StatusOK, rootMessage)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: publicMessage})
}

func (s *Server) handlePrivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: privateMessage})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.allowRate(w, r, s.tokenLimiter) {
		s.audit(r, "auth.token", "rate_limited")
		return
	}
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.audit(r, "auth.token", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	token, err := s.app.IssueToken(r.Context(), req.UID)
	if err != nil {
		if errors.Is(err, app.ErrUIDRequired) {
			s.audit(r, "auth.token", "fail", "reason", "missing_uid")
			writeError(w, http.StatusBadRequest, msgUIDRequired)
			return
		}
		s.audit(r, "auth.token", "fail", "reason", err.Error())
		writeError(w, http.StatusInternalServerError, "Error creating custom token: "+err.Error())
		return
	}
	s.audit(r, "auth.token", "success", "user_id", req.UID)
	writeJSON(w, http.StatusOK, tokenResponse{CustomToken: token})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.jwks == nil {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	doc, err := s.jwks.JWKS()
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("jwks encode failed", "err", err)
		writeError(w, http.StatusInternalServerError, "jwks unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// item handlers
type callerHandler func(http.ResponseWriter, *http.Request, domain.Caller)

func (h callerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok || !caller.Valid() {
		writeError(w, http.StatusForbidden, "Unauthorized")
		return
	}
	h(w, r, caller)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateItem(w, r, caller)
	case http.MethodGet:
		items, err := s.app.ListItems(r.Context(), caller)
		if err != nil {
			s.itemFailure(w, r, "list", "Error getting items: ", err)
			return
		}
		s.metrics.ItemOperation("list", "ok")
		writeJSON(w, http.StatusOK, items)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	var req itemRequest
	if err := decodeBody(r, &req); err != nil {
		s.metrics.ItemOperation("create", "invalid")
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if req.Message == "" {
		s.metrics.ItemOperation("create", "invalid")
		writeError(w, http.StatusBadRequest, msgMessageRequired)
		return
	}
	item, err := s.app.CreateItem(r.Context(), req.Message, caller)
	if err != nil {
		s.itemFailure(w, r, "create", "Error creating item: ", err)
		return
	}
	s.metrics.ItemOperation("create", "ok")
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleItemByID(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	id := strings.TrimPrefix(r.URL.Path, "/items/")
	switch r.Method {
	case http.MethodGet:
		item, ok, err := s.app.GetItem(r.Context(), id, caller)
		if err != nil {
			s.itemFailure(w, r, "get", "Error getting item: ", err)
			return
		}
		if !ok {
			s.itemNotFound(w, "get")
			return
		}
		s.metrics.ItemOperation("get", "ok")
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut:
		var req itemRequest
		if err := decodeBody(r, &req); err != nil {
			s.metrics.ItemOperation("update", "invalid")
			writeError(w, http.StatusBadRequest, msgInvalidJSON)
			return
		}
		if req.Message == "" {
			s.metrics.ItemOperation("update", "invalid")
			writeError(w, http.StatusBadRequest, msgMessageRequiredForPut)
			return
		}
		item, ok, err := s.app.UpdateItem(r.Context(), id, caller, domain.ItemUpdate{Message: req.Message})
		if err != nil {
			s.itemFailure(w, r, "update", "Error updating item: ", err)
			return
		}
		if !ok {
			s.itemNotFound(w, "update")
			return
		}
		s.metrics.ItemOperation("update", "ok")
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		ok, err := s.app.DeleteItem(r.Context(), id, caller)
		if err != nil {
			s.itemFailure(w, r, "delete", "Error deleting item: ", err)
			return
		}
		if !ok {
			s.itemNotFound(w, "delete")
			return
		}
		s.metrics.ItemOperation("delete", "ok")
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) itemNotFound(w http.ResponseWriter, op string) {
	s.metrics.ItemOperation(op, "not_found")
	writeError(w, http.StatusNotFound, msgItemNotFound)
}

func (s *Server) itemFailure(w http.ResponseWriter, r *http.Request, op, prefix string, err error) {
	s.metrics.ItemOperation(op, "error")
	util.LoggerFromContext(r.Context()).Error("item operation failed", "operation", op, "err", err)
	writeError(w, http.StatusInternalServerError, prefix+err.Error())
}

type messageResponse struct {
	Message string `json:"message"`
}

type tokenRequest struct {
	UID string `json:"uid"`
}

type tokenResponse struct {
	CustomToken string `json:"customToken"`
}

type itemRequest struct {
	Message string `json:"message"`
}

var errTrailingData = errors.New("unexpected data after JSON body")

// decodeBody reads exactly one JSON value. An empty body decodes as {}.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// writeError is the single error shape: plain text, no trailing newline.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeText(w, status, msg)
}

func (s *Server) onAuthDecision(r *http.Request, d auth.Decision) {
	event := "auth." + d.Gate
	if d.Err == nil {
		s.metrics.AuthDecision(d.Gate, "success")
		s.audit(r, event, "success", "user_id", d.Caller.UID)
		return
	}
	outcome := "forbidden"
	if errors.Is(d.Err, auth.ErrUnauthorized) {
		outcome = "unauthorized"
	}
	s.metrics.AuthDecision(d.Gate, outcome)
	s.audit(r, event, "fail", "reason", d.Err.Error())
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	if s.alerter == nil {
		return
	}
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_eval_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// allowRate admits the request when no limiter is configured.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
	writeError(w, http.StatusTooManyRequests, msgTooManyTokenRequests)
	return false
}

func (s *Server) observeRequest(r *http.Request, status int, elapsed time.Duration) {
	s.metrics.ObserveRequest(routeLabel(r.URL.Path), r.Method, status, elapsed)
}

// routeLabel keeps metric label cardinality bounded.
func routeLabel(path string) string {
	switch path {
	case "/", "/public", "/private", "/auth/token", "/items", "/healthz", "/metrics", "/.well-known/jwks.json":
		return path
	}
	if path == "/items/" {
		return "/items"
	}
	if id, ok := strings.CutPrefix(path, "/items/"); ok && !strings.Contains(id, "/") {
		return "/items/{id}"
	}
	return "other"
}
