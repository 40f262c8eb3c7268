// Package httpapi serves the relaysync control API: queue inspection and
// enqueue, sync triggers, statistics and a live event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/queue"
	"github.com/agentworkforce/relaysync/internal/syncengine"
)

const (
	scopeSyncRead    = "sync:read"
	scopeSyncTrigger = "sync:trigger"
	scopeSyncAdmin   = "sync:admin"
	scopeQueueRead   = "queue:read"
	scopeQueueWrite  = "queue:write"
	scopeQueueAdmin  = "queue:admin"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          logrus.FieldLogger
}

type Server struct {
	engine      *syncengine.Engine
	coord       *syncengine.Coordinator
	cfg         ServerConfig
	log         logrus.FieldLogger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *syncengine.Engine, coord *syncengine.Coordinator) *Server {
	return NewServerWithConfig(engine, coord, ServerConfig{})
}

func NewServerWithConfig(engine *syncengine.Engine, coord *syncengine.Coordinator, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		coord:       coord,
		cfg:         cfg,
		log:         logging.OrDiscard(cfg.Logger).WithField("component", "httpapi"),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "events"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "stats" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "sync_stats"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "trigger" && r.Method == http.MethodPost:
		requiredScope = scopeSyncTrigger
		route = "sync_trigger"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "auto" && r.Method == http.MethodPut:
		requiredScope = scopeSyncAdmin
		route = "sync_auto"
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "items" && r.Method == http.MethodGet:
		requiredScope = scopeQueueRead
		route = "queue_list"
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "items" && r.Method == http.MethodPost:
		requiredScope = scopeQueueWrite
		route = "queue_enqueue"
	case len(parts) == 4 && parts[1] == "queue" && parts[2] == "items" && parts[3] != "" && r.Method == http.MethodGet:
		requiredScope = scopeQueueRead
		route = "queue_item"
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "bulk" && r.Method == http.MethodPost:
		requiredScope = scopeQueueWrite
		route = "queue_bulk"
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "revive" && r.Method == http.MethodPost:
		requiredScope = scopeQueueAdmin
		route = "queue_revive"
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "cleanup" && r.Method == http.MethodPost:
		requiredScope = scopeQueueAdmin
		route = "queue_cleanup"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "events" {
		// browsers cannot set headers on a websocket handshake
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "events" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "events":
		s.handleEvents(w, r, claims)
	case "sync_status":
		writeJSON(w, http.StatusOK, s.coord.Status())
	case "sync_stats":
		s.handleStats(w, r, correlationID)
	case "sync_trigger":
		s.handleTrigger(w, r, correlationID)
	case "sync_auto":
		s.handleAutoSync(w, r, correlationID)
	case "queue_list":
		s.handleQueueList(w, r, correlationID)
	case "queue_item":
		s.handleQueueItem(w, r, parts[3], correlationID)
	case "queue_enqueue":
		s.handleEnqueue(w, r, correlationID)
	case "queue_bulk":
		s.handleBulk(w, r, correlationID)
	case "queue_revive":
		s.handleRevive(w, r, correlationID)
	case "queue_cleanup":
		s.handleCleanup(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	stats, err := s.engine.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type triggerResponse struct {
	Ran    bool                    `json:"ran"`
	Reason string                  `json:"reason,omitempty"`
	Cycle  *syncengine.CycleResult `json:"cycle,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, correlationID string) {
	result, ran := s.coord.SyncNow(r.Context())
	resp := triggerResponse{Ran: ran}
	switch {
	case ran:
		resp.Cycle = &result
	case !s.coord.Status().Online:
		resp.Reason = "offline"
	default:
		resp.Reason = "already_running"
	}
	s.log.WithFields(logrus.Fields{"ran": ran, "reason": resp.Reason, "correlation_id": correlationID}).Debug("manual sync requested")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "enabled is required", correlationID)
		return
	}
	s.coord.SetAutoSync(*body.Enabled)
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), 100, 1, 1000)
	raw := strings.ToLower(strings.TrimSpace(query.Get("status")))
	var (
		items []queue.Item
		err   error
	)
	switch raw {
	case "", "retryable":
		items, err = s.engine.Retryable(r.Context(), limit)
	default:
		status := queue.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown status: "+raw, correlationID)
			return
		}
		items, err = s.engine.Items(r.Context(), status, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	item, err := s.engine.Item(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req syncengine.EnqueueRequest
	if !s.decodeValidatedBody(w, r, correlationID, enqueueSchema, &req) {
		return
	}
	result, err := s.engine.Enqueue(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req syncengine.BulkRequest
	if !s.decodeValidatedBody(w, r, correlationID, bulkSchema, &req) {
		return
	}
	results, err := s.engine.EnqueueBulk(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request, correlationID string) {
	n, err := s.engine.Revive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revived": n})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		CompletedOlderThanDays *int `json:"completedOlderThanDays"`
		DormantMaxAttempts     *int `json:"dormantMaxAttempts"`
	}
	raw, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	if body.CompletedOlderThanDays == nil && body.DormantMaxAttempts == nil {
		days := 7
		body.CompletedOlderThanDays = &days
	}

	resp := map[string]int{}
	if body.CompletedOlderThanDays != nil {
		n, err := s.engine.CleanupCompleted(r.Context(), *body.CompletedOlderThanDays)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		resp["completedRemoved"] = n
	}
	if body.DormantMaxAttempts != nil {
		n, err := s.engine.CleanupFailed(r.Context(), *body.DormantMaxAttempts)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		resp["dormantRemoved"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, queue.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		s.log.WithError(err).WithField("correlation_id", correlationID).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, correlationID, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
