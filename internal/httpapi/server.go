package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	ActionStartSync  = "startSync"
	ActionSyncStatus = "syncStatus"
	ActionRedeliver  = "redeliver"
)

type ServerConfig struct {
	JWTSecret           string
	ContinuationSecret  string
	ContinuationMaxSkew time.Duration
	RateLimitMax        int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	// AsyncWebhooks acknowledges webhooks before the sync invocation runs.
	// Continuation deliveries are synchronous on the sender side, so chains
	// of continuations only unwind when this is set.
	AsyncWebhooks bool
	Logger        zerolog.Logger
	Metrics       *relaysync.Metrics
	Progress      *relaysync.ProgressHub
	Now           func() time.Time
}

type Server struct {
	runners     map[string]*relaysync.Runner
	parser      *relaysync.WebhookParser
	cfg         ServerConfig
	logger      zerolog.Logger
	now         func() time.Time
	handler     http.Handler
	rateLimiter *rateLimiter

	replayMu   sync.Mutex
	replaySeen map[string]time.Time

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
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

type webhookAck struct {
	Status string `json:"status"`
	JobID  string `json:"jobId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type jobRequest struct {
	JobID string `json:"jobId"`
}

type stalledResponse struct {
	Integration string                  `json:"integration"`
	Jobs        []relaysync.ResumeToken `json:"jobs"`
}

func NewServer(cfg ServerConfig, runners ...*relaysync.Runner) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.ContinuationSecret == "" {
		cfg.ContinuationSecret = "dev-continuation-secret"
	}
	if cfg.ContinuationMaxSkew == 0 {
		cfg.ContinuationMaxSkew = 5 * time.Minute
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
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	parser, err := relaysync.NewWebhookParser()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*relaysync.Runner, len(runners))
	for _, runner := range runners {
		if runner == nil {
			continue
		}
		if _, exists := byName[runner.Name()]; exists {
			return nil, errors.New("duplicate integration: " + runner.Name())
		}
		byName[runner.Name()] = runner
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runners:     byName,
		parser:      parser,
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		now:         now,
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
	s.handler = s.accessLog(s.routes())
	return s, nil
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		router.Handle("/metrics", s.cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/v1/webhooks/{integration}", s.handleWebhook).Methods(http.MethodPost)

	api := router.PathPrefix("/v1/integrations/{integration}").Subrouter()
	api.HandleFunc("/actions/{action}", s.handleAction).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobId}", s.handleJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/stalled", s.handleStalled).Methods(http.MethodGet)
	api.HandleFunc("/progress", s.handleProgress).Methods(http.MethodGet)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	router.NotFoundHandler = notFound
	router.MethodNotAllowedHandler = notFound
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Shutdown stops accepting background work, closes progress streams and
// waits for in-flight webhook invocations until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "integrations": names})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	runner, ok := s.lookupRunner(w, r, correlationID)
	if !ok {
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	logger := s.logger.With().Str("integration", runner.Name()).Str("correlation_id", correlationID).Logger()

	event, err := s.parser.Parse(body)
	if err != nil {
		logger.Debug().Err(err).Msg("ignoring malformed webhook")
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored", Reason: "malformed payload"})
		return
	}

	if event.Continuation {
		now := s.now().UTC()
		timestamp := r.Header.Get(relaysync.HeaderRelayTimestamp)
		signature := r.Header.Get(relaysync.HeaderRelaySignature)
		if authErr := verifyContinuationHMAC(s.cfg.ContinuationSecret, timestamp, signature, body, now, s.cfg.ContinuationMaxSkew); authErr != nil {
			logger.Warn().Str("job_id", event.JobID).Msg(authErr.message)
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "continuation replay detected", correlationID)
			return
		}
	} else if !webhookSecretMatches(runner.Integration().WebhookSecret, r.Header.Get(relaysync.HeaderWebhookSecret)) {
		logger.Warn().Str("job_id", event.JobID).Msg("webhook secret mismatch")
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored", JobID: event.JobID, Reason: "invalid webhook secret"})
		return
	}

	if s.cfg.AsyncWebhooks {
		if !s.dispatch(runner, event) {
			if event.Continuation {
				s.forgetReplay(r.Header.Get(relaysync.HeaderRelayTimestamp), r.Header.Get(relaysync.HeaderRelaySignature))
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, webhookAck{Status: "accepted", JobID: event.JobID})
		return
	}
	result := runner.HandleEvent(context.WithoutCancel(r.Context()), event)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) dispatch(runner *relaysync.Runner, event relaysync.WebhookEvent) bool {
	if s.baseCtx.Err() != nil {
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result := runner.HandleEvent(context.WithoutCancel(s.baseCtx), event)
		s.logger.Info().
			Str("integration", runner.Name()).
			Str("job_id", event.JobID).
			Bool("success", result.Success).
			Msg(result.Message)
	}()
	return true
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	runner, ok := s.lookupRunner(w, r, correlationID)
	if !ok {
		return
	}
	action := mux.Vars(r)["action"]
	scope := ScopeTrigger
	if action == ActionSyncStatus {
		scope = ScopeRead
	}
	if _, ok := s.authorize(w, r, runner.Name(), scope, correlationID); !ok {
		return
	}
	ctx := context.WithoutCancel(r.Context())

	switch action {
	case ActionStartSync:
		var req relaysync.StartRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		writeJSON(w, http.StatusOK, runner.StartSync(ctx, req))
	case ActionSyncStatus:
		var req jobRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		s.writeJobStatus(w, r, runner, req.JobID, correlationID)
	case ActionRedeliver:
		var req jobRequest
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		writeJSON(w, http.StatusOK, runner.Redeliver(ctx, req.JobID))
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action: "+action, correlationID)
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	runner, ok := s.lookupRunner(w, r, correlationID)
	if !ok {
		return
	}
	if _, ok := s.authorize(w, r, runner.Name(), ScopeRead, correlationID); !ok {
		return
	}
	s.writeJobStatus(w, r, runner, mux.Vars(r)["jobId"], correlationID)
}

func (s *Server) writeJobStatus(w http.ResponseWriter, r *http.Request, runner *relaysync.Runner, jobID, correlationID string) {
	status, err := runner.Status(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, status)
	case errors.Is(err, relaysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "jobId is required", correlationID)
	case errors.Is(err, relaysync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleStalled(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	runner, ok := s.lookupRunner(w, r, correlationID)
	if !ok {
		return
	}
	if _, ok := s.authorize(w, r, runner.Name(), ScopeRead, correlationID); !ok {
		return
	}
	tokens, err := runner.Stalled(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stalledResponse{Integration: runner.Name(), Jobs: tokens})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	runner, ok := s.lookupRunner(w, r, correlationID)
	if !ok {
		return
	}
	// Browsers cannot set headers on websocket upgrades.
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if _, ok := s.authorize(w, r, runner.Name(), ScopeRead, correlationID); !ok {
		return
	}
	if s.cfg.Progress == nil {
		writeError(w, http.StatusNotFound, "not_found", "progress streaming is disabled", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("progress websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.cfg.Progress.Subscribe(runner.Name())
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())
	jobFilter := strings.TrimSpace(r.URL.Query().Get("jobId"))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.baseCtx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event, open := <-events:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if jobFilter != "" && event.JobID != jobFilter {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) lookupRunner(w http.ResponseWriter, r *http.Request, correlationID string) (*relaysync.Runner, bool) {
	name := mux.Vars(r)["integration"]
	runner, ok := s.runners[name]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown integration: "+name, correlationID)
		return nil, false
	}
	return runner, true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, integration, scope, correlationID string) (AccessClaims, bool) {
	now := s.now().UTC()
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, integration, scope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return AccessClaims{}, false
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(integration+"|"+claims.Subject, now) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return AccessClaims{}, false
	}
	return claims, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(relaysync.HeaderCorrelationID)
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

func replayKey(timestamp, signature string) string {
	return strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
}

// forgetReplay drops a continuation that was verified but never accepted
// so its sender can retry it.
func (s *Server) forgetReplay(timestamp, signature string) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	delete(s.replaySeen, replayKey(timestamp, signature))
}

func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := replayKey(timestamp, signature)
	if key == "|" {
		return false
	}
	window := s.cfg.ContinuationMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(window)
	return true
}
