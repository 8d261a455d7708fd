package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kaleidoscope/ideasync/internal/collab"
)

type ServerConfig struct {
	// Backend names the persistence profile reported by /api/health.
	Backend string
	// RateLimitPerSecond and RateLimitBurst bound REST calls per client
	// address. Zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	MaxTextLength      int
	PushWriteTimeout   time.Duration
	// OriginPatterns lists the browser origins allowed to open the push
	// channel, in addition to same-origin requests.
	OriginPatterns []string
	Logger         *zap.Logger
	// Registry receives the server's collectors; nil creates a private one.
	Registry *prometheus.Registry
	Now      func() time.Time
}

type Server struct {
	store    *collab.Store
	cfg      ServerConfig
	logger   *zap.Logger
	validate *validator.Validate
	limiter  *clientLimiter
	metrics  *serverMetrics
	now      func() time.Time
}

type submitIdeaRequest struct {
	IdeaText     string `json:"idea_text" validate:"required"`
	Username     string `json:"username" validate:"required,max=64"`
	ClientTempID string `json:"client_temp_id" validate:"omitempty,max=128"`
}

type submitIdeaResponse struct {
	Success          bool                     `json:"success"`
	Idea             collab.Idea              `json:"idea"`
	IdeaID           string                   `json:"idea_id"`
	Timestamp        time.Time                `json:"timestamp"`
	DiversityMetrics *collab.DiversityMetrics `json:"diversity_metrics"`
}

type healthResponse struct {
	Status      string    `json:"status"`
	IdeasStored int       `json:"ideas_stored"`
	ActiveUsers int       `json:"active_users"`
	Backend     string    `json:"backend"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewServer(store *collab.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *collab.Store, cfg ServerConfig) *Server {
	if cfg.Backend == "" {
		cfg.Backend = "none"
	}
	if cfg.RateLimitPerSecond < 0 {
		cfg.RateLimitPerSecond = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 2000
	}
	if cfg.PushWriteTimeout <= 0 {
		cfg.PushWriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *clientLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = newClientLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, 10*time.Minute, cfg.Now)
	}
	return &Server{
		store:    store,
		cfg:      cfg,
		logger:   cfg.Logger,
		validate: newRequestValidator(),
		limiter:  limiter,
		metrics:  newServerMetrics(cfg.Registry, store),
		now:      cfg.Now,
	}
}

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The push upgrade needs the raw writer for hijacking.
	if r.URL.Path == "/ws" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
			return
		}
		s.handlePush(w, r)
		return
	}

	start := s.now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.route(rec, r)
	s.metrics.observeRequest(route, rec.status)
	s.logger.Debug("request served",
		zap.String("method", r.Method),
		zap.String("route", route),
		zap.Int("status", rec.status),
		zap.Duration("duration", s.now().Sub(start)),
		zap.String("correlationId", getCorrelationID(r)))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	var route string
	switch {
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.handler().ServeHTTP(w, r)
		return "metrics"
	case (r.URL.Path == "/health" || r.URL.Path == "/api/health") && r.Method == http.MethodGet:
		route = "health"
	case r.URL.Path == "/api/state" && r.Method == http.MethodGet:
		route = "state"
	case r.URL.Path == "/api/submit_idea" && r.Method == http.MethodPost:
		route = "submit_idea"
	case r.URL.Path == "/api/submit_idea" || r.URL.Path == "/api/state" || r.URL.Path == "/api/health":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
		return "method_not_allowed"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}

	if s.limiter != nil && route != "health" {
		if ok, wait := s.limiter.allow(clientKey(r)); !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			s.metrics.rateLimited.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return route
		}
	}

	switch route {
	case "health":
		s.handleHealth(w, r)
	case "state":
		s.handleState(w, r)
	case "submit_idea":
		s.handleSubmitIdea(w, r)
	}
	return route
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		IdeasStored: s.store.Count(),
		ActiveUsers: s.store.ActiveUserCount(),
		Backend:     s.cfg.Backend,
		Timestamp:   s.now().UTC(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleSubmitIdea(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req submitIdeaRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		s.metrics.submission("invalid")
		return
	}
	req.IdeaText = strings.TrimSpace(req.IdeaText)
	req.Username = strings.TrimSpace(req.Username)
	req.ClientTempID = strings.TrimSpace(req.ClientTempID)
	if err := s.validate.Struct(req); err != nil {
		s.metrics.submission("invalid")
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err), correlationID)
		return
	}
	if n := len([]rune(req.IdeaText)); n > s.cfg.MaxTextLength {
		s.metrics.submission("invalid")
		writeError(w, http.StatusBadRequest, "invalid_input",
			fmt.Sprintf("idea_text exceeds %d characters", s.cfg.MaxTextLength), correlationID)
		return
	}

	result, err := s.store.Submit(req.IdeaText, req.Username, req.ClientTempID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	status := http.StatusCreated
	if result.Created {
		s.metrics.submission("created")
	} else {
		s.metrics.submission("duplicate")
		status = http.StatusOK
	}
	metrics := result.Metrics
	writeJSON(w, status, submitIdeaResponse{
		Success:          true,
		Idea:             result.Idea,
		IdeaID:           result.Idea.ID,
		Timestamp:        result.Idea.Timestamp,
		DiversityMetrics: &metrics,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var validation *collab.ValidationError
	switch {
	case errors.As(err, &validation):
		s.metrics.submission("invalid")
		writeError(w, http.StatusBadRequest, "invalid_input", validation.Message, correlationID)
	case errors.Is(err, collab.ErrClosed):
		s.metrics.submission("failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down", correlationID)
	default:
		s.metrics.submission("failed")
		s.logger.Error("store submit failed", zap.Error(err), zap.String("correlationId", correlationID))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store idea", correlationID)
	}
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s cannot be empty", fe.Field())
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// getCorrelationID echoes the caller's X-Correlation-Id, minting one when
// the caller did not send it.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "srv_" + uuid.NewString()
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
		"success":       false,
		"error":         message,
		"code":          code,
		"correlationId": correlationID,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
