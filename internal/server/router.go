package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/beacon/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/sos"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/beacon/backend/internal/tokens"
)

const (
	subjectContextKey = "beacon_subject_id"

	defaultHeartbeatInterval = 25 * time.Second
	defaultRateLimitRequests = 30
	defaultRateLimitWindow   = time.Minute
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTaskTokens       = errors.New("task token validator dependency required")
	errMissingSOSService       = errors.New("sos service dependency required")
	errMissingTokenRegistry    = errors.New("push token registry dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates client requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// TaskTokenValidator authenticates queue callbacks.
type TaskTokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SOSService is the lifecycle surface the handlers call.
type SOSService interface {
	CreateEvent(ctx context.Context, request sos.CreateRequest) (sos.CreateResponse, error)
	ResolveEvent(ctx context.Context, subjectID, familyID, eventID string) (sos.ResolveResult, error)
	HandleReminder(ctx context.Context, task tasks.ReminderTask) (sos.ReminderOutcome, error)
	FamilyOf(ctx context.Context, subjectID string) (string, error)
}

// TokenRegistry stores device push tokens.
type TokenRegistry interface {
	Register(ctx context.Context, request tokens.RegisterRequest) (tokens.Record, error)
	Unregister(ctx context.Context, userID, rawToken string) (string, error)
}

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sessions          SessionValidator
	TaskTokens        TaskTokenValidator
	SOSService        SOSService
	PushTokens        TokenRegistry
	Realtime          *FamilyStream
	AllowedOrigins    []string
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router serving the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TaskTokens == nil {
		return nil, errMissingTaskTokens
	}
	if deps.SOSService == nil {
		return nil, errMissingSOSService
	}
	if deps.PushTokens == nil {
		return nil, errMissingTokenRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewFamilyStream()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	requests := deps.RateLimit.Requests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := deps.RateLimit.Window
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		taskTokens: deps.TaskTokens,
		service:    deps.SOSService,
		pushTokens: deps.PushTokens,
		realtime:   realtime,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeSession)
	protected.GET("/sos/stream", handler.handleStream)

	limited := protected.Group("/")
	limited.Use(newClientLimiter(requests, window).middleware())
	limited.POST("/sos", handler.handleCreate)
	limited.POST("/sos/resolve", handler.handleResolve)
	limited.POST("/push-tokens", handler.handleRegisterToken)
	limited.DELETE("/push-tokens", handler.handleUnregisterToken)

	internal := router.Group("/internal/tasks")
	internal.Use(handler.authorizeTask)
	internal.POST("/sos-reminder", handler.handleReminderTask)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	taskTokens TaskTokenValidator
	service    SOSService
	pushTokens TokenRegistry
	realtime   *FamilyStream
	heartbeat  time.Duration
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type createRequestPayload struct {
	EventID   string   `json:"event_id"`
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lng"`
	Accuracy  *float64 `json:"acc"`
}

type createResponsePayload struct {
	OK            bool   `json:"ok"`
	SOSID         string `json:"sos_id"`
	Created       bool   `json:"created"`
	DayKey        string `json:"day_key"`
	FamilyID      string `json:"family_id"`
	LimitPerDay   int    `json:"limit_per_day"`
	MinIntervalS  int    `json:"min_interval_s"`
	TimeZone      string `json:"timezone"`
	FanoutOutcome string `json:"fanout,omitempty"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Latitude == nil || request.Longitude == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.service.CreateEvent(c.Request.Context(), sos.CreateRequest{
		SubjectID:      c.GetString(subjectContextKey),
		EventID:        request.EventID,
		Latitude:       *request.Latitude,
		Longitude:      *request.Longitude,
		AccuracyMeters: request.Accuracy,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	payload := createResponsePayload{
		OK:           true,
		SOSID:        response.Event.EventID,
		Created:      response.Created,
		DayKey:       response.Event.DayKey,
		FamilyID:     response.Event.FamilyID,
		LimitPerDay:  response.LimitPerDay,
		MinIntervalS: int(response.MinInterval / time.Second),
		TimeZone:     response.TimeZone,
	}
	if response.Fanout != nil {
		payload.FanoutOutcome = string(response.Fanout.Outcome)
	}
	c.JSON(http.StatusOK, payload)
}

type resolveRequestPayload struct {
	FamilyID string `json:"family_id"`
	SOSID    string `json:"sos_id"`
}

func (h *httpHandler) handleResolve(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.service.ResolveEvent(c.Request.Context(), c.GetString(subjectContextKey), request.FamilyID, request.SOSID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "changed": result.Changed})
}

type registerTokenPayload struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (h *httpHandler) handleRegisterToken(c *gin.Context) {
	var request registerTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	subjectID := c.GetString(subjectContextKey)
	familyID, err := h.service.FamilyOf(c.Request.Context(), subjectID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	record, err := h.pushTokens.Register(c.Request.Context(), tokens.RegisterRequest{
		UserID:   subjectID,
		FamilyID: familyID,
		Token:    request.Token,
		Platform: request.Platform,
	})
	if err != nil {
		h.writeTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "token_hash": record.TokenHash, "family_id": familyID})
}

type unregisterTokenPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleUnregisterToken(c *gin.Context) {
	var request unregisterTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tokenHash, err := h.pushTokens.Unregister(c.Request.Context(), c.GetString(subjectContextKey), request.Token)
	if err != nil {
		h.writeTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "token_hash": tokenHash})
}

func (h *httpHandler) handleReminderTask(c *gin.Context) {
	var task tasks.ReminderTask
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.service.HandleReminder(c.Request.Context(), task)
	if err != nil {
		if errors.Is(err, sos.ErrInvalidArgument) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_task", "code": sos.ErrorCode(err)})
			return
		}
		h.logger.Warn("reminder task failed", zap.String("event_id", task.EventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reminder_failed", "code": sos.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": string(outcome)})
}

type realtimePayload struct {
	EventID   string  `json:"sosId"`
	FamilyID  string  `json:"familyId"`
	CreatedBy string  `json:"childUid,omitempty"`
	Status    string  `json:"status"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	familyID, err := h.service.FamilyOf(c.Request.Context(), c.GetString(subjectContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), familyID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimePayload{
				EventID:   message.EventID,
				FamilyID:  message.FamilyID,
				CreatedBy: message.CreatedBy,
				Status:    string(message.Status),
				Latitude:  message.Latitude,
				Longitude: message.Longitude,
				Timestamp: message.Timestamp.Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

func (h *httpHandler) authorizeSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.SubjectID())
	c.Next()
}

func (h *httpHandler) authorizeTask(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if _, err := h.taskTokens.ValidateToken(token); err != nil {
		h.logger.Warn("task token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// writeServiceError maps lifecycle errors onto HTTP statuses.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status, label := statusForError(err)
	body := gin.H{"error": label}
	if code := sos.ErrorCode(err); code != "" {
		body["code"] = code
	}
	details := sos.ErrorDetails(err)
	if len(details) > 0 {
		body["details"] = details
	}
	if status == http.StatusTooManyRequests {
		if retryAfterMs, ok := details["retry_after_ms"].(int64); ok && retryAfterMs > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(float64(retryAfterMs)/1000))))
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, sos.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, sos.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, sos.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, sos.ErrFailedPrecondition):
		return http.StatusPreconditionFailed, "failed_precondition"
	case errors.Is(err, sos.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, sos.ErrTooFrequent):
		return http.StatusTooManyRequests, "too_frequent"
	case errors.Is(err, sos.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sos.ErrTransientDelivery):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *httpHandler) writeTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tokens.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token"})
	case errors.Is(err, tokens.ErrInvalidPlatform):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_platform"})
	case errors.Is(err, tokens.ErrInvalidIdentifier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument"})
	default:
		h.logger.Error("push token update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
