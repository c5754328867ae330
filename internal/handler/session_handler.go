package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionManager is the session lifecycle used by the HTTP and stream handlers.
type SessionManager interface {
	Start(ctx context.Context, userID int, testID string) (*service.StartResult, error)
	Get(ctx context.Context, userID int, sessionID uuid.UUID) (*proctor.View, error)
	Answer(ctx context.Context, userID int, sessionID uuid.UUID, questionID string, choice int) (*proctor.View, error)
	Submit(ctx context.Context, userID int, sessionID uuid.UUID) (map[string]int, error)
	WindowEvent(ctx context.Context, userID int, sessionID uuid.UUID, kind model.WindowEventType) (*proctor.View, error)
	Violations(ctx context.Context, userID int, sessionID uuid.UUID) (*service.ViolationHistory, error)
	Attach(ctx context.Context, userID int, sessionID uuid.UUID, source proctor.CaptureSource, detector proctor.Detector, notifier proctor.Notifier) (*proctor.Session, func(), error)
}

// SessionHandler handles the proctored session REST endpoints.
type SessionHandler struct {
	sessions SessionManager
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionManager, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/proctor/sessions
// Starts a proctored session, or resumes the caller's running one.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.Start(c.Request.Context(), claims.UserID, req.TestID)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, res)
}

// GetSession godoc
// GET /api/v1/proctor/sessions/:session_id
// Returns state, remaining time, counters and the recent violation log.
func (h *SessionHandler) GetSession(c *gin.Context) {
	claims, sessionID, ok := h.target(c)
	if !ok {
		return
	}

	view, err := h.sessions.Get(c.Request.Context(), claims.UserID, sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// SaveAnswer godoc
// PUT /api/v1/proctor/sessions/:session_id/answers
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	claims, sessionID, ok := h.target(c)
	if !ok {
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.Answer(c.Request.Context(), claims.UserID, sessionID, req.QuestionID, *req.Choice)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// ReportWindowEvent godoc
// POST /api/v1/proctor/sessions/:session_id/events
// Applies a browser-level event (tab switch, fullscreen exit, devtools).
func (h *SessionHandler) ReportWindowEvent(c *gin.Context) {
	claims, sessionID, ok := h.target(c)
	if !ok {
		return
	}

	var req model.WindowEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.WindowEvent(c.Request.Context(), claims.UserID, sessionID, req.Type)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// SubmitSession godoc
// POST /api/v1/proctor/sessions/:session_id/submit
func (h *SessionHandler) SubmitSession(c *gin.Context) {
	claims, sessionID, ok := h.target(c)
	if !ok {
		return
	}

	answers, err := h.sessions.Submit(c.Request.Context(), claims.UserID, sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "submitted", "answers": answers})
}

// ListViolations godoc
// GET /api/v1/proctor/sessions/:session_id/violations
// Returns the persisted audit trail of the session.
func (h *SessionHandler) ListViolations(c *gin.Context) {
	claims, sessionID, ok := h.target(c)
	if !ok {
		return
	}

	history, err := h.sessions.Violations(c.Request.Context(), claims.UserID, sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, history)
}

func (h *SessionHandler) target(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, sessionID, true
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
	case errors.Is(err, service.ErrSessionForbidden):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	case errors.Is(err, service.ErrSessionEnded):
		response.Fail(c, http.StatusConflict, response.ErrSessionEnded)
	case errors.Is(err, proctor.ErrNotRunning), errors.Is(err, proctor.ErrNotResumable):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotRunning)
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Session request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
