package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
}

func setupSessionRouter(m *fakeManager) *gin.Engine {
	h := NewSessionHandler(m, zerolog.Nop())
	r := gin.New()
	api := r.Group("/api/v1/proctor", middleware.RequireStudentJWT(fakeTokens{}))
	api.POST("/sessions", h.StartSession)
	api.GET("/sessions/:session_id", h.GetSession)
	api.PUT("/sessions/:session_id/answers", h.SaveAnswer)
	api.POST("/sessions/:session_id/events", h.ReportWindowEvent)
	api.POST("/sessions/:session_id/submit", h.SubmitSession)
	api.GET("/sessions/:session_id/violations", h.ListViolations)
	return r
}

func doRequest(t *testing.T, r http.Handler, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func runningView() *proctor.View {
	return &proctor.View{
		SessionID:          uuid.New(),
		TestID:             "test-1",
		UserID:             42,
		State:              model.SessionStateRunning,
		Decision:           proctor.DecisionAllow,
		DurationRemaining:  3600,
		MaxViolations:      5,
		RemainingAllowance: 5,
	}
}

func TestStartSession(t *testing.T) {
	view := runningView()
	m := &fakeManager{startRes: &service.StartResult{View: *view}}
	r := setupSessionRouter(m)

	w, env := doRequest(t, r, http.MethodPost, "/api/v1/proctor/sessions", studentToken, gin.H{"test_id": "test-1"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Nil(t, env.Error)
	assert.Equal(t, 42, m.gotUserID)
	assert.Equal(t, "test-1", m.gotTestID)

	var data service.StartResult
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, view.SessionID, data.View.SessionID)
	assert.False(t, data.Resumed)

	m.startRes = &service.StartResult{View: *view, Resumed: true}
	w, _ = doRequest(t, r, http.MethodPost, "/api/v1/proctor/sessions", studentToken, gin.H{"test_id": "test-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartSessionValidation(t *testing.T) {
	r := setupSessionRouter(&fakeManager{})

	w, env := doRequest(t, r, http.MethodPost, "/api/v1/proctor/sessions", studentToken, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Fields, "test_id")
}

func TestStartSessionEnded(t *testing.T) {
	r := setupSessionRouter(&fakeManager{err: service.ErrSessionEnded})

	w, env := doRequest(t, r, http.MethodPost, "/api/v1/proctor/sessions", studentToken, gin.H{"test_id": "test-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SESSION_ENDED", env.Error.Code)
}

func TestSessionAuth(t *testing.T) {
	r := setupSessionRouter(&fakeManager{view: runningView()})
	path := "/api/v1/proctor/sessions/" + uuid.NewString()

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, "TOKEN_REQUIRED"},
		{"invalid", "garbage", http.StatusUnauthorized, "TOKEN_INVALID"},
		{"expired", expiredToken, http.StatusUnauthorized, "TOKEN_EXPIRED"},
		{"admin", adminToken, http.StatusForbidden, "STUDENT_ACCESS_ONLY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := doRequest(t, r, http.MethodGet, path, tt.token, nil)
			assert.Equal(t, tt.status, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestGetSession(t *testing.T) {
	view := runningView()
	r := setupSessionRouter(&fakeManager{view: view})

	w, env := doRequest(t, r, http.MethodGet, "/api/v1/proctor/sessions/"+view.SessionID.String(), studentToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Session proctor.View `json:"session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, view.SessionID, data.Session.SessionID)
	assert.Equal(t, proctor.DecisionAllow, data.Session.Decision)

	w, env = doRequest(t, r, http.MethodGet, "/api/v1/proctor/sessions/not-a-uuid", studentToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", env.Error.Code)
}

func TestSessionErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
		{service.ErrSessionForbidden, http.StatusForbidden, "FORBIDDEN"},
		{proctor.ErrNotRunning, http.StatusConflict, "SESSION_NOT_RUNNING"},
		{proctor.ErrNotResumable, http.StatusConflict, "SESSION_NOT_RUNNING"},
		{errors.New("redis down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			r := setupSessionRouter(&fakeManager{err: tt.err})
			w, env := doRequest(t, r, http.MethodGet, "/api/v1/proctor/sessions/"+uuid.NewString(), studentToken, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestSaveAnswer(t *testing.T) {
	m := &fakeManager{view: runningView()}
	r := setupSessionRouter(m)
	path := "/api/v1/proctor/sessions/" + uuid.NewString() + "/answers"

	w, _ := doRequest(t, r, http.MethodPut, path, studentToken, gin.H{"question_id": "q1", "choice": 0})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "q1", m.gotQuestion)
	assert.Equal(t, 0, m.gotChoice)

	w, env := doRequest(t, r, http.MethodPut, path, studentToken, gin.H{"question_id": "q1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Error.Fields, "choice")

	w, _ = doRequest(t, r, http.MethodPut, path, studentToken, gin.H{"question_id": "q1", "choice": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportWindowEvent(t *testing.T) {
	m := &fakeManager{view: runningView()}
	r := setupSessionRouter(m)
	path := "/api/v1/proctor/sessions/" + uuid.NewString() + "/events"

	w, _ := doRequest(t, r, http.MethodPost, path, studentToken, gin.H{"type": "fullscreen_exit"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.WindowFullscreenExit, m.gotEvent)

	w, env := doRequest(t, r, http.MethodPost, path, studentToken, gin.H{"type": "print_screen"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "type has an unknown value", env.Error.Fields["type"])
}

func TestSubmitSession(t *testing.T) {
	r := setupSessionRouter(&fakeManager{answers: map[string]int{"q1": 2}})

	w, env := doRequest(t, r, http.MethodPost, "/api/v1/proctor/sessions/"+uuid.NewString()+"/submit", studentToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Status  string         `json:"status"`
		Answers map[string]int `json:"answers"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "submitted", data.Status)
	assert.Equal(t, map[string]int{"q1": 2}, data.Answers)
}

func TestListViolations(t *testing.T) {
	id := uuid.New()
	r := setupSessionRouter(&fakeManager{history: &service.ViolationHistory{
		SessionID: id,
		Counts:    map[model.Category]int64{model.CategoryNoFace: 2},
		Events:    []model.AuditRecord{{Event: model.AuditEventViolation, Category: model.CategoryNoFace}},
	}})

	w, env := doRequest(t, r, http.MethodGet, "/api/v1/proctor/sessions/"+id.String()+"/violations", studentToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var data service.ViolationHistory
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, int64(2), data.Counts[model.CategoryNoFace])
	assert.Len(t, data.Events, 1)
}
