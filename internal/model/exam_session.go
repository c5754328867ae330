package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates proctored exam session states.
type SessionState string

const (
	SessionStateNotStarted SessionState = "NOT_STARTED"
	SessionStateRunning    SessionState = "RUNNING"
	SessionStateBlocked    SessionState = "BLOCKED"
	SessionStateFinished   SessionState = "FINISHED"
)

// Terminal reports whether no further transition is possible from s.
func (s SessionState) Terminal() bool {
	return s == SessionStateBlocked || s == SessionStateFinished
}

// ExamSession is the durable record of one proctored attempt.
type ExamSession struct {
	ID                uuid.UUID      `json:"id"`
	TestID            string         `json:"test_id"`
	UserID            int            `json:"user_id"`
	State             SessionState   `json:"state"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	DurationRemaining int            `json:"duration_remaining"`
	TotalViolations   int            `json:"total_violations"`
	Answers           map[string]int `json:"answers"`
	BlockedReason     string         `json:"blocked_reason,omitempty"`
}

// Snapshot is the resumable state of a running session. It is written on
// every answer, timer tick and counter change.
type Snapshot struct {
	SessionID         uuid.UUID        `json:"session_id"`
	TestID            string           `json:"test_id"`
	UserID            int              `json:"user_id"`
	State             SessionState     `json:"state"`
	StartedAt         time.Time        `json:"started_at"`
	Answers           map[string]int   `json:"answers"`
	DurationRemaining int              `json:"duration_remaining"`
	TotalViolations   int              `json:"total_violations"`
	Counters          map[Category]int `json:"counters,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	SavedAt           time.Time        `json:"saved_at"`
}

// StartSessionRequest is the payload for starting or resuming a session.
type StartSessionRequest struct {
	TestID string `json:"test_id" binding:"required,min=1,max=64"`
}

// AnswerRequest records a single answer choice.
type AnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,min=1,max=64"`
	Choice     *int   `json:"choice" binding:"required,min=0"`
}

// WindowEventRequest reports a browser-level event.
type WindowEventRequest struct {
	Type WindowEventType `json:"type" binding:"required,window_event"`
}
