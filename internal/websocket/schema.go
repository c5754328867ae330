package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSample      Action = "sample"
	ActionWindowEvent Action = "window_event"
	ActionAnswer      Action = "answer"
	ActionSubmit      Action = "submit"
	ActionSourceLost  Action = "source_lost"
	ActionPing        Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// SampleRequest carries one detection sample produced by the client-side
// models. Image is a base64 JPEG and may be omitted on most samples.
type SampleRequest struct {
	Action     Action                 `json:"action"`
	Seq        uint64                 `json:"seq"`
	CapturedAt int64                  `json:"captured_at"` // unix millis
	Faces      []model.Face           `json:"faces"`
	Objects    []model.DetectedObject `json:"objects"`
	Spectrum   []int                  `json:"spectrum"`
	Image      []byte                 `json:"image,omitempty"`
}

// WindowEventRequest reports a browser-level event.
type WindowEventRequest struct {
	Action Action                `json:"action"`
	Type   model.WindowEventType `json:"type"`
}

// AnswerRequest records a single answer.
type AnswerRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
	Choice     *int   `json:"choice"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventStarted    Event = "started"
	EventViolation  Event = "violation"
	EventBlocked    Event = "blocked"
	EventFinished   Event = "finished"
	EventTick       Event = "tick"
	EventSaved      Event = "saved"
	EventSubmitted  Event = "submitted"
	EventFullscreen Event = "fullscreen"
	EventError      Event = "error"
	EventPong       Event = "pong"
)

// SessionResponse carries the session view for lifecycle events.
type SessionResponse struct {
	Event   Event        `json:"event"`
	Session proctor.View `json:"session"`
}

// ViolationResponse announces an accepted violation.
type ViolationResponse struct {
	Event     Event                `json:"event"`
	Violation model.ViolationEvent `json:"violation"`
	Session   proctor.View         `json:"session"`
}

type TickResponse struct {
	Event     Event `json:"event"`
	Remaining int   `json:"remaining"`
}

type SavedResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
}

type SubmittedResponse struct {
	Event   Event          `json:"event"`
	Answers map[string]int `json:"answers"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

// SimpleResponse is an event without payload (pong, fullscreen).
type SimpleResponse struct {
	Event Event `json:"event"`
}
