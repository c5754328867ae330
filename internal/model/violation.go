package model

import (
	"time"

	"github.com/google/uuid"
)

// Category names a soft violation counter.
type Category string

const (
	CategoryNoFace           Category = "no_face"
	CategoryMultiFace        Category = "multi_face"
	CategoryEyesClosed       Category = "eyes_closed"
	CategoryLookingDown      Category = "looking_down"
	CategoryLoudNoise        Category = "loud_noise"
	CategoryProhibitedObject Category = "prohibited_object"
	CategoryTabSwitch        Category = "tab_switch"
)

// Categories lists every soft category in evaluation order.
var Categories = []Category{
	CategoryNoFace,
	CategoryMultiFace,
	CategoryEyesClosed,
	CategoryLookingDown,
	CategoryLoudNoise,
	CategoryProhibitedObject,
	CategoryTabSwitch,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// WindowEventType enumerates browser-level signals.
type WindowEventType string

const (
	WindowVisibilityHidden WindowEventType = "visibility_hidden"
	WindowFullscreenExit   WindowEventType = "fullscreen_exit"
	WindowDevtools         WindowEventType = "devtools_shortcut"
	WindowContextMenu      WindowEventType = "context_menu"
)

// Valid reports whether t is a known window event.
func (t WindowEventType) Valid() bool {
	switch t {
	case WindowVisibilityHidden, WindowFullscreenExit, WindowDevtools, WindowContextMenu:
		return true
	}
	return false
}

// Fatal reasons recorded when a session is blocked outside the soft path.
const (
	ReasonFullscreenExit = "fullscreen_exit"
	ReasonDevtools       = "devtools_shortcut"
	ReasonTabSwitch      = "tab_switch"
	ReasonSourceLost     = "capture_source_lost"
	ReasonMaxViolations  = "max_violations"
	ReasonSubmitted      = "submitted"
	ReasonTimeUp         = "time_up"
)

// ViolationEvent is an accepted, post-cooldown violation. Immutable once created.
type ViolationEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Category    Category  `json:"category"`
	Message     string    `json:"message"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
}

// Audit event names.
const (
	AuditEventViolation = "VIOLATION"
	AuditEventBlocked   = "BLOCKED"
	AuditEventFinished  = "FINISHED"
)

// AuditRecord is the structured record sent to the audit trail.
type AuditRecord struct {
	Event       string    `json:"event"`
	UserID      int       `json:"user_id"`
	SessionID   uuid.UUID `json:"session_id"`
	TestID      string    `json:"test_id"`
	Category    Category  `json:"category,omitempty"`
	Reason      string    `json:"reason"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
