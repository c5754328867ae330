package proctor

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// EvidenceStore persists a violation still and returns a reference to it.
type EvidenceStore interface {
	Store(ctx context.Context, sessionID uuid.UUID, cat model.Category, image []byte) (string, error)
}

// AuditSink receives audit records.
type AuditSink interface {
	Record(ctx context.Context, rec model.AuditRecord) error
}

// Dispatcher runs jobs in the background. Dispatch must not block; it
// returns false when the job was dropped.
type Dispatcher interface {
	Dispatch(job func(ctx context.Context)) bool
}

// EvidencePublisher captures evidence on the caller's goroutine and hands
// delivery to a Dispatcher. Delivery is best effort.
type EvidencePublisher struct {
	store     EvidenceStore
	audit     AuditSink
	dispatch  Dispatcher
	sessionID uuid.UUID
	userID    int
	testID    string
	now       func() time.Time
	log       zerolog.Logger
}

// NewEvidencePublisher creates a publisher bound to one session.
func NewEvidencePublisher(store EvidenceStore, audit AuditSink, dispatch Dispatcher, sessionID uuid.UUID, userID int, testID string, log zerolog.Logger) *EvidencePublisher {
	return &EvidencePublisher{
		store:     store,
		audit:     audit,
		dispatch:  dispatch,
		sessionID: sessionID,
		userID:    userID,
		testID:    testID,
		now:       time.Now,
		log:       log.With().Str("component", "evidence").Logger(),
	}
}

// PublishViolation uploads image (if any) and then records the audit entry.
// image is copied before this call returns.
func (p *EvidencePublisher) PublishViolation(ev model.ViolationEvent, image []byte) {
	still := bytes.Clone(image)
	rec := model.AuditRecord{
		Event:     model.AuditEventViolation,
		UserID:    p.userID,
		SessionID: p.sessionID,
		TestID:    p.testID,
		Category:  ev.Category,
		Reason:    ev.Message,
		Timestamp: ev.Timestamp,
	}

	p.submit(func(ctx context.Context) {
		if len(still) > 0 && p.store != nil {
			ref, err := p.store.Store(ctx, p.sessionID, ev.Category, still)
			if err != nil {
				metrics.EvidenceFailures.WithLabelValues("upload").Inc()
				p.log.Warn().Err(err).Str("category", string(ev.Category)).Msg("Evidence upload failed")
			} else {
				rec.EvidenceRef = ref
			}
		}
		p.record(ctx, rec)
	})
}

// PublishTerminal records the session's terminal transition.
func (p *EvidencePublisher) PublishTerminal(state model.SessionState, reason string) {
	event := model.AuditEventFinished
	if state == model.SessionStateBlocked {
		event = model.AuditEventBlocked
	}
	rec := model.AuditRecord{
		Event:     event,
		UserID:    p.userID,
		SessionID: p.sessionID,
		TestID:    p.testID,
		Reason:    reason,
		Timestamp: p.now(),
	}
	p.submit(func(ctx context.Context) { p.record(ctx, rec) })
}

func (p *EvidencePublisher) record(ctx context.Context, rec model.AuditRecord) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, rec); err != nil {
		metrics.EvidenceFailures.WithLabelValues("audit").Inc()
		p.log.Warn().Err(err).Str("event", rec.Event).Msg("Audit record failed")
	}
}

func (p *EvidencePublisher) submit(job func(ctx context.Context)) {
	if p.dispatch == nil || !p.dispatch.Dispatch(job) {
		metrics.EvidenceFailures.WithLabelValues("dropped").Inc()
		p.log.Warn().Msg("Evidence queue full, dropping job")
	}
}
