package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// Session lifecycle errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionForbidden = errors.New("session belongs to another user")
	ErrSessionEnded     = errors.New("exam session was blocked for this test")
)

// SnapshotStore keeps resumable snapshots.
type SnapshotStore interface {
	proctor.Persister
	Load(ctx context.Context, sessionID uuid.UUID) (*model.Snapshot, error)
	LoadActive(ctx context.Context, userID int, testID string) (*model.Snapshot, error)
}

// SessionStore keeps durable session rows.
type SessionStore interface {
	Create(ctx context.Context, s *model.ExamSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	ListByUser(ctx context.Context, userID int, testID string) ([]model.ExamSession, error)
}

// AuditHistory reads the persisted audit trail.
type AuditHistory interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AuditRecord, error)
	CountsByCategory(ctx context.Context, sessionID uuid.UUID) (map[model.Category]int64, error)
}

// StartResult is returned by Start.
type StartResult struct {
	View    proctor.View `json:"session"`
	Resumed bool         `json:"resumed"`
}

// ViolationHistory is the persisted audit trail of a session.
type ViolationHistory struct {
	SessionID uuid.UUID                `json:"session_id"`
	Counts    map[model.Category]int64 `json:"counts"`
	Events    []model.AuditRecord      `json:"events"`
}

// SessionService owns the live proctored sessions of this process.
type SessionService struct {
	snapshots SnapshotStore
	rows      SessionStore
	history   AuditHistory
	opts      proctor.Options
	deps      proctor.Deps
	log       zerolog.Logger

	startMu  sync.Mutex
	mu       sync.RWMutex
	sessions map[uuid.UUID]*proctor.Session
}

// NewSessionService creates a new SessionService. deps.OnClose is managed by
// the service and overwritten.
func NewSessionService(
	snapshots SnapshotStore,
	rows SessionStore,
	history AuditHistory,
	opts proctor.Options,
	deps proctor.Deps,
) *SessionService {
	s := &SessionService{
		snapshots: snapshots,
		rows:      rows,
		history:   history,
		opts:      opts,
		log:       deps.Log.With().Str("component", "session_service").Logger(),
		sessions:  make(map[uuid.UUID]*proctor.Session),
	}
	deps.OnClose = s.remove
	s.deps = deps
	return s
}

// OptionsFromConfig builds session options from the proctoring policy.
func OptionsFromConfig(cfg config.ProctorConfig) proctor.Options {
	return proctor.Options{
		MaxViolations:  cfg.MaxViolations,
		Cooldown:       cfg.Cooldown,
		Thresholds:     proctor.ThresholdsFromConfig(cfg),
		RecentEvents:   cfg.RecentEvents,
		SampleInterval: cfg.SampleInterval,
		TickInterval:   time.Second,
		Duration:       int(cfg.ExamDuration / time.Second),
		TabSwitchFatal: cfg.TabSwitchFatal,
		SourceTimeout:  cfg.SourceTimeout,
	}
}

// Start resumes the user's Running session for testID or begins a new one.
func (s *SessionService) Start(ctx context.Context, userID int, testID string) (*StartResult, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if sess := s.findLive(userID, testID); sess != nil {
		return &StartResult{View: sess.View(), Resumed: true}, nil
	}

	snap, err := s.snapshots.LoadActive(ctx, userID, testID)
	switch {
	case err == nil && snap.State == model.SessionStateRunning:
		return s.resume(snap)
	case err != nil && !errors.Is(err, repository.ErrSnapshotNotFound):
		return nil, fmt.Errorf("load active snapshot: %w", err)
	}

	previous, err := s.rows.ListByUser(ctx, userID, testID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	// A block is final for the test. A finished attempt may be followed by a
	// fresh one.
	for _, p := range previous {
		if p.State == model.SessionStateBlocked {
			return nil, ErrSessionEnded
		}
	}

	row := &model.ExamSession{
		ID:                uuid.New(),
		TestID:            testID,
		UserID:            userID,
		State:             model.SessionStateRunning,
		DurationRemaining: s.opts.Duration,
		Answers:           map[string]int{},
	}
	if err := s.rows.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess := proctor.NewSession(row.ID, testID, userID, row.StartedAt, s.opts, s.deps)
	s.add(sess)
	if err := sess.Start(); err != nil {
		s.remove(sess)
		return nil, err
	}
	return &StartResult{View: sess.View()}, nil
}

func (s *SessionService) resume(snap *model.Snapshot) (*StartResult, error) {
	sess := proctor.NewSession(snap.SessionID, snap.TestID, snap.UserID, snap.StartedAt, s.opts, s.deps)
	s.add(sess)
	if err := sess.Resume(*snap); err != nil {
		s.remove(sess)
		return nil, err
	}
	return &StartResult{View: sess.View(), Resumed: true}, nil
}

// Get returns the visible state of a session. Sessions no longer live in
// this process are read back from the snapshot or the durable row.
func (s *SessionService) Get(ctx context.Context, userID int, sessionID uuid.UUID) (*proctor.View, error) {
	if sess, err := s.live(userID, sessionID); err == nil {
		v := sess.View()
		return &v, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	snap, err := s.snapshots.Load(ctx, sessionID)
	if err == nil {
		if snap.UserID != userID {
			return nil, ErrSessionForbidden
		}
		v := proctor.ViewFromSnapshot(*snap, s.opts.MaxViolations)
		return &v, nil
	}
	if !errors.Is(err, repository.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	row, err := s.rows.GetByID(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if row.UserID != userID {
		return nil, ErrSessionForbidden
	}
	v := proctor.ViewFromSnapshot(model.Snapshot{
		SessionID:         row.ID,
		TestID:            row.TestID,
		UserID:            row.UserID,
		State:             row.State,
		StartedAt:         row.StartedAt,
		DurationRemaining: row.DurationRemaining,
		TotalViolations:   row.TotalViolations,
		Reason:            row.BlockedReason,
	}, s.opts.MaxViolations)
	return &v, nil
}

// Answer records an answer on a Running session.
func (s *SessionService) Answer(ctx context.Context, userID int, sessionID uuid.UUID, questionID string, choice int) (*proctor.View, error) {
	sess, err := s.running(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Answer(questionID, choice); err != nil {
		return nil, err
	}
	v := sess.View()
	return &v, nil
}

// Submit finishes a Running session and returns its answers.
func (s *SessionService) Submit(ctx context.Context, userID int, sessionID uuid.UUID) (map[string]int, error) {
	sess, err := s.running(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Submit()
}

// WindowEvent applies a browser-level event to a Running session.
func (s *SessionService) WindowEvent(ctx context.Context, userID int, sessionID uuid.UUID, kind model.WindowEventType) (*proctor.View, error) {
	sess, err := s.running(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := sess.WindowEvent(kind); err != nil {
		return nil, err
	}
	v := sess.View()
	return &v, nil
}

// Attach connects a client stream to a Running session.
func (s *SessionService) Attach(ctx context.Context, userID int, sessionID uuid.UUID, source proctor.CaptureSource, detector proctor.Detector, notifier proctor.Notifier) (*proctor.Session, func(), error) {
	sess, err := s.running(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	detach, err := sess.Attach(source, detector, notifier)
	if err != nil {
		return nil, nil, err
	}
	return sess, detach, nil
}

// Violations returns the persisted audit trail of a session.
func (s *SessionService) Violations(ctx context.Context, userID int, sessionID uuid.UUID) (*ViolationHistory, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	events, err := s.history.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	counts, err := s.history.CountsByCategory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}
	if events == nil {
		events = []model.AuditRecord{}
	}
	return &ViolationHistory{SessionID: sessionID, Counts: counts, Events: events}, nil
}

// Active returns the number of live sessions.
func (s *SessionService) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops every live session's background work. Running sessions
// keep their snapshots and can be resumed.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	live := make([]*proctor.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessions = make(map[uuid.UUID]*proctor.Session)
	s.mu.Unlock()

	for _, sess := range live {
		sess.Close()
	}
	s.log.Info().Int("count", len(live)).Msg("Sessions closed")
}

// running returns the live session, resuming it from its snapshot when this
// process does not hold it yet. Known sessions that ended yield
// proctor.ErrNotRunning.
func (s *SessionService) running(ctx context.Context, userID int, sessionID uuid.UUID) (*proctor.Session, error) {
	sess, err := s.live(userID, sessionID)
	if !errors.Is(err, ErrSessionNotFound) {
		return sess, err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if sess, err := s.live(userID, sessionID); !errors.Is(err, ErrSessionNotFound) {
		return sess, err
	}

	snap, err := s.snapshots.Load(ctx, sessionID)
	if err == nil && snap.State == model.SessionStateRunning {
		if snap.UserID != userID {
			return nil, ErrSessionForbidden
		}
		res, err := s.resume(snap)
		if err != nil {
			return nil, err
		}
		if res.View.State != model.SessionStateRunning {
			return nil, proctor.ErrNotRunning
		}
		return s.live(userID, sessionID)
	}

	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return nil, proctor.ErrNotRunning
}

func (s *SessionService) live(userID int, sessionID uuid.UUID) (*proctor.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.UserID() != userID {
		return nil, ErrSessionForbidden
	}
	return sess, nil
}

func (s *SessionService) findLive(userID int, testID string) *proctor.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.UserID() == userID && sess.TestID() == testID && sess.State() == model.SessionStateRunning {
			return sess
		}
	}
	return nil
}

func (s *SessionService) add(sess *proctor.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *SessionService) remove(sess *proctor.Session) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.ID()]; ok && cur == sess {
		delete(s.sessions, sess.ID())
	}
	s.mu.Unlock()
}
