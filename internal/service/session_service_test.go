package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore stands in for Redis snapshots and Postgres rows. Saving a
// snapshot also updates the row, like the snapshot worker does.
type memStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]model.Snapshot
	active    map[string]uuid.UUID
	rows      map[uuid.UUID]model.ExamSession
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[uuid.UUID]model.Snapshot),
		active:    make(map[string]uuid.UUID),
		rows:      make(map[uuid.UUID]model.ExamSession),
	}
}

func activeKey(userID int, testID string) string {
	return fmt.Sprintf("%d/%s", userID, testID)
}

func (m *memStore) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.SessionID] = snap
	key := activeKey(snap.UserID, snap.TestID)
	if snap.State.Terminal() {
		delete(m.active, key)
	} else {
		m.active[key] = snap.SessionID
	}
	if row, ok := m.rows[snap.SessionID]; ok {
		row.State = snap.State
		row.TotalViolations = snap.TotalViolations
		row.DurationRemaining = snap.DurationRemaining
		row.BlockedReason = snap.Reason
		m.rows[snap.SessionID] = row
	}
	return nil
}

func (m *memStore) Load(ctx context.Context, sessionID uuid.UUID) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[sessionID]
	if !ok {
		return nil, repository.ErrSnapshotNotFound
	}
	return &snap, nil
}

func (m *memStore) LoadActive(ctx context.Context, userID int, testID string) (*model.Snapshot, error) {
	m.mu.Lock()
	id, ok := m.active[activeKey(userID, testID)]
	m.mu.Unlock()
	if !ok {
		return nil, repository.ErrSnapshotNotFound
	}
	return m.Load(ctx, id)
}

func (m *memStore) Create(ctx context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.StartedAt = time.Now()
	m.rows[s.ID] = *s
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &row, nil
}

func (m *memStore) ListByUser(ctx context.Context, userID int, testID string) ([]model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ExamSession
	for _, row := range m.rows {
		if row.UserID == userID && row.TestID == testID {
			out = append(out, row)
		}
	}
	return out, nil
}

// forget drops the snapshot, leaving only the durable row.
func (m *memStore) forget(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
}

type memHistory struct {
	events []model.AuditRecord
}

func (h *memHistory) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AuditRecord, error) {
	return h.events, nil
}

func (h *memHistory) CountsByCategory(ctx context.Context, sessionID uuid.UUID) (map[model.Category]int64, error) {
	counts := make(map[model.Category]int64)
	for _, ev := range h.events {
		if ev.Event == model.AuditEventViolation {
			counts[ev.Category]++
		}
	}
	return counts, nil
}

type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(job func(ctx context.Context)) bool {
	job(context.Background())
	return true
}

func testSessionOptions() proctor.Options {
	return proctor.Options{
		MaxViolations:  5,
		Cooldown:       2 * time.Second,
		Thresholds:     proctor.DefaultThresholds(),
		RecentEvents:   3,
		SampleInterval: 10 * time.Millisecond,
		TickInterval:   time.Hour,
		Duration:       3600,
		TabSwitchFatal: true,
	}
}

func newTestSessionService(t *testing.T, store *memStore, history AuditHistory) *SessionService {
	t.Helper()
	svc := NewSessionService(store, store, history, testSessionOptions(), proctor.Deps{
		Persister: store,
		Dispatch:  inlineDispatcher{},
		Log:       zerolog.Nop(),
	})
	t.Cleanup(svc.Shutdown)
	return svc
}

func TestSessionServiceStartIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestSessionService(t, store, &memHistory{})
	ctx := context.Background()

	first, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	assert.False(t, first.Resumed)
	assert.Equal(t, model.SessionStateRunning, first.View.State)
	assert.Equal(t, 3600, first.View.DurationRemaining)
	assert.Equal(t, 1, svc.Active())

	second, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.View.SessionID, second.View.SessionID)

	other, err := svc.Start(ctx, 43, "test-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.View.SessionID, other.View.SessionID)
	assert.Equal(t, 2, svc.Active())
}

func TestSessionServiceResumesAfterRestart(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	before := newTestSessionService(t, store, &memHistory{})
	started, err := before.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	_, err = before.Answer(ctx, 42, started.View.SessionID, "q1", 2)
	require.NoError(t, err)
	before.Shutdown()

	after := newTestSessionService(t, store, &memHistory{})
	resumed, err := after.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, started.View.SessionID, resumed.View.SessionID)

	answers, err := after.Submit(ctx, 42, started.View.SessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"q1": 2}, answers)
}

func TestSessionServiceActionResumesSnapshot(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	before := newTestSessionService(t, store, &memHistory{})
	started, err := before.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	before.Shutdown()

	after := newTestSessionService(t, store, &memHistory{})
	view, err := after.Answer(ctx, 42, started.View.SessionID, "q1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateRunning, view.State)
	assert.Equal(t, 1, after.Active())

	_, err = after.Answer(ctx, 7, started.View.SessionID, "q1", 1)
	assert.ErrorIs(t, err, ErrSessionForbidden)
}

func TestSessionServiceBlockedSession(t *testing.T) {
	store := newMemStore()
	svc := newTestSessionService(t, store, &memHistory{})
	ctx := context.Background()

	started, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	id := started.View.SessionID

	view, err := svc.WindowEvent(ctx, 42, id, model.WindowFullscreenExit)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateBlocked, view.State)
	assert.Equal(t, proctor.DecisionBlock, view.Decision)
	assert.Equal(t, 0, svc.Active())

	got, err := svc.Get(ctx, 42, id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateBlocked, got.State)
	assert.Equal(t, model.ReasonFullscreenExit, got.Reason)

	_, err = svc.Answer(ctx, 42, id, "q1", 1)
	assert.ErrorIs(t, err, proctor.ErrNotRunning)

	_, err = svc.Start(ctx, 42, "test-1")
	assert.ErrorIs(t, err, ErrSessionEnded)

	// Without the snapshot the durable row still answers.
	store.forget(id)
	got, err = svc.Get(ctx, 42, id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateBlocked, got.State)
}

func TestSessionServiceSubmit(t *testing.T) {
	store := newMemStore()
	svc := newTestSessionService(t, store, &memHistory{})
	ctx := context.Background()

	started, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	id := started.View.SessionID

	_, err = svc.Answer(ctx, 42, id, "q1", 3)
	require.NoError(t, err)

	answers, err := svc.Submit(ctx, 42, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"q1": 3}, answers)

	_, err = svc.Submit(ctx, 42, id)
	assert.ErrorIs(t, err, proctor.ErrNotRunning)

	got, err := svc.Get(ctx, 42, id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateFinished, got.State)
}

func TestSessionServiceStartAfterFinishBeginsFreshSession(t *testing.T) {
	store := newMemStore()
	svc := newTestSessionService(t, store, &memHistory{})
	ctx := context.Background()

	first, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	_, err = svc.Answer(ctx, 42, first.View.SessionID, "q1", 2)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, 42, first.View.SessionID)
	require.NoError(t, err)

	second, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)
	assert.False(t, second.Resumed)
	assert.NotEqual(t, first.View.SessionID, second.View.SessionID)
	assert.Equal(t, model.SessionStateRunning, second.View.State)
	assert.Zero(t, second.View.TotalViolations)

	got, err := svc.Get(ctx, 42, first.View.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateFinished, got.State)
}

func TestSessionServiceGetErrors(t *testing.T) {
	store := newMemStore()
	svc := newTestSessionService(t, store, &memHistory{})
	ctx := context.Background()

	_, err := svc.Get(ctx, 42, uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	started, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)

	_, err = svc.Get(ctx, 7, started.View.SessionID)
	assert.ErrorIs(t, err, ErrSessionForbidden)

	_, err = svc.Answer(ctx, 42, uuid.New(), "q1", 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionServiceViolations(t *testing.T) {
	store := newMemStore()
	history := &memHistory{events: []model.AuditRecord{
		{Event: model.AuditEventViolation, Category: model.CategoryNoFace},
		{Event: model.AuditEventViolation, Category: model.CategoryNoFace},
		{Event: model.AuditEventBlocked, Reason: model.ReasonMaxViolations},
	}}
	svc := newTestSessionService(t, store, history)
	ctx := context.Background()

	started, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)

	got, err := svc.Violations(ctx, 42, started.View.SessionID)
	require.NoError(t, err)
	assert.Len(t, got.Events, 3)
	assert.Equal(t, int64(2), got.Counts[model.CategoryNoFace])

	_, err = svc.Violations(ctx, 7, started.View.SessionID)
	assert.ErrorIs(t, err, ErrSessionForbidden)
}

func TestSessionServiceShutdownKeepsSnapshots(t *testing.T) {
	store := newMemStore()
	svc := newTestSessionService(t, store, &memHistory{})
	ctx := context.Background()

	started, err := svc.Start(ctx, 42, "test-1")
	require.NoError(t, err)

	svc.Shutdown()
	assert.Equal(t, 0, svc.Active())

	snap, err := store.Load(ctx, started.View.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateRunning, snap.State)
}
