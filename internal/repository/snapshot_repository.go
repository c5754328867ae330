package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a key.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotRepository keeps resumable session snapshots in Redis and queues
// them for durable persistence.
type SnapshotRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotRepository creates a new SnapshotRepository. Snapshots expire
// after ttl of inactivity.
func NewSnapshotRepository(rdb *redis.Client, ttl time.Duration) *SnapshotRepository {
	return &SnapshotRepository{rdb: rdb, ttl: ttl}
}

// SaveSnapshot writes the snapshot, refreshes the user/test pointer and
// queues the snapshot for the SnapshotWorker, in one pipeline.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	sessionKey := config.CacheKey.SessionSnapshotKey(snap.SessionID.String())
	activeKey := config.CacheKey.ActiveSessionKey(snap.UserID, snap.TestID)

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey, data, r.ttl)
	if snap.State.Terminal() {
		// The pointer only ever tracks a Running session.
		pipe.Del(ctx, activeKey)
	} else {
		pipe.Set(ctx, activeKey, snap.SessionID.String(), r.ttl)
	}
	pipe.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for a session.
func (r *SnapshotRepository) Load(ctx context.Context, sessionID uuid.UUID) (*model.Snapshot, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.SessionSnapshotKey(sessionID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Answers == nil {
		snap.Answers = map[string]int{}
	}
	return &snap, nil
}

// LoadActive returns the snapshot of the user's in-progress session for a test.
func (r *SnapshotRepository) LoadActive(ctx context.Context, userID int, testID string) (*model.Snapshot, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.ActiveSessionKey(userID, testID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}

	sessionID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse active session id: %w", err)
	}
	return r.Load(ctx, sessionID)
}
