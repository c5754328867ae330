package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SnapshotWorker consumes persist_snapshots_queue and UPSERTs session state to PostgreSQL.
type SnapshotWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewSnapshotWorker creates a new SnapshotWorker.
func NewSnapshotWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SnapshotWorker {
	return &SnapshotWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "snapshot_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *SnapshotWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SnapshotWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistSnapshotsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(result[1]), &snap); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	if err := w.persist(ctx, &snap); err != nil {
		w.log.Error().Err(err).
			Str("session_id", snap.SessionID.String()).
			Msg("Persist error, retrying in 5s")
		w.rdb.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

func (w *SnapshotWorker) persist(ctx context.Context, s *model.Snapshot) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return err
	}

	var finishedAt *time.Time
	if s.State.Terminal() {
		t := s.SavedAt
		finishedAt = &t
	}

	// Snapshots can arrive out of order; never overwrite a terminal row and
	// never move the violation total backwards.
	_, err = w.pool.Exec(ctx,
		`INSERT INTO proctor_sessions
		   (id, test_id, user_id, state, started_at, finished_at, duration_remaining, total_violations, answers, blocked_reason, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET state = EXCLUDED.state,
		     finished_at = EXCLUDED.finished_at,
		     duration_remaining = EXCLUDED.duration_remaining,
		     total_violations = GREATEST(proctor_sessions.total_violations, EXCLUDED.total_violations),
		     answers = EXCLUDED.answers,
		     blocked_reason = EXCLUDED.blocked_reason,
		     updated_at = EXCLUDED.updated_at
		 WHERE proctor_sessions.state NOT IN ('BLOCKED', 'FINISHED')`,
		s.SessionID, s.TestID, s.UserID, s.State, s.StartedAt, finishedAt,
		s.DurationRemaining, s.TotalViolations, answers, s.Reason, s.SavedAt,
	)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *SnapshotWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistSnapshotsQueue).Result()
		if err != nil {
			break
		}

		var snap model.Snapshot
		if err := json.Unmarshal([]byte(result), &snap); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persist(ctx, &snap); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistSnapshotsQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
