package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationWorker drains persist_violations_queue into proctor_audit_events.
type ViolationWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewViolationWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "violation_worker").Logger(),
	}
}

// Start batches audit records and flushes them by size or age. Call in a goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.AuditRecord, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		rec, err := decodeAuditRecord(result[1])
		if err != nil {
			// Malformed payloads cannot be retried.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed audit record")
			continue
		}

		buffer = append(buffer, rec)
	}
}

func decodeAuditRecord(raw string) (*model.AuditRecord, error) {
	var rec model.AuditRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	if rec.Event == "" {
		return nil, errors.New("audit record without event")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return &rec, nil
}

// flushSafe attempts bulk insert, then fallback insert, then requeue
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.AuditRecord) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*model.AuditRecord) error {
	rows := make([][]any, 0, len(batch))
	for _, r := range batch {
		rows = append(rows, auditRow(r))
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctor_audit_events"},
		auditColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

var auditColumns = []string{"event", "session_id", "user_id", "test_id", "category", "reason", "evidence_ref", "recorded_at"}

func auditRow(r *model.AuditRecord) []any {
	return []any{r.Event, r.SessionID, r.UserID, r.TestID, string(r.Category), r.Reason, r.EvidenceRef, r.Timestamp}
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.AuditRecord) {
	requeueList := make([]*model.AuditRecord, 0)

	for _, r := range batch {
		_, err := w.pool.Exec(ctx,
			`INSERT INTO proctor_audit_events (event, session_id, user_id, test_id, category, reason, evidence_ref, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			auditRow(r)...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", r.SessionID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, r)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.AuditRecord) {
	pipe := w.rdb.Pipeline()
	for _, r := range items {
		data, _ := json.Marshal(r)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue audit records to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Back off so a dead database is not hammered.
	time.Sleep(2 * time.Second)
}

func (w *ViolationWorker) shutdown(buffer []*model.AuditRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
