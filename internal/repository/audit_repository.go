package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AuditRepository reads the persisted audit trail.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// ListBySession returns a session's audit events, oldest first.
func (r *AuditRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AuditRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event, session_id, user_id, test_id, category, reason, evidence_ref, recorded_at
		 FROM proctor_audit_events
		 WHERE session_id = $1
		 ORDER BY recorded_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var category string
		if err := rows.Scan(&rec.Event, &rec.SessionID, &rec.UserID, &rec.TestID,
			&category, &rec.Reason, &rec.EvidenceRef, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Category = model.Category(category)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountsByCategory returns the number of violation events per category for a session.
func (r *AuditRepository) CountsByCategory(ctx context.Context, sessionID uuid.UUID) (map[model.Category]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT category, COUNT(*)
		 FROM proctor_audit_events
		 WHERE session_id = $1 AND event = 'VIOLATION'
		 GROUP BY category`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.Category]int64)
	for rows.Next() {
		var cat string
		var count int64
		if err := rows.Scan(&cat, &count); err != nil {
			return nil, err
		}
		counts[model.Category(cat)] = count
	}
	return counts, rows.Err()
}
