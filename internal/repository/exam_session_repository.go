package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamSessionRepository handles proctored session rows.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// Create inserts a new Running session and fills in its start time.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO proctor_sessions (id, test_id, user_id, state, duration_remaining, total_violations, answers)
		 VALUES ($1, $2, $3, $4, $5, 0, $6::jsonb)
		 RETURNING started_at`,
		s.ID, s.TestID, s.UserID, s.State, s.DurationRemaining, answers,
	).Scan(&s.StartedAt)
}

// GetByID retrieves a session row.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	var answers []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, test_id, user_id, state, started_at, finished_at, duration_remaining,
		        total_violations, answers, COALESCE(blocked_reason, '')
		 FROM proctor_sessions
		 WHERE id = $1`, id,
	).Scan(&s.ID, &s.TestID, &s.UserID, &s.State, &s.StartedAt, &s.FinishedAt,
		&s.DurationRemaining, &s.TotalViolations, &answers, &s.BlockedReason)
	if err != nil {
		return nil, err
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &s.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	return s, nil
}

// ListByUser retrieves all sessions of a user for a test, newest first.
func (r *ExamSessionRepository) ListByUser(ctx context.Context, userID int, testID string) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, test_id, user_id, state, started_at, finished_at, duration_remaining,
		        total_violations, COALESCE(blocked_reason, '')
		 FROM proctor_sessions
		 WHERE user_id = $1 AND test_id = $2
		 ORDER BY started_at DESC`, userID, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		var s model.ExamSession
		if err := rows.Scan(&s.ID, &s.TestID, &s.UserID, &s.State, &s.StartedAt, &s.FinishedAt,
			&s.DurationRemaining, &s.TotalViolations, &s.BlockedReason); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
