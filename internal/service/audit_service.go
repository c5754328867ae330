package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AuditService fans an audit record out to the persistence queue, the live
// monitor channel and, when configured, the external audit endpoint.
type AuditService struct {
	rdb      *redis.Client
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

// NewAuditService creates a new AuditService.
func NewAuditService(cfg *config.Config, rdb *redis.Client, client *http.Client, log zerolog.Logger) *AuditService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &AuditService{
		rdb:      rdb,
		endpoint: cfg.AuditEndpoint,
		client:   client,
		log:      log.With().Str("component", "audit_service").Logger(),
	}
}

// auditPayload is the body accepted by the external audit endpoint.
type auditPayload struct {
	Event  string    `json:"event"`
	UserID int       `json:"user_id"`
	Data   auditData `json:"data"`
}

type auditData struct {
	Reason    string         `json:"reason"`
	TestID    string         `json:"test_id"`
	SessionID string         `json:"session_id"`
	Category  model.Category `json:"category,omitempty"`
	Snapshot  string         `json:"snapshot,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Record queues rec for persistence and broadcasts it. The queue write is
// the only step whose failure is returned; the others are logged.
func (s *AuditService) Record(ctx context.Context, rec model.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	pipe.Publish(ctx, config.CacheKey.TestMonitorChannel(rec.TestID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue audit record: %w", err)
	}

	if s.endpoint != "" {
		if err := s.post(ctx, rec); err != nil {
			s.log.Warn().Err(err).
				Str("event", rec.Event).
				Str("session_id", rec.SessionID.String()).
				Msg("Audit endpoint delivery failed")
		}
	}
	return nil
}

func (s *AuditService) post(ctx context.Context, rec model.AuditRecord) error {
	body, err := json.Marshal(auditPayload{
		Event:  rec.Event,
		UserID: rec.UserID,
		Data: auditData{
			Reason:    rec.Reason,
			TestID:    rec.TestID,
			SessionID: rec.SessionID.String(),
			Category:  rec.Category,
			Snapshot:  rec.EvidenceRef,
			Timestamp: rec.Timestamp,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New("unexpected status " + resp.Status)
	}
	return nil
}
