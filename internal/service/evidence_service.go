package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/crypto/blake2b"
)

// Sentinel errors for evidence uploads.
var (
	ErrEmptyEvidence    = errors.New("empty evidence image")
	ErrEvidenceTooLarge = errors.New("evidence image too large")
)

// EvidenceService stores violation stills, either on the evidence endpoint
// or in the local upload directory.
type EvidenceService struct {
	endpoint  string
	uploadDir string
	maxBytes  int64
	client    *http.Client
	now       func() time.Time
	log       zerolog.Logger
}

// NewEvidenceService creates a new EvidenceService.
func NewEvidenceService(cfg *config.Config, client *http.Client, log zerolog.Logger) *EvidenceService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EvidenceService{
		endpoint:  cfg.EvidenceEndpoint,
		uploadDir: cfg.UploadDir,
		maxBytes:  cfg.MaxUploadBytes,
		client:    client,
		now:       time.Now,
		log:       log.With().Str("component", "evidence_service").Logger(),
	}
}

// Store saves the image and returns a reference of the form
// "<location>#blake2b-256=<hex>".
func (s *EvidenceService) Store(ctx context.Context, sessionID uuid.UUID, cat model.Category, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyEvidence
	}
	if s.maxBytes > 0 && int64(len(image)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrEvidenceTooLarge, len(image), s.maxBytes)
	}

	sum := blake2b.Sum256(image)
	digest := hex.EncodeToString(sum[:])
	filename := fmt.Sprintf("%s_%s_%d.jpg", sessionID, cat, s.now().Unix())

	var (
		location string
		err      error
	)
	if s.endpoint != "" {
		location, err = s.upload(ctx, filename, image)
	} else {
		location, err = s.saveLocal(sessionID, filename, image)
	}
	if err != nil {
		return "", err
	}

	s.log.Debug().Str("session_id", sessionID.String()).Str("location", location).Msg("Evidence stored")
	return location + "#blake2b-256=" + digest, nil
}

func (s *EvidenceService) upload(ctx context.Context, filename string, image []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload evidence: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload evidence: unexpected status %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return s.endpoint + "/" + filename, nil
}

func (s *EvidenceService) saveLocal(sessionID uuid.UUID, filename string, image []byte) (string, error) {
	dir := filepath.Join(s.uploadDir, sessionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}

	// A random suffix keeps two stills in the same second apart.
	name := uuid.New().String()[:8] + "_" + filename
	if err := os.WriteFile(filepath.Join(dir, name), image, 0o644); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	return "/evidence/" + sessionID.String() + "/" + name, nil
}
