package proctor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrSourceLost means the capture source stopped delivering. It is a
	// fatal condition for the session.
	ErrSourceLost = errors.New("capture source lost")
	// ErrNoNewFrame means nothing arrived since the last pull. The loop skips
	// the sample without touching the sustain counters.
	ErrNoNewFrame = errors.New("no new frame")
)

// CaptureSource provides the latest video frame and audio spectrum.
type CaptureSource interface {
	CurrentFrame(ctx context.Context) (model.Frame, error)
	CurrentSpectrum(ctx context.Context) (model.Spectrum, error)
	// Snapshot returns the most recent encoded still, or nil if none.
	Snapshot(ctx context.Context) ([]byte, error)
}

// Detector turns a frame into face and object detections.
type Detector interface {
	Detect(ctx context.Context, frame model.Frame) (model.Detections, error)
}

// StreamSource is a CaptureSource fed by a client stream. The client runs
// the recognition models, so StreamSource is also a pass-through Detector.
type StreamSource struct {
	mu            sync.Mutex
	frame         model.Frame
	spectrum      model.Spectrum
	version       uint64
	lastSeq       uint64
	videoConsumed uint64
	audioConsumed uint64
	updated       time.Time
	lost          bool
	timeout       time.Duration
	now           func() time.Time
}

// NewStreamSource creates a source that reports ErrSourceLost when nothing
// is pushed for timeout. The grace period starts at creation.
func NewStreamSource(timeout time.Duration, now func() time.Time) *StreamSource {
	if now == nil {
		now = time.Now
	}
	return &StreamSource{timeout: timeout, now: now, updated: now()}
}

// Push replaces the latest sample and reports whether it was taken. A
// sample whose seq is not above the last one seen is a resend and is
// dropped, though it still counts as a sign of life. Seq 0 means the client
// does not number its samples. An empty image keeps the previous still.
func (s *StreamSource) Push(frame model.Frame, spectrum model.Spectrum) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = s.now()
	if frame.Seq > 0 {
		if frame.Seq <= s.lastSeq {
			return false
		}
		s.lastSeq = frame.Seq
	}
	if len(frame.Image) == 0 {
		frame.Image = s.frame.Image
	}
	s.frame = frame
	s.spectrum = spectrum
	s.version++
	return true
}

// MarkLost records that the client lost its camera or microphone.
func (s *StreamSource) MarkLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

func (s *StreamSource) checkLocked() error {
	if s.lost {
		return ErrSourceLost
	}
	if s.timeout > 0 && s.now().Sub(s.updated) > s.timeout {
		return ErrSourceLost
	}
	return nil
}

// CurrentFrame returns the latest frame once per pushed sample.
func (s *StreamSource) CurrentFrame(ctx context.Context) (model.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return model.Frame{}, err
	}
	if s.version == 0 || s.version == s.videoConsumed {
		return model.Frame{}, ErrNoNewFrame
	}
	s.videoConsumed = s.version
	return s.frame, nil
}

// CurrentSpectrum returns the latest spectrum once per pushed sample.
func (s *StreamSource) CurrentSpectrum(ctx context.Context) (model.Spectrum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if s.version == 0 || s.version == s.audioConsumed {
		return nil, ErrNoNewFrame
	}
	s.audioConsumed = s.version
	return s.spectrum, nil
}

// Snapshot returns a copy of the latest still image.
func (s *StreamSource) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frame.Image) == 0 {
		return nil, nil
	}
	return bytes.Clone(s.frame.Image), nil
}

// Detect returns the detections the client attached to the frame.
func (s *StreamSource) Detect(ctx context.Context, frame model.Frame) (model.Detections, error) {
	return frame.Detections, nil
}
