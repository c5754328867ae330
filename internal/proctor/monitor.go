package proctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Monitor is the detection loop: one iteration at a time, re-scheduled
// after the previous one completes.
type Monitor struct {
	source   CaptureSource
	detector Detector
	agg      *Aggregator
	machine  *Machine
	th       Thresholds
	interval time.Duration
	log      zerolog.Logger
}

// NewMonitor creates a detection loop over source.
func NewMonitor(source CaptureSource, detector Detector, agg *Aggregator, machine *Machine, th Thresholds, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		source:   source,
		detector: detector,
		agg:      agg,
		machine:  machine,
		th:       th,
		interval: interval,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Run loops until ctx is cancelled or the session reaches a terminal state.
// A lost capture source blocks the session and ends the loop with ErrSourceLost.
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.machine.Done():
			return nil
		case <-timer.C:
		}

		if !m.machine.Running() {
			return nil
		}

		if err := m.Step(ctx); err != nil {
			if errors.Is(err, ErrSourceLost) {
				m.log.Warn().Msg("Capture source lost, blocking session")
				m.machine.ReportFatal(model.ReasonSourceLost)
				return err
			}
			m.log.Error().Err(err).Msg("Detection iteration failed")
		}

		timer.Reset(m.interval)
	}
}

// Step runs a single iteration. Detector failures are logged and swallowed;
// only ErrSourceLost and recovered panics are returned.
func (m *Monitor) Step(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		metrics.LoopIteration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.DetectorErrors.WithLabelValues("panic").Inc()
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()

	frame, err := m.source.CurrentFrame(ctx)
	switch {
	case err == nil:
		m.evaluateVideo(ctx, frame)
	case errors.Is(err, ErrSourceLost):
		return err
	case !errors.Is(err, ErrNoNewFrame):
		m.fail("frame", err)
	}

	if !m.machine.Running() {
		return nil
	}

	spectrum, err := m.source.CurrentSpectrum(ctx)
	switch {
	case err == nil:
		loud := Loudness(spectrum, m.th.Loudness)
		m.agg.Observe(model.CategoryLoudNoise, loud.Active,
			fmt.Sprintf("Loud background noise detected (level %.0f)", loud.Strength))
	case errors.Is(err, ErrSourceLost):
		return err
	case !errors.Is(err, ErrNoNewFrame):
		m.fail("audio", err)
	}
	return nil
}

func (m *Monitor) evaluateVideo(ctx context.Context, frame model.Frame) {
	det, err := m.detector.Detect(ctx, frame)
	if err != nil {
		m.fail("detect", err)
		return
	}

	absent, multiple := FacePresence(det.Faces)
	m.agg.Observe(model.CategoryNoFace, absent.Active, "No face detected")
	m.agg.Observe(model.CategoryMultiFace, multiple.Active,
		fmt.Sprintf("Multiple faces detected (%d)", len(det.Faces)))

	// Eyelid and pitch checks need exactly one face.
	if len(det.Faces) != 1 {
		m.agg.Observe(model.CategoryEyesClosed, false, "")
		m.agg.Observe(model.CategoryLookingDown, false, "")
	} else {
		face := det.Faces[0]

		closed, err := EyesClosed(face, m.th.EAR)
		if err != nil {
			m.fail("eyes", err)
		}
		m.agg.Observe(model.CategoryEyesClosed, closed.Active,
			fmt.Sprintf("Eyes closed (EAR %.2f)", closed.Strength))

		down, err := LookingDown(face, m.th.Pitch)
		if err != nil {
			m.fail("pitch", err)
		}
		m.agg.Observe(model.CategoryLookingDown, down.Active, "Looking down")
	}

	obj, label := ProhibitedObject(det.Objects, m.th)
	m.agg.Observe(model.CategoryProhibitedObject, obj.Active,
		fmt.Sprintf("Prohibited object detected: %s", label))
}

func (m *Monitor) fail(stage string, err error) {
	metrics.DetectorErrors.WithLabelValues(stage).Inc()
	m.log.Warn().Err(err).Str("stage", stage).Msg("Detector error")
}
