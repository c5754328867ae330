package proctor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// syncDispatcher runs jobs inline.
type syncDispatcher struct{}

func (syncDispatcher) Dispatch(job func(ctx context.Context)) bool {
	job(context.Background())
	return true
}

type fullDispatcher struct{}

func (fullDispatcher) Dispatch(func(ctx context.Context)) bool { return false }

type storedImage struct {
	sessionID uuid.UUID
	category  model.Category
	image     []byte
}

type fakeStore struct {
	mu     sync.Mutex
	stored []storedImage
	err    error
}

func (s *fakeStore) Store(ctx context.Context, sessionID uuid.UUID, cat model.Category, image []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.stored = append(s.stored, storedImage{sessionID: sessionID, category: cat, image: image})
	return "/evidence/" + string(cat), nil
}

func (s *fakeStore) Stored() []storedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedImage(nil), s.stored...)
}

type fakeAudit struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

func (a *fakeAudit) Record(ctx context.Context, rec model.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *fakeAudit) Records() []model.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.AuditRecord(nil), a.records...)
}

type fakePersister struct {
	mu        sync.Mutex
	snapshots []model.Snapshot
}

func (p *fakePersister) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snap)
	return nil
}

func (p *fakePersister) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshots)
}

func (p *fakePersister) Last() model.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snapshots) == 0 {
		return model.Snapshot{}
	}
	return p.snapshots[len(p.snapshots)-1]
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *fakeNotifier) Notify(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *fakeNotifier) Kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]NoticeKind, 0, len(n.notices))
	for _, x := range n.notices {
		kinds = append(kinds, x.Kind)
	}
	return kinds
}

// scriptedSource replays frames; once exhausted it reports ErrNoNewFrame.
type scriptedSource struct {
	mu        sync.Mutex
	frames    []model.Frame
	spectrums []model.Spectrum
	frameErr  error
	lost      bool
}

func (s *scriptedSource) CurrentFrame(ctx context.Context) (model.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return model.Frame{}, ErrSourceLost
	}
	if s.frameErr != nil {
		return model.Frame{}, s.frameErr
	}
	if len(s.frames) == 0 {
		return model.Frame{}, ErrNoNewFrame
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *scriptedSource) CurrentSpectrum(ctx context.Context) (model.Spectrum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return nil, ErrSourceLost
	}
	if len(s.spectrums) == 0 {
		return nil, ErrNoNewFrame
	}
	sp := s.spectrums[0]
	s.spectrums = s.spectrums[1:]
	return sp, nil
}

func (s *scriptedSource) Snapshot(ctx context.Context) ([]byte, error) {
	return []byte("still"), nil
}

func (s *scriptedSource) SetLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

// passDetector returns the detections carried by the frame.
type passDetector struct{}

func (passDetector) Detect(ctx context.Context, frame model.Frame) (model.Detections, error) {
	return frame.Detections, nil
}

type funcDetector func(ctx context.Context, frame model.Frame) (model.Detections, error)

func (f funcDetector) Detect(ctx context.Context, frame model.Frame) (model.Detections, error) {
	return f(ctx, frame)
}

// openEye has EAR 1/3.
func openEye() model.EyeLandmarks {
	return model.EyeLandmarks{
		{X: 0, Y: 0}, {X: 1, Y: 0.5}, {X: 2, Y: 0.5},
		{X: 3, Y: 0}, {X: 2, Y: -0.5}, {X: 1, Y: -0.5},
	}
}

// closedEye has EAR 0.1/3.
func closedEye() model.EyeLandmarks {
	return model.EyeLandmarks{
		{X: 0, Y: 0}, {X: 1, Y: 0.05}, {X: 2, Y: 0.05},
		{X: 3, Y: 0}, {X: 2, Y: -0.05}, {X: 1, Y: -0.05},
	}
}

func face(eye model.EyeLandmarks, noseY float64) model.Face {
	return model.Face{
		Box:      model.Box{Left: 0, Top: 0, Width: 100, Height: 100},
		LeftEye:  eye,
		RightEye: eye,
		Nose:     model.Point{X: 50, Y: noseY},
	}
}

func frameWith(faces ...model.Face) model.Frame {
	return model.Frame{Detections: model.Detections{Faces: faces}}
}
