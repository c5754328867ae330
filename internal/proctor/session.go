package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrNotRunning   = errors.New("session is not running")
	ErrNotResumable = errors.New("snapshot is not resumable")
)

// Persister writes resumable snapshots.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap model.Snapshot) error
}

// NoticeKind tags a message pushed to the connected client.
type NoticeKind string

const (
	NoticeStarted   NoticeKind = "started"
	NoticeViolation NoticeKind = "violation"
	NoticeBlocked   NoticeKind = "blocked"
	NoticeFinished  NoticeKind = "finished"
	NoticeTick      NoticeKind = "tick"
)

// Notice is a session update for the UI collaborator.
type Notice struct {
	Kind  NoticeKind
	Event *model.ViolationEvent
	View  View
}

// Notifier delivers notices to a client. Notify must not block.
type Notifier interface {
	Notify(n Notice)
}

// View is the externally visible session state.
type View struct {
	SessionID          uuid.UUID              `json:"session_id"`
	TestID             string                 `json:"test_id"`
	UserID             int                    `json:"user_id"`
	State              model.SessionState     `json:"state"`
	Decision           Decision               `json:"decision"`
	DurationRemaining  int                    `json:"duration_remaining"`
	TotalViolations    int                    `json:"total_violations"`
	MaxViolations      int                    `json:"max_violations"`
	RemainingAllowance int                    `json:"remaining_allowance"`
	Counters           map[model.Category]int `json:"counters"`
	Recent             []model.ViolationEvent `json:"recent"`
	Reason             string                 `json:"reason,omitempty"`
	StartedAt          time.Time              `json:"started_at"`
}

// Options configures a Session.
type Options struct {
	MaxViolations  int
	Cooldown       time.Duration
	Thresholds     Thresholds
	RecentEvents   int
	SampleInterval time.Duration
	TickInterval   time.Duration
	Duration       int
	TabSwitchFatal bool

	// SourceTimeout blocks a Running session that has no client stream
	// attached for this long. Zero disables the check.
	SourceTimeout time.Duration
	Now           func() time.Time
}

// Deps are the collaborators a Session reports to.
type Deps struct {
	Persister Persister
	Store     EvidenceStore
	Audit     AuditSink
	Dispatch  Dispatcher
	// OnClose runs once after the terminal transition has been handled.
	OnClose   func(s *Session)
	Log       zerolog.Logger
}

// Session owns one exam attempt: the state machine, the aggregator, the
// timer, the answers and the currently attached client stream.
type Session struct {
	id        uuid.UUID
	testID    string
	userID    int
	startedAt time.Time
	opts      Options

	machine   *Machine
	agg       *Aggregator
	timer     *SessionTimer
	publisher *EvidencePublisher
	persister Persister
	dispatch  Dispatcher
	onClose   func(s *Session)
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	answers     map[string]int
	source      CaptureSource
	notifier    Notifier
	stopMonitor context.CancelFunc
	attachSeq   uint64
	watchdog    *time.Timer

	persistMu      sync.Mutex
	persistPending atomic.Bool
}

// NewSession wires a NotStarted session.
func NewSession(id uuid.UUID, testID string, userID int, startedAt time.Time, opts Options, deps Deps) *Session {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 16 * time.Millisecond
	}

	log := deps.Log.With().
		Str("session_id", id.String()).
		Int("user_id", userID).
		Str("test_id", testID).
		Logger()

	machine := NewMachine(opts.MaxViolations)
	agg := NewAggregator(machine,
		NewCooldownGate(opts.Cooldown, opts.Now),
		NewSustainCounters(opts.Thresholds.Sustain),
		NewRecentLog(opts.RecentEvents))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		testID:    testID,
		userID:    userID,
		startedAt: startedAt,
		opts:      opts,
		machine:   machine,
		agg:       agg,
		timer:     NewSessionTimer(machine, opts.Duration),
		publisher: NewEvidencePublisher(deps.Store, deps.Audit, deps.Dispatch, id, userID, testID, log),
		persister: deps.Persister,
		dispatch:  deps.Dispatch,
		onClose:   deps.OnClose,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		answers:   make(map[string]int),
	}

	s.agg.OnViolation(s.handleViolation)
	s.timer.OnTick(s.handleTick)
	machine.OnTerminal(s.handleTerminal)
	return s
}

// ID returns the session ID.
func (s *Session) ID() uuid.UUID { return s.id }

// TestID returns the test the session belongs to.
func (s *Session) TestID() string { return s.testID }

// UserID returns the exam taker.
func (s *Session) UserID() int { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState { return s.machine.State() }

// Done is closed once the session reaches Blocked or Finished.
func (s *Session) Done() <-chan struct{} { return s.machine.Done() }

// Start transitions NotStarted → Running and starts the timer.
func (s *Session) Start() error {
	if err := s.machine.Start(); err != nil {
		return err
	}
	s.log.Info().Int("duration", s.timer.Remaining()).Msg("Session started")
	s.begin()
	return nil
}

// Resume restores a Running snapshot. Blocked or Finished snapshots are rejected.
func (s *Session) Resume(snap model.Snapshot) error {
	if snap.State != model.SessionStateRunning {
		return fmt.Errorf("%w: state %s", ErrNotResumable, snap.State)
	}

	s.mu.Lock()
	for q, c := range snap.Answers {
		s.answers[q] = c
	}
	s.mu.Unlock()
	s.timer.set(snap.DurationRemaining)

	if err := s.machine.Resume(snap.TotalViolations, snap.Counters); err != nil {
		return err
	}
	if !s.machine.Running() {
		return nil
	}
	s.log.Info().
		Int("duration", snap.DurationRemaining).
		Int("total_violations", snap.TotalViolations).
		Msg("Session resumed")

	if snap.DurationRemaining <= 0 {
		s.machine.Finish(model.ReasonTimeUp)
		return nil
	}
	s.begin()
	return nil
}

func (s *Session) begin() {
	s.persist()
	s.mu.Lock()
	s.armWatchdogLocked()
	s.mu.Unlock()
	go s.timer.Run(s.ctx, s.opts.TickInterval)
}

// armWatchdogLocked starts the countdown to capture_source_lost for the
// current attachment generation. Caller holds s.mu.
func (s *Session) armWatchdogLocked() {
	if s.opts.SourceTimeout <= 0 || s.ctx.Err() != nil {
		return
	}
	s.disarmWatchdogLocked()
	seq := s.attachSeq
	s.watchdog = time.AfterFunc(s.opts.SourceTimeout, func() { s.sourceTimedOut(seq) })
}

func (s *Session) disarmWatchdogLocked() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) sourceTimedOut(seq uint64) {
	s.mu.Lock()
	stale := s.attachSeq != seq || s.source != nil || s.ctx.Err() != nil
	s.mu.Unlock()
	if stale {
		return
	}
	s.log.Warn().Dur("timeout", s.opts.SourceTimeout).Msg("No capture source attached")
	s.machine.ReportFatal(model.ReasonSourceLost)
}

// Attach connects a client stream: it starts a detection loop over source
// and routes notices to notifier. A newer attachment replaces the previous
// one. The returned func detaches.
func (s *Session) Attach(source CaptureSource, detector Detector, notifier Notifier) (func(), error) {
	if !s.machine.Running() {
		return nil, ErrNotRunning
	}

	s.mu.Lock()
	s.disarmWatchdogLocked()
	if s.stopMonitor != nil {
		s.stopMonitor()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.attachSeq++
	seq := s.attachSeq
	s.source = source
	s.notifier = notifier
	s.stopMonitor = cancel
	s.mu.Unlock()

	mon := NewMonitor(source, detector, s.agg, s.machine, s.opts.Thresholds, s.opts.SampleInterval, s.log)
	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("Detection loop ended")
		}
	}()

	if notifier != nil {
		notifier.Notify(Notice{Kind: NoticeStarted, View: s.View()})
	}

	return func() {
		cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.attachSeq == seq {
			s.source = nil
			s.notifier = nil
			s.stopMonitor = nil
			s.armWatchdogLocked()
		}
	}, nil
}

// WindowEvent applies a browser-level signal. Fullscreen exit and devtools
// shortcuts are fatal; leaving the tab is fatal or soft depending on policy.
func (s *Session) WindowEvent(kind model.WindowEventType) (Decision, error) {
	if !kind.Valid() {
		return s.machine.Decision(), fmt.Errorf("unknown window event %q", kind)
	}

	switch kind {
	case model.WindowFullscreenExit:
		s.machine.ReportFatal(model.ReasonFullscreenExit)
	case model.WindowDevtools:
		s.machine.ReportFatal(model.ReasonDevtools)
	case model.WindowVisibilityHidden:
		if s.opts.TabSwitchFatal {
			s.machine.ReportFatal(model.ReasonTabSwitch)
		} else {
			s.agg.Report(model.CategoryTabSwitch, "Left the exam tab")
		}
	case model.WindowContextMenu:
		s.log.Debug().Msg("Context menu suppressed")
	}
	return s.machine.Decision(), nil
}

// Answer records a choice for a question.
func (s *Session) Answer(questionID string, choice int) error {
	if !s.machine.Running() {
		return ErrNotRunning
	}
	s.mu.Lock()
	s.answers[questionID] = choice
	s.mu.Unlock()
	s.persist()
	return nil
}

// Submit finishes the session and returns the final answers.
func (s *Session) Submit() (map[string]int, error) {
	if !s.machine.Finish(model.ReasonSubmitted) {
		return nil, ErrNotRunning
	}
	return s.Answers(), nil
}

// Answers returns a copy of the recorded answers.
func (s *Session) Answers() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Close stops background work without changing state, leaving a Running
// snapshot behind for resumption.
func (s *Session) Close() {
	s.mu.Lock()
	s.disarmWatchdogLocked()
	s.mu.Unlock()
	s.cancel()
}

// View returns the externally visible state.
func (s *Session) View() View {
	total := s.machine.Total()
	allowance := s.machine.MaxViolations() - total
	if allowance < 0 || s.machine.State().Terminal() {
		allowance = 0
	}
	return View{
		SessionID:          s.id,
		TestID:             s.testID,
		UserID:             s.userID,
		State:              s.machine.State(),
		Decision:           s.machine.Decision(),
		DurationRemaining:  s.timer.Remaining(),
		TotalViolations:    total,
		MaxViolations:      s.machine.MaxViolations(),
		RemainingAllowance: allowance,
		Counters:           s.machine.Counters(),
		Recent:             s.agg.Recent(),
		Reason:             s.machine.Reason(),
		StartedAt:          s.startedAt,
	}
}

// Snapshot captures the resumable state.
func (s *Session) Snapshot() model.Snapshot {
	now := time.Now
	if s.opts.Now != nil {
		now = s.opts.Now
	}
	return model.Snapshot{
		SessionID:         s.id,
		TestID:            s.testID,
		UserID:            s.userID,
		State:             s.machine.State(),
		StartedAt:         s.startedAt,
		Answers:           s.Answers(),
		DurationRemaining: s.timer.Remaining(),
		TotalViolations:   s.machine.Total(),
		Counters:          s.machine.Counters(),
		Reason:            s.machine.Reason(),
		SavedAt:           now(),
	}
}

func (s *Session) handleViolation(ev model.ViolationEvent, res SoftResult) {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()

	var still []byte
	if source != nil {
		img, err := source.Snapshot(s.ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("Evidence capture failed")
		}
		still = img
	}
	s.publisher.PublishViolation(ev, still)

	s.log.Info().
		Str("category", string(ev.Category)).
		Int("total", res.Total).
		Str("decision", string(res.Decision)).
		Msg("Violation accepted")

	s.persistAsync()
	s.notify(Notice{Kind: NoticeViolation, Event: &ev, View: s.View()})
}

func (s *Session) handleTick(remaining int) {
	s.persistAsync()
	s.notify(Notice{Kind: NoticeTick, View: s.View()})
}

func (s *Session) handleTerminal(state model.SessionState, reason string) {
	s.cancel()

	kind := NoticeFinished
	if state == model.SessionStateBlocked {
		kind = NoticeBlocked
		metrics.SessionsBlocked.WithLabelValues(reason).Inc()
	} else {
		metrics.SessionsFinished.WithLabelValues(reason).Inc()
	}
	s.log.Info().Str("state", string(state)).Str("reason", reason).Msg("Session ended")

	s.publisher.PublishTerminal(state, reason)
	s.persist()
	s.notify(Notice{Kind: kind, View: s.View()})

	s.mu.Lock()
	s.disarmWatchdogLocked()
	s.source = nil
	s.notifier = nil
	s.stopMonitor = nil
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) persist() {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.save()
}

// persistAsync hands the write to the dispatcher so the detection loop and
// the timer never wait on storage. Requests made while one is queued collapse
// into it; the queued job saves whatever is current when it runs.
func (s *Session) persistAsync() {
	if s.persister == nil {
		return
	}
	if s.dispatch == nil {
		s.persist()
		return
	}
	if !s.persistPending.CompareAndSwap(false, true) {
		return
	}
	job := func(ctx context.Context) {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()
		s.persistPending.Store(false)
		// The terminal snapshot is written by handleTerminal.
		if s.machine.State().Terminal() {
			return
		}
		s.save()
	}
	if !s.dispatch.Dispatch(job) {
		s.persistPending.Store(false)
		s.log.Warn().Msg("Snapshot queue full, saving inline")
		s.persist()
	}
}

// save writes the current snapshot. Caller holds s.persistMu.
func (s *Session) save() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.persister.SaveSnapshot(ctx, s.Snapshot()); err != nil {
		s.log.Error().Err(err).Msg("Snapshot save failed")
	}
}

func (s *Session) notify(n Notice) {
	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		notifier.Notify(n)
	}
}

// ViewFromSnapshot rebuilds the visible state of a session that is no longer
// live in this process.
func ViewFromSnapshot(snap model.Snapshot, maxViolations int) View {
	decision := DecisionAllow
	switch {
	case snap.State == model.SessionStateBlocked:
		decision = DecisionBlock
	case snap.TotalViolations > 0 && snap.State == model.SessionStateRunning:
		decision = DecisionWarn
	}
	allowance := maxViolations - snap.TotalViolations
	if allowance < 0 || snap.State.Terminal() {
		allowance = 0
	}
	counters := make(map[model.Category]int, len(snap.Counters))
	for k, v := range snap.Counters {
		counters[k] = v
	}
	return View{
		SessionID:          snap.SessionID,
		TestID:             snap.TestID,
		UserID:             snap.UserID,
		State:              snap.State,
		Decision:           decision,
		DurationRemaining:  snap.DurationRemaining,
		TotalViolations:    snap.TotalViolations,
		MaxViolations:      maxViolations,
		RemainingAllowance: allowance,
		Counters:           counters,
		Recent:             []model.ViolationEvent{},
		Reason:             snap.Reason,
		StartedAt:          snap.StartedAt,
	}
}
