package proctor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrInvalidTransition is returned when a lifecycle call does not apply to
// the current state.
var ErrInvalidTransition = errors.New("invalid session transition")

// Decision is the access-control outcome exposed to the client.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// SoftResult describes the effect of a soft violation report.
type SoftResult struct {
	Applied  bool
	Total    int
	Count    int
	Decision Decision
}

// TerminalFunc observes the single transition into Blocked or Finished.
type TerminalFunc func(state model.SessionState, reason string)

// Machine is the session state machine and violation policy. It is the one
// guard both the detection loop and window events go through, so the
// terminal transition happens at most once.
type Machine struct {
	mu            sync.Mutex
	state         model.SessionState
	counters      map[model.Category]int
	total         int
	maxViolations int
	reason        string
	done          chan struct{}
	hooks         []TerminalFunc
}

// NewMachine creates a NotStarted machine. maxViolations below 1 is treated as 1.
func NewMachine(maxViolations int) *Machine {
	if maxViolations < 1 {
		maxViolations = 1
	}
	return &Machine{
		state:         model.SessionStateNotStarted,
		counters:      make(map[model.Category]int, len(model.Categories)),
		maxViolations: maxViolations,
		done:          make(chan struct{}),
	}
}

// OnTerminal registers a hook. Hooks run outside the lock, in registration order.
func (m *Machine) OnTerminal(fn TerminalFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Start moves NotStarted → Running with zeroed counters.
func (m *Machine) Start() error {
	return m.Resume(0, nil)
}

// Resume moves NotStarted → Running with counters restored from a snapshot.
func (m *Machine) Resume(total int, counters map[model.Category]int) error {
	m.mu.Lock()
	if m.state != model.SessionStateNotStarted {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	if total < 0 {
		total = 0
	}
	m.total = total
	for cat, n := range counters {
		m.counters[cat] = n
	}
	m.state = model.SessionStateRunning
	blocked := m.total >= m.maxViolations
	m.mu.Unlock()

	if blocked {
		m.ReportFatal(model.ReasonMaxViolations)
	}
	return nil
}

// ReportSoft counts a soft violation and blocks once the total reaches the limit.
func (m *Machine) ReportSoft(cat model.Category) SoftResult {
	res, fire := m.reportSoft(cat)
	fire()
	return res
}

// reportSoft applies the report and returns the hook invocation separately
// so the caller can emit the violation before the terminal notification.
func (m *Machine) reportSoft(cat model.Category) (SoftResult, func()) {
	m.mu.Lock()
	if m.state != model.SessionStateRunning {
		res := SoftResult{Total: m.total, Count: m.counters[cat], Decision: m.decisionLocked()}
		m.mu.Unlock()
		return res, func() {}
	}

	m.counters[cat]++
	m.total++
	res := SoftResult{Applied: true, Total: m.total, Count: m.counters[cat], Decision: DecisionWarn}

	var fire func()
	if m.total >= m.maxViolations {
		res.Decision = DecisionBlock
		fire = m.transitionLocked(model.SessionStateBlocked, model.ReasonMaxViolations)
	}
	m.mu.Unlock()

	if fire == nil {
		fire = func() {}
	}
	return res, fire
}

// ReportFatal blocks a Running session immediately. Returns false when the
// session was not Running.
func (m *Machine) ReportFatal(reason string) bool {
	return m.terminate(model.SessionStateBlocked, reason)
}

// Finish moves Running → Finished. Returns false when the session was not Running.
func (m *Machine) Finish(reason string) bool {
	return m.terminate(model.SessionStateFinished, reason)
}

func (m *Machine) terminate(to model.SessionState, reason string) bool {
	m.mu.Lock()
	if m.state != model.SessionStateRunning {
		m.mu.Unlock()
		return false
	}
	fire := m.transitionLocked(to, reason)
	m.mu.Unlock()

	fire()
	return true
}

// transitionLocked must be called with mu held and state Running.
func (m *Machine) transitionLocked(to model.SessionState, reason string) func() {
	m.state = to
	m.reason = reason
	close(m.done)

	hooks := append([]TerminalFunc(nil), m.hooks...)
	return func() {
		for _, h := range hooks {
			h(to, reason)
		}
	}
}

// Done is closed on the transition into a terminal state.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// State returns the current state.
func (m *Machine) State() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running reports whether the state is Running.
func (m *Machine) Running() bool {
	return m.State() == model.SessionStateRunning
}

// Total returns the total accepted violation count.
func (m *Machine) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// MaxViolations returns the configured blocking threshold.
func (m *Machine) MaxViolations() int {
	return m.maxViolations
}

// Reason returns why the session reached its terminal state.
func (m *Machine) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Counters returns a copy of the per-category counters.
func (m *Machine) Counters() map[model.Category]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.Category]int, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// Decision returns the current access-control outcome.
func (m *Machine) Decision() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decisionLocked()
}

func (m *Machine) decisionLocked() Decision {
	switch {
	case m.state == model.SessionStateBlocked:
		return DecisionBlock
	case m.total > 0 && m.state == model.SessionStateRunning:
		return DecisionWarn
	default:
		return DecisionAllow
	}
}
