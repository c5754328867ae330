package proctor

import (
	"context"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SessionTimer counts the remaining exam time down in whole seconds while
// the machine is Running and finishes the session at zero.
type SessionTimer struct {
	mu        sync.Mutex
	remaining int
	machine   *Machine
	onTick    func(remaining int)
}

// NewSessionTimer creates a timer with the given remaining seconds.
func NewSessionTimer(machine *Machine, remaining int) *SessionTimer {
	if remaining < 0 {
		remaining = 0
	}
	return &SessionTimer{machine: machine, remaining: remaining}
}

// OnTick registers the callback invoked after each decrement.
func (t *SessionTimer) OnTick(fn func(remaining int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = fn
}

func (t *SessionTimer) set(remaining int) {
	if remaining < 0 {
		remaining = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
}

// Remaining returns the seconds left.
func (t *SessionTimer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Tick decrements once if the machine is Running. Reaching zero finishes
// the session. Returns whether the countdown moved.
func (t *SessionTimer) Tick() bool {
	if !t.machine.Running() {
		return false
	}

	t.mu.Lock()
	if t.remaining <= 0 {
		t.mu.Unlock()
		return false
	}
	t.remaining--
	remaining := t.remaining
	onTick := t.onTick
	t.mu.Unlock()

	if onTick != nil {
		onTick(remaining)
	}
	if remaining == 0 {
		t.machine.Finish(model.ReasonTimeUp)
	}
	return true
}

// Run ticks every interval until ctx ends or the session is terminal.
func (t *SessionTimer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.machine.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}
