package proctor

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationFunc observes an accepted violation together with its policy effect.
type ViolationFunc func(ev model.ViolationEvent, res SoftResult)

// Aggregator promotes sustained conditions into violation events behind a
// single global cooldown.
type Aggregator struct {
	mu        sync.Mutex
	machine   *Machine
	gate      *CooldownGate
	sustain   *SustainCounters
	recent    *RecentLog
	listeners []ViolationFunc
}

// NewAggregator wires the aggregator to the machine it reports into.
func NewAggregator(machine *Machine, gate *CooldownGate, sustain *SustainCounters, recent *RecentLog) *Aggregator {
	return &Aggregator{
		machine: machine,
		gate:    gate,
		sustain: sustain,
		recent:  recent,
	}
}

// OnViolation registers a listener. Listeners run on the reporting goroutine
// and must not block.
func (a *Aggregator) OnViolation(fn ViolationFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Observe feeds one sample of a condition and reports the violation once it
// has been sustained long enough. Returns whether an event was accepted.
func (a *Aggregator) Observe(cat model.Category, active bool, message string) bool {
	if !a.machine.Running() {
		return false
	}
	a.mu.Lock()
	promote := a.sustain.Observe(cat, active)
	a.mu.Unlock()

	if !promote {
		return false
	}
	return a.Report(cat, message)
}

// Report accepts a violation unless the session is not Running or the
// cooldown window has not elapsed since the last accepted event of any
// category. Rejection has no side effect.
func (a *Aggregator) Report(cat model.Category, message string) bool {
	a.mu.Lock()
	if !a.machine.Running() || !a.gate.Ready() {
		a.mu.Unlock()
		return false
	}

	res, fire := a.machine.reportSoft(cat)
	if !res.Applied {
		a.mu.Unlock()
		return false
	}

	ts := a.gate.Stamp()
	a.sustain.Reset(cat)
	ev := model.ViolationEvent{Timestamp: ts, Category: cat, Message: message}
	a.recent.Push(ev)
	listeners := append([]ViolationFunc(nil), a.listeners...)
	a.mu.Unlock()

	metrics.ViolationsTotal.WithLabelValues(string(cat)).Inc()
	for _, fn := range listeners {
		fn(ev, res)
	}
	fire()
	return true
}

// SustainCount exposes the current run length of cat.
func (a *Aggregator) SustainCount(cat model.Category) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sustain.Count(cat)
}

// Recent returns the bounded recent-events log.
func (a *Aggregator) Recent() []model.ViolationEvent {
	return a.recent.List()
}

// RecentLog keeps the most recent events, newest first.
type RecentLog struct {
	mu     sync.Mutex
	limit  int
	events []model.ViolationEvent
}

// NewRecentLog creates a log holding at most limit events.
func NewRecentLog(limit int) *RecentLog {
	if limit < 1 {
		limit = 1
	}
	return &RecentLog{limit: limit, events: make([]model.ViolationEvent, 0, limit)}
}

// Push prepends ev and drops the oldest entry past the limit.
func (l *RecentLog) Push(ev model.ViolationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append([]model.ViolationEvent{ev}, l.events...)
	if len(l.events) > l.limit {
		l.events = l.events[:l.limit]
	}
}

// List returns a copy of the log.
func (l *RecentLog) List() []model.ViolationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ViolationEvent(nil), l.events...)
}
