package proctor

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SustainCounters tracks consecutive positive samples per category.
// Not safe for concurrent use; the Aggregator serialises access.
type SustainCounters struct {
	limits map[model.Category]int
	counts map[model.Category]int
}

// NewSustainCounters creates counters with per-category limits. Categories
// without a limit promote on the first positive sample.
func NewSustainCounters(limits map[model.Category]int) *SustainCounters {
	return &SustainCounters{
		limits: limits,
		counts: make(map[model.Category]int, len(model.Categories)),
	}
}

// Observe advances the counter for cat and reports whether it has reached
// its limit. A false sample resets the counter to zero.
func (s *SustainCounters) Observe(cat model.Category, active bool) bool {
	if !active {
		s.counts[cat] = 0
		return false
	}
	s.counts[cat]++
	return s.counts[cat] >= s.limit(cat)
}

// Reset zeroes the counter for cat.
func (s *SustainCounters) Reset(cat model.Category) {
	s.counts[cat] = 0
}

// Count returns the current run length for cat.
func (s *SustainCounters) Count(cat model.Category) int {
	return s.counts[cat]
}

func (s *SustainCounters) limit(cat model.Category) int {
	if n, ok := s.limits[cat]; ok && n > 0 {
		return n
	}
	return 1
}

// CooldownGate holds the timestamp of the last accepted event, shared by
// every category.
type CooldownGate struct {
	window time.Duration
	last   time.Time
	now    func() time.Time
}

// NewCooldownGate creates a gate. now may be nil to use time.Now.
func NewCooldownGate(window time.Duration, now func() time.Time) *CooldownGate {
	if now == nil {
		now = time.Now
	}
	return &CooldownGate{window: window, now: now}
}

// Ready reports whether more than the window has elapsed since the last stamp.
func (g *CooldownGate) Ready() bool {
	return g.last.IsZero() || g.now().Sub(g.last) > g.window
}

// Stamp records now as the new baseline and returns it.
func (g *CooldownGate) Stamp() time.Time {
	g.last = g.now()
	return g.last
}
