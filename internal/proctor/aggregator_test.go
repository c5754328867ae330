package proctor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, maxViolations int, limits map[model.Category]int) (*Machine, *Aggregator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := NewMachine(maxViolations)
	require.NoError(t, m.Start())
	agg := NewAggregator(m,
		NewCooldownGate(2*time.Second, clock.Now),
		NewSustainCounters(limits),
		NewRecentLog(10))
	return m, agg, clock
}

func TestAggregatorCooldownIsGlobal(t *testing.T) {
	m, agg, clock := newTestAggregator(t, 5, nil)

	assert.True(t, agg.Report(model.CategoryNoFace, "No face detected"))

	clock.Advance(time.Second)
	assert.False(t, agg.Report(model.CategoryMultiFace, "Multiple faces detected"))

	clock.Advance(time.Second)
	assert.False(t, agg.Report(model.CategoryLoudNoise, "Loud"), "window boundary is exclusive")

	clock.Advance(time.Millisecond)
	assert.True(t, agg.Report(model.CategoryLoudNoise, "Loud"))

	assert.Equal(t, 2, m.Total())
	recent := agg.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, model.CategoryLoudNoise, recent[0].Category)
	assert.Equal(t, model.CategoryNoFace, recent[1].Category)
}

func TestAggregatorRejectionHasNoSideEffect(t *testing.T) {
	m, agg, _ := newTestAggregator(t, 5, map[model.Category]int{model.CategoryNoFace: 2})

	require.True(t, agg.Report(model.CategoryMultiFace, "Multiple faces detected"))

	assert.False(t, agg.Observe(model.CategoryNoFace, true, "No face detected"))
	assert.False(t, agg.Observe(model.CategoryNoFace, true, "No face detected"))

	assert.Equal(t, 2, agg.SustainCount(model.CategoryNoFace))
	assert.Equal(t, 1, m.Total())
	assert.Len(t, agg.Recent(), 1)
}

func TestAggregatorSustainResetsAfterAccept(t *testing.T) {
	_, agg, _ := newTestAggregator(t, 5, map[model.Category]int{model.CategoryNoFace: 3})

	assert.False(t, agg.Observe(model.CategoryNoFace, true, "No face detected"))
	assert.False(t, agg.Observe(model.CategoryNoFace, true, "No face detected"))
	assert.True(t, agg.Observe(model.CategoryNoFace, true, "No face detected"))
	assert.Equal(t, 0, agg.SustainCount(model.CategoryNoFace))
}

func TestAggregatorBlocksAfterFiveViolations(t *testing.T) {
	m, agg, clock := newTestAggregator(t, 5, nil)

	var order []string
	agg.OnViolation(func(ev model.ViolationEvent, res SoftResult) {
		order = append(order, fmt.Sprintf("violation:%d:%s", res.Total, res.Decision))
	})
	m.OnTerminal(func(state model.SessionState, reason string) {
		order = append(order, string(state)+":"+reason)
	})

	for i := 0; i < 5; i++ {
		require.True(t, agg.Report(model.CategoryNoFace, "No face detected"))
		clock.Advance(3 * time.Second)
	}

	assert.Equal(t, model.SessionStateBlocked, m.State())
	assert.Equal(t, 5, m.Total())

	assert.False(t, agg.Report(model.CategoryNoFace, "No face detected"))
	assert.False(t, agg.Observe(model.CategoryNoFace, true, "No face detected"))
	assert.Equal(t, 5, m.Total())

	assert.Equal(t, []string{
		"violation:1:warn",
		"violation:2:warn",
		"violation:3:warn",
		"violation:4:warn",
		"violation:5:block",
		"BLOCKED:max_violations",
	}, order)
}

func TestRecentLogIsBounded(t *testing.T) {
	l := NewRecentLog(2)
	l.Push(model.ViolationEvent{Category: model.CategoryNoFace})
	l.Push(model.ViolationEvent{Category: model.CategoryMultiFace})
	l.Push(model.ViolationEvent{Category: model.CategoryLoudNoise})

	got := l.List()
	require.Len(t, got, 2)
	assert.Equal(t, model.CategoryLoudNoise, got[0].Category)
	assert.Equal(t, model.CategoryMultiFace, got[1].Category)
}
