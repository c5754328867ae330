package proctor

import (
	"context"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSourceDeliversEachSampleOnce(t *testing.T) {
	ctx := context.Background()
	src := NewStreamSource(5*time.Second, nil)

	_, err := src.CurrentFrame(ctx)
	assert.ErrorIs(t, err, ErrNoNewFrame)

	src.Push(model.Frame{Seq: 1}, model.Spectrum{1, 2})

	frame, err := src.CurrentFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame.Seq)

	_, err = src.CurrentFrame(ctx)
	assert.ErrorIs(t, err, ErrNoNewFrame)

	spectrum, err := src.CurrentSpectrum(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Spectrum{1, 2}, spectrum)

	_, err = src.CurrentSpectrum(ctx)
	assert.ErrorIs(t, err, ErrNoNewFrame)
}

func TestStreamSourceDropsResentSeq(t *testing.T) {
	ctx := context.Background()
	src := NewStreamSource(0, nil)

	assert.True(t, src.Push(model.Frame{Seq: 3}, nil))
	_, err := src.CurrentFrame(ctx)
	require.NoError(t, err)

	assert.False(t, src.Push(model.Frame{Seq: 3}, nil))
	assert.False(t, src.Push(model.Frame{Seq: 2}, nil))
	_, err = src.CurrentFrame(ctx)
	assert.ErrorIs(t, err, ErrNoNewFrame)

	assert.True(t, src.Push(model.Frame{Seq: 4}, nil))
	frame, err := src.CurrentFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), frame.Seq)

	// Unnumbered samples are always taken.
	assert.True(t, src.Push(model.Frame{}, nil))
	assert.True(t, src.Push(model.Frame{}, nil))
}

func TestStreamSourceResendKeepsSourceAlive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	src := NewStreamSource(5*time.Second, clock.Now)
	src.Push(model.Frame{Seq: 1}, nil)

	clock.Advance(4 * time.Second)
	src.Push(model.Frame{Seq: 1}, nil)
	clock.Advance(4 * time.Second)

	_, err := src.CurrentFrame(ctx)
	assert.NoError(t, err)
}

func TestStreamSourceKeepsLastStill(t *testing.T) {
	ctx := context.Background()
	src := NewStreamSource(0, nil)

	src.Push(model.Frame{Seq: 1, Image: []byte("jpeg-1")}, nil)
	src.Push(model.Frame{Seq: 2}, nil)

	still, err := src.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-1"), still)

	still[0] = 'X'
	again, err := src.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-1"), again)
}

func TestStreamSourceTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	src := NewStreamSource(5*time.Second, clock.Now)

	clock.Advance(5 * time.Second)
	_, err := src.CurrentFrame(ctx)
	assert.ErrorIs(t, err, ErrNoNewFrame)

	clock.Advance(time.Second)
	_, err = src.CurrentFrame(ctx)
	assert.ErrorIs(t, err, ErrSourceLost)

	src.Push(model.Frame{Seq: 1}, nil)
	_, err = src.CurrentFrame(ctx)
	assert.NoError(t, err)
}

func TestStreamSourceMarkLost(t *testing.T) {
	ctx := context.Background()
	src := NewStreamSource(0, nil)
	src.Push(model.Frame{Seq: 1}, model.Spectrum{1})
	src.MarkLost()

	_, err := src.CurrentFrame(ctx)
	assert.ErrorIs(t, err, ErrSourceLost)
	_, err = src.CurrentSpectrum(ctx)
	assert.ErrorIs(t, err, ErrSourceLost)
}

func TestStreamSourceDetectPassesThrough(t *testing.T) {
	src := NewStreamSource(0, nil)
	frame := frameWith(face(openEye(), 50))

	det, err := src.Detect(context.Background(), frame)
	require.NoError(t, err)
	assert.Len(t, det.Faces, 1)
}
