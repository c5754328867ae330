package proctor

import (
	"errors"
	"math"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrDegenerateLandmarks is returned when landmark geometry cannot produce a ratio.
var ErrDegenerateLandmarks = errors.New("degenerate landmarks")

// Condition is the output of a single extractor.
type Condition struct {
	Active   bool
	Strength float64
}

// Thresholds parameterises the extractors and the sustain counters.
type Thresholds struct {
	EAR              float64
	Pitch            float64
	Loudness         float64
	ObjectConfidence float64
	Restricted       map[string]struct{}
	Sustain          map[model.Category]int
}

// DefaultThresholds mirrors the config defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EAR:              0.18,
		Pitch:            0.8,
		Loudness:         45,
		ObjectConfidence: 0.6,
		Restricted:       labelSet([]string{"cell phone", "book", "laptop"}),
		Sustain: map[model.Category]int{
			model.CategoryNoFace:           30,
			model.CategoryMultiFace:        10,
			model.CategoryEyesClosed:       30,
			model.CategoryLookingDown:      30,
			model.CategoryLoudNoise:        15,
			model.CategoryProhibitedObject: 10,
		},
	}
}

// ThresholdsFromConfig converts the env-driven policy into Thresholds.
func ThresholdsFromConfig(cfg config.ProctorConfig) Thresholds {
	th := Thresholds{
		EAR:              cfg.EARThreshold,
		Pitch:            cfg.PitchThreshold,
		Loudness:         cfg.LoudThreshold,
		ObjectConfidence: cfg.ObjectConfidence,
		Restricted:       labelSet(cfg.RestrictedLabels),
		Sustain:          make(map[model.Category]int, len(cfg.Sustain)),
	}
	for k, v := range cfg.Sustain {
		th.Sustain[model.Category(k)] = v
	}
	return th
}

func labelSet(labels []string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	return set
}

// FacePresence returns the absence and multiplicity conditions.
func FacePresence(faces []model.Face) (absent, multiple Condition) {
	n := float64(len(faces))
	return Condition{Active: len(faces) == 0, Strength: n},
		Condition{Active: len(faces) > 1, Strength: n}
}

// EyeAspectRatio computes (|p2−p6| + |p3−p5|) / (2·|p1−p4|).
func EyeAspectRatio(eye model.EyeLandmarks) (float64, error) {
	horizontal := dist(eye[0], eye[3])
	if horizontal == 0 {
		return 0, ErrDegenerateLandmarks
	}
	return (dist(eye[1], eye[5]) + dist(eye[2], eye[4])) / (2 * horizontal), nil
}

// EyesClosed averages the EAR of both eyes against the threshold.
func EyesClosed(face model.Face, threshold float64) (Condition, error) {
	left, err := EyeAspectRatio(face.LeftEye)
	if err != nil {
		return Condition{}, err
	}
	right, err := EyeAspectRatio(face.RightEye)
	if err != nil {
		return Condition{}, err
	}
	avg := (left + right) / 2
	return Condition{Active: avg < threshold, Strength: avg}, nil
}

// HeadPitch is the nose offset from the top of the face box, normalised by
// the box height. Values near 1 mean the nose sits at the bottom edge.
func HeadPitch(face model.Face) (float64, error) {
	if face.Box.Height <= 0 {
		return 0, ErrDegenerateLandmarks
	}
	return (face.Nose.Y - face.Box.Top) / face.Box.Height, nil
}

// LookingDown compares HeadPitch against the threshold.
func LookingDown(face model.Face, threshold float64) (Condition, error) {
	pitch, err := HeadPitch(face)
	if err != nil {
		return Condition{}, err
	}
	return Condition{Active: pitch > threshold, Strength: pitch}, nil
}

// Loudness is the mean bin magnitude of the spectrum.
func Loudness(spectrum model.Spectrum, threshold float64) Condition {
	if len(spectrum) == 0 {
		return Condition{}
	}
	var sum int
	for _, b := range spectrum {
		sum += int(b)
	}
	mean := float64(sum) / float64(len(spectrum))
	return Condition{Active: mean > threshold, Strength: mean}
}

// ProhibitedObject reports the most confident restricted label above the
// confidence floor.
func ProhibitedObject(objects []model.DetectedObject, th Thresholds) (Condition, string) {
	var (
		best  Condition
		label string
	)
	for _, o := range objects {
		if _, ok := th.Restricted[strings.ToLower(o.Label)]; !ok {
			continue
		}
		if o.Confidence > th.ObjectConfidence && o.Confidence > best.Strength {
			best = Condition{Active: true, Strength: o.Confidence}
			label = o.Label
		}
	}
	return best, label
}

func dist(a, b model.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
