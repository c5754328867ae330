package model

import "time"

// Point is a 2D landmark coordinate in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EyeLandmarks holds the six canonical eye points p1..p6: p1 and p4 are the
// corners, p2/p3 the upper lid and p5/p6 the lower lid.
type EyeLandmarks [6]Point

// Box is an axis-aligned face bounding box.
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Face is one detected face with the landmarks the extractors need.
type Face struct {
	Box      Box          `json:"box"`
	LeftEye  EyeLandmarks `json:"left_eye"`
	RightEye EyeLandmarks `json:"right_eye"`
	Nose     Point        `json:"nose"`
}

// DetectedObject is a classifier label with its confidence in [0,1].
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Detections is the detector output for one frame.
type Detections struct {
	Faces   []Face           `json:"faces"`
	Objects []DetectedObject `json:"objects"`
}

// Frame is one captured video sample. Image is an encoded still (JPEG) and
// may be empty when the client does not attach one.
type Frame struct {
	Seq        uint64     `json:"seq"`
	CapturedAt time.Time  `json:"captured_at"`
	Image      []byte     `json:"-"`
	Detections Detections `json:"detections"`
}

// Spectrum is a frequency-domain audio buffer, one magnitude byte per bin.
type Spectrum []byte
