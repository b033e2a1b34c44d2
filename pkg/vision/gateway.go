// Package vision wraps the face detectors and the embedding network behind
// small interfaces so the rest of the station never touches model runtimes.
package vision

import (
	"context"
	"errors"
	"image"
	"math"
)

// ErrEmptyCrop is returned when a face region has zero area.
var ErrEmptyCrop = errors.New("face crop has zero area")

// ErrModelNotLoaded is returned when a backend is used before initialization.
var ErrModelNotLoaded = errors.New("model not loaded")

// Point is a pixel position in frame coordinates.
type Point struct {
	X float64
	Y float64
}

// Box is an axis-aligned face box in frame pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width returns the box width.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Center returns the box center.
func (b Box) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Rect converts the box to an integer rectangle, rounding outward.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X1)), int(math.Floor(b.Y1)),
		int(math.Ceil(b.X2)), int(math.Ceil(b.Y2)),
	)
}

// Landmarks are the five facial keypoints in frame coordinates.
// LeftEye is the eye with the smaller x in the image.
type Landmarks struct {
	LeftEye    Point
	RightEye   Point
	Nose       Point
	MouthLeft  Point
	MouthRight Point
}

// Detection is one face found in a frame.
type Detection struct {
	Box        Box
	Confidence float64
	// Landmarks is nil when the detector does not produce keypoints.
	Landmarks *Landmarks
}

// Detector finds faces in a frame. Detections form an unordered set.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]Detection, error)
	// Landmarks reports whether detections carry five-point landmarks.
	Landmarks() bool
	Close() error
}

// Embedder turns a face crop into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
	Dimension() int
	Close() error
}

// Gateway bundles a detector with an embedder. It is the only path the
// monitor and enrollment use to reach the models.
type Gateway struct {
	detector      Detector
	embedder      Embedder
	minConfidence float64
}

// NewGateway creates a gateway over the given backends. Detections scoring
// below minConfidence are dropped; zero keeps everything.
func NewGateway(detector Detector, embedder Embedder, minConfidence float64) *Gateway {
	return &Gateway{detector: detector, embedder: embedder, minConfidence: minConfidence}
}

// DetectFaces runs the detector on a frame.
func (g *Gateway) DetectFaces(ctx context.Context, frame image.Image) ([]Detection, error) {
	if g.detector == nil {
		return nil, ErrModelNotLoaded
	}
	dets, err := g.detector.Detect(ctx, frame)
	if err != nil || g.minConfidence <= 0 {
		return dets, err
	}

	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= g.minConfidence {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

// Embed returns the embedding of a face crop.
func (g *Gateway) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if g.embedder == nil {
		return nil, ErrModelNotLoaded
	}
	if crop == nil || crop.Bounds().Empty() {
		return nil, ErrEmptyCrop
	}
	return g.embedder.Embed(ctx, crop)
}

// Landmarks reports whether the gateway's detector yields landmarks.
func (g *Gateway) Landmarks() bool {
	return g.detector != nil && g.detector.Landmarks()
}

// Best returns the detection with the highest confidence.
func Best(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}
