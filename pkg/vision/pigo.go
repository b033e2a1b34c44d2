package vision

import (
	"context"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// PigoOptions tunes the cascade scan.
type PigoOptions struct {
	MinSize       int
	MaxSize       int
	ShiftFactor   float64
	ScaleFactor   float64
	IoUThreshold  float64
	MinConfidence float64
}

// DefaultPigoOptions returns scan settings suited to a counter camera at 640x480.
func DefaultPigoOptions() PigoOptions {
	return PigoOptions{
		MinSize:       60,
		MaxSize:       600,
		ShiftFactor:   0.1,
		ScaleFactor:   1.1,
		IoUThreshold:  0.2,
		MinConfidence: 0.05,
	}
}

// PigoDetector is the general detector. It does not produce landmarks.
type PigoDetector struct {
	classifier *pigo.Pigo
	opts       PigoOptions
}

// NewPigoDetector loads a pigo cascade file.
func NewPigoDetector(cascadePath string, opts PigoOptions) (*PigoDetector, error) {
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}

	return &PigoDetector{classifier: classifier, opts: opts}, nil
}

// Detect scans a frame for faces.
func (d *PigoDetector) Detect(ctx context.Context, frame image.Image) ([]Detection, error) {
	if d.classifier == nil {
		return nil, ErrModelNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pixels, cols, rows, err := Gray(frame)
	if err != nil {
		return nil, err
	}
	params := pigo.CascadeParams{
		MinSize:     d.opts.MinSize,
		MaxSize:     d.opts.MaxSize,
		ShiftFactor: d.opts.ShiftFactor,
		ScaleFactor: d.opts.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.opts.IoUThreshold)

	origin := frame.Bounds().Min
	return convertPigoDetections(dets, origin, d.opts.MinConfidence), nil
}

// convertPigoDetections maps pigo's center/scale output to boxes.
// Pigo's Q score is unbounded; it is scaled by 1/100 and capped at 1.
func convertPigoDetections(dets []pigo.Detection, origin image.Point, minConfidence float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, det := range dets {
		confidence := float64(det.Q) / 100.0
		if confidence > 1 {
			confidence = 1
		}
		if confidence < minConfidence {
			continue
		}

		half := float64(det.Scale) / 2
		cx := float64(det.Col + origin.X)
		cy := float64(det.Row + origin.Y)
		out = append(out, Detection{
			Box:        Box{X1: cx - half, Y1: cy - half, X2: cx + half, Y2: cy + half},
			Confidence: confidence,
		})
	}
	return out
}

// Landmarks reports false: pigo only yields boxes.
func (d *PigoDetector) Landmarks() bool { return false }

// Close releases the cascade.
func (d *PigoDetector) Close() error {
	d.classifier = nil
	return nil
}
