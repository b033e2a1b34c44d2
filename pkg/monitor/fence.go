package monitor

import (
	"image"

	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

// Fence is the restricted rectangle in frame pixel coordinates.
type Fence struct {
	X1, Y1, X2, Y2 float64
}

// FenceFromConfig reads the fence rectangle.
func FenceFromConfig(cfg config.FenceConfig) Fence {
	return Fence{X1: cfg.X1, Y1: cfg.Y1, X2: cfg.X2, Y2: cfg.Y2}
}

// Intrudes reports whether box overlaps the fence. Boxes that only touch an
// edge count as overlapping.
func (f Fence) Intrudes(box vision.Box) bool {
	disjoint := box.X2 < f.X1 || box.X1 > f.X2 || box.Y2 < f.Y1 || box.Y1 > f.Y2
	return !disjoint
}

// Rect is the fence as an integer rectangle.
func (f Fence) Rect() image.Rectangle {
	return vision.Box{X1: f.X1, Y1: f.Y1, X2: f.X2, Y2: f.Y2}.Rect()
}
