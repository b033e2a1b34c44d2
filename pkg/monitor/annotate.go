package monitor

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/MrCodeEU/faceguard/pkg/recognition"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

var (
	colorKnown      = color.RGBA{0, 200, 0, 255}
	colorStranger   = color.RGBA{220, 0, 0, 255}
	colorProcessing = color.RGBA{230, 200, 0, 255}
	colorFence      = color.RGBA{0, 90, 255, 255}
)

const (
	boxThickness    = 2
	dangerThickness = 6
)

// Annotate draws the fence, the face boxes and, for danger frames, a red
// border onto a copy of frame.
func Annotate(frame image.Image, fence Fence, faces []Face, d Decision) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, frame, b.Min, draw.Src)

	strokeRect(out, fence.Rect(), colorFence, boxThickness)
	for _, f := range faces {
		strokeRect(out, f.Box.Rect(), kindColor(f.Result.Kind), boxThickness)
	}
	if d.Action == ActionDanger {
		strokeRect(out, b, colorStranger, dangerThickness)
	}
	return out
}

// AnnotateCapture draws the enrollment detection onto a copy of frame: green
// when the frame produced a sample, yellow otherwise.
func AnnotateCapture(frame image.Image, det *vision.Detection, accepted bool) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, frame, b.Min, draw.Src)

	if det != nil {
		c := colorProcessing
		if accepted {
			c = colorKnown
		}
		strokeRect(out, det.Box.Rect(), c, boxThickness)
	}
	return out
}

func kindColor(k recognition.Kind) color.RGBA {
	switch k {
	case recognition.Known:
		return colorKnown
	case recognition.Processing:
		return colorProcessing
	default:
		return colorStranger
	}
}

// strokeRect draws the inside border of r, clipped to img.
func strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	t := thickness
	if t > r.Dx()/2 {
		t = r.Dx() / 2
	}
	if t > r.Dy()/2 {
		t = r.Dy() / 2
	}
	if t < 1 {
		t = 1
	}
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e, src, image.Point{}, draw.Src)
	}
}
