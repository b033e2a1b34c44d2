package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// matFromImage converts img to an 8-bit BGR Mat. The caller closes it on
// success only.
func matFromImage(img image.Image) (gocv.Mat, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		mat.Close()
		return gocv.Mat{}, fmt.Errorf("failed to convert image: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, fmt.Errorf("failed to convert image: empty result")
	}
	return mat, nil
}

// Crop returns the part of frame covered by box, clipped to the frame bounds.
// The crop keeps frame coordinates. ok is false when the clipped region has
// zero area or cannot be converted.
func Crop(frame image.Image, box Box) (crop image.Image, ok bool) {
	bounds := frame.Bounds()
	r := box.Rect().Intersect(bounds)
	if r.Empty() {
		return nil, false
	}

	src, err := matFromImage(frame)
	if err != nil {
		return nil, false
	}
	defer src.Close()

	region := src.Region(r.Sub(bounds.Min))
	defer region.Close()
	face := region.Clone()
	defer face.Close()

	img, err := face.ToImage()
	if err != nil {
		return nil, false
	}
	rgba, isRGBA := img.(*image.RGBA)
	if !isRGBA {
		return img, true
	}
	rgba.Rect = r
	return rgba, true
}

// Gray converts an image to a row-major luma slice.
func Gray(img image.Image) (pixels []uint8, width, height int, err error) {
	src, err := matFromImage(img)
	if err != nil {
		return nil, 0, 0, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return gray.ToBytes(), gray.Cols(), gray.Rows(), nil
}

// Quality holds the enrollment image metrics of a face crop.
type Quality struct {
	// Brightness is the mean luma in [0,255].
	Brightness float64
	// Sharpness is the variance of the Laplacian of the luma channel.
	// Blurry crops have low variance.
	Sharpness float64
}

// MeasureQuality computes brightness and sharpness of a crop. Crops smaller
// than 3x3 report zero sharpness.
func MeasureQuality(img image.Image) (Quality, error) {
	src, err := matFromImage(img)
	if err != nil {
		return Quality{}, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(gray, &mean, &stddev)

	q := Quality{Brightness: mean.GetDoubleAt(0, 0)}
	if gray.Cols() < 3 || gray.Rows() < 3 {
		return q, nil
	}

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	lapMean := gocv.NewMat()
	defer lapMean.Close()
	lapStd := gocv.NewMat()
	defer lapStd.Close()
	gocv.MeanStdDev(lap, &lapMean, &lapStd)

	sd := lapStd.GetDoubleAt(0, 0)
	q.Sharpness = sd * sd
	return q, nil
}

// RGBBytes packs an image as interleaved row-major RGB.
func RGBBytes(img image.Image) (data []byte, width, height int, err error) {
	src, err := matFromImage(img)
	if err != nil {
		return nil, 0, 0, err
	}
	defer src.Close()

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(src, &rgb, gocv.ColorBGRToRGB)
	return rgb.ToBytes(), rgb.Cols(), rgb.Rows(), nil
}
