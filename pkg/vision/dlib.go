package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sort"
	"sync"

	face "github.com/Kagami/go-face"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// DlibDimension is the length of a dlib face descriptor.
const DlibDimension = 128

// ErrNoFaceInCrop is returned when dlib finds no face in a crop it was asked to embed.
var ErrNoFaceInCrop = errors.New("no face found in crop")

// DlibEngine uses dlib through go-face. It serves as both a landmark detector
// and a 128-d embedder. The directory must contain:
// - shape_predictor_5_face_landmarks.dat
// - dlib_face_recognition_resnet_model_v1.dat
// - mmod_human_face_detector.dat
type DlibEngine struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

var (
	sharedDlib   *DlibEngine
	sharedDlibMu sync.Mutex
	dlibRefs     int
)

// OpenDlib returns the process-wide dlib engine, loading it on first use.
// Each call must be paired with Close.
func OpenDlib(modelsDir string) (*DlibEngine, error) {
	sharedDlibMu.Lock()
	defer sharedDlibMu.Unlock()

	if sharedDlib == nil {
		logging.Component("vision").Infof("Loading dlib models from: %s", modelsDir)
		rec, err := face.NewRecognizer(modelsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load dlib models: %w", err)
		}
		sharedDlib = &DlibEngine{rec: rec}
	}
	dlibRefs++
	return sharedDlib, nil
}

// Detect finds faces in a frame. go-face has no confidence output, so every
// face is reported with confidence 1.
func (e *DlibEngine) Detect(ctx context.Context, frame image.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := encodeJPEG(frame)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil, ErrModelNotLoaded
	}

	faces, err := e.rec.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("dlib detection failed: %w", err)
	}

	origin := frame.Bounds().Min
	out := make([]Detection, 0, len(faces))
	for _, f := range faces {
		r := f.Rectangle.Add(origin)
		d := Detection{
			Box:        Box{X1: float64(r.Min.X), Y1: float64(r.Min.Y), X2: float64(r.Max.X), Y2: float64(r.Max.Y)},
			Confidence: 1.0,
		}
		d.Landmarks = dlibLandmarks(f.Shapes, origin)
		out = append(out, d)
	}
	return out, nil
}

// dlibLandmarks converts the 5-point shape model (two corners per eye plus
// the nose base) into eye centers and nose. Mouth points are not available
// and are set to the nose.
func dlibLandmarks(shapes []image.Point, origin image.Point) *Landmarks {
	if len(shapes) != 5 {
		return nil
	}
	mid := func(a, b image.Point) Point {
		return Point{
			X: float64(a.X+b.X)/2 + float64(origin.X),
			Y: float64(a.Y+b.Y)/2 + float64(origin.Y),
		}
	}
	eyes := []Point{mid(shapes[0], shapes[1]), mid(shapes[2], shapes[3])}
	sort.Slice(eyes, func(i, j int) bool { return eyes[i].X < eyes[j].X })
	nose := Point{X: float64(shapes[4].X + origin.X), Y: float64(shapes[4].Y + origin.Y)}

	return &Landmarks{
		LeftEye:    eyes[0],
		RightEye:   eyes[1],
		Nose:       nose,
		MouthLeft:  nose,
		MouthRight: nose,
	}
}

// Embed computes the dlib descriptor of a face crop.
func (e *DlibEngine) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if crop == nil || crop.Bounds().Empty() {
		return nil, ErrEmptyCrop
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := encodeJPEG(crop)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return nil, ErrModelNotLoaded
	}

	f, err := e.rec.RecognizeSingle(data)
	if err != nil {
		return nil, fmt.Errorf("dlib embedding failed: %w", err)
	}
	if f == nil {
		return nil, ErrNoFaceInCrop
	}

	vec := make([]float32, DlibDimension)
	copy(vec, f.Descriptor[:])
	return vec, nil
}

// Landmarks reports true.
func (e *DlibEngine) Landmarks() bool { return true }

// Dimension returns the descriptor length.
func (e *DlibEngine) Dimension() int { return DlibDimension }

// Close releases one reference; the recognizer is freed with the last one.
func (e *DlibEngine) Close() error {
	sharedDlibMu.Lock()
	defer sharedDlibMu.Unlock()

	if dlibRefs > 0 {
		dlibRefs--
	}
	if dlibRefs > 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	sharedDlib = nil
	return nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
