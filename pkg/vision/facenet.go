package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"
)

// FaceNetOptions configures the ONNX FaceNet embedder.
type FaceNetOptions struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	InputSize   int
	Dimension   int
}

// FaceNetEmbedder runs an InceptionResnetV1-style FaceNet exported to ONNX.
// The session reuses fixed input and output tensors, so calls are serialized.
type FaceNetEmbedder struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	size    int
	dim     int
}

// The onnxruntime environment is process-wide. A failed initialization is
// remembered so later embedders report it too.
var (
	ortInit    sync.Once
	ortInitErr error
)

func initONNXRuntime(libraryPath string, initialize func() error) error {
	ortInit.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = initialize()
	})
	return ortInitErr
}

// NewFaceNetEmbedder loads the model and allocates its tensors.
func NewFaceNetEmbedder(opts FaceNetOptions) (*FaceNetEmbedder, error) {
	if err := initONNXRuntime(opts.LibraryPath, ort.InitializeEnvironment); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	size := int64(opts.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.Dimension)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session for %s: %w", opts.ModelPath, err)
	}

	return &FaceNetEmbedder{
		session: session,
		input:   input,
		output:  output,
		size:    opts.InputSize,
		dim:     opts.Dimension,
	}, nil
}

// Embed resizes the crop, normalizes it and runs the network.
func (e *FaceNetEmbedder) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if crop == nil || crop.Bounds().Empty() {
		return nil, ErrEmptyCrop
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrModelNotLoaded
	}

	if err := FaceNetInput(crop, e.size, e.input.GetData()); err != nil {
		return nil, err
	}
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("facenet inference failed: %w", err)
	}

	out := e.output.GetData()
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

// FaceNetInput writes the crop into dst as a 1x3xSxS planar RGB tensor with
// (p - 127.5) / 128 normalization. dst must hold 3*size*size values.
func FaceNetInput(crop image.Image, size int, dst []float32) error {
	src, err := matFromImage(crop)
	if err != nil {
		return err
	}
	defer src.Close()

	blob := gocv.BlobFromImage(src, 1.0/128.0, image.Pt(size, size),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("failed to read input blob: %w", err)
	}
	if len(data) != len(dst) {
		return fmt.Errorf("input blob has %d values, expected %d", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// Dimension returns the embedding length.
func (e *FaceNetEmbedder) Dimension() int { return e.dim }

// Close destroys the session and tensors.
func (e *FaceNetEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	e.session = nil
	return err
}
