package vision

import (
	"fmt"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// NewDetector builds the detector named by backend.
func NewDetector(backend string, cfg *config.Config) (Detector, error) {
	switch backend {
	case "pigo":
		opts := DefaultPigoOptions()
		if cfg.Detection.MinFaceSize > 0 {
			opts.MinSize = cfg.Detection.MinFaceSize
		}
		if cfg.Detection.MaxFaceSize > 0 {
			opts.MaxSize = cfg.Detection.MaxFaceSize
		}
		return NewPigoDetector(cfg.Detection.CascadePath, opts)
	case "yunet":
		client := NewYuNetClient(cfg.Detection.YuNetSocket, time.Duration(cfg.Detection.YuNetTimeoutMs)*time.Millisecond)
		if err := client.Ping(); err != nil {
			return nil, err
		}
		return client, nil
	case "dlib":
		return OpenDlib(cfg.Embedding.DlibModelsDir)
	default:
		return nil, fmt.Errorf("unknown detection backend: %s", backend)
	}
}

// SelectEnrollmentDetector picks the enrollment detector once at startup.
// The preferred landmark backend is tried first; on failure, or when it does
// not provide landmarks, the general detector is used.
func SelectEnrollmentDetector(cfg *config.Config, general Detector, open func(string, *config.Config) (Detector, error)) Detector {
	log := logging.Component("vision")
	preferred := cfg.Detection.EnrollmentBackend
	if preferred == "" || preferred == cfg.Detection.Backend {
		return general
	}

	d, err := open(preferred, cfg)
	if err != nil {
		log.WithError(err).Warnf("Enrollment detector %s unavailable, using %s", preferred, cfg.Detection.Backend)
		return general
	}
	if !d.Landmarks() {
		d.Close()
		return general
	}
	log.Infof("Enrollment detector: %s (landmarks)", preferred)
	return d
}

// NewEmbedder builds the embedder named in the configuration.
func NewEmbedder(cfg *config.Config) (Embedder, error) {
	switch cfg.Embedding.Backend {
	case "onnx":
		return NewFaceNetEmbedder(FaceNetOptions{
			ModelPath:   cfg.Embedding.ModelPath,
			LibraryPath: cfg.Embedding.OnnxLibrary,
			InputName:   cfg.Embedding.InputName,
			OutputName:  cfg.Embedding.OutputName,
			InputSize:   cfg.Embedding.InputSize,
			Dimension:   cfg.Embedding.Dimension,
		})
	case "dlib":
		return OpenDlib(cfg.Embedding.DlibModelsDir)
	default:
		return nil, fmt.Errorf("unknown embedding backend: %s", cfg.Embedding.Backend)
	}
}
