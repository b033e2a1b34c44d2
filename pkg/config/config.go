// Package config provides configuration management for FaceGuard.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all station configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Detection   DetectionConfig   `yaml:"detection"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Fence       FenceConfig       `yaml:"fence"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Models      ModelsConfig      `yaml:"models"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds camera settings.
type CameraConfig struct {
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
	// FrameTimeout is the V4L2 wait timeout in seconds.
	FrameTimeout int `yaml:"frame_timeout"`
}

// DetectionConfig selects the face detectors.
type DetectionConfig struct {
	// Backend is the general detector used by monitoring: pigo, yunet or dlib.
	Backend string `yaml:"backend"`
	// EnrollmentBackend is the landmark detector preferred during enrollment.
	// Empty or unreachable falls back to Backend.
	EnrollmentBackend string  `yaml:"enrollment_backend"`
	CascadePath       string  `yaml:"cascade_path"`
	YuNetSocket       string  `yaml:"yunet_socket"`
	YuNetTimeoutMs    int     `yaml:"yunet_timeout_ms"`
	MinConfidence     float64 `yaml:"min_confidence"`
	MinFaceSize       int     `yaml:"min_face_size"`
	MaxFaceSize       int     `yaml:"max_face_size"`
}

// EmbeddingConfig selects the embedding network.
type EmbeddingConfig struct {
	// Backend is onnx (FaceNet) or dlib.
	Backend       string `yaml:"backend"`
	ModelPath     string `yaml:"model_path"`
	OnnxLibrary   string `yaml:"onnx_library"`
	InputName     string `yaml:"input_name"`
	OutputName    string `yaml:"output_name"`
	InputSize     int    `yaml:"input_size"`
	Dimension     int    `yaml:"dimension"`
	DlibModelsDir string `yaml:"dlib_models_dir"`
}

// RecognitionConfig holds classifier settings.
type RecognitionConfig struct {
	// Threshold is the mean k-NN distance below which a face is a known identity.
	Threshold float64 `yaml:"threshold"`
	K         int     `yaml:"k"`
}

// FenceConfig is the protected rectangle in frame pixel coordinates.
type FenceConfig struct {
	X1 float64 `yaml:"x1"`
	Y1 float64 `yaml:"y1"`
	X2 float64 `yaml:"x2"`
	Y2 float64 `yaml:"y2"`
}

// EnrollmentStep is one guided pose step.
type EnrollmentStep struct {
	Pose    string `yaml:"pose"`
	Samples int    `yaml:"samples"`
}

// EnrollmentConfig holds enrollment capture gates.
type EnrollmentConfig struct {
	Steps                  []EnrollmentStep `yaml:"steps"`
	MinCaptureInterval     time.Duration    `yaml:"min_capture_interval"`
	MinConfidence          float64          `yaml:"min_confidence"`
	MinConfidenceLandmarks float64          `yaml:"min_confidence_landmarks"`
	MinFaceWidth           int              `yaml:"min_face_width"`
	MaxFaceWidth           int              `yaml:"max_face_width"`
	MinBrightness          float64          `yaml:"min_brightness"`
	MaxBrightness          float64          `yaml:"max_brightness"`
	MinSharpness           float64          `yaml:"min_sharpness"`
	GuideCenterX           float64          `yaml:"guide_center_x"`
	GuideCenterY           float64          `yaml:"guide_center_y"`
	GuideRadiusX           float64          `yaml:"guide_radius_x"`
	GuideRadiusY           float64          `yaml:"guide_radius_y"`
	StraightYawMin         float64          `yaml:"straight_yaw_min"`
	StraightYawMax         float64          `yaml:"straight_yaw_max"`
	TurnLeftYaw            float64          `yaml:"turn_left_yaw"`
	TurnRightYaw           float64          `yaml:"turn_right_yaw"`
	HeadUpPitch            float64          `yaml:"head_up_pitch"`
}

// AlertsConfig holds alert sink and debounce settings.
type AlertsConfig struct {
	BaseURL          string        `yaml:"base_url"`
	LogPath          string        `yaml:"log_path"`
	ResetPath        string        `yaml:"reset_path"`
	Timeout          time.Duration `yaml:"timeout"`
	DangerDebounce   time.Duration `yaml:"danger_debounce"`
	NoticeDebounce   time.Duration `yaml:"notice_debounce"`
	ResetDebounce    time.Duration `yaml:"reset_debounce"`
	AutoResetGrace   time.Duration `yaml:"auto_reset_grace"`
	CheckinNotices   bool          `yaml:"checkin_notices"`
	StrangerWarnings bool          `yaml:"stranger_warnings"`
}

// StorageConfig holds gallery persistence settings.
type StorageConfig struct {
	// Backend is file or mongo.
	Backend           string `yaml:"backend"`
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	MongoURI          string `yaml:"mongo_uri"`
	MongoDatabase     string `yaml:"mongo_database"`
	MongoCollection   string `yaml:"mongo_collection"`
}

// ServerConfig holds the control API settings.
type ServerConfig struct {
	Listen           string `yaml:"listen"`
	AutoStartMonitor bool   `yaml:"auto_start_monitor"`
	// TokenSecret enables bearer-token auth on the control API when set.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// ModelsConfig lists model files fetched by download-models.
type ModelsConfig struct {
	Dir     string            `yaml:"dir"`
	Sources map[string]string `yaml:"sources"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Pose names accepted in enrollment steps.
const (
	PoseStraight  = "straight"
	PoseTurnLeft  = "turn_left"
	PoseTurnRight = "turn_right"
	PoseHeadUp    = "head_up"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/faceguard")
	modelDir := filepath.Join(dataDir, "models")

	return &Config{
		Camera: CameraConfig{
			Device:       "/dev/video0",
			Width:        640,
			Height:       480,
			FPS:          30,
			FrameTimeout: 2,
		},
		Detection: DetectionConfig{
			Backend:           "pigo",
			EnrollmentBackend: "yunet",
			CascadePath:       filepath.Join(modelDir, "facefinder"),
			YuNetSocket:       "/tmp/faceguard-yunet.sock",
			YuNetTimeoutMs:    200,
			MinConfidence:     0.5,
			MinFaceSize:       60,
			MaxFaceSize:       600,
		},
		Embedding: EmbeddingConfig{
			Backend:       "onnx",
			ModelPath:     filepath.Join(modelDir, "facenet_vggface2.onnx"),
			OnnxLibrary:   "/usr/lib/libonnxruntime.so",
			InputName:     "input",
			OutputName:    "embedding",
			InputSize:     160,
			Dimension:     512,
			DlibModelsDir: modelDir,
		},
		Recognition: RecognitionConfig{
			Threshold: 0.85,
			K:         5,
		},
		Fence: FenceConfig{
			X1: 400, Y1: 300, X2: 640, Y2: 480,
		},
		Enrollment: EnrollmentConfig{
			Steps: []EnrollmentStep{
				{Pose: PoseStraight, Samples: 5},
				{Pose: PoseTurnLeft, Samples: 5},
				{Pose: PoseTurnRight, Samples: 5},
				{Pose: PoseHeadUp, Samples: 5},
			},
			MinCaptureInterval:     600 * time.Millisecond,
			MinConfidence:          0.5,
			MinConfidenceLandmarks: 0.9,
			MinFaceWidth:           120,
			MaxFaceWidth:           350,
			MinBrightness:          60,
			MaxBrightness:          200,
			MinSharpness:           90,
			GuideCenterX:           0.5,
			GuideCenterY:           0.5,
			GuideRadiusX:           0.22,
			GuideRadiusY:           0.32,
			StraightYawMin:         0.4,
			StraightYawMax:         0.6,
			TurnLeftYaw:            0.75,
			TurnRightYaw:           0.25,
			HeadUpPitch:            20,
		},
		Alerts: AlertsConfig{
			BaseURL:        "http://localhost:3000",
			LogPath:        "/api/security/log",
			ResetPath:      "/api/security/reset-alarm",
			Timeout:        3 * time.Second,
			DangerDebounce: 2 * time.Second,
			NoticeDebounce: 15 * time.Second,
			ResetDebounce:  2 * time.Second,
			AutoResetGrace: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend:           "file",
			DataDir:           dataDir,
			EncryptionEnabled: true,
			MongoURI:          "mongodb://localhost:27017",
			MongoDatabase:     "face_recognition",
			MongoCollection:   "embeddings",
		},
		Server: ServerConfig{
			Listen:   "127.0.0.1:8090",
			TokenTTL: 12 * time.Hour,
		},
		Models: ModelsConfig{
			Dir: modelDir,
			Sources: map[string]string{
				"facefinder": "https://raw.githubusercontent.com/esimov/pigo/master/cascade/facefinder",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   filepath.Join(dataDir, "faceguard.log"),
		},
	}
}

// Load loads configuration from the specified file on top of the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/faceguard/faceguard.yaml"); err == nil {
		return Load("/etc/faceguard/faceguard.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/faceguard/faceguard.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}

	validDetectors := map[string]bool{"pigo": true, "yunet": true, "dlib": true}
	if !validDetectors[c.Detection.Backend] {
		return fmt.Errorf("invalid detection backend: %s (must be pigo, yunet, or dlib)", c.Detection.Backend)
	}
	if c.Detection.EnrollmentBackend != "" && !validDetectors[c.Detection.EnrollmentBackend] {
		return fmt.Errorf("invalid enrollment detection backend: %s", c.Detection.EnrollmentBackend)
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", c.Detection.MinConfidence)
	}

	validEmbedders := map[string]bool{"onnx": true, "dlib": true}
	if !validEmbedders[c.Embedding.Backend] {
		return fmt.Errorf("invalid embedding backend: %s (must be onnx or dlib)", c.Embedding.Backend)
	}
	if c.Embedding.Backend == "onnx" && c.Embedding.InputSize <= 0 {
		return fmt.Errorf("embedding input_size must be positive, got %d", c.Embedding.InputSize)
	}

	if c.Recognition.Threshold <= 0 {
		return fmt.Errorf("recognition threshold must be positive, got %f", c.Recognition.Threshold)
	}
	if c.Recognition.K <= 0 {
		return fmt.Errorf("recognition k must be positive, got %d", c.Recognition.K)
	}

	if c.Fence.X2 <= c.Fence.X1 || c.Fence.Y2 <= c.Fence.Y1 {
		return fmt.Errorf("invalid fence rectangle: (%.0f,%.0f)-(%.0f,%.0f)", c.Fence.X1, c.Fence.Y1, c.Fence.X2, c.Fence.Y2)
	}

	if err := c.Enrollment.validate(); err != nil {
		return err
	}

	if c.Alerts.BaseURL == "" {
		return fmt.Errorf("alerts base_url is required")
	}
	if c.Alerts.Timeout <= 0 {
		return fmt.Errorf("alerts timeout must be positive, got %s", c.Alerts.Timeout)
	}

	validStores := map[string]bool{"file": true, "mongo": true}
	if !validStores[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s (must be file or mongo)", c.Storage.Backend)
	}
	if c.Storage.Backend == "mongo" && c.Storage.MongoURI == "" {
		return fmt.Errorf("mongo_uri is required for the mongo storage backend")
	}

	if c.Server.TokenSecret != "" && len(c.Server.TokenSecret) < 16 {
		return fmt.Errorf("server token_secret must be at least 16 characters")
	}
	if c.Server.TokenSecret != "" && c.Server.TokenTTL <= 0 {
		return fmt.Errorf("server token_ttl must be positive, got %s", c.Server.TokenTTL)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func (e *EnrollmentConfig) validate() error {
	if len(e.Steps) == 0 {
		return fmt.Errorf("enrollment requires at least one step")
	}
	validPoses := map[string]bool{PoseStraight: true, PoseTurnLeft: true, PoseTurnRight: true, PoseHeadUp: true}
	for i, step := range e.Steps {
		if !validPoses[step.Pose] {
			return fmt.Errorf("enrollment step %d: invalid pose %q", i+1, step.Pose)
		}
		if step.Samples <= 0 {
			return fmt.Errorf("enrollment step %d: samples must be positive, got %d", i+1, step.Samples)
		}
	}
	if e.MinFaceWidth <= 0 || e.MaxFaceWidth < e.MinFaceWidth {
		return fmt.Errorf("invalid enrollment face width range: [%d,%d]", e.MinFaceWidth, e.MaxFaceWidth)
	}
	if e.MaxBrightness < e.MinBrightness {
		return fmt.Errorf("invalid enrollment brightness range: [%.0f,%.0f]", e.MinBrightness, e.MaxBrightness)
	}
	if e.GuideRadiusX <= 0 || e.GuideRadiusY <= 0 {
		return fmt.Errorf("guide radii must be positive")
	}
	if e.StraightYawMin >= e.StraightYawMax {
		return fmt.Errorf("straight yaw band is empty: [%.2f,%.2f]", e.StraightYawMin, e.StraightYawMax)
	}
	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Device = ExpandPath(c.Camera.Device)
	c.Detection.CascadePath = ExpandPath(c.Detection.CascadePath)
	c.Detection.YuNetSocket = ExpandPath(c.Detection.YuNetSocket)
	c.Embedding.ModelPath = ExpandPath(c.Embedding.ModelPath)
	c.Embedding.OnnxLibrary = ExpandPath(c.Embedding.OnnxLibrary)
	c.Embedding.DlibModelsDir = ExpandPath(c.Embedding.DlibModelsDir)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Models.Dir = ExpandPath(c.Models.Dir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates necessary directories for storage, models and logging.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.IdentitiesDir(), c.SamplesDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if err := os.MkdirAll(c.Models.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// IdentitiesDir is where the file store keeps identity records.
func (c *Config) IdentitiesDir() string {
	return filepath.Join(c.Storage.DataDir, "identities")
}

// SamplesDir is where enrollment crops are kept per identity.
func (c *Config) SamplesDir() string {
	return filepath.Join(c.Storage.DataDir, "samples")
}

// AlertURL returns the full URL of the alert log endpoint.
func (c *Config) AlertURL() string {
	return strings.TrimRight(c.Alerts.BaseURL, "/") + c.Alerts.LogPath
}

// ResetURL returns the full URL of the alarm reset endpoint.
func (c *Config) ResetURL() string {
	return strings.TrimRight(c.Alerts.BaseURL, "/") + c.Alerts.ResetPath
}

// TotalEnrollmentSamples is the number of samples a full enrollment collects.
func (c *Config) TotalEnrollmentSamples() int {
	return c.Enrollment.TotalSamples()
}

// TotalSamples sums the per-step sample targets.
func (e EnrollmentConfig) TotalSamples() int {
	total := 0
	for _, step := range e.Steps {
		total += step.Samples
	}
	return total
}
