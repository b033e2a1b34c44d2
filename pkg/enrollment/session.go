// Package enrollment runs guided multi-pose capture for a new identity.
//
// A Session moves AWAITING_NAME -> CAPTURING -> REVIEW_COMPLETE -> COMPLETED,
// or to CANCELLED at any point before completion. Accepted crops are staged
// on disk and only become part of the gallery on Finish.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/pose"
	"github.com/MrCodeEU/faceguard/pkg/storage"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

// State is the session lifecycle state.
type State string

const (
	AwaitingName   State = "AWAITING_NAME"
	Capturing      State = "CAPTURING"
	ReviewComplete State = "REVIEW_COMPLETE"
	Completed      State = "COMPLETED"
	Cancelled      State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled
}

var (
	// ErrInvalidState is returned when an operation does not apply to the current state.
	ErrInvalidState = errors.New("operation not valid in current enrollment state")
	// ErrIncomplete is returned by Finish before every step is captured.
	ErrIncomplete = errors.New("enrollment capture is not complete")
	// ErrNoUsableSamples is returned when no staged sample could be embedded.
	ErrNoUsableSamples = errors.New("no enrollment sample produced an embedding")
)

// Enroller stores the final vectors for an identity.
type Enroller interface {
	Upsert(ctx context.Context, name string, vectors [][]float32) error
}

// FrameSource yields camera frames.
type FrameSource interface {
	Read(ctx context.Context) (camera.Frame, error)
}

// Options wires a session.
type Options struct {
	Config config.EnrollmentConfig
	// Gateway should carry the landmark detector when one is available.
	Gateway *vision.Gateway
	Samples *storage.SampleDir
	Gallery Enroller
	// OnFrame, when set, is called with every processed frame.
	OnFrame func(frame camera.Frame, det *vision.Detection, fb Feedback)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is a point-in-time view of a session.
type Status struct {
	Name         string   `json:"name"`
	State        State    `json:"state"`
	Step         int      `json:"step"`
	StepCount    int      `json:"step_count"`
	Pose         string   `json:"pose,omitempty"`
	Instruction  string   `json:"instruction,omitempty"`
	StepCaptured int      `json:"step_captured"`
	StepTarget   int      `json:"step_target"`
	Captured     int      `json:"captured"`
	Total        int      `json:"total"`
	Feedback     Feedback `json:"feedback,omitempty"`
	Message      string   `json:"message,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Session is one enrollment attempt. All methods are safe for concurrent use.
type Session struct {
	cfg     config.EnrollmentConfig
	bands   pose.Bands
	gateway *vision.Gateway
	samples *storage.SampleDir
	gallery Enroller
	onFrame func(camera.Frame, *vision.Detection, Feedback)
	now     func() time.Time

	mu           sync.Mutex
	state        State
	name         string
	staging      *storage.Staging
	step         int
	stepCaptured int
	captured     int
	crops        []image.Image
	lastAccept   time.Time
	feedback     Feedback
	failure      error
}

// New creates a session awaiting a name.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		cfg:     opts.Config,
		bands:   pose.BandsFromConfig(opts.Config),
		gateway: opts.Gateway,
		samples: opts.Samples,
		gallery: opts.Gallery,
		onFrame: opts.OnFrame,
		now:     now,
		state:   AwaitingName,
	}
}

// Begin names the identity, opens a staging area and starts capturing.
func (s *Session) Begin(name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AwaitingName {
		return fmt.Errorf("%w: begin in %s", ErrInvalidState, s.state)
	}
	staging, err := s.samples.Stage(name)
	if err != nil {
		return err
	}

	s.name = name
	s.staging = staging
	s.state = Capturing
	logging.Component("enrollment").Infof("Enrollment started for %s", name)
	return nil
}

// Name returns the identity being enrolled.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports progress.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:         s.name,
		State:        s.state,
		Step:         s.step,
		StepCount:    len(s.cfg.Steps),
		StepCaptured: s.stepCaptured,
		Captured:     s.captured,
		Total:        s.cfg.TotalSamples(),
		Feedback:     s.feedback,
		Message:      s.feedback.Message(),
	}
	if s.state == Capturing && s.step < len(s.cfg.Steps) {
		step := s.cfg.Steps[s.step]
		st.Pose = step.Pose
		st.Instruction = pose.Instruction(step.Pose)
		st.StepTarget = step.Samples
	}
	if s.failure != nil {
		st.Error = s.failure.Error()
	}
	return st
}

// Feed runs one frame through the capture pipeline.
func (s *Session) Feed(ctx context.Context, frame camera.Frame) (Feedback, error) {
	if st := s.State(); st != Capturing {
		return "", fmt.Errorf("%w: feed in %s", ErrInvalidState, st)
	}

	det, crop, fb, err := s.evaluate(ctx, frame)
	if err != nil {
		return "", err
	}
	if fb == FeedbackAccepted {
		fb, err = s.accept(crop)
		if err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	s.feedback = fb
	s.mu.Unlock()

	if s.onFrame != nil {
		s.onFrame(frame, det, fb)
	}
	return fb, nil
}

// evaluate applies the detection, quality, guide, pose and interval gates.
func (s *Session) evaluate(ctx context.Context, frame camera.Frame) (*vision.Detection, image.Image, Feedback, error) {
	dets, err := s.gateway.DetectFaces(ctx, frame.Image)
	if err != nil {
		return nil, nil, "", fmt.Errorf("detection failed: %w", err)
	}

	minConf := s.cfg.MinConfidence
	if s.gateway.Landmarks() {
		minConf = s.cfg.MinConfidenceLandmarks
	}
	best, ok := vision.Best(dets)
	if !ok || best.Confidence < minConf {
		return nil, nil, FeedbackNoFace, nil
	}
	det := &best

	width := det.Box.Width()
	if width < float64(s.cfg.MinFaceWidth) {
		return det, nil, FeedbackTooSmall, nil
	}
	if width > float64(s.cfg.MaxFaceWidth) {
		return det, nil, FeedbackTooLarge, nil
	}

	crop, ok := vision.Crop(frame.Image, det.Box)
	if !ok {
		return det, nil, FeedbackNoFace, nil
	}

	q, err := vision.MeasureQuality(crop)
	if err != nil {
		return nil, nil, "", fmt.Errorf("quality check failed: %w", err)
	}
	if q.Brightness < s.cfg.MinBrightness {
		return det, nil, FeedbackTooDark, nil
	}
	if q.Brightness > s.cfg.MaxBrightness {
		return det, nil, FeedbackTooBright, nil
	}
	if q.Sharpness <= s.cfg.MinSharpness {
		return det, nil, FeedbackBlurry, nil
	}

	if !s.inGuide(frame.Image.Bounds(), det.Box.Center()) {
		return det, nil, FeedbackRecenter, nil
	}

	if det.Landmarks != nil {
		est, ok := pose.FromLandmarks(det.Landmarks)
		if !ok {
			return det, nil, FeedbackTurnMore, nil
		}
		s.mu.Lock()
		want := s.cfg.Steps[s.step].Pose
		s.mu.Unlock()
		match, err := s.bands.Check(want, est)
		if err != nil {
			return nil, nil, "", err
		}
		if !match {
			return det, nil, FeedbackTurnMore, nil
		}
	}

	s.mu.Lock()
	last := s.lastAccept
	s.mu.Unlock()
	if !last.IsZero() && s.now().Sub(last) < s.cfg.MinCaptureInterval {
		return det, nil, FeedbackTooSoon, nil
	}

	return det, crop, FeedbackAccepted, nil
}

// inGuide reports whether p lies inside the guide oval of a frame with bounds b.
func (s *Session) inGuide(b image.Rectangle, p vision.Point) bool {
	w, h := float64(b.Dx()), float64(b.Dy())
	cx := float64(b.Min.X) + s.cfg.GuideCenterX*w
	cy := float64(b.Min.Y) + s.cfg.GuideCenterY*h
	rx, ry := s.cfg.GuideRadiusX*w, s.cfg.GuideRadiusY*h
	if rx <= 0 || ry <= 0 {
		return false
	}
	dx, dy := (p.X-cx)/rx, (p.Y-cy)/ry
	return dx*dx+dy*dy <= 1
}

// accept stages crop and advances the counters.
func (s *Session) accept(crop image.Image) (Feedback, error) {
	owned := image.NewRGBA(image.Rect(0, 0, crop.Bounds().Dx(), crop.Bounds().Dy()))
	draw.Draw(owned, owned.Bounds(), crop, crop.Bounds().Min, draw.Src)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Capturing {
		return "", fmt.Errorf("%w: accept in %s", ErrInvalidState, s.state)
	}

	step := s.cfg.Steps[s.step]
	if _, err := s.staging.Write(step.Pose, owned); err != nil {
		return "", err
	}

	s.crops = append(s.crops, owned)
	s.captured++
	s.stepCaptured++
	s.lastAccept = s.now()

	fb := FeedbackAccepted
	if s.stepCaptured >= step.Samples {
		s.step++
		s.stepCaptured = 0
		fb = FeedbackStepComplete
		if s.step >= len(s.cfg.Steps) {
			s.state = ReviewComplete
			fb = FeedbackDone
			logging.Component("enrollment").Infof("Capture complete for %s: %d samples", s.name, s.captured)
		}
	}
	return fb, nil
}

// Run feeds frames from src until capture completes, the session leaves
// CAPTURING, or ctx is done. Per-frame processing errors are logged and
// skipped; a camera error ends the run.
func (s *Session) Run(ctx context.Context, src FrameSource) error {
	log := logging.Component("enrollment")

	for s.State() == Capturing {
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("camera read failed: %w", err)
		}

		if _, err := s.Feed(ctx, frame); err != nil {
			if errors.Is(err, ErrInvalidState) {
				return nil
			}
			log.WithError(err).Debug("Frame skipped")
		}
	}
	return nil
}

// Finish embeds the captured samples, stores them in the gallery and
// commits the staged sample images.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ReviewComplete:
	case Capturing, AwaitingName:
		return ErrIncomplete
	default:
		return fmt.Errorf("%w: finish in %s", ErrInvalidState, s.state)
	}

	log := logging.Component("enrollment")
	vectors := make([][]float32, 0, len(s.crops))
	for i, crop := range s.crops {
		vec, err := s.gateway.Embed(ctx, crop)
		if err != nil {
			log.WithError(err).Warnf("Sample %d of %s could not be embedded", i+1, s.name)
			continue
		}
		vectors = append(vectors, vec)
	}
	if len(vectors) == 0 {
		return ErrNoUsableSamples
	}

	if err := s.gallery.Upsert(ctx, s.name, vectors); err != nil {
		return err
	}
	if err := s.staging.Commit(); err != nil {
		log.WithError(err).Warnf("Enrolled %s but failed to keep sample images", s.name)
	}

	s.state = Completed
	s.crops = nil
	log.Infof("Enrollment completed for %s with %d vectors", s.name, len(vectors))
	return nil
}

// Cancel discards staged samples. The gallery is never touched.
func (s *Session) Cancel() error {
	return s.abort(nil)
}

// Abort cancels the session and records why.
func (s *Session) Abort(cause error) error {
	return s.abort(cause)
}

func (s *Session) abort(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, s.state)
	}

	var err error
	if s.staging != nil {
		err = s.staging.Discard()
	}
	s.state = Cancelled
	s.crops = nil
	s.failure = cause

	if cause != nil {
		logging.Component("enrollment").WithError(cause).Warnf("Enrollment aborted for %s", s.name)
	} else {
		logging.Component("enrollment").Infof("Enrollment cancelled for %s", s.name)
	}
	return err
}
