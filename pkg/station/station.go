// Package station ties the camera, recognition, enrollment and alert
// components into the operator surface of a FaceGuard station.
package station

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/alert"
	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/enrollment"
	"github.com/MrCodeEU/faceguard/pkg/gallery"
	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/monitor"
	"github.com/MrCodeEU/faceguard/pkg/storage"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

// Camera lease owners.
const (
	ownerMonitor    = "monitor"
	ownerEnrollment = "enrollment"
)

// Event types published to subscribers.
const (
	EventMonitor    = "monitor"
	EventReport     = "report"
	EventEnrollment = "enrollment"
	EventAlarm      = "alarm"
)

// Event is a state change pushed to subscribers.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Status is a point-in-time view of the station.
type Status struct {
	Monitoring   bool               `json:"monitoring"`
	CameraOwner  string             `json:"camera_owner,omitempty"`
	AlarmActive  bool               `json:"alarm_active"`
	Identities   int                `json:"identities"`
	Enrollment   *enrollment.Status `json:"enrollment,omitempty"`
	LastReport   *monitor.Report    `json:"last_report,omitempty"`
	MonitorError string             `json:"monitor_error,omitempty"`
}

// Deps are the components a Station is assembled from.
type Deps struct {
	Cameras *camera.Manager
	// Detector is used by the monitor; EnrollDetector by enrollment and
	// may be the same value.
	Detector       vision.Detector
	EnrollDetector vision.Detector
	Embedder       vision.Embedder
	Gallery        *gallery.Service
	Samples        *storage.SampleDir
	Dispatcher     *alert.Dispatcher
	// Store is closed with the station. Optional.
	Store storage.Store
	// Now defaults to time.Now.
	Now func() time.Time
}

// Station is the running face-recognition station.
type Station struct {
	cfg            *config.Config
	cameras        *camera.Manager
	detector       vision.Detector
	enrollDetector vision.Detector
	embedder       vision.Embedder
	enrollGateway  *vision.Gateway
	gallery        *gallery.Service
	samples        *storage.SampleDir
	dispatcher     *alert.Dispatcher
	store          storage.Store
	monitor        *monitor.Monitor
	frames         *camera.FrameBuffer
	now            func() time.Time

	mu            sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	monitorErr    error
	session       *enrollment.Session
	sessionCancel context.CancelFunc
	sessionDone   chan struct{}

	subMu      sync.Mutex
	subs       map[int]func(Event)
	nextSub    int
	lastReport string
}

// New assembles a station from deps.
func New(cfg *config.Config, deps Deps) *Station {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	enrollDetector := deps.EnrollDetector
	if enrollDetector == nil {
		enrollDetector = deps.Detector
	}

	s := &Station{
		cfg:            cfg,
		cameras:        deps.Cameras,
		detector:       deps.Detector,
		enrollDetector: enrollDetector,
		embedder:       deps.Embedder,
		enrollGateway:  vision.NewGateway(enrollDetector, deps.Embedder, cfg.Detection.MinConfidence),
		gallery:        deps.Gallery,
		samples:        deps.Samples,
		dispatcher:     deps.Dispatcher,
		store:          deps.Store,
		frames:         camera.NewFrameBuffer(),
		now:            now,
		subs:           make(map[int]func(Event)),
	}
	s.monitor = monitor.New(monitor.Options{
		Config:     cfg,
		Gateway:    vision.NewGateway(deps.Detector, deps.Embedder, cfg.Detection.MinConfidence),
		Gallery:    deps.Gallery,
		Dispatcher: deps.Dispatcher,
		Frames:     s.frames,
		OnReport:   s.onReport,
		Now:        now,
	})
	return s
}

// Open builds a station from configuration: vision backends, the identity
// store, the gallery, the alert sink and the V4L2 camera.
func Open(ctx context.Context, cfg *config.Config) (*Station, error) {
	log := logging.Component("station")

	detector, err := vision.NewDetector(cfg.Detection.Backend, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open detector: %w", err)
	}
	enrollDetector := vision.SelectEnrollmentDetector(cfg, detector, vision.NewDetector)

	embedder, err := vision.NewEmbedder(cfg)
	if err != nil {
		closeDetectors(detector, enrollDetector)
		return nil, fmt.Errorf("failed to open embedder: %w", err)
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		closeDetectors(detector, enrollDetector)
		embedder.Close()
		return nil, err
	}

	samples, err := storage.NewSampleDir(cfg.SamplesDir())
	if err != nil {
		closeDetectors(detector, enrollDetector)
		embedder.Close()
		store.Close(ctx)
		return nil, err
	}

	g := gallery.New(store, samples, cfg.Recognition.K)
	g.Load(ctx)

	dispatcher := alert.NewDispatcher(alert.NewHTTPSink(cfg), cfg.Alerts.Timeout, time.Now)

	log.WithFields(logging.Fields{
		"detector":   cfg.Detection.Backend,
		"embedder":   cfg.Embedding.Backend,
		"store":      cfg.Storage.Backend,
		"identities": len(g.Identities()),
	}).Info("Station ready")

	return New(cfg, Deps{
		Cameras:        camera.NewManager(camera.NewV4L2Opener(cfg.Camera)),
		Detector:       detector,
		EnrollDetector: enrollDetector,
		Embedder:       embedder,
		Gallery:        g,
		Samples:        samples,
		Dispatcher:     dispatcher,
		Store:          store,
	}), nil
}

// OpenStore opens the identity store named by the configuration.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "mongo":
		return storage.NewMongoStore(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, cfg.Storage.MongoCollection)
	case "file", "":
		return storage.NewFileStore(cfg.IdentitiesDir(), cfg.Storage.EncryptionEnabled)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func closeDetectors(general, enroll vision.Detector) {
	if enroll != nil && enroll != general {
		enroll.Close()
	}
	if general != nil {
		general.Close()
	}
}

// Close stops all activity and releases every resource.
func (s *Station) Close(ctx context.Context) error {
	s.StopMonitoring()
	if err := s.CancelEnrollment(); err != nil && CodeOf(err) != ErrCodeNoSession {
		logging.Component("station").WithError(err).Warn("Failed to cancel enrollment on shutdown")
	}
	s.dispatcher.Wait()

	closeDetectors(s.detector, s.enrollDetector)
	if s.embedder != nil {
		s.embedder.Close()
	}
	if s.store != nil {
		return s.store.Close(ctx)
	}
	return nil
}

// StartMonitoring acquires the camera and runs the monitor in the background.
// Starting while already monitoring is a no-op.
func (s *Station) StartMonitoring(ctx context.Context) error {
	log := logging.Component("station")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.monitorDone != nil {
		return nil
	}

	lease, err := s.cameras.Acquire(ownerMonitor)
	if err != nil {
		return cameraError(err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.monitorCancel, s.monitorDone, s.monitorErr = cancel, done, nil

	go s.runMonitor(runCtx, cancel, lease, done)

	log.Info("Monitoring started")
	s.publish(Event{Type: EventMonitor, Data: true})
	return nil
}

func (s *Station) runMonitor(ctx context.Context, cancel context.CancelFunc, lease *camera.Lease, done chan struct{}) {
	defer close(done)

	err := s.monitorOnce(ctx, lease)
	cancel()
	// The camera is free before the station reports monitoring as stopped.
	lease.Release()
	s.finishMonitor(done, err)
}

func (s *Station) monitorOnce(ctx context.Context, lease *camera.Lease) (err error) {
	log := logging.Component("station")
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Monitor panicked: %v", r)
			err = fmt.Errorf("monitor panicked: %v", r)
		}
	}()

	err = s.monitor.Run(ctx, lease)
	if err != nil {
		log.WithError(err).Error("Monitoring stopped")
	}
	return err
}

// finishMonitor clears the run state if done still belongs to the current run.
func (s *Station) finishMonitor(done chan struct{}, err error) {
	s.frames.Clear()

	s.mu.Lock()
	current := s.monitorDone == done
	if current {
		s.monitorCancel, s.monitorDone, s.monitorErr = nil, nil, err
	}
	s.mu.Unlock()

	if current {
		s.publish(Event{Type: EventMonitor, Data: false})
	}
}

// StopMonitoring stops the monitor and waits until the camera is released.
func (s *Station) StopMonitoring() {
	s.mu.Lock()
	cancel, done := s.monitorCancel, s.monitorDone
	s.monitorCancel, s.monitorDone = nil, nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
	s.frames.Clear()

	logging.Component("station").Info("Monitoring stopped")
	s.publish(Event{Type: EventMonitor, Data: false})
}

// BeginEnrollment acquires the camera and starts guided capture for name.
func (s *Station) BeginEnrollment(ctx context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return NewOperatorError(ErrCodeInvalidName, false, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && !s.session.State().Terminal() {
		return NewOperatorError(ErrCodeSessionActive, false, nil)
	}

	lease, err := s.cameras.Acquire(ownerEnrollment)
	if err != nil {
		return cameraError(err)
	}

	var sess *enrollment.Session
	sess = enrollment.New(enrollment.Options{
		Config:  s.cfg.Enrollment,
		Gateway: s.enrollGateway,
		Samples: s.samples,
		Gallery: s.gallery,
		OnFrame: func(frame camera.Frame, det *vision.Detection, fb enrollment.Feedback) {
			s.frames.Put(camera.Frame{
				Image:     monitor.AnnotateCapture(frame.Image, det, fb.Accepted()),
				Timestamp: frame.Timestamp,
			})
			if fb.Accepted() {
				s.publish(Event{Type: EventEnrollment, Data: sess.Status()})
			}
		},
		Now: s.now,
	})
	if err := sess.Begin(name); err != nil {
		lease.Release()
		return galleryError(err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.session, s.sessionCancel, s.sessionDone = sess, cancel, done

	go s.runEnrollment(runCtx, sess, lease, done)

	s.publish(Event{Type: EventEnrollment, Data: sess.Status()})
	return nil
}

func (s *Station) runEnrollment(ctx context.Context, sess *enrollment.Session, lease *camera.Lease, done chan struct{}) {
	defer close(done)

	s.captureOnce(ctx, sess, lease)
	lease.Release()
	s.frames.Clear()
	s.publish(Event{Type: EventEnrollment, Data: sess.Status()})
}

func (s *Station) captureOnce(ctx context.Context, sess *enrollment.Session, lease *camera.Lease) {
	defer func() {
		if r := recover(); r != nil {
			logging.Component("station").Errorf("Enrollment capture panicked: %v", r)
			_ = sess.Abort(fmt.Errorf("capture panicked: %v", r))
		}
	}()

	if err := sess.Run(ctx, lease); err != nil && ctx.Err() == nil {
		_ = sess.Abort(err)
	}
}

// activeSession returns the current session and its capture goroutine.
func (s *Station) activeSession() (*enrollment.Session, context.CancelFunc, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.sessionCancel, s.sessionDone
}

// EnrollmentStatus reports on the current or most recent session.
func (s *Station) EnrollmentStatus() (enrollment.Status, error) {
	sess, _, _ := s.activeSession()
	if sess == nil {
		return enrollment.Status{}, NewOperatorError(ErrCodeNoSession, false, nil)
	}
	return sess.Status(), nil
}

// CancelEnrollment abandons the active session and discards its samples.
func (s *Station) CancelEnrollment() error {
	sess, cancel, done := s.activeSession()
	if sess == nil || sess.State().Terminal() {
		return NewOperatorError(ErrCodeNoSession, false, nil)
	}

	if err := sess.Cancel(); err != nil {
		if errors.Is(err, enrollment.ErrInvalidState) {
			return NewOperatorError(ErrCodeNoSession, false, err)
		}
		logging.Component("station").WithError(err).Warn("Failed to discard staged samples")
	}
	cancel()
	<-done

	s.publish(Event{Type: EventEnrollment, Data: sess.Status()})
	return nil
}

// FinishEnrollment embeds the captured samples and adds the identity to the
// gallery. A failed finish leaves the session open for another attempt.
func (s *Station) FinishEnrollment(ctx context.Context) error {
	sess, cancel, done := s.activeSession()
	if sess == nil {
		return NewOperatorError(ErrCodeNoSession, false, nil)
	}

	if err := sess.Finish(ctx); err != nil {
		return finishError(err)
	}
	cancel()
	<-done

	s.publish(Event{Type: EventEnrollment, Data: sess.Status()})
	return nil
}

// DeleteIdentity removes name from the gallery and deletes its samples.
func (s *Station) DeleteIdentity(ctx context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return NewOperatorError(ErrCodeInvalidName, false, err)
	}
	if err := s.gallery.Delete(ctx, name); err != nil {
		return galleryError(err)
	}
	return nil
}

// Identities lists the enrolled identities.
func (s *Station) Identities() []gallery.Identity {
	return s.gallery.Identities()
}

// ResetAlarm asks the alarm backend to silence the alarm.
func (s *Station) ResetAlarm(ctx context.Context) error {
	if err := s.dispatcher.ResetAlarm(ctx, true); err != nil {
		return NewOperatorError(ErrCodeResetFailed, true, err)
	}
	s.monitor.ClearAlarm()
	s.publish(Event{Type: EventAlarm, Data: false})
	return nil
}

// LatestFrame returns the most recent annotated frame, if any.
func (s *Station) LatestFrame() (camera.Frame, bool) {
	return s.frames.Latest()
}

// Status summarizes the station.
func (s *Station) Status() Status {
	s.mu.Lock()
	st := Status{
		Monitoring:  s.monitorDone != nil,
		CameraOwner: s.cameras.Owner(),
		AlarmActive: s.monitor.AlarmActive(),
		Identities:  len(s.gallery.Identities()),
	}
	if s.monitorErr != nil {
		st.MonitorError = s.monitorErr.Error()
	}
	sess := s.session
	s.mu.Unlock()

	if sess != nil {
		es := sess.Status()
		st.Enrollment = &es
	}
	if r := s.monitor.LastReport(); !r.Timestamp.IsZero() {
		st.LastReport = &r
	}
	return st
}

// Subscribe registers fn for station events and returns a function that
// removes it. fn is called synchronously and must not block.
func (s *Station) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Station) publish(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// onReport forwards monitor reports whose outcome differs from the last one.
func (s *Station) onReport(r monitor.Report) {
	key := reportKey(r)

	s.subMu.Lock()
	changed := key != s.lastReport
	s.lastReport = key
	s.subMu.Unlock()

	if changed {
		s.publish(Event{Type: EventReport, Data: r})
	}
}

func reportKey(r monitor.Report) string {
	var b strings.Builder
	b.WriteString(r.Decision.Action.String())
	if r.AlarmActive {
		b.WriteString("|alarm")
	}
	for _, f := range r.Faces {
		b.WriteByte('|')
		b.WriteString(f.Label)
		if f.InFence {
			b.WriteString("*")
		}
	}
	return b.String()
}
