// Package monitor runs the live recognition loop: detect, classify, decide,
// alert and publish annotated frames.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/alert"
	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/recognition"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

// maxReadErrors is how many consecutive camera failures end the loop.
const maxReadErrors = 10

// FrameSource yields camera frames.
type FrameSource interface {
	Read(ctx context.Context) (camera.Frame, error)
}

// Snapshotter provides the current classifier.
type Snapshotter interface {
	Snapshot() *recognition.Classifier
}

// Report describes one processed frame.
type Report struct {
	Timestamp   time.Time `json:"timestamp"`
	Faces       []Face    `json:"faces"`
	Decision    Decision  `json:"decision"`
	AlarmActive bool      `json:"alarm_active"`
}

// Options wires a monitor.
type Options struct {
	Config *config.Config
	// Gateway reaches the detector and embedder. Its confidence floor
	// decides which faces take part in the decision.
	Gateway    *vision.Gateway
	Gallery    Snapshotter
	Dispatcher *alert.Dispatcher
	// Frames receives annotated frames. Optional.
	Frames *camera.FrameBuffer
	// OnReport is called after every processed frame. Optional.
	OnReport func(Report)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Monitor owns the per-run decision state. One Run may be active at a time.
type Monitor struct {
	cfg        *config.Config
	fence      Fence
	policy     recognition.Policy
	gateway    *vision.Gateway
	gallery    Snapshotter
	dispatcher *alert.Dispatcher
	frames     *camera.FrameBuffer
	onReport   func(Report)
	now        func() time.Time

	running     atomic.Bool
	alarmActive atomic.Bool
	lastDanger  time.Time

	mu   sync.Mutex
	last Report
}

// New creates a monitor.
func New(opts Options) *Monitor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:        opts.Config,
		fence:      FenceFromConfig(opts.Config.Fence),
		policy:     recognition.Policy{Threshold: opts.Config.Recognition.Threshold},
		gateway:    opts.Gateway,
		gallery:    opts.Gallery,
		dispatcher: opts.Dispatcher,
		frames:     opts.Frames,
		onReport:   opts.OnReport,
		now:        now,
	}
}

// Running reports whether Run is active.
func (m *Monitor) Running() bool { return m.running.Load() }

// AlarmActive reports whether the station believes the alarm is sounding.
func (m *Monitor) AlarmActive() bool { return m.alarmActive.Load() }

// ClearAlarm marks the alarm silenced after a manual reset.
func (m *Monitor) ClearAlarm() { m.alarmActive.Store(false) }

// LastReport returns the most recent frame report.
func (m *Monitor) LastReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run processes frames from src until ctx is done. Per-frame failures are
// logged; the loop ends early only after repeated camera failures.
func (m *Monitor) Run(ctx context.Context, src FrameSource) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	log := logging.Component("monitor")
	log.Info("Monitoring started")
	defer log.Info("Monitoring stopped")

	readErrors := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			readErrors++
			log.WithError(err).Warnf("Camera read failed (%d/%d)", readErrors, maxReadErrors)
			if readErrors >= maxReadErrors {
				return err
			}
			continue
		}
		readErrors = 0

		if _, err := m.Process(ctx, frame); err != nil {
			log.WithError(err).Debug("Frame skipped")
		}
	}
}

// Process runs one frame through the pipeline and acts on the decision.
func (m *Monitor) Process(ctx context.Context, frame camera.Frame) (Report, error) {
	snapshot := m.gallery.Snapshot()

	dets, err := m.gateway.DetectFaces(ctx, frame.Image)
	if err != nil {
		return Report{}, err
	}

	faces := make([]Face, 0, len(dets))
	for _, det := range dets {
		crop, ok := vision.Crop(frame.Image, det.Box)
		if !ok {
			continue
		}

		var result recognition.Result
		vec, err := m.gateway.Embed(ctx, crop)
		if err != nil {
			logging.Component("monitor").WithError(err).Debug("Embedding failed")
			result = recognition.Result{Kind: recognition.Processing}
		} else {
			result = m.policy.Identify(snapshot, vec)
		}
		faces = append(faces, NewFace(det.Box, result, m.fence))
	}

	decision := Decide(faces, m.alarmActive.Load())
	m.act(decision)

	report := Report{
		Timestamp:   frame.Timestamp,
		Faces:       faces,
		Decision:    decision,
		AlarmActive: m.alarmActive.Load(),
	}

	if m.frames != nil {
		m.frames.Put(camera.Frame{
			Image:     Annotate(frame.Image, m.fence, faces, decision),
			Timestamp: frame.Timestamp,
		})
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	if m.onReport != nil {
		m.onReport(report)
	}
	return report, nil
}

// act dispatches whatever the decision calls for.
func (m *Monitor) act(d Decision) {
	alerts := m.cfg.Alerts

	switch d.Action {
	case ActionDanger:
		m.lastDanger = m.now()
		m.alarmActive.Store(true)
		m.dispatcher.Notify(alert.DangerEvent(), alert.KeyDanger, alerts.DangerDebounce)
	case ActionAdvisory:
		if alerts.StrangerWarnings {
			m.dispatcher.Notify(alert.StrangerEvent(), alert.KeyStranger, alerts.NoticeDebounce)
		}
	case ActionStaffReset:
		if !m.lastDanger.IsZero() && m.now().Sub(m.lastDanger) < alerts.AutoResetGrace {
			break
		}
		if m.dispatcher.AutoReset(alerts.ResetDebounce) {
			m.alarmActive.Store(false)
		}
	}

	if alerts.CheckinNotices {
		for _, name := range d.Known {
			m.dispatcher.Notify(alert.CheckinEvent(name), alert.CheckinKey(name), alerts.NoticeDebounce)
		}
	}
}
