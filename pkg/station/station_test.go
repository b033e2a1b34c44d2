package station

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/alert"
	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/enrollment"
	"github.com/MrCodeEU/faceguard/pkg/gallery"
	"github.com/MrCodeEU/faceguard/pkg/monitor"
	"github.com/MrCodeEU/faceguard/pkg/storage"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

// MockDetector finds one centered 200px face in every frame.
type MockDetector struct {
	DetectFunc func(ctx context.Context, frame image.Image) ([]vision.Detection, error)
}

func (m *MockDetector) Detect(ctx context.Context, frame image.Image) ([]vision.Detection, error) {
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, frame)
	}
	box := vision.Box{X1: 220, Y1: 140, X2: 420, Y2: 340}
	return []vision.Detection{{Box: box, Confidence: 0.95}}, nil
}

func (m *MockDetector) Landmarks() bool { return false }
func (m *MockDetector) Close() error    { return nil }

// MockEmbedder returns a fixed vector.
type MockEmbedder struct{}

func (m *MockEmbedder) Embed(ctx context.Context, crop image.Image) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEmbedder) Dimension() int { return 3 }
func (m *MockEmbedder) Close() error   { return nil }

// MockSink records alarm resets.
type MockSink struct {
	mu     sync.Mutex
	resets int

	ResetFunc func(ctx context.Context) error
}

func (m *MockSink) Log(ctx context.Context, ev alert.Event) error { return nil }

func (m *MockSink) ResetAlarm(ctx context.Context) error {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx)
	}
	return nil
}

// MockDevice serves a textured frame every millisecond unless ReadFunc is set.
type MockDevice struct {
	ReadFunc func(ctx context.Context) (camera.Frame, error)
}

func (m *MockDevice) Read(ctx context.Context) (camera.Frame, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx)
	}
	select {
	case <-ctx.Done():
		return camera.Frame{}, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return texturedFrame(), nil
}

func (m *MockDevice) Close() error { return nil }

func texturedFrame() camera.Frame {
	img := image.NewGray(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			v := uint8(80)
			if (x+y)%2 == 1 {
				v = 180
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return camera.Frame{Image: img, Timestamp: time.Now()}
}

// blockingRead waits for cancellation without producing frames.
func blockingRead(ctx context.Context) (camera.Frame, error) {
	<-ctx.Done()
	return camera.Frame{}, ctx.Err()
}

type harness struct {
	station *Station
	cameras *camera.Manager
	device  *MockDevice
	sink    *MockSink
	samples *storage.SampleDir
	openErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Enrollment.Steps = []config.EnrollmentStep{{Pose: config.PoseStraight, Samples: 2}}
	cfg.Enrollment.MinCaptureInterval = 0

	root := t.TempDir()
	store, err := storage.NewFileStore(root+"/identities", false)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	samples, err := storage.NewSampleDir(root + "/samples")
	if err != nil {
		t.Fatalf("NewSampleDir failed: %v", err)
	}

	h := &harness{device: &MockDevice{}, sink: &MockSink{}, samples: samples}
	h.cameras = camera.NewManager(func() (camera.Device, error) {
		if h.openErr != nil {
			return nil, h.openErr
		}
		return h.device, nil
	})

	g := gallery.New(store, samples, cfg.Recognition.K)
	g.Load(context.Background())

	h.station = New(cfg, Deps{
		Cameras:    h.cameras,
		Detector:   &MockDetector{},
		Embedder:   &MockEmbedder{},
		Gallery:    g,
		Samples:    samples,
		Dispatcher: alert.NewDispatcher(h.sink, time.Second, time.Now),
		Store:      store,
	})
	t.Cleanup(func() { h.station.Close(context.Background()) })
	return h
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wantCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	if got := CodeOf(err); got != code {
		t.Errorf("error code = %q (%v), want %q", got, err, code)
	}
}

func TestStation_MonitorHoldsCamera(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.station.StartMonitoring(ctx); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	if err := h.station.StartMonitoring(ctx); err != nil {
		t.Errorf("second StartMonitoring should be a no-op, got %v", err)
	}

	st := h.station.Status()
	if !st.Monitoring || st.CameraOwner != ownerMonitor {
		t.Errorf("status = %+v, want monitoring with camera owned by monitor", st)
	}

	wantCode(t, h.station.BeginEnrollment(ctx, "alice"), ErrCodeCameraBusy)

	waitFor(t, "an annotated frame", func() bool {
		_, ok := h.station.LatestFrame()
		return ok
	})

	h.station.StopMonitoring()
	if h.cameras.Owner() != "" {
		t.Errorf("camera still owned by %q after stop", h.cameras.Owner())
	}
	if _, ok := h.station.LatestFrame(); ok {
		t.Error("frame buffer should be cleared after stop")
	}
	if h.station.Status().Monitoring {
		t.Error("status still reports monitoring")
	}

	if err := h.station.BeginEnrollment(ctx, "alice"); err != nil {
		t.Errorf("BeginEnrollment after stop failed: %v", err)
	}
}

func TestStation_StartMonitoringCameraUnavailable(t *testing.T) {
	h := newHarness(t)
	h.openErr = errors.New("permission denied")

	err := h.station.StartMonitoring(context.Background())
	wantCode(t, err, ErrCodeCameraUnavailable)
	if !errors.Is(err, camera.ErrCameraUnavailable) {
		t.Errorf("operator error should wrap the camera error, got %v", err)
	}
	if h.station.Status().Monitoring || h.cameras.Owner() != "" {
		t.Error("failed start must not leave monitoring state or a lease behind")
	}
}

func TestStation_MonitorGivesUpOnCameraFailure(t *testing.T) {
	h := newHarness(t)
	h.device.ReadFunc = func(ctx context.Context) (camera.Frame, error) {
		return camera.Frame{}, errors.New("device unplugged")
	}

	ownerAtStop := make(chan string, 1)
	h.station.Subscribe(func(ev Event) {
		if ev.Type == EventMonitor && ev.Data == false {
			ownerAtStop <- h.cameras.Owner()
		}
	})

	if err := h.station.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	waitFor(t, "monitor to stop", func() bool { return !h.station.Status().Monitoring })

	st := h.station.Status()
	if st.MonitorError == "" {
		t.Error("status should carry the monitor error")
	}
	if st.CameraOwner != "" {
		t.Errorf("camera still owned by %q once monitoring reports stopped", st.CameraOwner)
	}
	if owner := <-ownerAtStop; owner != "" {
		t.Errorf("stop event published while camera owned by %q", owner)
	}

	h.device.ReadFunc = nil
	if err := h.station.BeginEnrollment(context.Background(), "alice"); err != nil {
		t.Errorf("BeginEnrollment right after the monitor stopped failed: %v", err)
	}
}

func TestStation_EnrollmentLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.station.BeginEnrollment(ctx, "alice"); err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	wantCode(t, h.station.BeginEnrollment(ctx, "bob"), ErrCodeSessionActive)

	waitFor(t, "capture to complete", func() bool {
		st, err := h.station.EnrollmentStatus()
		return err == nil && st.State == enrollment.ReviewComplete
	})
	waitFor(t, "camera release", func() bool { return h.cameras.Owner() == "" })

	if err := h.station.FinishEnrollment(ctx); err != nil {
		t.Fatalf("FinishEnrollment failed: %v", err)
	}

	ids := h.station.Identities()
	if len(ids) != 1 || ids[0].Name != "alice" || ids[0].Vectors != 2 {
		t.Fatalf("Identities() = %+v, want alice with 2 vectors", ids)
	}
	if n := h.samples.Count("alice"); n != 2 {
		t.Errorf("kept %d sample images, want 2", n)
	}

	st, err := h.station.EnrollmentStatus()
	if err != nil || st.State != enrollment.Completed {
		t.Errorf("final status = %+v, %v; want COMPLETED", st, err)
	}
	wantCode(t, h.station.CancelEnrollment(), ErrCodeNoSession)
}

func TestStation_FinishBeforeCaptureCompletes(t *testing.T) {
	h := newHarness(t)
	h.device.ReadFunc = blockingRead
	ctx := context.Background()

	if err := h.station.BeginEnrollment(ctx, "alice"); err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	wantCode(t, h.station.FinishEnrollment(ctx), ErrCodeSessionIncomplete)

	if err := h.station.CancelEnrollment(); err != nil {
		t.Fatalf("CancelEnrollment failed: %v", err)
	}
	st, _ := h.station.EnrollmentStatus()
	if st.State != enrollment.Cancelled {
		t.Errorf("state = %s, want CANCELLED", st.State)
	}
	if h.cameras.Owner() != "" {
		t.Errorf("camera still owned by %q after cancel", h.cameras.Owner())
	}
	if len(h.station.Identities()) != 0 {
		t.Error("cancelled enrollment must not touch the gallery")
	}
}

func TestStation_EnrollmentCameraFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.device.ReadFunc = func(ctx context.Context) (camera.Frame, error) {
		return camera.Frame{}, errors.New("device unplugged")
	}

	if err := h.station.BeginEnrollment(context.Background(), "alice"); err != nil {
		t.Fatalf("BeginEnrollment failed: %v", err)
	}
	waitFor(t, "session abort", func() bool {
		st, _ := h.station.EnrollmentStatus()
		return st.State == enrollment.Cancelled
	})

	st, _ := h.station.EnrollmentStatus()
	if st.Error == "" {
		t.Error("aborted session should report the camera error")
	}
	waitFor(t, "camera release", func() bool { return h.cameras.Owner() == "" })
}

func TestStation_InvalidNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"", " alice", "../etc", ".hidden"} {
		wantCode(t, h.station.BeginEnrollment(ctx, name), ErrCodeInvalidName)
		wantCode(t, h.station.DeleteIdentity(ctx, name), ErrCodeInvalidName)
	}
	if h.cameras.Owner() != "" {
		t.Error("an invalid name must not acquire the camera")
	}
}

func TestStation_NoSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.station.EnrollmentStatus()
	wantCode(t, err, ErrCodeNoSession)
	wantCode(t, h.station.CancelEnrollment(), ErrCodeNoSession)
	wantCode(t, h.station.FinishEnrollment(context.Background()), ErrCodeNoSession)
}

func TestStation_DeleteUnknownIdentity(t *testing.T) {
	h := newHarness(t)
	wantCode(t, h.station.DeleteIdentity(context.Background(), "nobody"), ErrCodeNotEnrolled)
}

func TestStation_ResetAlarm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var events []Event
	var mu sync.Mutex
	unsubscribe := h.station.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	if err := h.station.ResetAlarm(ctx); err != nil {
		t.Fatalf("ResetAlarm failed: %v", err)
	}
	if h.sink.resets != 1 {
		t.Errorf("sink saw %d resets, want 1", h.sink.resets)
	}
	mu.Lock()
	if len(events) != 1 || events[0].Type != EventAlarm {
		t.Errorf("events = %+v, want one alarm event", events)
	}
	mu.Unlock()

	h.sink.ResetFunc = func(ctx context.Context) error { return errors.New("502 bad gateway") }
	err := h.station.ResetAlarm(ctx)
	wantCode(t, err, ErrCodeResetFailed)

	var opErr *OperatorError
	if !errors.As(err, &opErr) || !opErr.Retry {
		t.Errorf("reset failure should be retryable, got %v", err)
	}
}

func TestStation_SubscribeAndUnsubscribe(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	got := 0
	unsubscribe := h.station.Subscribe(func(ev Event) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	h.station.publish(Event{Type: EventMonitor, Data: true})
	unsubscribe()
	h.station.publish(Event{Type: EventMonitor, Data: false})

	mu.Lock()
	defer mu.Unlock()
	if got != 1 {
		t.Errorf("subscriber saw %d events, want 1", got)
	}
}

func TestStation_ReportsPublishedOnChange(t *testing.T) {
	h := newHarness(t)

	var reports []monitor.Report
	h.station.Subscribe(func(ev Event) {
		if ev.Type == EventReport {
			reports = append(reports, ev.Data.(monitor.Report))
		}
	})

	stranger := monitor.Report{
		Timestamp: time.Now(),
		Faces:     []monitor.Face{{Label: "Stranger", InFence: true}},
		Decision:  monitor.Decision{Action: monitor.ActionDanger},
	}
	h.station.onReport(stranger)
	h.station.onReport(stranger)
	h.station.onReport(monitor.Report{Timestamp: time.Now()})

	if len(reports) != 2 {
		t.Errorf("published %d reports, want 2", len(reports))
	}
}

func TestOperatorError(t *testing.T) {
	err := cameraError(camera.ErrBusy)
	if err.Code != ErrCodeCameraBusy || !errors.Is(err, camera.ErrBusy) {
		t.Errorf("cameraError(ErrBusy) = %+v", err)
	}
	if err.Message != GetErrorMessage(ErrCodeCameraBusy) {
		t.Errorf("message = %q", err.Message)
	}

	tests := []struct {
		err  error
		want ErrorCode
	}{
		{storage.ErrInvalidName, ErrCodeInvalidName},
		{gallery.ErrIdentityNotFound, ErrCodeNotEnrolled},
		{errors.New("disk full"), ErrCodeStoreFailed},
		{enrollment.ErrIncomplete, ErrCodeSessionIncomplete},
		{enrollment.ErrInvalidState, ErrCodeNoSession},
		{enrollment.ErrNoUsableSamples, ErrCodeStoreFailed},
	}
	for _, tt := range tests {
		if got := finishError(tt.err).Code; got != tt.want {
			t.Errorf("finishError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}

	if GetErrorMessage("SOMETHING_ELSE") != "Operation failed" {
		t.Error("unknown codes should get the generic message")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf should be empty for non-operator errors")
	}
}
