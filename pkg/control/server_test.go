package control

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/enrollment"
	"github.com/MrCodeEU/faceguard/pkg/gallery"
	"github.com/MrCodeEU/faceguard/pkg/station"
)

// MockOperator implements Operator with overridable behavior.
type MockOperator struct {
	StartMonitoringFunc  func(ctx context.Context) error
	BeginEnrollmentFunc  func(ctx context.Context, name string) error
	EnrollmentStatusFunc func() (enrollment.Status, error)
	CancelEnrollmentFunc func() error
	FinishEnrollmentFunc func(ctx context.Context) error
	DeleteIdentityFunc   func(ctx context.Context, name string) error
	ResetAlarmFunc       func(ctx context.Context) error
	LatestFrameFunc      func() (camera.Frame, bool)

	stopped   int
	deleted   []string
	enrolling string
	status    station.Status
	ids       []gallery.Identity
	listeners []func(station.Event)
}

func (m *MockOperator) StartMonitoring(ctx context.Context) error {
	if m.StartMonitoringFunc != nil {
		return m.StartMonitoringFunc(ctx)
	}
	m.status.Monitoring = true
	return nil
}

func (m *MockOperator) StopMonitoring() {
	m.stopped++
	m.status.Monitoring = false
}

func (m *MockOperator) BeginEnrollment(ctx context.Context, name string) error {
	if m.BeginEnrollmentFunc != nil {
		return m.BeginEnrollmentFunc(ctx, name)
	}
	m.enrolling = name
	return nil
}

func (m *MockOperator) EnrollmentStatus() (enrollment.Status, error) {
	if m.EnrollmentStatusFunc != nil {
		return m.EnrollmentStatusFunc()
	}
	if m.enrolling == "" {
		return enrollment.Status{}, station.NewOperatorError(station.ErrCodeNoSession, false, nil)
	}
	return enrollment.Status{Name: m.enrolling, State: enrollment.Capturing, Total: 20}, nil
}

func (m *MockOperator) CancelEnrollment() error {
	if m.CancelEnrollmentFunc != nil {
		return m.CancelEnrollmentFunc()
	}
	m.enrolling = ""
	return nil
}

func (m *MockOperator) FinishEnrollment(ctx context.Context) error {
	if m.FinishEnrollmentFunc != nil {
		return m.FinishEnrollmentFunc(ctx)
	}
	return nil
}

func (m *MockOperator) DeleteIdentity(ctx context.Context, name string) error {
	if m.DeleteIdentityFunc != nil {
		return m.DeleteIdentityFunc(ctx, name)
	}
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *MockOperator) Identities() []gallery.Identity { return m.ids }

func (m *MockOperator) ResetAlarm(ctx context.Context) error {
	if m.ResetAlarmFunc != nil {
		return m.ResetAlarmFunc(ctx)
	}
	return nil
}

func (m *MockOperator) LatestFrame() (camera.Frame, bool) {
	if m.LatestFrameFunc != nil {
		return m.LatestFrameFunc()
	}
	return camera.Frame{}, false
}

func (m *MockOperator) Status() station.Status { return m.status }

func (m *MockOperator) Subscribe(fn func(station.Event)) func() {
	m.listeners = append(m.listeners, fn)
	return func() {}
}

func newTestServer(op Operator) *Server {
	return NewServer(config.DefaultConfig(), op)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorDetail {
	t.Helper()
	var eb ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	return eb.Error
}

func TestServer_Status(t *testing.T) {
	op := &MockOperator{status: station.Status{Monitoring: true, Identities: 3}}
	resp := doRequest(t, newTestServer(op), "GET", "/api/status", "")

	assert.Equal(t, 200, resp.StatusCode)
	var st station.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Monitoring)
	assert.Equal(t, 3, st.Identities)
}

func TestServer_MonitorStartStop(t *testing.T) {
	op := &MockOperator{}
	s := newTestServer(op)

	resp := doRequest(t, s, "POST", "/api/monitor/start", "")
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, op.status.Monitoring)

	resp = doRequest(t, s, "POST", "/api/monitor/stop", "")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, op.stopped)
}

func TestServer_OperatorErrorStatuses(t *testing.T) {
	tests := []struct {
		code   station.ErrorCode
		status int
	}{
		{station.ErrCodeCameraBusy, 409},
		{station.ErrCodeCameraUnavailable, 503},
		{station.ErrCodeInvalidName, 400},
		{station.ErrCodeNotEnrolled, 404},
		{station.ErrCodeNoSession, 404},
		{station.ErrCodeSessionActive, 409},
		{station.ErrCodeSessionIncomplete, 409},
		{station.ErrCodeStoreFailed, 500},
		{station.ErrCodeResetFailed, 502},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			op := &MockOperator{
				StartMonitoringFunc: func(ctx context.Context) error {
					return station.NewOperatorError(tt.code, true, errors.New("cause"))
				},
			}
			resp := doRequest(t, newTestServer(op), "POST", "/api/monitor/start", "")

			assert.Equal(t, tt.status, resp.StatusCode)
			detail := decodeError(t, resp)
			assert.Equal(t, string(tt.code), detail.Code)
			assert.Equal(t, station.GetErrorMessage(tt.code), detail.Message)
			assert.True(t, detail.Retry)
		})
	}
}

func TestServer_UnknownErrorIsInternal(t *testing.T) {
	op := &MockOperator{
		ResetAlarmFunc: func(ctx context.Context) error { return errors.New("boom") },
	}
	resp := doRequest(t, newTestServer(op), "POST", "/api/alarm/reset", "")

	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, resp).Code)
}

func TestServer_Identities(t *testing.T) {
	op := &MockOperator{ids: []gallery.Identity{{Name: "alice", Vectors: 20, Samples: 20}}}
	s := newTestServer(op)

	resp := doRequest(t, s, "GET", "/api/identities", "")
	assert.Equal(t, 200, resp.StatusCode)
	var body struct {
		Identities []gallery.Identity `json:"identities"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Identities, 1)
	assert.Equal(t, "alice", body.Identities[0].Name)

	resp = doRequest(t, s, "DELETE", "/api/identities/alice", "")
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, []string{"alice"}, op.deleted)
}

func TestServer_DeleteUnknownIdentity(t *testing.T) {
	op := &MockOperator{
		DeleteIdentityFunc: func(ctx context.Context, name string) error {
			return station.NewOperatorError(station.ErrCodeNotEnrolled, false, gallery.ErrIdentityNotFound)
		},
	}
	resp := doRequest(t, newTestServer(op), "DELETE", "/api/identities/bob", "")

	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "NOT_ENROLLED", decodeError(t, resp).Code)
}

func TestServer_EnrollmentFlow(t *testing.T) {
	op := &MockOperator{}
	s := newTestServer(op)

	resp := doRequest(t, s, "GET", "/api/enrollment", "")
	assert.Equal(t, 404, resp.StatusCode)

	resp = doRequest(t, s, "POST", "/api/enrollment", `{"name":"alice"}`)
	assert.Equal(t, 201, resp.StatusCode)
	var st enrollment.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "alice", st.Name)
	assert.Equal(t, enrollment.Capturing, st.State)

	resp = doRequest(t, s, "GET", "/api/enrollment", "")
	assert.Equal(t, 200, resp.StatusCode)

	resp = doRequest(t, s, "DELETE", "/api/enrollment", "")
	assert.Equal(t, 204, resp.StatusCode)
	assert.Empty(t, op.enrolling)
}

func TestServer_EnrollmentBadBody(t *testing.T) {
	resp := doRequest(t, newTestServer(&MockOperator{}), "POST", "/api/enrollment", `{"name":`)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestServer_FinishIncomplete(t *testing.T) {
	op := &MockOperator{
		FinishEnrollmentFunc: func(ctx context.Context) error {
			return station.NewOperatorError(station.ErrCodeSessionIncomplete, true, enrollment.ErrIncomplete)
		},
	}
	resp := doRequest(t, newTestServer(op), "POST", "/api/enrollment/finish", "")

	assert.Equal(t, 409, resp.StatusCode)
	assert.Equal(t, "SESSION_INCOMPLETE", decodeError(t, resp).Code)
}

func TestServer_Frame(t *testing.T) {
	op := &MockOperator{}
	s := newTestServer(op)

	resp := doRequest(t, s, "GET", "/api/frame.jpg", "")
	assert.Equal(t, 204, resp.StatusCode)

	op.LatestFrameFunc = func() (camera.Frame, bool) {
		return camera.Frame{Image: image.NewGray(image.Rect(0, 0, 8, 8)), Timestamp: time.Now()}, true
	}
	resp = doRequest(t, s, "GET", "/api/frame.jpg", "")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, len(data) > 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}

func TestServer_EventsRequiresUpgrade(t *testing.T) {
	resp := doRequest(t, newTestServer(&MockOperator{}), "GET", "/ws/events", "")
	assert.Equal(t, 426, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	resp := doRequest(t, newTestServer(&MockOperator{}), "GET", "/healthz", "")
	assert.Equal(t, 200, resp.StatusCode)
}

func TestClient_AgainstServer(t *testing.T) {
	op := &MockOperator{
		status: station.Status{Identities: 1},
		ids:    []gallery.Identity{{Name: "alice", Vectors: 20}},
		DeleteIdentityFunc: func(ctx context.Context, name string) error {
			return station.NewOperatorError(station.ErrCodeNotEnrolled, false, nil)
		},
	}
	s := newTestServer(op)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.App().Listener(ln) }()
	defer s.App().Shutdown()

	c := NewClient("http://"+ln.Addr().String(), "", 2*time.Second)

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Identities)

	ids, err := c.Identities()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "alice", ids[0].Name)

	err = c.DeleteIdentity("bob")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, "NOT_ENROLLED", apiErr.Code)

	es, err := c.BeginEnrollment("carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", es.Name)
	assert.Equal(t, "carol", op.enrolling)
}

func TestBaseURLFor(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8090", BaseURLFor(":8090"))
	assert.Equal(t, "http://10.0.0.2:8090", BaseURLFor("10.0.0.2:8090"))
}
