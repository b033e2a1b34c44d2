package siren

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(url string) *Config {
	return &Config{
		URL:      url,
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Bell:     true,
	}
}

func backend(t *testing.T, status *atomic.Int32, body *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantLink  Link
		wantState State
	}{
		{"shouldAlert true", 200, `{"shouldAlert":true,"message":"INTRUSION DETECTED","type":"DANGER"}`, LinkConnected, StateAlarm},
		{"shouldAlert false", 200, `{"shouldAlert":false,"message":"SAFE"}`, LinkConnected, StateSafe},
		{"status alarm", 200, `{"status":"ALARM"}`, LinkConnected, StateAlarm},
		{"status safe", 200, `{"status":"SAFE"}`, LinkConnected, StateSafe},
		{"server error", 500, `{"shouldAlert":false,"error":"Server Error"}`, LinkServerError, ""},
		{"bad body", 200, `not json`, LinkServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var status atomic.Int32
			var body atomic.Value
			status.Store(int32(tt.status))
			body.Store(tt.body)
			srv := backend(t, &status, &body)

			got := New(testConfig(srv.URL), &syncBuffer{}).Poll()
			assert.Equal(t, tt.wantLink, got.Link)
			assert.Equal(t, tt.wantState, got.State)
		})
	}
}

func TestPoll_Disconnected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got := New(testConfig(url), &syncBuffer{}).Poll()
	assert.Equal(t, LinkDisconnected, got.Link)
	assert.Equal(t, "Disconnected", got.Message)
}

func runSiren(t *testing.T, s *Siren) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestRun_Transitions(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(200)
	body.Store(`{"shouldAlert":false,"message":"SAFE"}`)
	srv := backend(t, &status, &body)

	out := &syncBuffer{}
	s := New(testConfig(srv.URL), out)
	changes := make(chan State, 16)
	s.OnChange(func(st State) { changes <- st })

	stop := runSiren(t, s)

	waitFor := func(want State) {
		t.Helper()
		for {
			select {
			case st := <-changes:
				if st == want {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timeout waiting for %s", want)
			}
		}
	}

	assert.Eventually(t, func() bool { return s.Link() == LinkConnected }, 2*time.Second, 5*time.Millisecond)
	body.Store(`{"shouldAlert":true,"message":"INTRUSION DETECTED"}`)
	waitFor(StateAlarm)
	assert.Eventually(t, func() bool {
		return strings.Count(out.String(), "\a") >= 2
	}, 2*time.Second, 10*time.Millisecond, "bell should ring while alarming")

	body.Store(`{"status":"SAFE"}`)
	waitFor(StateSafe)
	stop()

	log := out.String()
	assert.Contains(t, log, "LINK: Connected to server")
	assert.Contains(t, log, "ALARM: INTRUSION DETECTED")
	assert.Contains(t, log, "SAFE: SAFE")
	assert.Equal(t, StateSafe, s.State())
}

func TestRun_AlarmSurvivesBackendFailure(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(200)
	body.Store(`{"shouldAlert":true,"message":"INTRUSION DETECTED"}`)
	srv := backend(t, &status, &body)

	out := &syncBuffer{}
	s := New(testConfig(srv.URL), out)
	stop := runSiren(t, s)
	defer stop()

	require.Eventually(t, func() bool { return s.State() == StateAlarm }, 2*time.Second, 5*time.Millisecond)

	status.Store(500)
	require.Eventually(t, func() bool { return s.Link() == LinkServerError }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAlarm, s.State(), "a server error must not silence the alarm")

	rings := strings.Count(out.String(), "\a")
	assert.Eventually(t, func() bool {
		return strings.Count(out.String(), "\a") > rings
	}, 2*time.Second, 10*time.Millisecond, "bell keeps ringing while the backend fails")
	assert.Contains(t, out.String(), "LINK: Server Error (500)")
}

func TestRun_AlarmSurvivesDisconnect(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(200)
	body.Store(`{"status":"ALARM"}`)
	srv := backend(t, &status, &body)

	s := New(testConfig(srv.URL), &syncBuffer{})
	stop := runSiren(t, s)
	defer stop()

	require.Eventually(t, func() bool { return s.State() == StateAlarm }, 2*time.Second, 5*time.Millisecond)

	srv.Close()
	require.Eventually(t, func() bool { return s.Link() == LinkDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAlarm, s.State())
}

func TestRun_NoBellWhenDisabled(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(200)
	body.Store(`{"shouldAlert":true}`)
	srv := backend(t, &status, &body)

	cfg := testConfig(srv.URL)
	cfg.Bell = false
	out := &syncBuffer{}
	s := New(cfg, out)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, StateAlarm, s.State())
	assert.NotContains(t, out.String(), "\a")
}

func TestNew_StartsSafeAndDisconnected(t *testing.T) {
	s := New(testConfig("http://127.0.0.1:1"), &syncBuffer{})
	assert.Equal(t, StateSafe, s.State())
	assert.Equal(t, LinkDisconnected, s.Link())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SIREN_URL", "http://alarm.local/api/security/alert-status")
	t.Setenv("SIREN_INTERVAL", "250ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://alarm.local/api/security/alert-status", cfg.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.True(t, cfg.Bell)

	t.Setenv("SIREN_INTERVAL", "0s")
	_, err = LoadConfig()
	assert.Error(t, err)
}
