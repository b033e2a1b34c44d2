package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func captureLogger(level logrus.Level) *bytes.Buffer {
	var buf bytes.Buffer
	Logger = logrus.New()
	Logger.SetOutput(&buf)
	Logger.SetLevel(level)
	Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &buf
}

func TestInit(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
		{"unknown level defaults to info", "loud", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = logrus.New()
			if err := Init(tt.level, ""); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			if Logger.GetLevel() != tt.expected {
				t.Errorf("level = %v, want %v", Logger.GetLevel(), tt.expected)
			}
		})
	}
}

func TestInit_WithNestedLogFile(t *testing.T) {
	Logger = logrus.New()
	logFile := filepath.Join(t.TempDir(), "station", "logs", "faceguard.log")

	if err := Init("info", logFile); err != nil {
		t.Fatalf("Init with log file failed: %v", err)
	}
	Infof("station %s", "online")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not readable: %v", err)
	}
	if !strings.Contains(string(data), "station online") {
		t.Errorf("log file does not contain message: %q", string(data))
	}
}

func TestSetFormat_JSON(t *testing.T) {
	buf := captureLogger(logrus.InfoLevel)
	SetFormat("json")
	defer SetFormat("text")

	WithField("identity", "alice").Infof("check-in")

	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected JSON output, got %q", out)
	}
	if !strings.Contains(out, `"identity":"alice"`) {
		t.Errorf("field missing from JSON output: %q", out)
	}
}

func TestFormattedHelpers(t *testing.T) {
	buf := captureLogger(logrus.DebugLevel)

	cases := []struct {
		log  func(string, ...interface{})
		want string
	}{
		{Debugf, "debug formatted"},
		{Infof, "info 42"},
		{Warnf, "warn test"},
		{Errorf, "error occurred"},
	}
	args := [][]interface{}{{"formatted"}, {42}, {"test"}, {"occurred"}}
	formats := []string{"debug %s", "info %d", "warn %s", "error %s"}

	for i, c := range cases {
		buf.Reset()
		c.log(formats[i], args[i]...)
		if !strings.Contains(buf.String(), c.want) {
			t.Errorf("expected %q in %q", c.want, buf.String())
		}
	}
}

func TestWithFieldsAndComponent(t *testing.T) {
	buf := captureLogger(logrus.InfoLevel)

	Component("monitor").WithFields(Fields{
		"strangers": 2,
		"decision":  "danger",
	}).Info("frame decided")

	out := buf.String()
	for _, want := range []string{"component=monitor", "strangers=2", "decision=danger", "frame decided"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestWithError(t *testing.T) {
	buf := captureLogger(logrus.ErrorLevel)

	WithError(os.ErrNotExist).Error("store unavailable")

	if !strings.Contains(buf.String(), "file does not exist") {
		t.Errorf("error not in output: %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogger(logrus.ErrorLevel)

	Debugf("debug")
	Infof("info")
	Warnf("warn")
	if buf.Len() > 0 {
		t.Errorf("nothing below error should be logged, got %q", buf.String())
	}

	Errorf("error")
	if buf.Len() == 0 {
		t.Error("error should be logged at error level")
	}
}

func BenchmarkComponentInfo(b *testing.B) {
	Logger = logrus.New()
	Logger.SetOutput(&bytes.Buffer{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Component("bench").Infof("frame %d", i)
	}
}
