// Package camera provides exclusive access to the station camera and a
// single-slot buffer for publishing the latest processed frame.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// Frame is one decoded camera frame.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
}

// JPEG encodes the frame image.
func (f Frame) JPEG(quality int) ([]byte, error) {
	if f.Image == nil {
		return nil, ErrNoFrame
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeviceInfo contains information about a camera device.
type DeviceInfo struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

// Device is an open camera.
type Device interface {
	// Read blocks until a frame is available or ctx is done.
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Opener opens the configured device.
type Opener func() (Device, error)

// ErrCameraNotFound is returned when the camera device is not found.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraUnavailable is returned when the device exists but cannot be opened.
var ErrCameraUnavailable = errors.New("camera unavailable")

// ErrBusy is returned when the camera is already leased.
var ErrBusy = errors.New("camera busy")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")

// ErrLeaseReleased is returned when reading from a released lease.
var ErrLeaseReleased = errors.New("camera lease released")

// Manager hands out the camera to one owner at a time.
type Manager struct {
	open Opener

	mu    sync.Mutex
	owner string
}

// NewManager creates a manager that opens devices with open.
func NewManager(open Opener) *Manager {
	return &Manager{open: open}
}

// Owner returns the current lease holder, or "" when the camera is free.
func (m *Manager) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Acquire leases the camera to owner. It fails immediately with ErrBusy when
// another owner holds it. If the device cannot be opened no lease is held.
func (m *Manager) Acquire(owner string) (*Lease, error) {
	m.mu.Lock()
	if m.owner != "" {
		holder := m.owner
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: in use by %s", ErrBusy, holder)
	}
	m.owner = owner
	m.mu.Unlock()

	dev, err := m.open()
	if err != nil {
		m.mu.Lock()
		m.owner = ""
		m.mu.Unlock()
		if errors.Is(err, ErrCameraNotFound) || errors.Is(err, ErrCameraUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}

	logging.Component("camera").Debugf("Camera leased to %s", owner)
	return &Lease{manager: m, device: dev, owner: owner}, nil
}

func (m *Manager) release(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == owner {
		m.owner = ""
	}
}

// Lease is exclusive use of the opened camera.
type Lease struct {
	manager *Manager
	device  Device
	owner   string

	mu       sync.Mutex
	released bool
}

// Owner returns the lease holder name.
func (l *Lease) Owner() string { return l.owner }

// Read captures the next frame.
func (l *Lease) Read(ctx context.Context) (Frame, error) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return Frame{}, ErrLeaseReleased
	}
	return l.device.Read(ctx)
}

// Release closes the device and frees the camera. It is safe to call more
// than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	if err := l.device.Close(); err != nil {
		logging.Component("camera").WithError(err).Warn("Failed to close camera")
	}
	l.manager.release(l.owner)
	logging.Component("camera").Debugf("Camera released by %s", l.owner)
}

var execCommand = exec.Command

// ListCameras returns the video devices present on the system.
func ListCameras() ([]DeviceInfo, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	devices := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		devices = append(devices, getDeviceInfo(p))
	}
	return devices, nil
}

// getDeviceInfo asks v4l2-ctl for the card and driver name. Missing tools
// leave the fields empty.
func getDeviceInfo(path string) DeviceInfo {
	info := DeviceInfo{Path: path}

	out, err := execCommand("v4l2-ctl", "--device", path, "--info").Output()
	if err != nil {
		return info
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Driver name":
			info.Driver = strings.TrimSpace(value)
		case "Card type":
			info.Name = strings.TrimSpace(value)
		}
	}
	return info
}
