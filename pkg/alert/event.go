// Package alert sends security events and alarm resets to the alarm backend.
package alert

import (
	"time"
)

// Severity is the security log type.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityDanger  Severity = "DANGER"
)

// Debounce keys used by the station.
const (
	KeyDanger   = "ALERT"
	KeyStranger = "STRANGER"
	KeyReset    = "RESET"
)

// Event is one security log entry as posted to the backend.
type Event struct {
	Type         Severity `json:"type"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	DetectedName string   `json:"detectedName"`
}

// DangerEvent is raised for a stranger inside the restricted zone.
func DangerEvent() Event {
	return Event{
		Type:         SeverityDanger,
		Title:        "Intruder Alert",
		Message:      "Unknown person detected inside the restricted zone",
		DetectedName: "Stranger",
	}
}

// StrangerEvent is the advisory for a stranger outside the restricted zone.
func StrangerEvent() Event {
	return Event{
		Type:         SeverityWarning,
		Title:        "Stranger Nearby",
		Message:      "Unknown person detected outside the restricted zone",
		DetectedName: "Stranger",
	}
}

// CheckinEvent is the notice for a recognized staff member.
func CheckinEvent(name string) Event {
	return Event{
		Type:         SeverityInfo,
		Title:        "Staff check-in",
		Message:      name + " recognized at the station",
		DetectedName: name,
	}
}

// CheckinKey is the per-person debounce key for check-in notices.
func CheckinKey(name string) string {
	return "CHECKIN:" + name
}

// Debouncer suppresses repeats of a key inside its window. It is not safe
// for concurrent use; the frame loop owns it.
type Debouncer struct {
	last map[string]time.Time
	now  func() time.Time
}

// NewDebouncer creates a debouncer. A nil now uses time.Now.
func NewDebouncer(now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	return &Debouncer{last: make(map[string]time.Time), now: now}
}

// Allow reports whether key may fire and, if so, stamps it.
func (d *Debouncer) Allow(key string, window time.Duration) bool {
	now := d.now()
	if last, ok := d.last[key]; ok && now.Sub(last) < window {
		return false
	}
	d.last[key] = now
	return true
}
