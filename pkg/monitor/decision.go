package monitor

import (
	"fmt"

	"github.com/MrCodeEU/faceguard/pkg/recognition"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

// Action is what a frame calls for.
type Action int

const (
	// ActionNone means nothing to report.
	ActionNone Action = iota
	// ActionDanger means a stranger is inside the fence.
	ActionDanger
	// ActionAdvisory means strangers are present but outside the fence.
	ActionAdvisory
	// ActionStaffReset means staff are present while the alarm is active.
	ActionStaffReset
)

func (a Action) String() string {
	switch a {
	case ActionDanger:
		return "danger"
	case ActionAdvisory:
		return "advisory"
	case ActionStaffReset:
		return "staff_reset"
	default:
		return "none"
	}
}

// MarshalText renders the action by name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "danger":
		*a = ActionDanger
	case "advisory":
		*a = ActionAdvisory
	case "staff_reset":
		*a = ActionStaffReset
	case "none":
		*a = ActionNone
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// Face is one classified detection.
type Face struct {
	Box     vision.Box         `json:"box"`
	Result  recognition.Result `json:"-"`
	Label   string             `json:"label"`
	Kind    string             `json:"kind"`
	InFence bool               `json:"in_fence"`
}

// NewFace classifies box against fence.
func NewFace(box vision.Box, result recognition.Result, fence Fence) Face {
	return Face{
		Box:     box,
		Result:  result,
		Label:   result.Label(),
		Kind:    result.Kind.String(),
		InFence: fence.Intrudes(box),
	}
}

// Decision is the outcome for one frame.
type Decision struct {
	Action          Action   `json:"action"`
	StaffPresent    bool     `json:"staff_present"`
	Strangers       int      `json:"strangers"`
	StrangerInFence bool     `json:"stranger_in_fence"`
	Known           []string `json:"known,omitempty"`
}

// Decide applies the frame policy. The first matching rule wins:
// a stranger in the fence is danger, any other stranger is advisory, and
// staff with an active alarm call for a reset.
func Decide(faces []Face, alarmActive bool) Decision {
	var d Decision
	for _, f := range faces {
		switch f.Result.Kind {
		case recognition.Known:
			d.StaffPresent = true
			d.Known = append(d.Known, f.Result.Name)
		case recognition.Stranger:
			d.Strangers++
			if f.InFence {
				d.StrangerInFence = true
			}
		}
	}

	switch {
	case d.StrangerInFence:
		d.Action = ActionDanger
	case d.Strangers > 0:
		d.Action = ActionAdvisory
	case d.StaffPresent && alarmActive:
		d.Action = ActionStaffReset
	}
	return d
}
