// Package pose estimates coarse head orientation from five-point landmarks
// and checks it against the orientation an enrollment step asks for.
package pose

import (
	"errors"
	"fmt"

	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/vision"
)

// ErrUnknownPose is returned for a pose name with no band.
var ErrUnknownPose = errors.New("unknown pose")

// Estimate is a head orientation measured from landmarks.
//
// Yaw is the nose position between the eyes: 0 at the left eye, 1 at the
// right eye, 0.5 when facing the camera. Pitch is the vertical offset of the
// nose below the eye line in pixels; it shrinks as the head tilts up.
type Estimate struct {
	Yaw   float64
	Pitch float64
}

func (e Estimate) String() string {
	return fmt.Sprintf("yaw=%.2f pitch=%.1f", e.Yaw, e.Pitch)
}

// FromLandmarks computes the estimate. It returns false when lm is nil or the
// eyes share an x coordinate.
func FromLandmarks(lm *vision.Landmarks) (Estimate, bool) {
	if lm == nil {
		return Estimate{}, false
	}
	span := lm.RightEye.X - lm.LeftEye.X
	if span == 0 {
		return Estimate{}, false
	}
	eyeY := (lm.LeftEye.Y + lm.RightEye.Y) / 2
	return Estimate{
		Yaw:   (lm.Nose.X - lm.LeftEye.X) / span,
		Pitch: lm.Nose.Y - eyeY,
	}, true
}

// Bands are the accepted ranges for each pose.
type Bands struct {
	StraightYawMin float64
	StraightYawMax float64
	// TurnLeftYaw is the yaw the estimate must exceed for a left turn.
	TurnLeftYaw float64
	// TurnRightYaw is the yaw the estimate must stay under for a right turn.
	TurnRightYaw float64
	// HeadUpPitch is the pitch the estimate must stay under.
	HeadUpPitch float64
}

// DefaultBands returns the stock ranges.
func DefaultBands() Bands {
	return Bands{
		StraightYawMin: 0.4,
		StraightYawMax: 0.6,
		TurnLeftYaw:    0.75,
		TurnRightYaw:   0.25,
		HeadUpPitch:    20,
	}
}

// BandsFromConfig reads the ranges from enrollment settings.
func BandsFromConfig(cfg config.EnrollmentConfig) Bands {
	return Bands{
		StraightYawMin: cfg.StraightYawMin,
		StraightYawMax: cfg.StraightYawMax,
		TurnLeftYaw:    cfg.TurnLeftYaw,
		TurnRightYaw:   cfg.TurnRightYaw,
		HeadUpPitch:    cfg.HeadUpPitch,
	}
}

// Check reports whether e satisfies the named pose.
func (b Bands) Check(pose string, e Estimate) (bool, error) {
	switch pose {
	case config.PoseStraight:
		return e.Yaw >= b.StraightYawMin && e.Yaw <= b.StraightYawMax, nil
	case config.PoseTurnLeft:
		return e.Yaw > b.TurnLeftYaw, nil
	case config.PoseTurnRight:
		return e.Yaw < b.TurnRightYaw, nil
	case config.PoseHeadUp:
		return e.Pitch < b.HeadUpPitch, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownPose, pose)
}

// Instruction is the operator prompt for a pose.
func Instruction(pose string) string {
	switch pose {
	case config.PoseStraight:
		return "Look straight at the camera"
	case config.PoseTurnLeft:
		return "Turn your head slightly left"
	case config.PoseTurnRight:
		return "Turn your head slightly right"
	case config.PoseHeadUp:
		return "Tilt your head slightly up"
	}
	return pose
}
