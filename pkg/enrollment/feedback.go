package enrollment

// Feedback is the per-frame result shown to the person enrolling.
type Feedback string

const (
	FeedbackNoFace       Feedback = "no_face"
	FeedbackTooSmall     Feedback = "too_small"
	FeedbackTooLarge     Feedback = "too_large"
	FeedbackTooDark      Feedback = "too_dark"
	FeedbackTooBright    Feedback = "too_bright"
	FeedbackBlurry       Feedback = "blurry"
	FeedbackRecenter     Feedback = "recenter"
	FeedbackTurnMore     Feedback = "turn_more"
	FeedbackTooSoon      Feedback = "too_soon"
	FeedbackAccepted     Feedback = "accepted"
	FeedbackStepComplete Feedback = "step_complete"
	FeedbackDone         Feedback = "done"
)

var feedbackMessages = map[Feedback]string{
	FeedbackNoFace:       "No face detected",
	FeedbackTooSmall:     "Move closer to the camera",
	FeedbackTooLarge:     "Move back from the camera",
	FeedbackTooDark:      "Too dark, add light",
	FeedbackTooBright:    "Too bright, reduce light",
	FeedbackBlurry:       "Hold still",
	FeedbackRecenter:     "Center your face in the oval",
	FeedbackTurnMore:     "Adjust your head to match the prompt",
	FeedbackTooSoon:      "Hold the pose",
	FeedbackAccepted:     "Captured",
	FeedbackStepComplete: "Step complete",
	FeedbackDone:         "All samples captured",
}

// Message is the human-readable prompt for f.
func (f Feedback) Message() string {
	return feedbackMessages[f]
}

// Accepted reports whether the frame produced a sample.
func (f Feedback) Accepted() bool {
	return f == FeedbackAccepted || f == FeedbackStepComplete || f == FeedbackDone
}
