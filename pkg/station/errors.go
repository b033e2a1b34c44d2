package station

import (
	"errors"

	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/enrollment"
	"github.com/MrCodeEU/faceguard/pkg/gallery"
	"github.com/MrCodeEU/faceguard/pkg/storage"
)

// ErrorCode identifies an operator-facing failure.
type ErrorCode string

const (
	ErrCodeCameraBusy        ErrorCode = "CAMERA_BUSY"
	ErrCodeCameraUnavailable ErrorCode = "CAMERA_UNAVAILABLE"
	ErrCodeInvalidName       ErrorCode = "INVALID_NAME"
	ErrCodeNotEnrolled       ErrorCode = "NOT_ENROLLED"
	ErrCodeNoSession         ErrorCode = "NO_SESSION"
	ErrCodeSessionActive     ErrorCode = "SESSION_ACTIVE"
	ErrCodeSessionIncomplete ErrorCode = "SESSION_INCOMPLETE"
	ErrCodeStoreFailed       ErrorCode = "STORE_FAILED"
	ErrCodeResetFailed       ErrorCode = "RESET_FAILED"
)

// OperatorError is a structured error returned by Station operations.
type OperatorError struct {
	Code    ErrorCode
	Message string
	Retry   bool
	Cause   error
}

func (e *OperatorError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *OperatorError) Unwrap() error {
	return e.Cause
}

var errorMessages = map[ErrorCode]string{
	ErrCodeCameraBusy:        "The camera is in use by another operation",
	ErrCodeCameraUnavailable: "The camera could not be opened",
	ErrCodeInvalidName:       "The identity name is not valid",
	ErrCodeNotEnrolled:       "No identity with that name is enrolled",
	ErrCodeNoSession:         "No enrollment session is in progress",
	ErrCodeSessionActive:     "An enrollment session is already in progress",
	ErrCodeSessionIncomplete: "Enrollment capture is not complete yet",
	ErrCodeStoreFailed:       "The face gallery could not be updated",
	ErrCodeResetFailed:       "The alarm backend did not accept the reset",
}

// GetErrorMessage returns the operator-facing message for code.
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Operation failed"
}

// NewOperatorError creates an OperatorError carrying the standard message.
func NewOperatorError(code ErrorCode, retry bool, cause error) *OperatorError {
	return &OperatorError{
		Code:    code,
		Message: GetErrorMessage(code),
		Retry:   retry,
		Cause:   cause,
	}
}

// CodeOf returns the operator code carried by err, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var opErr *OperatorError
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	return ""
}

func cameraError(err error) *OperatorError {
	if errors.Is(err, camera.ErrBusy) {
		return NewOperatorError(ErrCodeCameraBusy, true, err)
	}
	return NewOperatorError(ErrCodeCameraUnavailable, true, err)
}

func galleryError(err error) *OperatorError {
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		return NewOperatorError(ErrCodeInvalidName, false, err)
	case errors.Is(err, gallery.ErrIdentityNotFound):
		return NewOperatorError(ErrCodeNotEnrolled, false, err)
	default:
		return NewOperatorError(ErrCodeStoreFailed, true, err)
	}
}

func finishError(err error) *OperatorError {
	switch {
	case errors.Is(err, enrollment.ErrIncomplete):
		return NewOperatorError(ErrCodeSessionIncomplete, true, err)
	case errors.Is(err, enrollment.ErrInvalidState):
		return NewOperatorError(ErrCodeNoSession, false, err)
	default:
		return galleryError(err)
	}
}
