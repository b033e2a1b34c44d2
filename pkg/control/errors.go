package control

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/station"
)

var statusByCode = map[station.ErrorCode]int{
	station.ErrCodeCameraBusy:        fiber.StatusConflict,
	station.ErrCodeCameraUnavailable: fiber.StatusServiceUnavailable,
	station.ErrCodeInvalidName:       fiber.StatusBadRequest,
	station.ErrCodeNotEnrolled:       fiber.StatusNotFound,
	station.ErrCodeNoSession:         fiber.StatusNotFound,
	station.ErrCodeSessionActive:     fiber.StatusConflict,
	station.ErrCodeSessionIncomplete: fiber.StatusConflict,
	station.ErrCodeStoreFailed:       fiber.StatusInternalServerError,
	station.ErrCodeResetFailed:       fiber.StatusBadGateway,
}

// ErrorBody is the JSON error envelope of the control API.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry,omitempty"`
}

// StatusFor returns the HTTP status for an operator error code.
func StatusFor(code station.ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorBody{Error: ErrorDetail{
			Code:    "HTTP_ERROR",
			Message: fiberErr.Message,
		}})
	}

	var opErr *station.OperatorError
	if errors.As(err, &opErr) {
		status := StatusFor(opErr.Code)
		if status >= fiber.StatusInternalServerError {
			logging.Component("control").WithError(err).WithField("code", opErr.Code).Error("Operation failed")
		}
		return c.Status(status).JSON(ErrorBody{Error: ErrorDetail{
			Code:    string(opErr.Code),
			Message: opErr.Message,
			Retry:   opErr.Retry,
		}})
	}

	logging.Component("control").WithError(err).WithField("path", c.Path()).Error("Unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorBody{Error: ErrorDetail{
		Code:    "INTERNAL_ERROR",
		Message: "An unexpected error occurred",
	}})
}
