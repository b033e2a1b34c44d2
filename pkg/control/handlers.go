package control

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type enrollRequest struct {
	Name string `json:"name"`
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(s.op.Status())
}

func (s *Server) startMonitor(c *fiber.Ctx) error {
	if err := s.op.StartMonitoring(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(s.op.Status())
}

func (s *Server) stopMonitor(c *fiber.Ctx) error {
	s.op.StopMonitoring()
	return c.JSON(s.op.Status())
}

func (s *Server) identities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"identities": s.op.Identities()})
}

func (s *Server) deleteIdentity(c *fiber.Ctx) error {
	if err := s.op.DeleteIdentity(c.UserContext(), c.Params("name")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) beginEnrollment(c *fiber.Ctx) error {
	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := s.op.BeginEnrollment(c.UserContext(), req.Name); err != nil {
		return err
	}
	st, err := s.op.EnrollmentStatus()
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(st)
}

func (s *Server) enrollmentStatus(c *fiber.Ctx) error {
	st, err := s.op.EnrollmentStatus()
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) finishEnrollment(c *fiber.Ctx) error {
	if err := s.op.FinishEnrollment(c.UserContext()); err != nil {
		return err
	}
	st, err := s.op.EnrollmentStatus()
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) cancelEnrollment(c *fiber.Ctx) error {
	if err := s.op.CancelEnrollment(); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) resetAlarm(c *fiber.Ctx) error {
	if err := s.op.ResetAlarm(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"alarm_active": false})
}

func (s *Server) frame(c *fiber.Ctx) error {
	f, ok := s.op.LatestFrame()
	if !ok {
		return c.SendStatus(fiber.StatusNoContent)
	}
	data, err := f.JPEG(frameQuality)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(data)
}

func bearerToken(c *fiber.Ctx) string {
	auth := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
