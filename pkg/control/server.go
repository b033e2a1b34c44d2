// Package control exposes the station operations over HTTP and pushes
// station events to websocket clients.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/enrollment"
	"github.com/MrCodeEU/faceguard/pkg/gallery"
	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/station"
)

// Operator is the station surface served by the control API.
type Operator interface {
	StartMonitoring(ctx context.Context) error
	StopMonitoring()
	BeginEnrollment(ctx context.Context, name string) error
	EnrollmentStatus() (enrollment.Status, error)
	CancelEnrollment() error
	FinishEnrollment(ctx context.Context) error
	DeleteIdentity(ctx context.Context, name string) error
	Identities() []gallery.Identity
	ResetAlarm(ctx context.Context) error
	LatestFrame() (camera.Frame, bool)
	Status() station.Status
	Subscribe(fn func(station.Event)) func()
}

// frameQuality is the JPEG quality of /api/frame.jpg.
const frameQuality = 80

// Server is the control API.
type Server struct {
	app    *fiber.App
	op     Operator
	hub    *Hub
	tokens *TokenService
}

// NewServer builds the routes for op. Bearer-token auth is enabled when the
// configuration carries a token secret.
func NewServer(cfg *config.Config, op Operator) *Server {
	s := &Server{
		op:  op,
		hub: NewHub(),
	}
	if cfg.Server.TokenSecret != "" {
		s.tokens = NewTokenService(cfg.Server.TokenSecret, cfg.Server.TokenTTL)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "faceguard",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(requestLogger)

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api")
	if s.tokens != nil {
		api.Use(s.requireToken)
	}
	api.Get("/status", s.status)
	api.Post("/monitor/start", s.startMonitor)
	api.Post("/monitor/stop", s.stopMonitor)
	api.Get("/identities", s.identities)
	api.Delete("/identities/:name", s.deleteIdentity)
	api.Post("/enrollment", s.beginEnrollment)
	api.Get("/enrollment", s.enrollmentStatus)
	api.Post("/enrollment/finish", s.finishEnrollment)
	api.Delete("/enrollment", s.cancelEnrollment)
	api.Post("/alarm/reset", s.resetAlarm)
	api.Get("/frame.jpg", s.frame)

	ws := s.app.Group("/ws", UpgradeMiddleware())
	if s.tokens != nil {
		ws.Use(s.requireToken)
	}
	ws.Get("/events", s.hub.Handler())

	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Tokens returns the token service, or nil when auth is disabled.
func (s *Server) Tokens() *TokenService { return s.tokens }

// Serve forwards station events to websocket clients and listens on addr
// until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	log := logging.Component("control")

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(hubCtx)
	unsubscribe := s.op.Subscribe(s.hub.Publish)
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Control API listening on %s", addr)
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	logging.Component("control").WithFields(logging.Fields{
		"method":   c.Method(),
		"path":     c.Path(),
		"status":   c.Response().StatusCode(),
		"duration": time.Since(start).String(),
	}).Debug("Request")
	return err
}
