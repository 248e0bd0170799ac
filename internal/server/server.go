// Package server exposes the recorder over a local HTTP API: session
// control, device listing, document generation and a live websocket feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/app"
	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/export"
	"github.com/petems/meetscribe/internal/inject"
	"github.com/petems/meetscribe/internal/pipeline"
	"github.com/petems/meetscribe/internal/transcribe"
)

type Config struct {
	Addr    string
	Version string
	Logger  zerolog.Logger
}

type Server struct {
	app   *app.App
	cfg   Config
	log   zerolog.Logger
	fiber *fiber.App
}

func New(application *app.App, cfg Config) *Server {
	s := &Server{
		app: application,
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "server").Logger(),
	}

	f := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	f.Use(recover.New())
	f.Use(logger.New(logger.Config{
		Output: s.log,
		Format: "${status} ${method} ${path} ${latency}\n",
	}))
	f.Use(cors.New(cors.Config{
		AllowOriginsFunc: isLocalOrigin,
		AllowHeaders:     "Origin, Content-Type, Accept",
	}))
	f.Use(s.localOnly)

	f.Get("/health", s.health)
	f.Get("/devices", s.devices)
	f.Put("/settings", s.updateSettings)

	f.Get("/session", s.snapshot)
	f.Post("/session", s.startSession)
	f.Delete("/session", s.stopSession)

	f.Post("/artifacts/:kind", s.artifact)
	f.Post("/summary/copy", s.copySummary)

	f.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	f.Get("/ws/events", websocket.New(s.events))

	s.fiber = f
	return s
}

// Handler returns the underlying fiber app.
func (s *Server) Handler() *fiber.App { return s.fiber }

// ListenAndServe blocks serving on the configured address.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP API listening")
	return s.fiber.Listen(s.cfg.Addr)
}

// Serve blocks serving on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.fiber.Listener(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.fiber.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"version": s.cfg.Version,
	})
}

func (s *Server) devices(c *fiber.Ctx) error {
	devices, err := s.app.ListDevices(c.UserContext(), c.QueryBool("outputs"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"devices": devices})
}

type settingsRequest struct {
	MicDeviceID    *string `json:"mic_device_id"`
	SystemDeviceID *string `json:"system_device_id"`
	AutoSummarize  *bool   `json:"auto_summarize"`
}

func (s *Server) updateSettings(c *fiber.Ctx) error {
	var req settingsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid settings body")
	}

	if req.MicDeviceID != nil {
		if err := s.app.SetDevice(*req.MicDeviceID); err != nil {
			return err
		}
	}
	if req.SystemDeviceID != nil {
		if err := s.app.SetSystemDevice(*req.SystemDeviceID); err != nil {
			return err
		}
	}
	if req.AutoSummarize != nil {
		if err := s.app.SetAutoSummarize(*req.AutoSummarize); err != nil {
			return err
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) snapshot(c *fiber.Ctx) error {
	return c.JSON(s.app.Snapshot())
}

func (s *Server) startSession(c *fiber.Ctx) error {
	if err := s.app.StartRecording(c.UserContext()); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(s.app.Snapshot())
}

func (s *Server) stopSession(c *fiber.Ctx) error {
	if err := s.app.StopRecording(); err != nil {
		return err
	}
	return c.JSON(s.app.Snapshot())
}

// artifact generates a document. With ?format=pdf the document is streamed
// back as a PDF instead of JSON.
func (s *Server) artifact(c *fiber.Ctx) error {
	kind, err := pipeline.ParseKind(c.Params("kind"))
	if err != nil {
		return err
	}

	art, err := s.app.Artifact(c.UserContext(), kind)
	if err != nil {
		return err
	}

	if !strings.EqualFold(c.Query("format"), "pdf") {
		return c.JSON(art)
	}

	doc := art.Document()
	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", doc.FileName()))
	return export.Write(c, doc)
}

func (s *Server) copySummary(c *fiber.Ctx) error {
	if err := s.app.CopySummary(); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// events streams the live feed until the client goes away or the app shuts
// down.
func (s *Server) events(c *websocket.Conn) {
	defer c.Close()

	feed, unsubscribe := s.app.Subscribe()
	defer unsubscribe()

	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for ev := range feed {
		if err := c.WriteJSON(ev); err != nil {
			s.log.Debug().Err(err).Msg("Event subscriber went away")
			return
		}
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		fe      *fiber.Error
		call    *pipeline.CallError
		refused *transcribe.RefusedError
	)
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, app.ErrAlreadyRecording),
		errors.Is(err, app.ErrNotRecording),
		errors.Is(err, app.ErrNoSummary),
		errors.Is(err, pipeline.ErrNoTranscript):
		return fiber.StatusConflict
	case errors.Is(err, pipeline.ErrUnknownKind):
		return fiber.StatusNotFound
	case errors.Is(err, app.ErrMissingAPIKey):
		return fiber.StatusPreconditionFailed
	case errors.Is(err, audio.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, inject.ErrUnsupported):
		return fiber.StatusNotImplemented
	case errors.As(err, &call),
		errors.As(err, &refused),
		errors.Is(err, transcribe.ErrCouldNotConnect):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
