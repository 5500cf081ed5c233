package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"screenkeep/internal/auth"
	"screenkeep/internal/capture"
	"screenkeep/internal/chunkstore"
	"screenkeep/internal/export"
	"screenkeep/internal/recording"
)

// maxWindowMinutes caps download-last at one day.
const maxWindowMinutes = 24 * 60

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api")
	if s.tokens != nil {
		api.Use(auth.Middleware(s.tokens))
	}

	rec := api.Group("/recording")
	rec.Get("/status", s.statusHandler)
	rec.Post("/toggle", s.toggleHandler)
	rec.Post("/download-last", s.downloadLastHandler)
	rec.Get("/artifacts/:name", s.artifactHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		// Browsers cannot set headers on a WebSocket handshake.
		if s.tokens != nil {
			if _, err := s.tokens.VerifyToken(c.Query("token")); err != nil {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
			}
		}
		return c.Next()
	})
	s.App.Get("/ws", websocket.New(s.wsHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	resp := fiber.Map{"store": s.store.Backend()}
	status := fiber.StatusOK
	if err := s.store.Health(ctx); err != nil {
		status = fiber.StatusServiceUnavailable
		resp["status"] = "unhealthy"
		resp["error"] = err.Error()
	} else {
		resp["status"] = "ok"
	}
	if s.db != nil {
		resp["database"] = s.db.Health()
	}
	return c.Status(status).JSON(resp)
}

func (s *FiberServer) statusHandler(c *fiber.Ctx) error {
	return c.JSON(s.controller.Status())
}

func (s *FiberServer) toggleHandler(c *fiber.Ctx) error {
	res, err := s.controller.Toggle(c.UserContext())
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(res)
}

func (s *FiberServer) downloadLastHandler(c *fiber.Ctx) error {
	minutes := 0
	if raw := c.Query("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxWindowMinutes {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "minutes must be between 1 and " + strconv.Itoa(maxWindowMinutes),
			})
		}
		minutes = n
	}

	art, err := s.controller.DownloadLast(c.UserContext(), minutes)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	if art == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	c.Attachment(art.FileName)
	c.Set(fiber.HeaderContentType, art.ContentType)
	c.Set("X-Chunk-Count", strconv.Itoa(art.ChunkCount))
	return c.Send(art.Data)
}

func (s *FiberServer) artifactHandler(c *fiber.Ctx) error {
	if s.saver == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no export configured"})
	}
	name := c.Params("name")
	rc, err := s.saver.Open(c.UserContext(), name)
	switch {
	case errors.Is(err, export.ErrInvalidName):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, export.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "artifact not found"})
	case err != nil:
		log.Error().Err(err).Str("file", name).Msg("Server: cannot open artifact")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cannot open artifact"})
	}

	c.Attachment(name)
	return c.SendStream(rc)
}

func (s *FiberServer) wsHandler(conn *websocket.Conn) {
	greeting, err := json.Marshal(fiber.Map{"type": "recording.status", "status": s.controller.Status()})
	if err != nil {
		greeting = nil
	}
	s.hub.serve(conn, greeting)
}

// errorStatus maps controller errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, recording.ErrBusy), errors.Is(err, capture.ErrAlreadyCapturing):
		return fiber.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, chunkstore.ErrStorageUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
