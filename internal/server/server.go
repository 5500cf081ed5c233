package server

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"screenkeep/internal/auth"
	"screenkeep/internal/chunkstore"
	"screenkeep/internal/config"
	"screenkeep/internal/database"
	"screenkeep/internal/export"
	"screenkeep/internal/recording"
)

// Deps are the services the HTTP layer drives. DB is optional.
type Deps struct {
	Controller *recording.Controller
	Store      chunkstore.Store
	Saver      export.Saver
	Hub        *Hub
	DB         database.Service
}

type FiberServer struct {
	*fiber.App
	cfg        *config.Config
	controller *recording.Controller
	store      chunkstore.Store
	saver      export.Saver
	hub        *Hub
	db         database.Service
	tokens     *auth.TokenService
}

func New(cfg *config.Config, deps Deps) *FiberServer {
	app := fiber.New(fiber.Config{
		ServerHeader:          "screenkeep",
		AppName:               "screenkeep",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: true,
	})

	server := &FiberServer{
		App:        app,
		cfg:        cfg,
		controller: deps.Controller,
		store:      deps.Store,
		saver:      deps.Saver,
		hub:        deps.Hub,
		db:         deps.DB,
	}
	if cfg.Security.JWTSecret != "" {
		server.tokens = auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	}
	server.applyMiddleware()
	server.RegisterFiberRoutes()

	return server
}

func (s *FiberServer) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(recover.New())

	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(s.cfg.Security.CORSOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		ExposeHeaders:    "Content-Disposition,X-Chunk-Count",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.cfg.Security.RateLimit > 0 {
		s.App.Use(limiter.New(limiter.Config{
			Max:        s.cfg.Security.RateLimit,
			Expiration: s.cfg.Security.RateWindow,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP() // limit by IP address
			},
			Next: func(c *fiber.Ctx) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		}))
	}
}
