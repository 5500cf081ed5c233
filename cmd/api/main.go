package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"screenkeep/internal/app"
	"screenkeep/internal/config"
	"screenkeep/internal/logging"
	"screenkeep/internal/recording"
	"screenkeep/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("screenkeep exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Graceful shutdown complete.")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.OpenStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	source, rtmpSource, err := app.NewSource(cfg)
	if err != nil {
		return err
	}

	hub := server.NewHub()
	controller := app.NewController(cfg, stack, source, hub)

	if art, err := controller.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Recovery of a previous recording failed, chunks kept")
	} else if art != nil {
		log.Info().Str("file", art.FileName).Msg("Saved recording left by a previous run")
	}

	srv := server.New(cfg, server.Deps{
		Controller: controller,
		Store:      stack.Store,
		Saver:      stack.Saver,
		Hub:        hub,
		DB:         stack.DB,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if rtmpSource != nil {
		g.Go(func() error {
			return rtmpSource.Serve(gctx)
		})
	}
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr()).
			Str("source", source.Name()).
			Str("store", stack.Store.Backend()).
			Msg("Server starting")
		return srv.Listen(srv.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")
		stop()
		return shutdown(srv, controller)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown finishes any live recording before the HTTP server goes away.
func shutdown(srv *server.FiberServer, controller *recording.Controller) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := controller.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Recording shutdown failed")
		errs = append(errs, err)
	}
	if err := srv.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown with error")
		errs = append(errs, err)
	}
	log.Info().Msg("Server exiting")
	return errors.Join(errs...)
}
