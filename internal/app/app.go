// Package app assembles the recorder from configuration. Both the daemon and
// recctl build their stores and savers through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"screenkeep/internal/capture"
	"screenkeep/internal/chunkstore"
	"screenkeep/internal/config"
	"screenkeep/internal/database"
	"screenkeep/internal/export"
	"screenkeep/internal/recording"
	"screenkeep/internal/retention"
)

// Stack is the storage side of the recorder.
type Stack struct {
	Store chunkstore.Store
	Saver export.Saver
	Dir   *export.DirSaver // nil when no export directory is set
	DB    database.Service // nil unless MongoDB is configured
}

func needsMongo(cfg *config.Config) bool {
	return cfg.Store.Backend == "mongo" || cfg.Export.GridFS
}

// OpenStack connects to MongoDB when needed, opens the chunk store and
// builds the savers.
func OpenStack(ctx context.Context, cfg *config.Config) (*Stack, error) {
	st := &Stack{}

	if needsMongo(cfg) {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		st.DB = db
	}

	store, err := newStore(cfg, st.DB)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.Store = store
	if err := store.Open(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("open %s chunk store: %w", store.Backend(), err)
	}

	var savers export.Multi
	if cfg.Export.Dir != "" {
		st.Dir = export.NewDirSaver(cfg.Export.Dir)
		savers = append(savers, st.Dir)
	}
	if cfg.Export.GridFS {
		gfs, err := export.NewGridFSSaver(st.DB.GetDatabase(), cfg.Export.Bucket)
		if err != nil {
			st.Close()
			return nil, err
		}
		savers = append(savers, gfs)
	}
	st.Saver = savers

	log.Info().
		Str("store", store.Backend()).
		Str("export", savers.Name()).
		Msg("App: storage ready")
	return st, nil
}

func newStore(cfg *config.Config, db database.Service) (chunkstore.Store, error) {
	switch cfg.Store.Backend {
	case "badger", "":
		return chunkstore.NewBadgerStore(chunkstore.BadgerConfig{
			Path:        cfg.Store.Path,
			SyncWrites:  cfg.Store.SyncWrites,
			ResetOnOpen: cfg.Store.ResetOnOpen,
		}), nil
	case "mongo":
		return chunkstore.NewMongoStore(db.GetDatabase(), chunkstore.MongoConfig{
			Collection:  cfg.Store.Collection,
			ResetOnOpen: cfg.Store.ResetOnOpen,
		}), nil
	case "memory":
		return chunkstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (s *Stack) Close() error {
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}

// NewSource builds the configured capture source. The RTMP source is also
// returned on its own because its listener has to be served.
func NewSource(cfg *config.Config) (capture.Source, *capture.RTMPSource, error) {
	switch cfg.Capture.Source {
	case "ffmpeg", "":
		audio := cfg.Capture.AudioFormat
		if strings.EqualFold(audio, "none") {
			audio = ""
		}
		return capture.NewFFmpegSource(capture.FFmpegConfig{
			Path:        cfg.Capture.FFmpegPath,
			InputFormat: cfg.Capture.InputFormat,
			VideoInput:  cfg.Capture.VideoInput,
			AudioFormat: audio,
			AudioInput:  cfg.Capture.AudioInput,
			FrameRate:   cfg.Capture.FrameRate,
			Timeslice:   cfg.Capture.Timeslice,
			StopTimeout: cfg.Capture.StopTimeout,
		}), nil, nil
	case "rtmp":
		src := capture.NewRTMPSource(capture.RTMPConfig{
			Addr:           cfg.RTMP.Addr,
			StreamKey:      cfg.RTMP.StreamKey,
			AcquireTimeout: cfg.RTMP.AcquireTimeout,
			Timeslice:      cfg.Capture.Timeslice,
		})
		return src, src, nil
	default:
		return nil, nil, fmt.Errorf("unknown capture source %q", cfg.Capture.Source)
	}
}

// NewAssembler builds an assembler producing artifacts in format.
func NewAssembler(store chunkstore.Store, format capture.Format) *retention.Assembler {
	return retention.NewAssembler(store, retention.Options{
		ContentType: format.ContentType,
		Extension:   format.Extension,
	})
}

// NewController wires a session over source into a recording controller.
func NewController(cfg *config.Config, st *Stack, source capture.Source, notifier recording.Notifier) *recording.Controller {
	session := capture.NewSession(source, chunkstore.NewStaging(st.Store), capture.SessionOptions{
		FlushGrace: cfg.Capture.FlushGrace,
	})
	return recording.NewController(session, st.Store, NewAssembler(st.Store, source.Format()), recording.Options{
		WindowMinutes: cfg.Recording.WindowMinutes,
		Saver:         st.Saver,
		Notifier:      notifier,
	})
}
