// Package export writes assembled recordings somewhere the user can get
// them back: a local directory, MongoDB GridFS, or both.
package export

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"screenkeep/internal/metrics"
	"screenkeep/internal/retention"
)

var (
	ErrNotFound    = errors.New("export: artifact not found")
	ErrInvalidName = errors.New("export: invalid artifact name")
)

// Saver persists artifacts and reads them back by file name.
type Saver interface {
	Save(ctx context.Context, art *retention.Artifact) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Name() string
}

// ValidName rejects names that could escape the export location.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return ErrInvalidName
	}
	return nil
}

// Multi saves to every saver and opens from the first that has the name.
type Multi []Saver

func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// Save tries every saver; one failing does not stop the others.
func (m Multi) Save(ctx context.Context, art *retention.Artifact) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, art); err != nil {
			metrics.ArtifactSaveFailures.WithLabelValues(s.Name()).Inc()
			log.Error().Err(err).Str("target", s.Name()).Str("file", art.FileName).Msg("Export: save failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	for _, s := range m {
		rc, err := s.Open(ctx, name)
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}
