package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"screenkeep/internal/retention"
)

// DirSaver writes artifacts as files in a directory.
type DirSaver struct {
	dir string
}

func NewDirSaver(dir string) *DirSaver {
	return &DirSaver{dir: dir}
}

func (d *DirSaver) Name() string { return "dir" }

func (d *DirSaver) Dir() string { return d.dir }

// Save writes to a temporary file first so a reader never sees a partial
// artifact.
func (d *DirSaver) Save(_ context.Context, art *retention.Artifact) error {
	if err := ValidName(art.FileName); err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(art.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", art.FileName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", art.FileName, err)
	}

	path := filepath.Join(d.dir, art.FileName)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", art.FileName, err)
	}

	log.Info().Str("path", path).Int("bytes", art.Size()).Msg("Export: artifact written")
	return nil
}

func (d *DirSaver) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}
