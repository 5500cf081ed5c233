package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"screenkeep/internal/retention"
)

// GridFSSaver uploads artifacts to a GridFS bucket, with the artifact
// metadata stored alongside the file.
type GridFSSaver struct {
	fs *gridfs.Bucket
}

func NewGridFSSaver(db *mongo.Database, bucket string) (*GridFSSaver, error) {
	opts := options.GridFSBucket()
	if bucket != "" {
		opts.SetName(bucket)
	}
	fs, err := gridfs.NewBucket(db, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create GridFS bucket: %w", err)
	}
	return &GridFSSaver{fs: fs}, nil
}

func (g *GridFSSaver) Name() string { return "gridfs" }

// Save uploads the artifact. The upload is bounded by ctx's deadline and is
// aborted if ctx is cancelled before it completes.
func (g *GridFSSaver) Save(ctx context.Context, art *retention.Artifact) error {
	if err := ValidName(art.FileName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload %s: %w", art.FileName, err)
	}
	meta := bson.M{
		"content_type": art.ContentType,
		"kind":         string(art.Kind),
		"chunk_count":  art.ChunkCount,
		"from":         art.From,
		"to":           art.To,
		"created_at":   art.CreatedAt,
	}
	us, err := g.fs.OpenUploadStream(art.FileName, options.GridFSUpload().SetMetadata(meta))
	if err != nil {
		return fmt.Errorf("failed to open GridFS upload for %s: %w", art.FileName, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := us.SetWriteDeadline(deadline); err != nil {
			_ = us.Abort()
			return fmt.Errorf("set upload deadline: %w", err)
		}
	}

	if _, err := io.Copy(us, bytes.NewReader(art.Data)); err != nil {
		_ = us.Abort()
		return fmt.Errorf("failed to upload %s to GridFS: %w", art.FileName, err)
	}
	if err := ctx.Err(); err != nil {
		_ = us.Abort()
		return fmt.Errorf("upload %s: %w", art.FileName, err)
	}
	if err := us.Close(); err != nil {
		return fmt.Errorf("failed to finish GridFS upload of %s: %w", art.FileName, err)
	}

	log.Info().Str("file", art.FileName).Interface("id", us.FileID).Int("bytes", art.Size()).Msg("Export: artifact uploaded to GridFS")
	return nil
}

// Open returns the newest revision stored under name. Reads are bounded by
// ctx's deadline, if it has one.
func (g *GridFSSaver) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := g.fs.OpenDownloadStreamByName(name)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open download stream for %s: %w", name, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetReadDeadline(deadline); err != nil {
			stream.Close()
			return nil, fmt.Errorf("set download deadline: %w", err)
		}
	}
	return stream, nil
}
