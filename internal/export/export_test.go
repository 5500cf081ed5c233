package export

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"screenkeep/internal/retention"
)

func artifact(name, data string) *retention.Artifact {
	return &retention.Artifact{
		Data:        []byte(data),
		ContentType: "video/mp4",
		FileName:    name,
		Kind:        retention.KindFull,
		CreatedAt:   time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC),
		ChunkCount:  1,
	}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"screen-recording-2026-10-17T09-30-00Z.mp4", true},
		{"last-15-minutes-2026-10-17T09-30-00Z.flv", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../etc/passwd", false},
		{"nested/file.mp4", false},
		{`windows\file.mp4`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidName(tt.name)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidName)
			}
		})
	}
}

func TestDirSaver_SaveAndOpen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "recordings")
	saver := NewDirSaver(dir)

	require.NoError(t, saver.Save(ctx, artifact("a.mp4", "movie")))

	rc, err := saver.Open(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "movie", readAll(t, rc))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	_, err = saver.Open(ctx, "missing.mp4")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = saver.Open(ctx, "../a.mp4")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.ErrorIs(t, saver.Save(ctx, artifact("../x.mp4", "x")), ErrInvalidName)
}

func TestDirSaver_UnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	err := NewDirSaver(file).Save(context.Background(), artifact("a.mp4", "x"))
	assert.Error(t, err)
}

type failingSaver struct{ err error }

func (f failingSaver) Save(context.Context, *retention.Artifact) error { return f.err }
func (f failingSaver) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}
func (f failingSaver) Name() string { return "failing" }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	dir := NewDirSaver(t.TempDir())
	boom := errors.New("boom")
	m := Multi{failingSaver{err: boom}, dir}

	assert.Equal(t, "failing+dir", m.Name())

	err := m.Save(ctx, artifact("b.mp4", "data"))
	assert.ErrorIs(t, err, boom)

	rc, err := m.Open(ctx, "b.mp4")
	require.NoError(t, err, "the dir saver still got the artifact")
	assert.Equal(t, "data", readAll(t, rc))

	_, err = m.Open(ctx, "nope.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGridFSSaver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate mongo container: %v", err)
		}
	})
	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	saver, err := NewGridFSSaver(client.Database("screenkeep_export"), "recordings")
	require.NoError(t, err)

	require.NoError(t, saver.Save(ctx, artifact("c.mp4", "gridfs bytes")))
	rc, err := saver.Open(ctx, "c.mp4")
	require.NoError(t, err)
	assert.Equal(t, "gridfs bytes", readAll(t, rc))

	_, err = saver.Open(ctx, "missing.mp4")
	assert.ErrorIs(t, err, ErrNotFound)

	expired, cancelExpired := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancelExpired()
	assert.ErrorIs(t, saver.Save(expired, artifact("late.mp4", "x")), context.DeadlineExceeded)
	_, err = saver.Open(ctx, "late.mp4")
	assert.ErrorIs(t, err, ErrNotFound, "an expired save uploads nothing")
}

func TestGridFSSaver_HonoursCancelledContext(t *testing.T) {
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI("mongodb://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	saver, err := NewGridFSSaver(client.Database("screenkeep_export"), "recordings")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, saver.Save(ctx, artifact("d.mp4", "x")), context.Canceled)
	_, err = saver.Open(ctx, "d.mp4")
	assert.ErrorIs(t, err, context.Canceled)
}
