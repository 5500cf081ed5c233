package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenkeep/internal/chunkstore"
)

var epoch = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

func ms(seconds int) int64 { return epoch.Add(time.Duration(seconds) * time.Second).UnixMilli() }

func newStore(t *testing.T, chunks ...chunkstore.Chunk) *chunkstore.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := chunkstore.NewMemoryStore()
	require.NoError(t, store.Open(ctx))
	for _, c := range chunks {
		_, err := store.Append(ctx, c)
		require.NoError(t, err)
	}
	return store
}

func newAssembler(store chunkstore.Store, nowSeconds int) *Assembler {
	return NewAssembler(store, Options{
		ContentType: "video/mp4",
		Extension:   "mp4",
		Now:         func() time.Time { return epoch.Add(time.Duration(nowSeconds) * time.Second) },
	})
}

type brokenStore struct{ chunkstore.Store }

func (brokenStore) ReadWindow(context.Context, *int64) ([]chunkstore.Chunk, error) {
	return nil, chunkstore.ErrStorageUnavailable
}

func TestAssembleFull_ConcatenatesInCaptureOrder(t *testing.T) {
	store := newStore(t,
		chunkstore.Chunk{Timestamp: ms(0), Data: []byte("A")},
		chunkstore.Chunk{Timestamp: ms(10), Data: []byte("B")},
		chunkstore.Chunk{Timestamp: ms(20), Data: []byte("C")},
		chunkstore.Chunk{Timestamp: ms(30), Data: []byte("D")},
	)

	art, err := newAssembler(store, 35).AssembleFull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ABCD", string(art.Data))
	assert.Equal(t, 4, art.ChunkCount)
	assert.Equal(t, KindFull, art.Kind)
	assert.Equal(t, "video/mp4", art.ContentType)
	assert.Equal(t, "screen-recording-2026-10-17T09-30-35.000Z.mp4", art.FileName)
	assert.Equal(t, ms(0), art.From)
	assert.Equal(t, ms(30), art.To)
}

func TestAssembleFull_SortsBeforeConcatenating(t *testing.T) {
	// Appended out of timestamp order; equal timestamps keep id order.
	store := newStore(t,
		chunkstore.Chunk{Timestamp: ms(20), Data: []byte("3")},
		chunkstore.Chunk{Timestamp: ms(0), Data: []byte("1")},
		chunkstore.Chunk{Timestamp: ms(10), Data: []byte("2a")},
		chunkstore.Chunk{Timestamp: ms(10), Data: []byte("2b")},
	)

	art, err := newAssembler(store, 30).AssembleFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12a2b3", string(art.Data))
}

func TestAssembleFull_EmptyStore(t *testing.T) {
	art, err := newAssembler(newStore(t), 0).AssembleFull(context.Background())
	assert.Nil(t, art)
	assert.ErrorIs(t, err, ErrEmptyRecording)
}

func TestAssembleWindow(t *testing.T) {
	var chunks []chunkstore.Chunk
	for i := 0; i < 120; i++ {
		chunks = append(chunks, chunkstore.Chunk{Timestamp: ms(i * 10), Data: []byte{byte(i)}})
	}
	store := newStore(t, chunks...)

	tests := []struct {
		name      string
		minutes   int
		wantCount int
		wantFirst int64
	}{
		{"last 15 minutes", 15, 90, ms(300)},
		{"last minute", 1, 6, ms(1140)},
		{"default window", 0, 90, ms(300)},
		{"longer than the recording", 60, 120, ms(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art, err := newAssembler(store, 1200).AssembleWindow(context.Background(), tt.minutes)
			require.NoError(t, err)
			require.NotNil(t, art)
			assert.Equal(t, tt.wantCount, art.ChunkCount)
			assert.Len(t, art.Data, tt.wantCount)
			assert.Equal(t, tt.wantFirst, art.From)
			assert.Equal(t, ms(1190), art.To)
			assert.Equal(t, KindWindow, art.Kind)
		})
	}

	remaining, err := store.ReadWindow(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, remaining, 120, "windowed assembly never removes chunks")
}

func TestAssembleWindow_BoundIsInclusive(t *testing.T) {
	store := newStore(t,
		chunkstore.Chunk{Timestamp: ms(0) - 1, Data: []byte("old")},
		chunkstore.Chunk{Timestamp: ms(0), Data: []byte("edge")},
	)
	art, err := newAssembler(store, 60).AssembleWindow(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, "edge", string(art.Data))
}

func TestAssembleWindow_NothingAvailable(t *testing.T) {
	t.Run("empty store", func(t *testing.T) {
		art, err := newAssembler(newStore(t), 0).AssembleWindow(context.Background(), 15)
		assert.NoError(t, err)
		assert.Nil(t, art)
	})

	t.Run("one chunk ten seconds in", func(t *testing.T) {
		store := newStore(t, chunkstore.Chunk{Timestamp: ms(10), Data: []byte("x")})
		art, err := newAssembler(store, 10).AssembleWindow(context.Background(), 15)
		require.NoError(t, err)
		require.NotNil(t, art)
		assert.Equal(t, "last-15-minutes-2026-10-17T09-30-10.000Z.mp4", art.FileName)
	})

	t.Run("everything older than the window", func(t *testing.T) {
		store := newStore(t, chunkstore.Chunk{Timestamp: ms(0), Data: []byte("x")})
		art, err := newAssembler(store, 3600).AssembleWindow(context.Background(), 15)
		assert.NoError(t, err)
		assert.Nil(t, art)
	})
}

func TestAssemble_FileNamesAreUnique(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, chunkstore.Chunk{Timestamp: ms(10), Data: []byte("x")})
	a := newAssembler(store, 10)

	names := map[string]bool{}
	for i := 0; i < 3; i++ {
		art, err := a.AssembleWindow(ctx, 15)
		require.NoError(t, err)
		require.NotNil(t, art)
		assert.False(t, names[art.FileName], "duplicate name %s", art.FileName)
		names[art.FileName] = true
	}
	assert.True(t, names["last-15-minutes-2026-10-17T09-30-10.000Z.mp4"])
	assert.True(t, names["last-15-minutes-2026-10-17T09-30-10.000Z-2.mp4"])
	assert.True(t, names["last-15-minutes-2026-10-17T09-30-10.000Z-3.mp4"])
}

func TestAssembleRecovered(t *testing.T) {
	store := newStore(t, chunkstore.Chunk{Session: "crashed", Timestamp: ms(0), Data: []byte("left over")})

	art, err := newAssembler(store, 90).AssembleRecovered(context.Background())
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, KindRecovered, art.Kind)
	assert.Equal(t, "recovered-2026-10-17T09-31-30.000Z.mp4", art.FileName)

	art, err = newAssembler(newStore(t), 0).AssembleRecovered(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, art)
}

func TestAssemble_StorageErrorIsWrapped(t *testing.T) {
	a := newAssembler(brokenStore{}, 0)

	_, err := a.AssembleFull(context.Background())
	assert.ErrorIs(t, err, chunkstore.ErrStorageUnavailable)
	assert.False(t, errors.Is(err, ErrEmptyRecording))

	_, err = a.AssembleWindow(context.Background(), 5)
	assert.ErrorIs(t, err, chunkstore.ErrStorageUnavailable)
}

func TestNewAssembler_Defaults(t *testing.T) {
	store := newStore(t, chunkstore.Chunk{Timestamp: 1, Data: []byte("x")})
	art, err := NewAssembler(store, Options{}).AssembleFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", art.ContentType)
	assert.Contains(t, art.FileName, ".bin")
}
