package chunkstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails Append for the listed timestamps.
type flakyStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail map[int64]bool
}

func (f *flakyStore) Append(ctx context.Context, c Chunk) (Chunk, error) {
	f.mu.Lock()
	fail := f.fail[c.Timestamp]
	f.mu.Unlock()
	if fail {
		return Chunk{}, fmt.Errorf("%w: injected", ErrStorageWrite)
	}
	return f.MemoryStore.Append(ctx, c)
}

func TestStaging_FlushIsFIFOAndDrains(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Open(ctx))
	staging := NewStaging(store)

	for i := 0; i < 5; i++ {
		staging.Push(Chunk{Timestamp: int64(i), Data: []byte{byte('a' + i)}})
	}
	assert.Equal(t, 5, staging.Len())

	report := staging.Flush(ctx)
	assert.Zero(t, staging.Len())
	assert.Len(t, report.Persisted, 5)
	assert.Zero(t, report.Dropped)
	assert.Equal(t, int64(5), report.Bytes)

	chunks, err := store.ReadWindow(ctx, nil)
	require.NoError(t, err)
	var got []byte
	for _, c := range chunks {
		got = append(got, c.Data...)
	}
	assert.Equal(t, "abcde", string(got))
}

func TestStaging_DropsFailedChunkAndContinues(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), fail: map[int64]bool{2: true}}
	require.NoError(t, store.Open(ctx))
	staging := NewStaging(store)

	for i := 0; i < 4; i++ {
		staging.Push(Chunk{Timestamp: int64(i), Data: []byte{byte(i)}})
	}

	report := staging.Flush(ctx)
	assert.Equal(t, 1, report.Dropped)
	assert.Len(t, report.Persisted, 3)
	assert.Zero(t, staging.Len())

	chunks, err := store.ReadWindow(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 3}, timestamps(chunks))
}

func TestStaging_FlushIgnoresCancellation(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Open(context.Background()))
	staging := NewStaging(store)
	staging.Push(Chunk{Timestamp: 1, Data: []byte("x")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := staging.Flush(ctx)
	assert.Len(t, report.Persisted, 1)
	assert.Equal(t, 1, store.Len())
}

func TestStaging_ConcurrentPushAndFlush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Open(ctx))
	staging := NewStaging(store)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		staging.Push(Chunk{Timestamp: int64(i), Data: []byte{1}})
		if i%10 == 9 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				staging.Flush(ctx)
			}()
		}
	}
	wg.Wait()
	staging.Flush(ctx)

	assert.Equal(t, 100, store.Len())
}

func TestStaging_UnavailableStoreDropsEverything(t *testing.T) {
	store := NewMemoryStore() // never opened
	staging := NewStaging(store)
	staging.Push(Chunk{Timestamp: 1, Data: []byte("x")})
	staging.Push(Chunk{Timestamp: 2, Data: []byte("y")})

	report := staging.Flush(context.Background())
	assert.Equal(t, 2, report.Dropped)
	assert.Zero(t, staging.Len())
}
