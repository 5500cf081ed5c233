package capture_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenkeep/internal/capture"
	"screenkeep/internal/capture/capturetest"
	"screenkeep/internal/chunkstore"
)

var epoch = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return epoch.Add(time.Duration(seconds) * time.Second) }

type flakyStore struct {
	*chunkstore.MemoryStore
	mu   sync.Mutex
	fail map[int64]bool
}

func (f *flakyStore) Append(ctx context.Context, c chunkstore.Chunk) (chunkstore.Chunk, error) {
	f.mu.Lock()
	fail := f.fail[c.Timestamp]
	f.mu.Unlock()
	if fail {
		return chunkstore.Chunk{}, errors.Wrap(chunkstore.ErrStorageWrite, "injected")
	}
	return f.MemoryStore.Append(ctx, c)
}

type fixture struct {
	store   chunkstore.Store
	source  *capturetest.Source
	session *capture.Session
}

func newFixture(t *testing.T, store chunkstore.Store) *fixture {
	t.Helper()
	if store == nil {
		store = chunkstore.NewMemoryStore()
	}
	require.NoError(t, store.Open(context.Background()))
	source := capturetest.NewSource()
	session := capture.NewSession(source, chunkstore.NewStaging(store), capture.SessionOptions{
		FlushGrace: 50 * time.Millisecond,
		Now:        func() time.Time { return at(0) },
	})
	return &fixture{store: store, source: source, session: session}
}

func (f *fixture) chunks(t *testing.T) []chunkstore.Chunk {
	t.Helper()
	chunks, err := f.store.ReadWindow(context.Background(), nil)
	require.NoError(t, err)
	return chunks
}

func (f *fixture) waitChunks(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.session.Status().Chunks >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func payloads(chunks []chunkstore.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = string(c.Data)
	}
	return out
}

func TestSession_StartStopPersistsEverySliceInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.session.Start(ctx))
	assert.Equal(t, capture.StateCapturing, f.session.State())
	stream := f.source.Last()

	stream.Emit([]byte("c0"), at(0))
	stream.Emit([]byte("c1"), at(10))
	stream.Emit([]byte("c2"), at(20))
	f.waitChunks(t, 3)

	stream.SetPartial([]byte("c3"), at(30))
	require.NoError(t, f.session.Stop(ctx))

	assert.Equal(t, capture.StateIdle, f.session.State())
	assert.Equal(t, 1, stream.Stops())

	chunks := f.chunks(t)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3"}, payloads(chunks))
	for i, c := range chunks {
		assert.Equal(t, at(i*10).UnixMilli(), c.Timestamp)
		assert.NotEmpty(t, c.Session)
	}
}

func TestSession_StartWhileCapturing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.session.Start(ctx))
	err := f.session.Start(ctx)
	assert.ErrorIs(t, err, capture.ErrAlreadyCapturing)

	require.NoError(t, f.session.Stop(ctx))
	require.NoError(t, f.session.Start(ctx), "a stopped session can start again")
	require.NoError(t, f.session.Stop(ctx))
}

func TestSession_AcquireFailureStaysIdle(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission denied", capture.ErrPermissionDenied},
		{"no device", errors.Wrap(capture.ErrDeviceUnavailable, "no display")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, nil)
			f.source.Fail(tt.err)

			err := f.session.Start(ctx)
			assert.ErrorIs(t, err, errors.Cause(tt.err))
			assert.Equal(t, capture.StateIdle, f.session.State())

			f.source.Fail(nil)
			require.NoError(t, f.session.Start(ctx))
			require.NoError(t, f.session.Stop(ctx))
		})
	}
}

func TestSession_DiscardsEmptySlices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Start(ctx))
	stream := f.source.Last()

	stream.Emit(nil, at(0))
	stream.Emit([]byte{}, at(10))
	stream.Emit([]byte("data"), at(20))
	f.waitChunks(t, 1)
	require.NoError(t, f.session.Stop(ctx))

	chunks := f.chunks(t)
	require.Len(t, chunks, 1)
	assert.Equal(t, "data", string(chunks[0].Data))
}

func TestSession_StorageFailureLeavesGap(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		MemoryStore: chunkstore.NewMemoryStore(),
		fail:        map[int64]bool{at(10).UnixMilli(): true},
	}
	f := newFixture(t, store)
	require.NoError(t, f.session.Start(ctx))
	stream := f.source.Last()

	stream.Emit([]byte("a"), at(0))
	stream.Emit([]byte("b"), at(10))
	stream.Emit([]byte("c"), at(20))
	require.Eventually(t, func() bool {
		st := f.session.Status()
		return st.Chunks == 2 && st.Dropped == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, capture.StateCapturing, f.session.State())
	require.NoError(t, f.session.Stop(ctx))
	assert.Equal(t, []string{"a", "c"}, payloads(f.chunks(t)))
}

func TestSession_TimestampsNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Start(ctx))
	stream := f.source.Last()

	stream.Emit([]byte("a"), at(20))
	stream.Emit([]byte("b"), at(10))
	stream.Emit([]byte("c"), time.Time{})
	f.waitChunks(t, 3)
	require.NoError(t, f.session.Stop(ctx))

	chunks := f.chunks(t)
	require.Len(t, chunks, 3)
	assert.Equal(t, at(20).UnixMilli(), chunks[0].Timestamp)
	assert.Equal(t, at(20).UnixMilli(), chunks[1].Timestamp)
	assert.Equal(t, at(20).UnixMilli(), chunks[2].Timestamp, "zero capture time uses the clock, clamped")
}

func TestSession_StreamEndReportsInterruption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Start(ctx))
	stream := f.source.Last()
	id := f.session.Status().SessionID

	stream.Emit([]byte("a"), at(0))
	stream.SetPartial([]byte("b"), at(5))
	stream.End()

	select {
	case intr := <-f.session.Interrupted():
		assert.Equal(t, id, intr.SessionID)
		assert.ErrorIs(t, intr.Err, capture.ErrCaptureInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("no interruption reported")
	}
	assert.Equal(t, capture.StateCapturing, f.session.State())

	require.NoError(t, f.session.Stop(ctx))
	assert.Equal(t, capture.StateIdle, f.session.State())
	assert.Equal(t, []string{"a", "b"}, payloads(f.chunks(t)))
}

func TestSession_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.session.Stop(ctx), "stopping an idle session")

	require.NoError(t, f.session.Start(ctx))
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.session.Stop(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, capture.StateIdle, f.session.State())
	assert.Equal(t, 1, f.source.Last().Stops())
}

func TestSession_FlushNowKeepsCapturing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Start(ctx))
	stream := f.source.Last()

	stream.Emit([]byte("a"), at(0))
	f.waitChunks(t, 1)
	stream.SetPartial([]byte("b"), at(3))

	require.NoError(t, f.session.FlushNow(ctx))
	assert.Equal(t, capture.StateCapturing, f.session.State())
	assert.Equal(t, []string{"a", "b"}, payloads(f.chunks(t)))

	require.NoError(t, f.session.Stop(ctx))
}

func TestSession_StopWithoutFinalSliceWaitsOnlyForGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Start(ctx))

	start := time.Now()
	require.NoError(t, f.session.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, f.chunks(t))
}

func TestSession_StopDeadlineDropsLateSlices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.session.Start(ctx))
	stream := f.source.Last()
	stream.Emit([]byte("kept"), at(1))
	require.Eventually(t, func() bool { return len(f.chunks(t)) == 1 }, time.Second, 5*time.Millisecond)
	stream.DelayExit(100*time.Millisecond, []byte("late"), at(2))

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	require.NoError(t, f.session.Stop(stopCtx))
	assert.Equal(t, capture.StateIdle, f.session.State())

	require.NoError(t, f.store.Clear(ctx))
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatal("stream never exited")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.chunks(t), "nothing is stored after Stop returned")

	require.NoError(t, f.session.Start(ctx))
	f.source.Last().Emit([]byte("next"), at(3))
	require.NoError(t, f.session.Stop(ctx))
	chunks := f.chunks(t)
	require.Len(t, chunks, 1)
	assert.Equal(t, "next", string(chunks[0].Data))
}
