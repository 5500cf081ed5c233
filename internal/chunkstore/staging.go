package chunkstore

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"screenkeep/internal/metrics"
)

// FlushReport summarises one Flush call.
type FlushReport struct {
	Persisted []Chunk
	Dropped   int
	Bytes     int64
}

// Staging is a FIFO queue of chunks waiting to be written to a Store.
//
// Push never blocks on storage. Flush drains the queue oldest-first and only
// returns once it is empty. A chunk whose write fails is logged, counted and
// dropped so that capture can keep going; the recording ends up with a gap
// instead of failing.
type Staging struct {
	store Store

	mu    sync.Mutex
	queue []Chunk

	// flushMu serialises flushes so chunks reach the store in push order.
	flushMu sync.Mutex
}

func NewStaging(store Store) *Staging {
	return &Staging{store: store}
}

func (s *Staging) Push(c Chunk) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.StagingDepth.Set(float64(depth))
}

// Len returns the number of chunks waiting to be flushed.
func (s *Staging) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Staging) pop() (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		metrics.StagingDepth.Set(0)
		return Chunk{}, false
	}
	c := s.queue[0]
	s.queue[0] = Chunk{}
	s.queue = s.queue[1:]
	metrics.StagingDepth.Set(float64(len(s.queue)))
	return c, true
}

// Flush writes every staged chunk to the store. Cancellation of ctx is
// ignored: a flush always drains the queue.
func (s *Staging) Flush(ctx context.Context) FlushReport {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	backend := s.store.Backend()
	var report FlushReport
	for {
		c, ok := s.pop()
		if !ok {
			return report
		}

		stored, err := s.store.Append(ctx, c)
		if err != nil {
			report.Dropped++
			metrics.ChunkWriteFailures.WithLabelValues(backend).Inc()
			evt := log.Error().Err(err).
				Str("session", c.Session).
				Int64("timestamp", c.Timestamp).
				Int("bytes", c.Size())
			if errors.Is(err, ErrStorageUnavailable) {
				evt = evt.Bool("unavailable", true)
			}
			evt.Msg("Staging: chunk dropped, recording continues with a gap")
			continue
		}

		report.Persisted = append(report.Persisted, stored)
		report.Bytes += int64(stored.Size())
		metrics.ChunksAppended.WithLabelValues(backend).Inc()
		metrics.ChunkBytesAppended.WithLabelValues(backend).Add(float64(stored.Size()))
	}
}
