package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"screenkeep/internal/chunkstore"
	"screenkeep/internal/metrics"
)

// DefaultFlushGrace is how long Stop and FlushNow wait for the pipeline to
// hand over its pending partial slice.
const DefaultFlushGrace = 200 * time.Millisecond

// Interruption reports a stream that ended while its session was capturing.
type Interruption struct {
	SessionID string
	Err       error
}

// Status is a point-in-time view of the session.
type Status struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Chunks    int64     `json:"chunks"`
	Bytes     int64     `json:"bytes"`
	Dropped   int64     `json:"dropped"`
	Discarded int64     `json:"discarded"`
}

type SessionOptions struct {
	// FlushGrace bounds the wait for a final slice. Zero means DefaultFlushGrace.
	FlushGrace time.Duration

	// Now stamps slices that arrive without a capture time.
	Now func() time.Time
}

// run is the state of one capture, from Start to the return to idle.
type run struct {
	id        string
	stream    Stream
	startedAt time.Time

	arrived  chan struct{} // a slice has been handled
	pumpDone chan struct{} // the Slices channel has been drained
	finished chan struct{} // the session is idle again

	// gate serialises slice handling against Stop abandoning the run. Once
	// abandoned, late slices are dropped instead of stored.
	gate      sync.Mutex
	abandoned bool

	lastTS    int64
	chunks    atomic.Int64
	bytes     atomic.Int64
	dropped   atomic.Int64
	discarded atomic.Int64
}

// Session drives one capture at a time: idle -> capturing -> stopping -> idle.
//
// Every slice the stream delivers is staged and flushed to the chunk store by
// a single pump goroutine, so chunks reach the store in capture order. A
// stream that ends on its own is reported on Interrupted; the session stays
// in capturing until Stop is called, which then only has to release and
// drain.
type Session struct {
	source  Source
	staging *chunkstore.Staging
	grace   time.Duration
	now     func() time.Time

	mu       sync.Mutex
	state    State
	starting bool
	cur      *run

	interrupts chan Interruption
}

func NewSession(source Source, staging *chunkstore.Staging, opts SessionOptions) *Session {
	if opts.FlushGrace <= 0 {
		opts.FlushGrace = DefaultFlushGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		source:     source,
		staging:    staging,
		grace:      opts.FlushGrace,
		now:        opts.Now,
		state:      StateIdle,
		interrupts: make(chan Interruption, 4),
	}
}

// Interrupted delivers one value per stream that ended while capturing.
func (s *Session) Interrupted() <-chan Interruption { return s.interrupts }

func (s *Session) Format() Format { return s.source.Format() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state}
	if r := s.cur; r != nil {
		st.SessionID = r.id
		st.StartedAt = r.startedAt
		st.Chunks = r.chunks.Load()
		st.Bytes = r.bytes.Load()
		st.Dropped = r.dropped.Load()
		st.Discarded = r.discarded.Load()
	}
	return st
}

// Start acquires a stream and begins capturing. The session stays idle when
// acquisition fails.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle || s.starting {
		s.mu.Unlock()
		return ErrAlreadyCapturing
	}
	s.starting = true
	s.mu.Unlock()

	stream, err := s.source.Acquire(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false

	if err != nil {
		switch {
		case errors.Is(err, ErrPermissionDenied):
			metrics.CaptureSessions.WithLabelValues("denied").Inc()
		case errors.Is(err, ErrDeviceUnavailable):
			metrics.CaptureSessions.WithLabelValues("unavailable").Inc()
		}
		log.Warn().Err(err).Str("source", s.source.Name()).Msg("Session: stream acquisition failed")
		return err
	}

	r := &run{
		id:        uuid.NewString(),
		stream:    stream,
		startedAt: s.now(),
		arrived:   make(chan struct{}, 1),
		pumpDone:  make(chan struct{}),
		finished:  make(chan struct{}),
	}
	s.cur = r
	s.state = StateCapturing
	go s.pump(r)

	metrics.CaptureSessions.WithLabelValues("started").Inc()
	metrics.CaptureActive.Set(1)
	log.Info().Str("session", r.id).Str("source", s.source.Name()).Msg("Session: capturing")
	return nil
}

// pump moves slices from the stream into the store until the stream closes.
func (s *Session) pump(r *run) {
	for sl := range r.stream.Slices() {
		s.handleSlice(r, sl)
		select {
		case r.arrived <- struct{}{}:
		default:
		}
	}
	close(r.pumpDone)

	s.mu.Lock()
	interrupted := s.cur == r && s.state == StateCapturing
	s.mu.Unlock()
	if !interrupted {
		return
	}

	log.Warn().Str("session", r.id).Msg("Session: stream ended while capturing")
	metrics.CaptureSessions.WithLabelValues("interrupted").Inc()
	select {
	case s.interrupts <- Interruption{SessionID: r.id, Err: ErrCaptureInterrupted}:
	default:
		log.Warn().Str("session", r.id).Msg("Session: interruption dropped, nobody is listening")
	}
}

func (s *Session) handleSlice(r *run, sl Slice) {
	r.gate.Lock()
	defer r.gate.Unlock()
	if r.abandoned {
		log.Warn().Str("session", r.id).Int("bytes", len(sl.Data)).Msg("Session: dropped slice delivered after stop")
		return
	}
	if len(sl.Data) == 0 {
		r.discarded.Add(1)
		metrics.EmptySlicesDiscarded.Inc()
		log.Debug().Str("session", r.id).Msg("Session: discarded empty slice")
		return
	}

	ts := sl.CapturedAt.UnixMilli()
	if sl.CapturedAt.IsZero() {
		ts = s.now().UnixMilli()
	}
	// Keep chunk timestamps non-decreasing even if the wall clock steps back.
	if ts < r.lastTS {
		ts = r.lastTS
	}
	r.lastTS = ts

	s.staging.Push(chunkstore.Chunk{Session: r.id, Timestamp: ts, Data: sl.Data})
	s.record(r, s.staging.Flush(context.Background()))
}

func (s *Session) record(r *run, report chunkstore.FlushReport) {
	r.chunks.Add(int64(len(report.Persisted)))
	r.bytes.Add(report.Bytes)
	r.dropped.Add(int64(report.Dropped))
}

// awaitSlice asks the stream for its partial slice and waits up to the grace
// period for it. Missing the deadline is not an error.
func (s *Session) awaitSlice(ctx context.Context, r *run) {
	select {
	case <-r.arrived:
	default:
	}
	r.stream.RequestData()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-r.arrived:
	case <-r.pumpDone:
	case <-timer.C:
		log.Debug().Str("session", r.id).Dur("grace", s.grace).Msg("Session: no slice within grace period")
	case <-ctx.Done():
	}
}

// FlushNow persists the pending partial slice without stopping the capture.
// On an idle session it only drains the staging queue.
func (s *Session) FlushNow(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	capturing := s.state == StateCapturing
	s.mu.Unlock()

	if capturing && r != nil {
		s.awaitSlice(ctx, r)
		s.record(r, s.staging.Flush(ctx))
		return nil
	}
	s.staging.Flush(ctx)
	return nil
}

// Stop flushes the pending slice, releases the stream and waits for every
// delivered slice to be persisted. If ctx ends first, slices the stream
// delivers later are dropped. Stopping an idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	switch {
	case s.state == StateIdle || r == nil:
		s.mu.Unlock()
		return nil
	case s.state == StateStopping:
		s.mu.Unlock()
		select {
		case <-r.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	log.Info().Str("session", r.id).Msg("Session: stopping")
	s.awaitSlice(ctx, r)

	stopErr := r.stream.Stop(ctx)
	if stopErr != nil {
		log.Warn().Err(stopErr).Str("session", r.id).Msg("Session: stream did not stop cleanly")
	}

	select {
	case <-r.pumpDone:
	case <-ctx.Done():
		r.gate.Lock()
		r.abandoned = true
		r.gate.Unlock()
		log.Warn().Str("session", r.id).Msg("Session: gave up waiting for the last slices")
	}
	s.record(r, s.staging.Flush(ctx))

	s.mu.Lock()
	s.state = StateIdle
	s.cur = nil
	s.mu.Unlock()
	close(r.finished)

	metrics.CaptureActive.Set(0)
	metrics.CaptureSessions.WithLabelValues("stopped").Inc()
	log.Info().
		Str("session", r.id).
		Int64("chunks", r.chunks.Load()).
		Int64("bytes", r.bytes.Load()).
		Int64("dropped", r.dropped.Load()).
		Dur("duration", s.now().Sub(r.startedAt)).
		Msg("Session: stopped")

	if stopErr != nil {
		return errors.Wrap(stopErr, "stop stream")
	}
	return nil
}
