// Package capturetest provides an in-process capture.Source for tests.
package capturetest

import (
	"context"
	"sync"
	"time"

	"screenkeep/internal/capture"
)

// Stream is a capture.Stream driven by the test.
type Stream struct {
	mu      sync.Mutex
	slices  chan capture.Slice
	done    chan struct{}
	partial *capture.Slice
	ended   bool
	stops   int

	exitDelay time.Duration
	exitSlice *capture.Slice
}

func NewStream() *Stream {
	return &Stream{
		slices: make(chan capture.Slice, 1024),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Slices() <-chan capture.Slice { return s.slices }

func (s *Stream) Done() <-chan struct{} { return s.done }

// Emit delivers a complete slice, as a timeslice boundary would.
func (s *Stream) Emit(data []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.slices <- capture.Slice{Data: data, CapturedAt: at}
}

// SetPartial sets the data delivered on the next RequestData or Stop.
func (s *Stream) SetPartial(data []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = &capture.Slice{Data: data, CapturedAt: at}
}

func (s *Stream) RequestData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverPartial()
}

func (s *Stream) deliverPartial() {
	if s.ended || s.partial == nil {
		return
	}
	s.slices <- *s.partial
	s.partial = nil
}

// DelayExit makes Stop return at once while the stream keeps running for d,
// then delivers last and ends, like an encoder that is slow to exit.
func (s *Stream) DelayExit(d time.Duration, last []byte, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitDelay = d
	s.exitSlice = &capture.Slice{Data: last, CapturedAt: at}
}

func (s *Stream) Stop(context.Context) error {
	s.mu.Lock()
	s.stops++
	delay, last := s.exitDelay, s.exitSlice
	s.exitDelay, s.exitSlice = 0, nil
	s.mu.Unlock()

	if last == nil {
		s.End()
		return nil
	}
	go func() {
		time.Sleep(delay)
		s.Emit(last.Data, last.CapturedAt)
		s.End()
	}()
	return nil
}

// End finishes the stream without Stop, like a revoked share or a closed
// window.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.deliverPartial()
	s.ended = true
	close(s.slices)
	close(s.done)
}

// Stops returns how many times Stop was called.
func (s *Stream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Source hands out Streams, or fails with a preset error.
type Source struct {
	mu      sync.Mutex
	err     error
	streams []*Stream

	// Acquired receives every stream handed out.
	Acquired chan *Stream
}

func NewSource() *Source {
	return &Source{Acquired: make(chan *Stream, 16)}
}

// Fail makes the next acquisitions return err. nil restores success.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Source) Acquire(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	st := NewStream()
	s.streams = append(s.streams, st)
	select {
	case s.Acquired <- st:
	default:
	}
	return st, nil
}

// Last returns the most recently acquired stream.
func (s *Source) Last() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

func (s *Source) Format() capture.Format {
	return capture.Format{ContentType: "video/webm", Extension: "webm"}
}

func (s *Source) Name() string { return "fake" }
