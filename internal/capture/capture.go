// Package capture owns the live media stream of a recording: acquiring it
// from a Source, cutting it into timesliced chunks and handing those chunks
// to the chunk store.
package capture

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrPermissionDenied   = errors.New("capture: permission denied")
	ErrDeviceUnavailable  = errors.New("capture: no capture device available")
	ErrAlreadyCapturing   = errors.New("capture: already capturing")
	ErrCaptureInterrupted = errors.New("capture: stream ended unexpectedly")
)

type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateStopping  State = "stopping"
)

// Slice is one piece of encoded media handed over by a Stream.
type Slice struct {
	Data       []byte
	CapturedAt time.Time
}

// Format describes what a source produces.
type Format struct {
	ContentType string
	Extension   string
}

// Stream is a live capture. It owns its tracks (or process) until Stop.
type Stream interface {
	// Slices delivers encoded media in capture order. The channel is closed
	// once the stream has been stopped or ended on its own and every pending
	// byte has been delivered.
	Slices() <-chan Slice

	// RequestData asks for the currently buffered partial slice to be
	// delivered now instead of at the next timeslice boundary.
	RequestData()

	// Done is closed when the underlying media ended, for whatever reason.
	Done() <-chan struct{}

	// Stop ends the capture and releases every track. Safe to call more
	// than once.
	Stop(ctx context.Context) error
}

// Source acquires streams from the host.
type Source interface {
	// Acquire returns a running stream, or ErrPermissionDenied /
	// ErrDeviceUnavailable when the host refuses.
	Acquire(ctx context.Context) (Stream, error)

	Format() Format

	Name() string
}
