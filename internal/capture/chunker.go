package capture

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Chunker turns a byte stream into timesliced Slices. Writers (an ffmpeg
// stdout pipe, an FLV encoder) append to an internal buffer; a loop emits the
// buffer every timeslice, on RequestData, and once more on Close.
//
// Empty slices are emitted as well. Deciding what to do with them is up to
// the consumer.
type Chunker struct {
	timeslice time.Duration
	now       func() time.Time

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool

	out      chan Slice
	flushReq chan struct{}
	quit     chan struct{}
	once     sync.Once
}

func NewChunker(timeslice time.Duration, now func() time.Time) *Chunker {
	if now == nil {
		now = time.Now
	}
	c := &Chunker{
		timeslice: timeslice,
		now:       now,
		out:       make(chan Slice, 16),
		flushReq:  make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	go c.loop()
	return c
}

// Write buffers p. It fails with io.ErrClosedPipe after Close.
func (c *Chunker) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.buf.Write(p)
}

func (c *Chunker) Slices() <-chan Slice { return c.out }

func (c *Chunker) RequestData() {
	select {
	case c.flushReq <- struct{}{}:
	default:
	}
}

// Close emits whatever is buffered and closes the Slices channel.
func (c *Chunker) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.quit)
	})
}

func (c *Chunker) loop() {
	ticker := time.NewTicker(c.timeslice)
	defer ticker.Stop()
	defer close(c.out)

	for {
		select {
		case <-ticker.C:
			c.emit()
		case <-c.flushReq:
			c.emit()
		case <-c.quit:
			c.emit()
			return
		}
	}
}

func (c *Chunker) emit() {
	c.mu.Lock()
	data := make([]byte, c.buf.Len())
	copy(data, c.buf.Bytes())
	c.buf.Reset()
	c.mu.Unlock()

	c.out <- Slice{Data: data, CapturedAt: c.now()}
}
