// Package retention reconstructs playable recordings from stored chunks.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"screenkeep/internal/chunkstore"
	"screenkeep/internal/metrics"
)

// ErrEmptyRecording is returned by AssembleFull when the store holds no
// chunks. It is not fatal: there is simply nothing to save.
var ErrEmptyRecording = errors.New("retention: recording is empty")

// DefaultWindowMinutes is the trailing window used when none is given.
const DefaultWindowMinutes = 15

type Kind string

const (
	KindFull      Kind = "full"
	KindWindow    Kind = "window"
	KindRecovered Kind = "recovered"
)

const fileTimeLayout = "2006-01-02T15-04-05.000Z"

// Artifact is an assembled recording. It is never modified after assembly.
type Artifact struct {
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	FileName    string    `json:"file_name"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
	ChunkCount  int       `json:"chunk_count"`
	From        int64     `json:"from"` // first chunk timestamp, ms
	To          int64     `json:"to"`   // last chunk timestamp, ms
}

func (a *Artifact) Size() int { return len(a.Data) }

type Options struct {
	ContentType string
	Extension   string
	Now         func() time.Time
}

// Assembler reads chunks from a store and concatenates them in capture
// order.
//
// Assembly may run while a capture is still appending. Each call works on
// one ReadWindow snapshot: a chunk appended after the read began may be
// missing from the artifact, and will be part of the next one. Nothing is
// ever returned twice or half-written.
type Assembler struct {
	store chunkstore.Store
	opts  Options

	mu       sync.Mutex
	lastBase string
	dups     int
}

func NewAssembler(store chunkstore.Store, opts Options) *Assembler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	if opts.Extension == "" {
		opts.Extension = "bin"
	}
	return &Assembler{store: store, opts: opts}
}

// AssembleFull builds an artifact from every stored chunk. An empty store
// yields ErrEmptyRecording.
func (a *Assembler) AssembleFull(ctx context.Context) (*Artifact, error) {
	art, err := a.assemble(ctx, KindFull, nil, "screen-recording")
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, ErrEmptyRecording
	}
	return art, nil
}

// AssembleWindow builds an artifact from the chunks captured in the last
// minutes minutes, bound inclusive. It returns (nil, nil) when there are none.
func (a *Assembler) AssembleWindow(ctx context.Context, minutes int) (*Artifact, error) {
	if minutes <= 0 {
		minutes = DefaultWindowMinutes
	}
	since := a.opts.Now().UnixMilli() - int64(minutes)*60_000
	prefix := fmt.Sprintf("last-%d-minutes", minutes)
	return a.assemble(ctx, KindWindow, &since, prefix)
}

// AssembleRecovered builds an artifact from chunks left behind by a previous
// run. It returns (nil, nil) when there are none.
func (a *Assembler) AssembleRecovered(ctx context.Context) (*Artifact, error) {
	return a.assemble(ctx, KindRecovered, nil, "recovered")
}

func (a *Assembler) assemble(ctx context.Context, kind Kind, since *int64, prefix string) (*Artifact, error) {
	start := time.Now()
	chunks, err := a.store.ReadWindow(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", kind, err)
	}
	if len(chunks) == 0 {
		log.Debug().Str("kind", string(kind)).Msg("Assembler: no chunks")
		return nil, nil
	}

	SortChunks(chunks)

	total := 0
	for _, c := range chunks {
		total += len(c.Data)
	}
	data := make([]byte, 0, total)
	for _, c := range chunks {
		data = append(data, c.Data...)
	}

	created := a.opts.Now().UTC()
	art := &Artifact{
		Data:        data,
		ContentType: a.opts.ContentType,
		FileName:    a.fileName(prefix, created),
		Kind:        kind,
		CreatedAt:   created,
		ChunkCount:  len(chunks),
		From:        chunks[0].Timestamp,
		To:          chunks[len(chunks)-1].Timestamp,
	}

	metrics.AssemblyDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	metrics.ArtifactsAssembled.WithLabelValues(string(kind)).Inc()
	metrics.ArtifactBytes.WithLabelValues(string(kind)).Observe(float64(len(data)))
	log.Info().
		Str("kind", string(kind)).
		Int("chunks", art.ChunkCount).
		Int("bytes", len(data)).
		Str("file", art.FileName).
		Msg("Assembler: artifact ready")
	return art, nil
}

// fileName stamps prefix with the creation time to the millisecond. A name
// this assembler already handed out gets a counter suffix so saves never
// overwrite each other.
func (a *Assembler) fileName(prefix string, created time.Time) string {
	base := prefix + "-" + created.Format(fileTimeLayout)

	a.mu.Lock()
	defer a.mu.Unlock()
	if base == a.lastBase {
		a.dups++
		return fmt.Sprintf("%s-%d.%s", base, a.dups+1, a.opts.Extension)
	}
	a.lastBase = base
	a.dups = 0
	return base + "." + a.opts.Extension
}

// SortChunks orders chunks by capture time, ties broken by id.
func SortChunks(chunks []chunkstore.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Timestamp != chunks[j].Timestamp {
			return chunks[i].Timestamp < chunks[j].Timestamp
		}
		return chunks[i].ID < chunks[j].ID
	})
}
