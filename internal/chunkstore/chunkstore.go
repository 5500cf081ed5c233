// Package chunkstore persists captured media chunks and serves time-windowed
// reads over them.
//
// A Store is append-only from the producer's point of view: chunks get an id
// on Append and are never modified afterwards. ReadWindow returns a snapshot
// of the chunks visible when the read starts; appends that land while the
// read is in progress may or may not be part of the result, but every chunk
// returned is complete and appears once.
package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrStorageUnavailable is returned when the backend cannot be opened or reached.
	ErrStorageUnavailable = errors.New("chunkstore: storage unavailable")

	// ErrStorageWrite is returned when a chunk could not be persisted.
	ErrStorageWrite = errors.New("chunkstore: storage write failed")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("chunkstore: store closed")
)

// Chunk is one slice of encoded media as produced by the capture pipeline.
type Chunk struct {
	ID        uint64 `json:"id"`
	Session   string `json:"session"`
	Timestamp int64  `json:"timestamp"` // capture time, ms since epoch
	Data      []byte `json:"-"`
}

// Size returns the payload length.
func (c Chunk) Size() int { return len(c.Data) }

// Store is the persistence contract used by the capture session and the
// retention assembler.
type Store interface {
	// Open prepares the store. Calling it again is a no-op.
	Open(ctx context.Context) error

	// Append assigns an id to c and persists it atomically.
	Append(ctx context.Context, c Chunk) (Chunk, error)

	// ReadWindow returns every chunk for a nil since, otherwise only chunks
	// with Timestamp >= *since. Order is backend specific; callers that need
	// capture order sort by (Timestamp, ID).
	ReadWindow(ctx context.Context, since *int64) ([]Chunk, error)

	// Clear removes every chunk. Clearing an empty store is not an error.
	Clear(ctx context.Context) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Backend names the implementation, used as a metrics label.
	Backend() string

	Close() error
}

// Since is a small helper for building ReadWindow arguments.
func Since(ts int64) *int64 { return &ts }

// record is the stored form of a chunk, shared by the badger value codec and
// the MongoDB documents.
type record struct {
	ID        uint64 `bson:"_id"`
	Session   string `bson:"session"`
	Timestamp int64  `bson:"timestamp"`
	Data      []byte `bson:"data"`
}

func toRecord(c Chunk) record {
	return record{ID: c.ID, Session: c.Session, Timestamp: c.Timestamp, Data: c.Data}
}

func (r record) chunk() Chunk {
	return Chunk{ID: r.ID, Session: r.Session, Timestamp: r.Timestamp, Data: r.Data}
}

func encodeRecord(c Chunk) ([]byte, error) {
	b, err := bson.Marshal(toRecord(c))
	if err != nil {
		return nil, fmt.Errorf("encode chunk %d: %w", c.ID, err)
	}
	return b, nil
}

func decodeRecord(b []byte) (Chunk, error) {
	var r record
	if err := bson.Unmarshal(b, &r); err != nil {
		return Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	return r.chunk(), nil
}
