package chunkstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"screenkeep/internal/metrics"
)

// Key layout:
//
//	c/<id:8>        -> bson record
//	t/<ts:8><id:8>  -> empty, time index for window reads
//	s/chunk         -> badger sequence for ids
var (
	prefixChunk = []byte("c/")
	prefixTime  = []byte("t/")
	keySequence = []byte("s/chunk")
)

const sequenceBandwidth = 64

// BadgerConfig tunes the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM (tests).
	InMemory bool

	// SyncWrites fsyncs every append.
	SyncWrites bool

	// ResetOnOpen drops chunks left over from a previous run.
	ResetOnOpen bool
}

// BadgerStore is the default Store, backed by an embedded BadgerDB.
// Every Append is a single transaction writing the chunk and its time index
// entry; ReadWindow runs inside one read-only transaction, which gives it
// snapshot isolation against concurrent appends.
type BadgerStore struct {
	cfg BadgerConfig

	mu     sync.RWMutex
	db     *badger.DB
	seq    *badger.Sequence
	closed bool
}

func NewBadgerStore(cfg BadgerConfig) *BadgerStore {
	return &BadgerStore{cfg: cfg}
}

func (s *BadgerStore) Backend() string { return "badger" }

func (s *BadgerStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		return nil
	}

	opts := badger.DefaultOptions(s.cfg.Path)
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(s.cfg.SyncWrites)
	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("%w: open badger at %q: %v", ErrStorageUnavailable, s.cfg.Path, err)
	}

	if s.cfg.ResetOnOpen {
		if err := deletePrefixes(db, prefixChunk, prefixTime); err != nil {
			db.Close()
			return fmt.Errorf("%w: reset chunk store: %v", ErrStorageUnavailable, err)
		}
	}

	seq, err := db.GetSequence(keySequence, sequenceBandwidth)
	if err != nil {
		db.Close()
		return fmt.Errorf("%w: lease chunk sequence: %v", ErrStorageUnavailable, err)
	}

	s.db = db
	s.seq = seq

	log.Info().
		Str("path", s.cfg.Path).
		Bool("in_memory", s.cfg.InMemory).
		Bool("sync_writes", s.cfg.SyncWrites).
		Bool("reset", s.cfg.ResetOnOpen).
		Msg("ChunkStore: badger opened")
	return nil
}

func (s *BadgerStore) handle() (*badger.DB, *badger.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	if s.db == nil {
		return nil, nil, ErrStorageUnavailable
	}
	return s.db, s.seq, nil
}

func (s *BadgerStore) Append(ctx context.Context, c Chunk) (Chunk, error) {
	start := time.Now()
	defer func() {
		metrics.ChunkAppendDuration.WithLabelValues(s.Backend()).Observe(time.Since(start).Seconds())
	}()

	db, seq, err := s.handle()
	if err != nil {
		return Chunk{}, err
	}

	id, err := seq.Next()
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: next id: %v", ErrStorageWrite, err)
	}
	// Sequences start at 0; keep 0 free as "unassigned".
	c.ID = id + 1

	val, err := encodeRecord(c)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	err = db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(chunkKey(c.ID), val); err != nil {
			return err
		}
		return txn.Set(timeKey(c.Timestamp, c.ID), nil)
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: chunk %d: %v", ErrStorageWrite, c.ID, err)
	}

	return c, nil
}

func (s *BadgerStore) ReadWindow(ctx context.Context, since *int64) ([]Chunk, error) {
	db, _, err := s.handle()
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	err = db.View(func(txn *badger.Txn) error {
		if since == nil {
			return scanChunks(ctx, txn, &chunks)
		}
		return scanTimeIndex(ctx, txn, *since, &chunks)
	})
	if err != nil {
		return nil, fmt.Errorf("read chunk window: %w", err)
	}
	return chunks, nil
}

// scanChunks walks c/ in id order.
func scanChunks(ctx context.Context, txn *badger.Txn, out *[]Chunk) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = prefixChunk
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefixChunk); it.ValidForPrefix(prefixChunk); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err := decodeRecord(val)
		if err != nil {
			log.Warn().Err(err).Str("key", fmt.Sprintf("%x", item.Key())).Msg("ChunkStore: skipping undecodable chunk")
			continue
		}
		*out = append(*out, c)
	}
	return nil
}

// scanTimeIndex seeks t/<since> and loads each referenced chunk. Results are
// in timestamp order, ties broken by id.
func scanTimeIndex(ctx context.Context, txn *badger.Txn, since int64, out *[]Chunk) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefixTime
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(timeKey(since, 0)); it.ValidForPrefix(prefixTime); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := it.Item().Key()
		if len(key) != len(prefixTime)+16 {
			continue
		}
		id := binary.BigEndian.Uint64(key[len(prefixTime)+8:])

		item, err := txn.Get(chunkKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			// Clear deleted the chunk before its index entry.
			continue
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err := decodeRecord(val)
		if err != nil {
			log.Warn().Err(err).Uint64("chunk_id", id).Msg("ChunkStore: skipping undecodable chunk")
			continue
		}
		*out = append(*out, c)
	}
	return nil
}

func (s *BadgerStore) Clear(ctx context.Context) error {
	db, _, err := s.handle()
	if err != nil {
		return err
	}
	if err := deletePrefixes(db, prefixChunk, prefixTime); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	return nil
}

// deletePrefixes removes every key under the given prefixes with a write
// batch. The sequence key is left alone so ids stay monotonic across clears.
func deletePrefixes(db *badger.DB, prefixes ...[]byte) error {
	var keys [][]byte
	err := db.View(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	wb := db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) Health(ctx context.Context) error {
	db, _, err := s.handle()
	if err != nil {
		return err
	}
	if db.IsClosed() {
		return ErrStorageUnavailable
	}
	return nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}

	if err := s.seq.Release(); err != nil {
		log.Warn().Err(err).Msg("ChunkStore: release sequence")
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func chunkKey(id uint64) []byte {
	k := make([]byte, len(prefixChunk)+8)
	copy(k, prefixChunk)
	binary.BigEndian.PutUint64(k[len(prefixChunk):], id)
	return k
}

// timeKey encodes ts with the sign bit flipped so negative timestamps still
// sort before positive ones.
func timeKey(ts int64, id uint64) []byte {
	k := make([]byte, len(prefixTime)+16)
	copy(k, prefixTime)
	binary.BigEndian.PutUint64(k[len(prefixTime):], uint64(ts)^(1<<63))
	binary.BigEndian.PutUint64(k[len(prefixTime)+8:], id)
	return k
}
