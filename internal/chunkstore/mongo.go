package chunkstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"screenkeep/internal/metrics"
)

const countersCollection = "counters"

// MongoConfig tunes the MongoDB store.
type MongoConfig struct {
	Collection  string
	ResetOnOpen bool
}

// MongoStore keeps one document per chunk. Ids come from a counter document
// incremented with $inc, so they are unique and increase with insertion
// order. A document holds the whole payload, which keeps each append atomic;
// timeslices must stay well below the 16MB document limit.
type MongoStore struct {
	db  *mongo.Database
	cfg MongoConfig

	mu     sync.Mutex
	chunks *mongo.Collection
	opened bool
}

func NewMongoStore(db *mongo.Database, cfg MongoConfig) *MongoStore {
	if cfg.Collection == "" {
		cfg.Collection = "recording_chunks"
	}
	return &MongoStore{db: db, cfg: cfg}
}

func (s *MongoStore) Backend() string { return "mongo" }

func (s *MongoStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.db.Client().Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: ping mongo: %v", ErrStorageUnavailable, err)
	}

	coll := s.db.Collection(s.cfg.Collection)
	if s.cfg.ResetOnOpen {
		if err := coll.Drop(ctx); err != nil {
			return fmt.Errorf("%w: drop %s: %v", ErrStorageUnavailable, s.cfg.Collection, err)
		}
	}

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("%w: create timestamp index: %v", ErrStorageUnavailable, err)
	}

	s.chunks = coll
	s.opened = true

	log.Info().
		Str("database", s.db.Name()).
		Str("collection", s.cfg.Collection).
		Bool("reset", s.cfg.ResetOnOpen).
		Msg("ChunkStore: mongo opened")
	return nil
}

func (s *MongoStore) collection() (*mongo.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, ErrStorageUnavailable
	}
	return s.chunks, nil
}

// nextID increments the counter for this collection and returns the new value.
func (s *MongoStore) nextID(ctx context.Context) (uint64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": s.cfg.Collection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return uint64(counter.Seq), nil
}

// currentID reads the counter without incrementing it.
func (s *MongoStore) currentID(ctx context.Context) (uint64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersCollection).FindOne(ctx, bson.M{"_id": s.cfg.Collection}).Decode(&counter)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(counter.Seq), nil
}

func (s *MongoStore) Append(ctx context.Context, c Chunk) (Chunk, error) {
	start := time.Now()
	defer func() {
		metrics.ChunkAppendDuration.WithLabelValues(s.Backend()).Observe(time.Since(start).Seconds())
	}()

	coll, err := s.collection()
	if err != nil {
		return Chunk{}, err
	}

	id, err := s.nextID(ctx)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: next id: %v", ErrStorageWrite, err)
	}
	c.ID = id

	if _, err := coll.InsertOne(ctx, toRecord(c)); err != nil {
		return Chunk{}, fmt.Errorf("%w: insert chunk %d: %v", ErrStorageWrite, c.ID, err)
	}
	return c, nil
}

// ReadWindow bounds the scan by the id counter observed before the query
// starts. Chunks whose id was reserved before that point but whose insert had
// not landed yet may be missing; nothing appended afterwards is returned.
func (s *MongoStore) ReadWindow(ctx context.Context, since *int64) ([]Chunk, error) {
	coll, err := s.collection()
	if err != nil {
		return nil, err
	}

	upper, err := s.currentID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chunk counter: %w", err)
	}
	if upper == 0 {
		return nil, nil
	}

	filter := bson.M{"_id": bson.M{"$lte": int64(upper)}}
	if since != nil {
		filter["timestamp"] = bson.M{"$gte": *since}
	}

	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find chunks: %w", err)
	}
	defer cursor.Close(ctx)

	var chunks []Chunk
	for cursor.Next(ctx) {
		var r record
		if err := cursor.Decode(&r); err != nil {
			log.Warn().Err(err).Msg("ChunkStore: skipping undecodable chunk document")
			continue
		}
		chunks = append(chunks, r.chunk())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

func (s *MongoStore) Clear(ctx context.Context) error {
	coll, err := s.collection()
	if err != nil {
		return err
	}
	if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	return nil
}

func (s *MongoStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the database service.
func (s *MongoStore) Close() error {
	return nil
}
