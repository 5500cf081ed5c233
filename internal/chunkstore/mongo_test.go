package chunkstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// startMongo runs a throwaway MongoDB container. The test is skipped when no
// container runtime is available.
func startMongo(t *testing.T) *mongo.Client {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate mongo container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	return client
}

func TestMongoStore_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	client := startMongo(t)

	n := 0
	runStoreContract(t, func(t *testing.T) Store {
		n++
		db := client.Database(fmt.Sprintf("screenkeep_test_%d", n))
		t.Cleanup(func() { db.Drop(context.Background()) })
		return NewMongoStore(db, MongoConfig{Collection: "recording_chunks"})
	})
}

func TestMongoStore_ResetOnOpen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	client := startMongo(t)
	db := client.Database("screenkeep_reset")

	first := NewMongoStore(db, MongoConfig{})
	require.NoError(t, first.Open(ctx))
	_, err := first.Append(ctx, Chunk{Timestamp: 1, Data: []byte("stale")})
	require.NoError(t, err)

	second := NewMongoStore(db, MongoConfig{ResetOnOpen: true})
	require.NoError(t, second.Open(ctx))
	chunks, err := second.ReadWindow(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, chunks)
}
