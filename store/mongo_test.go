package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"rewear/database"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestMongoStore runs the shared suite against a real replica set when
// MONGODB_TEST_URI is set, e.g. mongodb://localhost:27017/?replicaSet=rs0.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := database.ConnectMongo(ctx, uri, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.DisconnectMongo(client, zap.NewNop()) })

	n := 0
	runStoreSuite(t, func(t *testing.T) Store {
		n++
		name := fmt.Sprintf("rewear_test_%d_%d", time.Now().UnixNano(), n)
		db := client.Database(name)
		require.NoError(t, database.EnsureIndexes(context.Background(), db))
		t.Cleanup(func() { _ = db.Drop(context.Background()) })
		return NewMongoStore(client, name)
	})
}
