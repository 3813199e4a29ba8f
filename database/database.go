package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	UsersCollection     = "users"
	ItemsCollection     = "items"
	SwapsCollection     = "swaps"
	PointsCollection    = "point_entries"
	PushSubsCollection  = "push_subscriptions"
	connectAttempts     = 3
	connectRetryBackoff = 2 * time.Second
)

// ConnectMongo dials MongoDB, retrying a few times before giving up, and
// verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string, logger *zap.Logger) (*mongo.Client, error) {
	var lastErr error
	for i := 1; i <= connectAttempts; i++ {
		client, err := connectOnce(ctx, uri)
		if err == nil {
			logger.Info("Connected to MongoDB", zap.Int("attempt", i))
			return client, nil
		}
		lastErr = err
		logger.Warn("MongoDB connection attempt failed", zap.Int("attempt", i), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryBackoff):
		}
	}
	return nil, fmt.Errorf("connect to mongodb: %w", lastErr)
}

func connectOnce(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	// Ping MongoDB
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func DisconnectMongo(client *mongo.Client, logger *zap.Logger) error {
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Disconnect(ctx); err != nil {
		return err
	}

	logger.Info("Disconnected from MongoDB")
	return nil
}

// EnsureIndexes declares the single-field and compound indexes the queries
// in the store rely on. It is idempotent.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		UsersCollection: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "points", Value: -1}, {Key: "totalSwaps", Value: -1}}},
		},
		ItemsCollection: {
			{Keys: bson.D{{Key: "uploader", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "isApproved", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "category", Value: 1}}},
			{Keys: bson.D{{Key: "points", Value: 1}}},
		},
		SwapsCollection: {
			{Keys: bson.D{{Key: "requester", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "requestedItem", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "offeredItem", Value: 1}, {Key: "status", Value: 1}}},
		},
		PointsCollection: {
			{Keys: bson.D{{Key: "user", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		PushSubsCollection: {
			{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}
