package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

type Service interface {
	Health() map[string]string
	GetDatabase() *mongo.Database
	Close() error
}

type service struct {
	db     *mongo.Client
	name   string
	logger *zap.Logger
}

// New connects to MongoDB at uri and pings it before returning.
func New(ctx context.Context, uri, name string, logger *zap.Logger) (Service, error) {
	if uri == "" {
		return nil, fmt.Errorf("database uri is required")
	}
	if name == "" {
		name = "streamvault"
	}

	// Use the SetServerAPIOptions() method to set the version of the Stable API on the client
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Send a ping to confirm a successful connection
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Named("database").Info("connected to MongoDB", zap.String("database", name))

	return &service{
		db:     client,
		name:   name,
		logger: logger.Named("database"),
	}, nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.db.Ping(ctx, readpref.Primary())
	if err != nil {
		s.logger.Warn("MongoDB health check failed", zap.Error(err))
		return map[string]string{
			"message": "Database is unhealthy",
			"error":   err.Error(),
		}
	}

	return map[string]string{
		"message": "Database is healthy",
		"status":  "connected",
	}
}

func (s *service) GetDatabase() *mongo.Database {
	return s.db.Database(s.name)
}

func (s *service) Close() error {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.db.Disconnect(ctx)
	}
	return nil
}
