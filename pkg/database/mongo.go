package database

import (
	"context"
	"fmt"
	"time"

	"coupon_tracker/internal/pkg/config"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// InitMongo 连接 MongoDB 并返回配置的数据库
func InitMongo(ctx context.Context, cfg config.MongoConfig, log *zap.Logger) (*mongo.Database, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(100).
		SetServerSelectionTimeout(5 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	log.Info("mongo connected", zap.String("database", cfg.Database))
	return client.Database(cfg.Database), nil
}
