package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/taskmesh-backend/internal/platform/envutil"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

// NewClient connects to Redis from environment configuration and verifies
// the connection with a ping before handing it out.
func NewClient(log *logger.Logger) (*goredis.Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          envutil.Int("REDIS_DB", 0),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("Connected to Redis", "addr", addr)
	return rdb, nil
}
