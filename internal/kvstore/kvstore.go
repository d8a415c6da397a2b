// Package kvstore constructs the shared Redis client used by leader election
// and the dedup registry. It holds no domain logic of its own.
package kvstore

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/echodb/automirror/internal/appconfig"
)

// NewClient builds a thread-safe go-redis client from RedisConfig.
func NewClient(cfg appconfig.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
}
