package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the redis client used for resolution fan-out.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis. dialTimeout also caps read and write
// round trips, halved, since notices are small and a slow broker
// should fail fast rather than stall a resolve pass.
func NewRedis(addr string, dialTimeout time.Duration) *Redis {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dialTimeout,
		ReadTimeout:  dialTimeout / 2,
		WriteTimeout: dialTimeout / 2,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}
