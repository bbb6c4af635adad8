package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/uuid"
)

const (
	leaseKeyPrefix = "todosync:sync-lease:"
	// DefaultLeaseTTL bounds how long a crashed holder blocks other devices.
	DefaultLeaseTTL = 30 * time.Second
)

// releaseScript deletes the lease only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// refreshScript extends the lease only if we still own it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// NewRedisClient parses redisURL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	logging.Info("Redis client created", nil)
	return client, nil
}

// Redis is a Locker shared by every process using the same Redis server, so
// two devices of one user never reconcile at the same time. Held leases are
// refreshed in the background until released.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis locker; ttl <= 0 selects DefaultLeaseTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func leaseKey(userID string) string {
	return leaseKeyPrefix + userID
}

// TryLock implements Locker with SET NX PX.
func (r *Redis) TryLock(ctx context.Context, userID string) (func(), bool, error) {
	key := leaseKey(userID)
	token := uuid.New()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				err := refreshScript.Run(refreshCtx, r.client, []string{key}, token, r.ttl.Milliseconds()).Err()
				cancel()
				if err != nil {
					logging.Warn("Failed to refresh sync lease",
						map[string]interface{}{"user_id": userID, "error": err.Error()})
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				logging.Warn("Failed to release sync lease",
					map[string]interface{}{"user_id": userID, "error": err.Error()})
			}
		})
	}
	return release, true, nil
}
