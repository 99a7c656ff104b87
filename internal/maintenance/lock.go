package maintenance

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Locker guards a maintenance run across processes.
type Locker interface {
	// Acquire returns a release func when the lock was taken, or ok=false when
	// another holder owns it.
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock with an owner token, so a holder whose TTL
// lapsed never deletes a successor's lock.
type RedisLocker struct {
	client *redis.Client
	key    string
}

// NewRedisLocker constructs a RedisLocker under prefix.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	key := "maintenance:lock"
	if p := strings.TrimSpace(prefix); p != "" {
		key = p + ":" + key
	}
	return &RedisLocker{client: client, key: key}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}
	token := uuid.NewString()
	ok, errSet := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if errSet != nil {
		return nil, false, errSet
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if errRelease := redisReleaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); errRelease != nil {
			log.WithError(errRelease).Warn("maintenance: release redis lock failed")
		}
	}
	return release, true, nil
}
