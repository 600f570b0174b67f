// Package sweeplock elects one scheduler instance per reaper interval.
//
// The lock is advisory: lease-guarded writes in the store keep the system
// correct even when two instances sweep at once. It only avoids duplicate
// scans and duplicate log noise.
package sweeplock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/encodefleet/encodefleet/pkg/logging"
)

// DefaultKey is the Redis key holding the current sweep owner
const DefaultKey = "encodefleet:reaper:lock"

// compare-and-delete so an instance never releases a lock it no longer owns
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX PX lock shared by every instance pointed at the same server.
type Redis struct {
	client goredis.Cmdable
	key    string
	owner  string
	logger *logging.Logger
}

// Option configures a Redis lock
type Option func(*Redis)

// WithKey overrides DefaultKey
func WithKey(key string) Option {
	return func(r *Redis) { r.key = key }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Redis) { r.logger = l }
}

// NewRedis creates a lock on client. Each instance gets a random owner token.
func NewRedis(client goredis.Cmdable, opts ...Option) *Redis {
	r := &Redis{
		client: client,
		key:    DefaultKey,
		owner:  uuid.NewString(),
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to addr and verifies the server answers PING.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("sweeplock: ping %s: %w", addr, err)
	}
	return client, nil
}

// Owner returns this instance's owner token
func (r *Redis) Owner() string {
	return r.owner
}

// TryLock acquires the key for ttl if nobody holds it.
func (r *Redis) TryLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	ok, err := r.client.SetNX(ctx, r.key, r.owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sweeplock: setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.client, []string{r.key}, r.owner).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			r.logger.WithError(err).Warn("Failed to release sweep lock", map[string]interface{}{"key": r.key})
		}
	}
	return unlock, true, nil
}

// Holder returns the owner token currently holding the lock, or "" if free.
func (r *Redis) Holder(ctx context.Context) (string, error) {
	current, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sweeplock: get: %w", err)
	}
	return current, nil
}

// Local is an in-process lock for single-instance deployments.
type Local struct {
	ch chan struct{}
}

// NewLocal creates an unlocked Local
func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

// TryLock never blocks; ttl is ignored because the holder always unlocks.
func (l *Local) TryLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, true, nil
	default:
		return nil, false, nil
	}
}
