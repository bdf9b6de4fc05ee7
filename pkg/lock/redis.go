// Package lock provides a Redis lease that keeps billing runs from
// overlapping across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/freemium/pkg/observability"
)

// ErrNotAcquired is returned when another holder owns the lease
var ErrNotAcquired = errors.New("lock held by another process")

// ErrLost is returned when a lease expired or was taken over before it was
// refreshed or released
var ErrLost = errors.New("lock lost")

// Config configures the Redis connection
type Config struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Only the holder's token may release or extend a lease
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out leases on named keys
type Locker struct {
	client *redis.Client
	prefix string
	logger *observability.Logger
}

// NewLocker creates a locker whose keys start with prefix
func NewLocker(client *redis.Client, prefix string, logger *observability.Logger) *Locker {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Locker{client: client, prefix: prefix, logger: logger}
}

// Lease is a held lock. It expires after its TTL unless refreshed.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Key is the Redis key of the lease
func (l *Lease) Key() string { return l.key }

// Acquire takes the lease on name for ttl, failing with ErrNotAcquired if
// someone else holds it
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotAcquired)
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// Refresh extends the lease to ttl from now
func (l *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLost)
	}
	return nil
}

// Release gives the lease up. Releasing a lease that already expired
// returns ErrLost and leaves any new holder alone.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLost)
	}
	return nil
}

// WithLock runs fn while holding the lease on name, refreshing it every
// ttl/3. The context passed to fn is cancelled if the lease is lost.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	lease, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer observability.RecoverPanic(l.logger, "lease refresh")
		l.keepAlive(runCtx, cancel, lease, ttl)
	}()

	fnErr := fn(runCtx)
	cancel()
	<-done

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if err := lease.Release(releaseCtx); err != nil {
		l.logger.WithError(err).WithField("key", lease.key).Warn("failed to release lease")
	}
	return fnErr
}

func (l *Locker) keepAlive(ctx context.Context, cancel context.CancelFunc, lease *Lease, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.WithError(err).WithField("key", lease.key).Error("lease lost; cancelling run")
				cancel()
				return
			}
		}
	}
}
