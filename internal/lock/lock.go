// Package lock provides a per-filename lease so two redeliveries of the same
// upload never write status for the same row concurrently.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another worker owns the lease.
var ErrHeld = errors.New("lease is held by another worker")

// Lease is an acquired lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases keyed by name.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

// Nop always grants the lease. It is used when no Redis is configured.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (Lease, error) { return nopLease{}, nil }

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }

// DefaultTTL is the lease expiry used when none is configured. Held leases are
// renewed well before it, so it only bounds how long a crashed worker blocks
// the file.
const DefaultTTL = 2 * time.Minute

const (
	// releaseScript deletes the key only when it still holds our token.
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	// extendScript resets the expiry only when the key still holds our token.
	extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis implements Locker with SET NX PX and a compare-and-delete release.
type Redis struct {
	client client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a locker whose leases are renewed every ttl/3 while held
// and expire after ttl once their holder is gone.
func NewRedis(c *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: c, prefix: prefix, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context, name string) (Lease, error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &redisLease{
		client: r.client,
		key:    key,
		token:  token,
		ttl:    r.ttl,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.renew(renewCtx)
	return l, nil
}

type redisLease struct {
	client client
	key    string
	token  string
	ttl    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// renew extends the expiry until ctx is cancelled or the key no longer holds
// our token.
func (l *redisLease) renew(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			// Transient; the next tick retries while the key is still alive.
			continue
		}
		if n == 0 {
			return
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
