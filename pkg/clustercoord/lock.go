// Package clustercoord adapts the single-process coordination object
// (pkg/agent.Coordinator) to a multi-replica deployment: a Redis
// distributed lock records which replica holds the agent lease, and
// a libp2p broadcast propagates StopAgent/ReconfigNotify across
// replicas. pkg/agent.Loop does not consult the lock; every replica
// whose loop is started runs cycles. This is the module's one
// [DOMAIN] concern with no analogue in spec.md's single-node design.
package clustercoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lock's current holder is
// not this replica.
var ErrNotHeld = errors.New("clustercoord: lock not held by this replica")

// LockConfig configures the Redis-backed leader lock.
type LockConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	Key      string        `yaml:"key" json:"key"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultLockConfig returns sane defaults: a 10-second lease renewed
// at a third of its TTL.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Addr: "localhost:6379",
		Key:  "clusterbackfill:agent-lock",
		TTL:  10 * time.Second,
	}
}

// Lock is a Redis SET NX PX-based distributed lock naming one replica
// as the agent-lease holder. Nothing in pkg/agent checks it before a
// cycle runs. Grounded on
// pkg/database/manager.go's redis.Client construction and default-fill
// pattern.
type Lock struct {
	client    *redis.Client
	key       string
	ttlDur    time.Duration
	replicaID string
	log       *slog.Logger

	mu     sync.Mutex
	holder bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLock connects to Redis and returns a Lock for this replica.
// replicaID should be stable across restarts when possible (e.g. a pod
// name) but a random one is fine — the lock only needs to distinguish
// "me" from "everyone else" for its lifetime.
func NewLock(cfg LockConfig, replicaID string, log *slog.Logger) *Lock {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Key == "" {
		cfg = DefaultLockConfig()
	}
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Lock{
		client:    client,
		key:       cfg.Key,
		ttlDur:    cfg.TTL,
		replicaID: replicaID,
		log:       log,
	}
}

// TryAcquire attempts a single non-blocking acquisition via SET NX PX.
// It returns true if this replica now holds the lock.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.replicaID, l.ttlDur).Result()
	if err != nil {
		return false, fmt.Errorf("clustercoord: acquire: %w", err)
	}
	l.mu.Lock()
	l.holder = ok
	l.mu.Unlock()
	return ok, nil
}

// Held reports whether this replica currently believes it holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// renewScript extends the TTL only if this replica is still the
// recorded holder, preventing a replica that lost the lock (e.g. after
// a long GC pause) from renewing someone else's lease.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// StartRenewing begins a background goroutine that renews the lease at
// a third of the TTL until ctx is cancelled or the lease is lost.
func (l *Lock) StartRenewing(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		interval := l.ttlDur / 3
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
				res, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.replicaID, l.ttlDur.Milliseconds()).Result()
				if err != nil {
					l.log.Warn("clustercoord: lease renewal failed", "error", err)
					l.setHeld(false)
					continue
				}
				renewed, _ := res.(int64)
				l.setHeld(renewed == 1)
				if renewed != 1 {
					l.log.Warn("clustercoord: lost leader lease to another replica")
				}
			}
		}
	}()
}

func (l *Lock) setHeld(v bool) {
	l.mu.Lock()
	l.holder = v
	l.mu.Unlock()
}

// Release gives up the lock if this replica still holds it, and stops
// the renewal goroutine.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		l.wg.Wait()
	}

	const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.replicaID).Result()
	l.setHeld(false)
	if err != nil {
		return fmt.Errorf("clustercoord: release: %w", err)
	}
	if deleted, _ := res.(int64); deleted != 1 {
		return ErrNotHeld
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (l *Lock) Close() error {
	return l.client.Close()
}
