// Package cleaner runs the registry sweep on a schedule. When several
// nodes share a backend, a Locker makes sure only one of them sweeps at
// a time; the others skip the round.
package cleaner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Ajtak/cas/internal/logctx"
)

// Sweeper removes expired tickets. *registry.Registry implements it.
type Sweeper interface {
	DeleteExpiredTickets(ctx context.Context) (int, error)
}

// Locker grants a named lease. TryLock does not block: ok is false when
// another holder has the lease. The lease lapses after ttl even if
// release is never called.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LockName is the lease the cleaner takes.
const LockName = "cas:ticket-registry-cleaner"

// Cleaner sweeps expired tickets under a cluster lock.
type Cleaner struct {
	Registry Sweeper
	// Locker defaults to a LocalLocker, which only guards one process.
	Locker Locker
	// LockTTL bounds how long a crashed node blocks the others.
	// Defaults to five minutes.
	LockTTL time.Duration
	Logger  *slog.Logger

	initOnce sync.Once
}

func (c *Cleaner) init() {
	c.initOnce.Do(func() {
		if c.Locker == nil {
			c.Locker = NewLocalLocker()
		}
		if c.LockTTL <= 0 {
			c.LockTTL = 5 * time.Minute
		}
		if c.Logger == nil {
			c.Logger = slog.Default()
		}
	})
}

// Clean runs one sweep if the lock is free. A busy lock is not an
// error; Clean returns zero.
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	c.init()
	ctx = logctx.WithOperation(ctx, &logctx.OperationData{Name: "clean"})

	release, ok, err := c.Locker.TryLock(ctx, LockName, c.LockTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		c.Logger.DebugContext(ctx, "cleaner lock held elsewhere, skipping")
		return 0, nil
	}
	defer release()
	return c.Registry.DeleteExpiredTickets(ctx)
}

// Run calls Clean every interval until ctx is done. Failures are
// logged and the loop continues. Run returns ctx's error.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) error {
	c.init()
	if interval <= 0 {
		return errors.New("cleaner: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.Clean(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.Logger.ErrorContext(ctx, "ticket sweep failed", "removed", n, "error", err)
				continue
			}
			if n > 0 {
				c.Logger.InfoContext(ctx, "ticket sweep finished", "removed", n)
			}
		}
	}
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
	seq    uint64
}

type localLease struct {
	token   uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: map[string]localLease{}, now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, held := l.leases[name]; held && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.leases[name] = localLease{token: token, expires: now.Add(ttl)}
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// A lease that lapsed and was taken over belongs to someone else.
		if cur, held := l.leases[name]; held && cur.token == token {
			delete(l.leases, name)
		}
	}
	return release, true, nil
}
