package cleaner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	casredis "github.com/Ajtak/cas/storage/redis"
)

type countingSweeper struct {
	calls   atomic.Int32
	removed int
	err     error
	// during runs inside the sweep, while the lock is held.
	during func()
}

func (s *countingSweeper) DeleteExpiredTickets(context.Context) (int, error) {
	s.calls.Add(1)
	if s.during != nil {
		s.during()
	}
	return s.removed, s.err
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestCleanSweepsUnderLock(t *testing.T) {
	sw := &countingSweeper{removed: 3}
	locker := NewLocalLocker()
	c := &Cleaner{Registry: sw, Locker: locker, Logger: quietLogger()}

	sw.during = func() {
		if _, ok, _ := locker.TryLock(context.Background(), LockName, time.Minute); ok {
			t.Error("lock was free during the sweep")
		}
	}
	n, err := c.Clean(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Clean = %d, %v; want 3, nil", n, err)
	}

	// Released afterwards.
	release, ok, _ := locker.TryLock(context.Background(), LockName, time.Minute)
	if !ok {
		t.Fatal("lock still held after Clean")
	}
	release()
}

func TestCleanSkipsWhenLockHeld(t *testing.T) {
	sw := &countingSweeper{removed: 3}
	locker := NewLocalLocker()
	c := &Cleaner{Registry: sw, Locker: locker, Logger: quietLogger()}

	release, ok, _ := locker.TryLock(context.Background(), LockName, time.Minute)
	if !ok {
		t.Fatal("TryLock failed on a fresh locker")
	}
	defer release()

	n, err := c.Clean(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Clean = %d, %v; want 0, nil", n, err)
	}
	if sw.calls.Load() != 0 {
		t.Fatal("sweep ran without the lock")
	}
}

func TestCleanReturnsSweepError(t *testing.T) {
	boom := errors.New("boom")
	c := &Cleaner{Registry: &countingSweeper{removed: 1, err: boom}, Logger: quietLogger()}
	if n, err := c.Clean(context.Background()); !errors.Is(err, boom) || n != 1 {
		t.Fatalf("Clean = %d, %v", n, err)
	}
}

func TestLocalLockerLeaseLapses(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	first, ok, _ := l.TryLock(ctx, "x", time.Minute)
	if !ok {
		t.Fatal("first TryLock failed")
	}
	if _, ok, _ := l.TryLock(ctx, "x", time.Minute); ok {
		t.Fatal("second TryLock succeeded while held")
	}
	if _, ok, _ := l.TryLock(ctx, "y", time.Minute); !ok {
		t.Fatal("independent name was blocked")
	}

	now = now.Add(2 * time.Minute)
	second, ok, _ := l.TryLock(ctx, "x", time.Minute)
	if !ok {
		t.Fatal("lapsed lease was not taken over")
	}
	// The original holder's release must not drop the new lease.
	first()
	if _, ok, _ := l.TryLock(ctx, "x", time.Minute); ok {
		t.Fatal("stale release dropped the new lease")
	}
	second()
	if _, ok, _ := l.TryLock(ctx, "x", time.Minute); !ok {
		t.Fatal("lease not released")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	sw := &countingSweeper{}
	c := &Cleaner{Registry: sw, Logger: quietLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	sw.during = func() {
		if sw.calls.Load() >= 3 {
			once.Do(cancel)
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Millisecond) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Run did not stop")
	}
	if sw.calls.Load() < 3 {
		t.Fatalf("sweeps = %d, want at least 3", sw.calls.Load())
	}
}

func TestRunRejectsBadInterval(t *testing.T) {
	c := &Cleaner{Registry: &countingSweeper{}, Logger: quietLogger()}
	if err := c.Run(context.Background(), 0); err == nil {
		t.Fatal("Run(0) succeeded")
	}
}

func TestRedisLocker(t *testing.T) {
	s, err := casredis.NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis locker tests: %v", err)
		return
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	prefix := "cas:test:" + uuid.NewString() + ":"
	a := NewRedisLocker(s.Client(), prefix)
	b := NewRedisLocker(s.Client(), prefix)

	release, ok, err := a.TryLock(ctx, LockName, time.Minute)
	if err != nil || !ok {
		t.Fatalf("a.TryLock = %v, %v", ok, err)
	}
	if _, ok, err := b.TryLock(ctx, LockName, time.Minute); err != nil || ok {
		t.Fatalf("b.TryLock while held = %v, %v", ok, err)
	}
	release()
	releaseB, ok, err := b.TryLock(ctx, LockName, time.Minute)
	if err != nil || !ok {
		t.Fatalf("b.TryLock after release = %v, %v", ok, err)
	}
	// a's token is gone; releasing again must not drop b's lease.
	release()
	if _, ok, _ := a.TryLock(ctx, LockName, time.Minute); ok {
		t.Fatal("stale release dropped b's lease")
	}
	releaseB()
}
