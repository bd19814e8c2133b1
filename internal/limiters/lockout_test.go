package limiters

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLockout(t *testing.T, max int) (*LockoutLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLockoutLimiter(rdb, LockoutConfig{
		Enabled:     true,
		MaxAttempts: max,
		Duration:    15 * time.Minute,
		KeyPrefix:   "t",
		Now:         func() time.Time { return now },
	})
	return l, mr, &now
}

func TestLockoutLocksOnFifthFailure(t *testing.T) {
	ctx := context.Background()
	l, _, now := newTestLockout(t, 5)

	for i := 1; i <= 4; i++ {
		res, err := l.RecordFailure(ctx, "alice")
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if res.Locked() || res.Transitioned || res.Count != i {
			t.Fatalf("failure %d: unexpected result %+v", i, res)
		}
	}
	if locked, _, err := l.IsLocked(ctx, "alice"); err != nil || locked {
		t.Fatalf("expected unlocked after 4 failures, got locked=%v err=%v", locked, err)
	}

	res, err := l.RecordFailure(ctx, "alice")
	if err != nil {
		t.Fatalf("fifth failure: %v", err)
	}
	if !res.Transitioned || !res.Locked() {
		t.Fatalf("expected fifth failure to lock, got %+v", res)
	}
	if want := now.Add(15 * time.Minute); !res.LockedUntil.Equal(want) {
		t.Fatalf("expected lockedUntil %v, got %v", want, res.LockedUntil)
	}

	locked, until, err := l.IsLocked(ctx, "alice")
	if err != nil || !locked || !until.Equal(res.LockedUntil) {
		t.Fatalf("expected locked until %v, got locked=%v until=%v err=%v", res.LockedUntil, locked, until, err)
	}

	again, err := l.RecordFailure(ctx, "alice")
	if err != nil {
		t.Fatalf("failure while locked: %v", err)
	}
	if again.Transitioned {
		t.Fatal("expected no second transition while locked")
	}
}

func TestLockoutExpires(t *testing.T) {
	ctx := context.Background()
	l, mr, now := newTestLockout(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := l.RecordFailure(ctx, "bob"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if locked, _, _ := l.IsLocked(ctx, "bob"); !locked {
		t.Fatal("expected bob locked")
	}

	*now = now.Add(15 * time.Minute)
	if locked, _, _ := l.IsLocked(ctx, "bob"); locked {
		t.Fatal("expected lock to end exactly at lockedUntil")
	}

	mr.FastForward(15 * time.Minute)
	if mr.Exists("t:lk:bob") {
		t.Fatal("expected lock marker to expire")
	}
}

func TestLockoutResetClearsCounterAndLock(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLockout(t, 3)

	for i := 0; i < 2; i++ {
		if _, err := l.RecordFailure(ctx, "carol"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if n, _ := l.GetFailureCount(ctx, "carol"); n != 2 {
		t.Fatalf("expected 2 failures, got %d", n)
	}
	if err := l.Reset(ctx, "carol"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := l.GetFailureCount(ctx, "carol"); n != 0 {
		t.Fatalf("expected counter cleared, got %d", n)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.RecordFailure(ctx, "carol"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if err := l.Reset(ctx, "carol"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if locked, _, _ := l.IsLocked(ctx, "carol"); locked {
		t.Fatal("expected reset to unlock")
	}
}

func TestLockoutConcurrentFailuresTransitionOnce(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLockout(t, 5)

	const workers = 20
	var transitions atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			res, err := l.RecordFailure(ctx, "dave")
			if err != nil {
				t.Errorf("record failure: %v", err)
				return
			}
			if res.Transitioned {
				transitions.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := transitions.Load(); got != 1 {
		t.Fatalf("expected exactly one lock transition, got %d", got)
	}
	if locked, _, _ := l.IsLocked(ctx, "dave"); !locked {
		t.Fatal("expected dave locked")
	}
}

func TestClearFailuresResetsCounter(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLockout(t, 5)

	for i := 0; i < 3; i++ {
		if _, err := l.RecordFailure(ctx, "hana"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	locked, _, err := l.ClearFailures(ctx, "hana")
	if err != nil || locked {
		t.Fatalf("expected counter cleared, got locked=%v err=%v", locked, err)
	}
	if n, err := l.GetFailureCount(ctx, "hana"); err != nil || n != 0 {
		t.Fatalf("expected zero failures, got %d err=%v", n, err)
	}
}

func TestClearFailuresKeepsLiveLock(t *testing.T) {
	ctx := context.Background()
	l, _, now := newTestLockout(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := l.RecordFailure(ctx, "ivan"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	locked, until, err := l.ClearFailures(ctx, "ivan")
	if err != nil || !locked {
		t.Fatalf("expected live lock reported, got locked=%v err=%v", locked, err)
	}
	if want := now.Add(15 * time.Minute); !until.Equal(want) {
		t.Fatalf("lockedUntil = %v, want %v", until, want)
	}
	if still, _, _ := l.IsLocked(ctx, "ivan"); !still {
		t.Fatal("ClearFailures must not lift a live lock")
	}
}

func TestLockoutDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	l := NewLockoutLimiter(nil, LockoutConfig{Enabled: false})

	res, err := l.RecordFailure(ctx, "erin")
	if err != nil || res.Locked() {
		t.Fatalf("expected noop, got %+v %v", res, err)
	}
	if locked, _, err := l.IsLocked(ctx, "erin"); err != nil || locked {
		t.Fatalf("expected unlocked, got %v %v", locked, err)
	}
}

func TestLockoutBackendDown(t *testing.T) {
	ctx := context.Background()
	l, mr, _ := newTestLockout(t, 5)
	mr.Close()

	if _, err := l.RecordFailure(ctx, "frank"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
	if _, _, err := l.IsLocked(ctx, "frank"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
}

// silentListener accepts connections and never answers, like a hung Redis.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return ln.Addr().String()
}

func TestLockoutTimesOutOnStalledBackend(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:                  silentListener(t),
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	defer rdb.Close()

	l := NewLockoutLimiter(rdb, LockoutConfig{
		Enabled:     true,
		MaxAttempts: 5,
		Duration:    time.Minute,
		KeyPrefix:   "t",
		Timeout:     100 * time.Millisecond,
	})

	start := time.Now()
	_, _, err := l.IsLocked(context.Background(), "gina")
	if !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("IsLocked took %s, want the 100ms bound", elapsed)
	}

	start = time.Now()
	if _, err := l.RecordFailure(context.Background(), "gina"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("RecordFailure took %s, want the 100ms bound", elapsed)
	}
}
