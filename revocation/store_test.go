package revocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, localSize int64) (*Store, *miniredis.Miniredis, *testClock) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	clock := &testClock{now: time.Now().Truncate(time.Second)}

	store, err := NewStore(rdb, Config{KeyPrefix: "t", LocalCacheSize: localSize, Now: clock.Now})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return store, mr, clock
}

func seedSession(t *testing.T, s *Store, clock *testClock, sid string) Session {
	t.Helper()
	now := clock.Now()
	sess := Session{
		ID:             sid,
		Subject:        "u1",
		Type:           "REFRESH",
		RefreshID:      "r1",
		RefreshExpiry:  now.Add(7 * 24 * time.Hour),
		AccessID:       "a1",
		AccessExpiry:   now.Add(15 * time.Minute),
		AbsoluteExpiry: now.Add(7 * 24 * time.Hour),
	}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func mustBlacklisted(t *testing.T, s *Store, jti string, want bool) {
	t.Helper()
	got, err := s.IsBlacklisted(context.Background(), jti)
	if err != nil {
		t.Fatalf("IsBlacklisted(%s): %v", jti, err)
	}
	if got != want {
		t.Fatalf("IsBlacklisted(%s) = %v, want %v", jti, got, want)
	}
}

func TestBlacklistLastsUntilTokenExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr, clock := newTestStore(t, 0)

	if err := s.Blacklist(ctx, "j1", clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	mustBlacklisted(t, s, "j1", true)

	ttl := mr.TTL("t:bl:j1")
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected blacklist ttl within token lifetime, got %v", ttl)
	}

	mr.FastForward(59 * time.Second)
	mustBlacklisted(t, s, "j1", true)

	mr.FastForward(2 * time.Second)
	mustBlacklisted(t, s, "j1", false)
}

func TestBlacklistSkipsExpiredTokens(t *testing.T) {
	s, mr, clock := newTestStore(t, 0)

	if err := s.Blacklist(context.Background(), "old", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if mr.Exists("t:bl:old") {
		t.Fatal("expected no entry for an already expired token")
	}
}

func TestRecordActiveRefreshLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, 0)
	exp := clock.Now().Add(time.Hour)

	if err := s.RecordActiveRefresh(ctx, "sid", "r1", exp); err != nil {
		t.Fatalf("record r1: %v", err)
	}
	if err := s.RecordActiveRefresh(ctx, "sid", "r2", exp); err != nil {
		t.Fatalf("record r2: %v", err)
	}

	if ok, err := s.IsActiveRefresh(ctx, "sid", "r1"); err != nil || ok {
		t.Fatalf("expected r1 inactive, got %v %v", ok, err)
	}
	if ok, err := s.IsActiveRefresh(ctx, "sid", "r2"); err != nil || !ok {
		t.Fatalf("expected r2 active, got %v %v", ok, err)
	}
	if ok, err := s.IsActiveRefresh(ctx, "missing", "r2"); err != nil || ok {
		t.Fatalf("expected unknown session inactive, got %v %v", ok, err)
	}
}

func TestRotateThenReuseRevokesSession(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, 0)
	sess := seedSession(t, s, clock, "sid-1")

	err := s.Rotate(ctx, Rotation{
		SessionID:          sess.ID,
		PresentedRefreshID: "r1",
		NextRefreshID:      "r2",
		NextRefreshExpiry:  clock.Now().Add(7 * 24 * time.Hour),
		NextAccessID:       "a2",
		NextAccessExpiry:   clock.Now().Add(15 * time.Minute),
	})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	mustBlacklisted(t, s, "r1", true)
	mustBlacklisted(t, s, "a1", true)
	mustBlacklisted(t, s, "r2", false)
	mustBlacklisted(t, s, "a2", false)
	if ok, _ := s.IsActiveRefresh(ctx, sess.ID, "r2"); !ok {
		t.Fatal("expected r2 to be active after rotation")
	}

	err = s.Rotate(ctx, Rotation{
		SessionID:          sess.ID,
		PresentedRefreshID: "r1",
		NextRefreshID:      "r3",
		NextRefreshExpiry:  clock.Now().Add(7 * 24 * time.Hour),
		NextAccessID:       "a3",
		NextAccessExpiry:   clock.Now().Add(15 * time.Minute),
	})
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}

	mustBlacklisted(t, s, "r2", true)
	mustBlacklisted(t, s, "a2", true)
	mustBlacklisted(t, s, "r3", false)
	if _, err := s.Session(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session removed after reuse, got %v", err)
	}
	ids, err := s.SessionIDs(ctx, "u1")
	if err != nil {
		t.Fatalf("session ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected subject index cleared, got %v", ids)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, 0)
	sess := seedSession(t, s, clock, "sid-race")

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)

	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			results <- s.Rotate(ctx, Rotation{
				SessionID:          sess.ID,
				PresentedRefreshID: "r1",
				NextRefreshID:      fmt.Sprintf("r-next-%d", i),
				NextRefreshExpiry:  clock.Now().Add(time.Hour),
				NextAccessID:       fmt.Sprintf("a-next-%d", i),
				NextAccessExpiry:   clock.Now().Add(time.Minute),
			})
		}(i)
	}

	close(start)
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrReuseDetected), errors.Is(err, ErrSessionNotFound):
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
}

func TestRotateAfterAbsoluteExpiry(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, 0)
	now := clock.Now()
	if err := s.CreateSession(ctx, Session{
		ID:             "sid-abs",
		Subject:        "u1",
		RefreshID:      "r1",
		RefreshExpiry:  now.Add(3 * time.Hour),
		AccessID:       "a1",
		AccessExpiry:   now.Add(time.Minute),
		AbsoluteExpiry: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	clock.Advance(2 * time.Hour)
	err := s.Rotate(ctx, Rotation{
		SessionID:          "sid-abs",
		PresentedRefreshID: "r1",
		NextRefreshID:      "r2",
		NextRefreshExpiry:  clock.Now().Add(time.Hour),
		NextAccessID:       "a2",
		NextAccessExpiry:   clock.Now().Add(time.Minute),
	})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := s.Session(ctx, "sid-abs"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session deleted, got %v", err)
	}
}

func TestRevokeSessionBlacklistsBothTokens(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, 0)
	sess := seedSession(t, s, clock, "sid-2")

	existed, err := s.RevokeSession(ctx, sess.ID)
	if err != nil || !existed {
		t.Fatalf("revoke session: existed=%v err=%v", existed, err)
	}
	mustBlacklisted(t, s, "r1", true)
	mustBlacklisted(t, s, "a1", true)

	existed, err = s.RevokeSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if existed {
		t.Fatal("expected second revoke to be a no-op")
	}
}

func TestRevokeRefreshKeepsAccess(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, 0)
	sess := seedSession(t, s, clock, "sid-3")

	if err := s.RevokeRefresh(ctx, sess.ID); err != nil {
		t.Fatalf("revoke refresh: %v", err)
	}
	mustBlacklisted(t, s, "r1", true)
	mustBlacklisted(t, s, "a1", false)
	if ok, _ := s.IsActiveRefresh(ctx, sess.ID, "r1"); ok {
		t.Fatal("expected no active refresh after RevokeRefresh")
	}

	err := s.Rotate(ctx, Rotation{
		SessionID:          sess.ID,
		PresentedRefreshID: "r1",
		NextRefreshID:      "r2",
		NextRefreshExpiry:  clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected rotation of revoked refresh to fail, got %v", err)
	}
}

func TestRevokeAllForSubject(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, 0)
	seedSession(t, s, clock, "sid-a")
	seedSession(t, s, clock, "sid-b")

	n, err := s.RevokeAllForSubject(ctx, "u1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions revoked, got %d", n)
	}
	for _, sid := range []string{"sid-a", "sid-b"} {
		if _, err := s.Session(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected %s removed, got %v", sid, err)
		}
	}
}

func TestStoreReportsUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr, clock := newTestStore(t, 0)
	mr.Close()

	if _, err := s.IsBlacklisted(ctx, "j1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from IsBlacklisted, got %v", err)
	}
	if err := s.Blacklist(ctx, "j1", clock.Now().Add(time.Minute)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Blacklist, got %v", err)
	}
	err := s.Rotate(ctx, Rotation{SessionID: "s", PresentedRefreshID: "r1", NextRefreshID: "r2", NextRefreshExpiry: clock.Now().Add(time.Hour)})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Rotate, got %v", err)
	}
	if _, err := s.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Ping, got %v", err)
	}
}

func TestPing(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	if _, err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestLocalMirrorServesKnownRevocations(t *testing.T) {
	ctx := context.Background()
	s, mr, clock := newTestStore(t, 128)

	if err := s.Blacklist(ctx, "j1", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	mr.Close()

	mustBlacklisted(t, s, "j1", true)
	if _, err := s.IsBlacklisted(ctx, "j2"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unknown id to still hit the backend, got %v", err)
	}
}
