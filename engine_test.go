package authcore

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

type testAccount struct {
	Account
	secret string
}

type mockProvider struct {
	mu       sync.Mutex
	accounts map[string]testAccount
	calls    int
	fail     error
	// onCheck runs before each credential check, outside the lock.
	onCheck func(id string)
}

func newMockProvider() *mockProvider {
	return &mockProvider{accounts: make(map[string]testAccount)}
}

func (p *mockProvider) add(acct Account, secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[acct.ID] = testAccount{Account: acct, secret: secret}
}

func (p *mockProvider) setStatus(id string, status AccountStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.accounts[id]
	a.Status = status
	p.accounts[id] = a
}

func (p *mockProvider) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accounts, id)
}

func (p *mockProvider) CheckCredentials(_ context.Context, id, secret string) (bool, error) {
	p.mu.Lock()
	hook := p.onCheck
	p.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return false, p.fail
	}
	a, ok := p.accounts[id]
	return ok && a.secret == secret, nil
}

func (p *mockProvider) GetAccount(_ context.Context, id string) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	a, ok := p.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a.Account, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	engine   *Engine
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	provider *mockProvider
	clock    *testClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = testSigningKey
	cfg.Metrics.Enabled = true
	cfg.Roles = map[string][]string{
		"user":  {"profile:read"},
		"admin": {"profile:read", "users:write"},
	}
	return cfg
}

func newTestEnv(t testing.TB, mutate func(*Config, *Builder)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, ContextTimeoutEnabled: true})

	provider := newMockProvider()
	provider.add(Account{ID: "u1", Username: "alice", Email: "alice@example.com", Role: "user"}, "Correct-Horse-9")
	provider.add(Account{ID: "u2", Username: "bob", Role: "admin"}, "Battery-Staple-7")

	clock := &testClock{now: time.Date(2026, 3, 1, 14, 45, 0, 0, time.UTC)}

	cfg := testConfig()
	b := New().
		WithRedis(rdb).
		WithAccountProvider(provider).
		WithClock(clock.Now)
	if mutate != nil {
		mutate(&cfg, b)
	}
	engine, err := b.WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return &testEnv{engine: engine, mr: mr, rdb: rdb, provider: provider, clock: clock}
}

func (env *testEnv) login(t *testing.T, id, secret string) TokenPair {
	t.Helper()
	pair, err := env.engine.Authenticate(context.Background(), Credentials{AccountID: id, Secret: secret})
	if err != nil {
		t.Fatalf("Authenticate(%s) failed: %v", id, err)
	}
	return pair
}

func TestBuildRequiresRedisAndProvider(t *testing.T) {
	cfg := testConfig()
	if _, err := New().WithConfig(cfg).WithAccountProvider(newMockProvider()).Build(); err == nil {
		t.Fatal("expected error without redis")
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected error without account provider")
	}

	b := New().WithConfig(cfg).WithRedis(rdb).WithAccountProvider(newMockProvider())
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse to fail")
	}
}

func TestZeroEngineIsNotReady(t *testing.T) {
	var e Engine
	if _, err := e.Validate(context.Background(), "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := e.Authenticate(context.Background(), Credentials{}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestAuthenticateIssuesPairWithRoleClaims(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.login(t, "u1", "Correct-Horse-9")

	if pair.TokenType != "Bearer" || pair.SessionID == "" {
		t.Fatalf("unexpected pair metadata: %+v", pair)
	}
	if want := env.clock.Now().Add(15 * time.Minute); !pair.AccessExpiresAt.Equal(want) {
		t.Fatalf("access expiry = %v, want %v", pair.AccessExpiresAt, want)
	}
	if want := env.clock.Now().Add(7 * 24 * time.Hour); !pair.RefreshExpiresAt.Equal(want) {
		t.Fatalf("refresh expiry = %v, want %v", pair.RefreshExpiresAt, want)
	}

	claims, err := env.engine.Validate(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.UserID != "u1" || claims.Username != "alice" || claims.Role != "user" {
		t.Fatalf("unexpected identity claims: %+v", claims)
	}
	if claims.SessionID != pair.SessionID || claims.TokenType != TokenTypeAccess {
		t.Fatalf("unexpected session claims: %+v", claims)
	}
	if !claims.HasPermission("profile:read") || claims.HasPermission("users:write") {
		t.Fatalf("unexpected permissions: %v", claims.Permissions)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, creds := range []Credentials{
		{AccountID: "u1", Secret: "wrong"},
		{AccountID: "ghost", Secret: "Correct-Horse-9"},
		{AccountID: "", Secret: "x"},
		{AccountID: "u1", Secret: ""},
	} {
		if _, err := env.engine.Authenticate(ctx, creds); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%+v: expected ErrInvalidCredentials, got %v", creds, err)
		}
	}

	env.provider.setStatus("u2", AccountDisabled)
	if _, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u2", Secret: "Battery-Staple-7"}); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestAuthenticateSurfacesProviderErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	boom := errors.New("directory offline")
	env.provider.fail = boom

	_, err := env.engine.Authenticate(context.Background(), Credentials{AccountID: "u1", Secret: "Correct-Horse-9"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("backend failures must not look like bad credentials")
	}
}

func TestAccessTokenExpiryBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	issuedAt := env.clock.Now()
	pair := env.login(t, "u1", "Correct-Horse-9")

	env.clock.Set(issuedAt.Add(14*time.Minute + 59*time.Second))
	if _, err := env.engine.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected token valid at +14m59s, got %v", err)
	}

	for _, offset := range []time.Duration{15 * time.Minute, 15*time.Minute + time.Second} {
		env.clock.Set(issuedAt.Add(offset))
		if _, err := env.engine.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired at +%s, got %v", offset, err)
		}
	}
}

func TestValidateRejectsRefreshAndTamperedTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	pair := env.login(t, "u1", "Correct-Horse-9")

	if _, err := env.engine.Validate(ctx, pair.RefreshToken); !errors.Is(err, ErrUnsupportedTokenType) {
		t.Fatalf("expected ErrUnsupportedTokenType, got %v", err)
	}

	parts := strings.Split(pair.AccessToken, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	if _, err := env.engine.Validate(ctx, tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if _, err := env.engine.Validate(ctx, "not-a-jwt"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestAuthorizeChecksPermissions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user := env.login(t, "u1", "Correct-Horse-9")
	admin := env.login(t, "u2", "Battery-Staple-7")

	if _, err := env.engine.Authorize(ctx, admin.AccessToken, "users:write", "profile:read"); err != nil {
		t.Fatalf("admin should be authorized: %v", err)
	}
	if _, err := env.engine.Authorize(ctx, user.AccessToken, "users:write"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	if got := env.engine.MetricsSnapshot().Counters[MetricPermissionDenied]; got != 1 {
		t.Fatalf("permission denied metric = %d, want 1", got)
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := env.login(t, "u1", "Correct-Horse-9")
	env.clock.Advance(time.Minute)

	second, err := env.engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("rotation must keep the session id")
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == first.AccessToken {
		t.Fatal("rotation must issue new tokens")
	}

	if _, err := env.engine.Validate(ctx, first.AccessToken); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("previous access token should be blacklisted, got %v", err)
	}
	if _, err := env.engine.Validate(ctx, second.AccessToken); err != nil {
		t.Fatalf("new access token should validate: %v", err)
	}

	if _, err := env.engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshReuseDetected) {
		t.Fatalf("expected ErrRefreshReuseDetected, got %v", err)
	}

	if _, err := env.engine.Validate(ctx, second.AccessToken); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("reuse must revoke the session's access token, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, second.RefreshToken); err == nil {
		t.Fatal("reuse must revoke the session's refresh token")
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricRefreshReuseDetected] != 1 || snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("unexpected refresh metrics: %+v", snap.Counters)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	pair := env.login(t, "u1", "Correct-Horse-9")

	const workers = 16
	start := make(chan struct{})
	results := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrRefreshReuseDetected),
			errors.Is(err, ErrSessionRevoked),
			errors.Is(err, ErrBlacklisted):
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
}

func TestRefreshCappedByAbsoluteLifetime(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Builder) {
		c.JWT.RefreshTTL = time.Hour
		c.Session.MaxLifetime = 90 * time.Minute
	})
	ctx := context.Background()

	start := env.clock.Now()
	pair := env.login(t, "u1", "Correct-Horse-9")

	env.clock.Advance(50 * time.Minute)
	next, err := env.engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if want := start.Add(90 * time.Minute); !next.RefreshExpiresAt.Equal(want) {
		t.Fatalf("refresh expiry = %v, want capped at %v", next.RefreshExpiresAt, want)
	}

	env.clock.Advance(40*time.Minute + time.Second)
	if _, err := env.engine.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired past absolute lifetime, got %v", err)
	}
}

func TestRememberMeUsesLongerLifetime(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9", RememberMe: true})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if want := env.clock.Now().Add(90 * 24 * time.Hour); !pair.RefreshExpiresAt.Equal(want) {
		t.Fatalf("remember-me expiry = %v, want %v", pair.RefreshExpiresAt, want)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("remember-me token should refresh: %v", err)
	}
}

func TestRefreshRejectsDisabledAndDeletedAccounts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pair := env.login(t, "u1", "Correct-Horse-9")
	env.provider.setStatus("u1", AccountDisabled)
	if err := env.engine.InvalidateAccount(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateAccount failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("disabling must revoke the session, got %v", err)
	}

	pair = env.login(t, "u2", "Battery-Staple-7")
	env.provider.remove("u2")
	if err := env.engine.InvalidateAccount(ctx, "u2"); err != nil {
		t.Fatalf("InvalidateAccount failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestLockoutAfterThreshold(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	bad := Credentials{AccountID: "u1", Secret: "wrong"}

	for i := 1; i < 5; i++ {
		if _, err := env.engine.Authenticate(ctx, bad); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	if n, err := env.engine.LoginAttempts(ctx, "u1"); err != nil || n != 4 {
		t.Fatalf("LoginAttempts = %d, %v; want 4", n, err)
	}

	_, err := env.engine.Authenticate(ctx, bad)
	var locked *LockedError
	if !errors.As(err, &locked) || !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("fifth failure should lock, got %v", err)
	}
	if locked.RetryAfter() != 15*time.Minute {
		t.Fatalf("RetryAfter = %v, want 15m", locked.RetryAfter())
	}

	_, err = env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9"})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("correct secret must be rejected while locked, got %v", err)
	}

	env.clock.Advance(15*time.Minute + time.Second)
	env.login(t, "u1", "Correct-Horse-9")
}

func TestConcurrentFailuresLockExactlyOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	const workers = 10
	start := make(chan struct{})
	results := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "wrong"})
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	invalid, locked := 0, 0
	for err := range results {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			invalid++
		case errors.Is(err, ErrAccountLocked):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if invalid != 4 || locked != 6 {
		t.Fatalf("invalid=%d locked=%d, want 4 and 6", invalid, locked)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricAccountLocked]; got != 1 {
		t.Fatalf("account locked transitions = %d, want 1", got)
	}
}

func TestCorrectGuessCannotLiftLockTakenMeanwhile(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.provider.onCheck = func(id string) {
		for i := 0; i < 5; i++ {
			if _, err := env.engine.lockout.RecordFailure(ctx, id); err != nil {
				t.Errorf("RecordFailure: %v", err)
			}
		}
	}
	_, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9"})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	env.provider.onCheck = nil
	if _, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9"}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("lock must survive the racing success, got %v", err)
	}
}

// silentRedis accepts connections and never replies, like a hung server.
func silentRedis(t *testing.T) redis.UniversalClient {
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
	rdb := redis.NewClient(&redis.Options{
		Addr:                  ln.Addr().String(),
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() {
		_ = rdb.Close()
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return rdb
}

func TestStalledStoreIsBoundedByOperationTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.login(t, "u1", "Correct-Horse-9")

	cfg := testConfig()
	cfg.Store.OperationTimeout = 100 * time.Millisecond
	stalled, err := New().
		WithConfig(cfg).
		WithRedis(silentRedis(t)).
		WithAccountProvider(env.provider).
		WithClock(env.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer stalled.Close()

	ctx := context.Background()
	start := time.Now()
	_, err = stalled.Validate(ctx, pair.AccessToken)
	if !errors.Is(err, ErrStoreUnavailable) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrStoreUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Validate took %s against a stalled store, want about 100ms", elapsed)
	}

	start = time.Now()
	_, err = stalled.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Authenticate took %s against a stalled store, want about 100ms", elapsed)
	}
}

func TestUnlockAccount(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Builder) { c.Lockout.MaxAttempts = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "wrong"})
	}
	if _, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9"}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lock, got %v", err)
	}
	if err := env.engine.UnlockAccount(ctx, "u1"); err != nil {
		t.Fatalf("UnlockAccount failed: %v", err)
	}
	env.login(t, "u1", "Correct-Horse-9")
}

func TestSuccessfulLoginResetsFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "wrong"})
	}
	env.login(t, "u1", "Correct-Horse-9")
	if n, err := env.engine.LoginAttempts(ctx, "u1"); err != nil || n != 0 {
		t.Fatalf("LoginAttempts = %d, %v; want 0", n, err)
	}
}

func TestSessionIntrospection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.login(t, "u1", "Correct-Horse-9")
	env.clock.Advance(time.Minute)
	b, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9", RememberMe: true})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	env.login(t, "u2", "Battery-Staple-7")

	list, err := env.engine.ListActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != a.SessionID || list[1].SessionID != b.SessionID {
		t.Fatalf("unexpected sessions %+v", list)
	}
	if list[0].RememberMe || !list[1].RememberMe {
		t.Fatalf("remember-me flags wrong: %+v", list)
	}
	if !list[0].RefreshExpiresAt.Equal(a.RefreshExpiresAt) || !list[0].AccessExpiresAt.Equal(a.AccessExpiresAt) {
		t.Fatalf("expiries not carried over: %+v vs %+v", list[0], a)
	}
	if n, err := env.engine.ActiveSessionCount(ctx, "u1"); err != nil || n != 2 {
		t.Fatalf("ActiveSessionCount = %d, %v; want 2", n, err)
	}

	info, err := env.engine.GetSessionInfo(ctx, b.SessionID)
	if err != nil {
		t.Fatalf("GetSessionInfo failed: %v", err)
	}
	if info.AccountID != "u1" || !info.RememberMe {
		t.Fatalf("unexpected session info %+v", info)
	}

	if err := env.engine.Logout(ctx, a.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if n, err := env.engine.ActiveSessionCount(ctx, "u1"); err != nil || n != 1 {
		t.Fatalf("ActiveSessionCount after logout = %d, %v; want 1", n, err)
	}
	if _, err := env.engine.GetSessionInfo(ctx, a.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := env.engine.GetSessionInfo(ctx, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for empty id, got %v", err)
	}
	if _, err := env.engine.ListActiveSessions(ctx, ""); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	env.login(t, "u1", "Correct-Horse-9")
	if n, err := env.engine.ActiveSessionCount(ctx, "u1"); err != nil || n != 2 {
		t.Fatalf("ActiveSessionCount = %d, %v; want 2", n, err)
	}
	env.clock.Advance(8 * 24 * time.Hour)
	list, err = env.engine.ListActiveSessions(ctx, "u1")
	if err != nil || len(list) != 1 || list[0].SessionID != b.SessionID {
		t.Fatalf("expected only the remember-me session after 8 days, got %+v %v", list, err)
	}
}

func TestHealthReportsStore(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if st := env.engine.Health(ctx); !st.RedisAvailable {
		t.Fatalf("expected healthy store, got %+v", st)
	}
	env.mr.Close()
	if st := env.engine.Health(ctx); st.RedisAvailable {
		t.Fatalf("expected unhealthy store after shutdown, got %+v", st)
	}

	var zero Engine
	if st := zero.Health(ctx); st.RedisAvailable {
		t.Fatal("zero engine must report unavailable")
	}
}

func TestLogoutVariants(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.login(t, "u1", "Correct-Horse-9")
	if err := env.engine.Logout(ctx, a.SessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := env.engine.Logout(ctx, a.SessionID); err != nil {
		t.Fatalf("second Logout should be a no-op: %v", err)
	}
	if _, err := env.engine.Validate(ctx, a.AccessToken); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected ErrBlacklisted after logout, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, a.RefreshToken); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected ErrBlacklisted refreshing after logout, got %v", err)
	}

	b := env.login(t, "u1", "Correct-Horse-9")
	if err := env.engine.LogoutByAccessToken(ctx, b.AccessToken); err != nil {
		t.Fatalf("LogoutByAccessToken failed: %v", err)
	}
	if _, err := env.engine.Validate(ctx, b.AccessToken); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected ErrBlacklisted, got %v", err)
	}
	if err := env.engine.LogoutByAccessToken(ctx, "garbage"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}

	c := env.login(t, "u1", "Correct-Horse-9")
	d := env.login(t, "u1", "Correct-Horse-9")
	other := env.login(t, "u2", "Battery-Staple-7")
	n, err := env.engine.LogoutAll(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("LogoutAll = %d, %v; want 2", n, err)
	}
	for _, p := range []TokenPair{c, d} {
		if _, err := env.engine.Validate(ctx, p.AccessToken); !errors.Is(err, ErrBlacklisted) {
			t.Fatalf("expected ErrBlacklisted after LogoutAll, got %v", err)
		}
	}
	if _, err := env.engine.Validate(ctx, other.AccessToken); err != nil {
		t.Fatalf("other subjects must be unaffected: %v", err)
	}
}

func TestRevokeTokenIsScopedToOneToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	pair := env.login(t, "u1", "Correct-Horse-9")

	if err := env.engine.RevokeToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected ErrBlacklisted, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh token of the same session should still work: %v", err)
	}

	expired := env.login(t, "u2", "Battery-Staple-7")
	env.clock.Advance(16 * time.Minute)
	if err := env.engine.RevokeToken(ctx, expired.AccessToken); err != nil {
		t.Fatalf("revoking an expired token should be a no-op: %v", err)
	}
}

func TestStoreOutageFailsClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	pair := env.login(t, "u1", "Correct-Horse-9")

	env.mr.Close()

	_, err := env.engine.Validate(ctx, pair.AccessToken)
	if !errors.Is(err, ErrStoreUnavailable) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrStoreUnavailable, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable on refresh, got %v", err)
	}
	if _, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable on login, got %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricStoreUnavailable]; got < 3 {
		t.Fatalf("store unavailable metric = %d, want >= 3", got)
	}
}

func TestCacheFailsOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.mr.Close()

	acct, err := env.engine.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("cache outage must not fail account reads: %v", err)
	}
	if acct.Username != "alice" {
		t.Fatalf("unexpected account %+v", acct)
	}

	doc, err := env.engine.Profile(ctx, "u1", func(context.Context) ([]byte, error) {
		return []byte(`{"bio":"hi"}`), nil
	})
	if err != nil || string(doc) != `{"bio":"hi"}` {
		t.Fatalf("Profile = %q, %v", doc, err)
	}
}

func TestAccountIsCachedUntilInvalidated(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.engine.Account(ctx, "u1"); err != nil {
			t.Fatalf("Account failed: %v", err)
		}
	}
	if env.provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", env.provider.calls)
	}

	if err := env.engine.InvalidateAccount(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateAccount failed: %v", err)
	}
	if _, err := env.engine.Account(ctx, "u1"); err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if env.provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", env.provider.calls)
	}

	prefs := 0
	load := func(context.Context) ([]byte, error) {
		prefs++
		return []byte(`{"theme":"dark"}`), nil
	}
	for i := 0; i < 2; i++ {
		if _, err := env.engine.Preferences(ctx, "u1", load); err != nil {
			t.Fatalf("Preferences failed: %v", err)
		}
	}
	if prefs != 1 {
		t.Fatalf("preference loads = %d, want 1", prefs)
	}

	stats := env.engine.CacheStats()
	if stats["auth"].Hits < 2 || stats["preferences"].Hits < 1 {
		t.Fatalf("unexpected cache stats %+v", stats)
	}
}

func TestAuditEventsAreEmitted(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEnv(t, func(c *Config, b *Builder) {
		c.Audit.Enabled = true
		c.Audit.DropIfFull = false
		b.WithAuditSink(sink)
	})
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	_, _ = env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "wrong"})
	pair, err := env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "Correct-Horse-9"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	env.engine.Close()

	var got []AuditEvent
	for {
		select {
		case ev := <-sink.Events():
			got = append(got, ev)
			continue
		default:
		}
		break
	}

	want := []string{auditEventLoginFailure, auditEventLoginSuccess, auditEventRefreshSuccess}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i, ev := range got {
		if ev.EventType != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.EventType, want[i])
		}
		if ev.IP != "203.0.113.7" || ev.UserID != "u1" {
			t.Fatalf("event %d missing context: %+v", i, ev)
		}
	}
	if got[0].Success || got[0].Error != string(auditErrInvalidCredentials) {
		t.Fatalf("unexpected failure event: %+v", got[0])
	}
	if got[1].SessionID != pair.SessionID {
		t.Fatalf("login event session = %q, want %q", got[1].SessionID, pair.SessionID)
	}
}

func TestAuditMarksSecurityEvents(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEnv(t, func(c *Config, b *Builder) {
		c.Audit.Enabled = true
		c.Audit.DropIfFull = true
		b.WithAuditSink(sink)
	})
	ctx := context.Background()

	_, _ = env.engine.Authenticate(ctx, Credentials{AccountID: "u1", Secret: "wrong"})
	pair := env.login(t, "u1", "Correct-Horse-9")
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuseDetected) {
		t.Fatalf("expected ErrRefreshReuseDetected, got %v", err)
	}
	env.engine.Close()

	security := map[string]bool{}
	var n uint64
	for done := false; !done; {
		select {
		case ev := <-sink.Events():
			n++
			security[ev.EventType] = security[ev.EventType] || ev.Security
		default:
			done = true
		}
	}

	if !security[auditEventRefreshReuseDetected] {
		t.Fatalf("refresh reuse must be a security event: %v", security)
	}
	if security[auditEventLoginFailure] || security[auditEventLoginSuccess] || security[auditEventRefreshSuccess] {
		t.Fatalf("routine events marked as security: %v", security)
	}
	if stats := env.engine.AuditStats(); stats.Delivered != n || stats.Dropped != 0 {
		t.Fatalf("stats %+v, want %d delivered and none dropped", stats, n)
	}
}

func TestIsSecurityEvent(t *testing.T) {
	tests := []struct {
		event string
		err   error
		want  bool
	}{
		{auditEventAccountLocked, ErrAccountLocked, true},
		{auditEventRefreshReuseDetected, ErrRefreshReuseDetected, true},
		{auditEventValidateFailure, ErrInvalidSignature, true},
		{auditEventValidateFailure, ErrBlacklisted, true},
		{auditEventValidateFailure, ErrExpired, false},
		{auditEventLoginFailure, ErrInvalidCredentials, false},
		{auditEventLoginSuccess, nil, false},
	}
	for _, tt := range tests {
		if got := isSecurityEvent(tt.event, auditErrorCode(tt.err)); got != tt.want {
			t.Fatalf("isSecurityEvent(%s, %v) = %v, want %v", tt.event, tt.err, got, tt.want)
		}
	}
}

func TestSecurityReportReflectsConfig(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Builder) {
		c.Lockout.Enabled = false
	})

	r := env.engine.SecurityReport()
	if r.SigningAlgorithm != "hs256" || r.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.LockoutActive {
		t.Fatal("lockout reported active while disabled")
	}
	found := false
	for _, w := range r.Warnings {
		if strings.Contains(w, "lockout") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected lockout warning, got %v", r.Warnings)
	}
}
