package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/time/rate"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/accounts"
	"github.com/MrEthical07/authcore/metrics/export/otel"
	"github.com/MrEthical07/authcore/password"
)

var (
	flagLTAccounts    int
	flagLTConcurrency int
	flagLTOps         int
	flagLTRPS         float64
	flagLTRedisAddr   string

	loadtestCmd = &cobra.Command{
		Use:   "loadtest",
		Short: "Measure login, validate and refresh throughput of an in-process engine",
		RunE:  runLoadtest,
	}
)

func init() {
	f := loadtestCmd.Flags()
	f.IntVar(&flagLTAccounts, "accounts", 1000, "Accounts to seed and log in")
	f.IntVar(&flagLTConcurrency, "concurrency", 64, "Concurrent workers")
	f.IntVar(&flagLTOps, "ops", 50000, "Operations per validate and refresh phase")
	f.Float64Var(&flagLTRPS, "rps", 0, "Cap on operations per second across workers; 0 means unpaced")
	f.StringVar(&flagLTRedisAddr, "redis-addr", "", "Redis address; embedded Redis when empty")
}

type loadSession struct {
	mu      sync.Mutex
	access  string
	refresh string
}

type phaseStats struct {
	name     string
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
}

func runLoadtest(cmd *cobra.Command, _ []string) error {
	if flagLTAccounts <= 0 || flagLTConcurrency <= 0 || flagLTOps <= 0 {
		return fmt.Errorf("accounts, concurrency and ops must be > 0")
	}
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	rdb, cleanup, err := loadtestRedis(out)
	if err != nil {
		return err
	}
	defer cleanup()

	// Cheap hashing keeps seeding fast; the login phase still measures the
	// full engine path.
	hasher, err := password.NewHasher(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		return err
	}
	store, err := accounts.NewMemoryStore(accounts.Options{Hasher: hasher})
	if err != nil {
		return err
	}

	cfg := authcore.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("loadtest-signing-key-0123456789abcdef")
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	cfg.Roles = map[string][]string{"user": {"profile:read"}}
	engine, err := authcore.New().WithConfig(cfg).WithRedis(rdb).WithAccountProvider(store).Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())
	exporter, err := otel.New(provider.Meter("authcore-loadtest"), engine)
	if err != nil {
		return err
	}
	defer exporter.Close()

	fmt.Fprintf(out, "seeding %d accounts...\n", flagLTAccounts)
	for i := 0; i < flagLTAccounts; i++ {
		err := store.Create(ctx, accounts.NewAccount{
			Account: authcore.Account{ID: accountName(i), Username: accountName(i), Role: "user"},
			Secret:  secretFor(i),
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", accountName(i), err)
		}
	}

	var limiter *rate.Limiter
	if flagLTRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(flagLTRPS), flagLTConcurrency)
	}

	sessions := make([]loadSession, flagLTAccounts)
	login := runPhase(ctx, "login", flagLTAccounts, limiter, func(i int, _ *rand.Rand) error {
		pair, err := engine.Authenticate(ctx, authcore.Credentials{AccountID: accountName(i), Secret: secretFor(i)})
		if err != nil {
			return err
		}
		sessions[i].access, sessions[i].refresh = pair.AccessToken, pair.RefreshToken
		return nil
	})

	validate := runPhase(ctx, "validate", flagLTOps, limiter, func(_ int, r *rand.Rand) error {
		s := &sessions[r.Intn(len(sessions))]
		s.mu.Lock()
		token := s.access
		s.mu.Unlock()
		_, err := engine.Validate(ctx, token)
		return err
	})

	refresh := runPhase(ctx, "refresh", flagLTOps, limiter, func(_ int, r *rand.Rand) error {
		s := &sessions[r.Intn(len(sessions))]
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := engine.Refresh(ctx, s.refresh)
		if err != nil {
			return err
		}
		s.access, s.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	})

	fmt.Fprintln(out, "---- results ----")
	for _, p := range []phaseStats{login, validate, refresh} {
		printPhase(out, p)
	}
	return printCounters(ctx, out, reader)
}

func loadtestRedis(out io.Writer) (redis.UniversalClient, func(), error) {
	if flagLTRedisAddr != "" {
		rdb := newRedisClient(flagLTRedisAddr)
		fmt.Fprintf(out, "using redis at %s\n", flagLTRedisAddr)
		return rdb, func() { _ = rdb.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded redis: %w", err)
	}
	rdb := newRedisClient(mr.Addr())
	fmt.Fprintf(out, "using embedded redis at %s\n", mr.Addr())
	return rdb, func() { _ = rdb.Close(); mr.Close() }, nil
}

// runPhase spreads ops calls of fn over the configured workers.
func runPhase(ctx context.Context, name string, ops int, limiter *rate.Limiter, fn func(i int, r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)

	start := time.Now()
	for w := 0; w < flagLTConcurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			local := make([]time.Duration, 0, ops/flagLTConcurrency+1)
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					break
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						break
					}
				}
				t0 := time.Now()
				if err := fn(i, r); err != nil {
					atomic.AddInt64(&failures, 1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	return summarize(name, time.Since(start), latencies, failures)
}

func summarize(name string, total time.Duration, samples []time.Duration, failures int64) phaseStats {
	s := phaseStats{name: name, total: total, ops: len(samples), failures: failures}
	if len(samples) == 0 {
		return s
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	s.p50 = percentile(samples, 50)
	s.p95 = percentile(samples, 95)
	s.p99 = percentile(samples, 99)
	return s
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	if p <= 0 {
		return sorted[0]
	}
	return sorted[(len(sorted)-1)*p/100]
}

func printPhase(w io.Writer, s phaseStats) {
	var opsPerSec float64
	if s.total > 0 {
		opsPerSec = float64(s.ops) / s.total.Seconds()
	}
	fmt.Fprintf(w, "%-8s ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		s.name, s.ops, s.failures,
		s.total.Round(time.Millisecond), opsPerSec,
		s.p50.Round(time.Microsecond), s.p95.Round(time.Microsecond), s.p99.Round(time.Microsecond))
}

// printCounters collects once through the OpenTelemetry exporter and prints
// every non-zero counter.
func printCounters(ctx context.Context, w io.Writer, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	type row struct {
		name  string
		value int64
	}
	var rows []row
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if dp.Value != 0 {
					rows = append(rows, row{m.Name, dp.Value})
				}
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	fmt.Fprintln(w, "---- counters ----")
	for _, r := range rows {
		fmt.Fprintf(w, "%s %d\n", r.name, r.value)
	}
	return nil
}

func accountName(i int) string { return fmt.Sprintf("load-%06d", i) }

func secretFor(i int) string { return fmt.Sprintf("Load-Secret-%06d", i) }
