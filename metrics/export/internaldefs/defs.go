package internaldefs

import (
	"strconv"
	"strings"

	"github.com/MrEthical07/authcore"
)

// Counter names one engine counter.
type Counter struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// Histogram names one engine histogram.
type Histogram struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// Namespace prefixes every exported series.
const Namespace = "authcore"

var Counters = []Counter{
	{authcore.MetricLoginSuccess, "authcore_login_success_total", "Successful logins."},
	{authcore.MetricLoginFailure, "authcore_login_failure_total", "Logins rejected for bad credentials or account state."},
	{authcore.MetricAccountLocked, "authcore_account_locked_total", "Accounts locked after repeated failures."},
	{authcore.MetricLockedLoginRejected, "authcore_locked_login_rejected_total", "Logins refused because the account was locked."},
	{authcore.MetricValidateSuccess, "authcore_validate_success_total", "Access tokens accepted."},
	{authcore.MetricValidateFailure, "authcore_validate_failure_total", "Access tokens rejected."},
	{authcore.MetricBlacklistHit, "authcore_blacklist_hit_total", "Tokens rejected because their id was blacklisted."},
	{authcore.MetricPermissionDenied, "authcore_permission_denied_total", "Authorize calls missing a required permission."},
	{authcore.MetricRefreshSuccess, "authcore_refresh_success_total", "Successful refresh rotations."},
	{authcore.MetricRefreshFailure, "authcore_refresh_failure_total", "Failed refresh attempts."},
	{authcore.MetricRefreshReuseDetected, "authcore_refresh_reuse_detected_total", "Superseded refresh tokens presented again."},
	{authcore.MetricSessionCreated, "authcore_session_created_total", "Sessions opened."},
	{authcore.MetricSessionRevoked, "authcore_session_revoked_total", "Sessions revoked."},
	{authcore.MetricLogout, "authcore_logout_total", "Single session logouts."},
	{authcore.MetricLogoutAll, "authcore_logout_all_total", "Logout-all operations."},
	{authcore.MetricTokenRevoked, "authcore_token_revoked_total", "Tokens revoked by id."},
	{authcore.MetricStoreUnavailable, "authcore_store_unavailable_total", "Operations failed closed on a store outage."},
	{authcore.MetricCacheHit, "authcore_cache_hit_total", "Account cache hits."},
	{authcore.MetricCacheMiss, "authcore_cache_miss_total", "Account cache misses."},
}

var Histograms = []Histogram{
	{authcore.MetricValidateLatency, "authcore_validate_latency_seconds", "Access token validation latency."},
}

// AuditDropped is published next to the engine counters.
var AuditDropped = Counter{Name: "authcore_audit_dropped_total", Help: "Audit events dropped because the buffer was full."}

// Cache tier gauges, labelled by tier.
var (
	CacheTierHits    = Counter{Name: "authcore_cache_tier_hits", Help: "Hits per cache tier."}
	CacheTierMisses  = Counter{Name: "authcore_cache_tier_misses", Help: "Misses per cache tier."}
	CacheTierEntries = Counter{Name: "authcore_cache_tier_entries", Help: "Entries held in the local layer of each tier."}
)

// UpperBounds are the finite latency bucket bounds in seconds. The engine
// keeps one extra overflow bucket past the last bound.
var UpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// BucketCount includes the overflow bucket.
const BucketCount = 8

// BoundLabel renders bucket i as a Prometheus le value.
func BoundLabel(i int) string {
	if i >= len(UpperBounds) {
		return "+Inf"
	}
	return strconv.FormatFloat(UpperBounds[i], 'f', -1, 64)
}

// BoundSuffix renders bucket i for use inside an instrument name.
func BoundSuffix(i int) string {
	if i >= len(UpperBounds) {
		return "inf"
	}
	return strings.ReplaceAll(BoundLabel(i), ".", "_")
}

// Cumulative turns per-bucket counts into running totals. Short or missing
// input is treated as zeros.
func Cumulative(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
