package security

import (
	"fmt"
	"time"
)

// Thresholds beyond which a setting is reported as a warning.
const (
	maxAccessTTL       = time.Hour
	maxLeeway          = 30 * time.Second
	minHMACKeyBytes    = 32
	strongHMACKeyBytes = 64
	maxLockoutAttempts = 10
)

type Report struct {
	SigningAlgorithm       string
	KeyID                  string
	RetiredVerifyKeys      int
	AccessTTL              time.Duration
	RefreshTTL             time.Duration
	SessionMaxLifetime     time.Duration
	RememberMeMaxLifetime  time.Duration
	Leeway                 time.Duration
	RefreshRotationEnabled bool
	ReuseDetectionEnabled  bool
	LockoutActive          bool
	LockoutMaxAttempts     int
	LockoutDuration        time.Duration
	SharedCache            bool
	AuditEnabled           bool
	Warnings               []string
}

type ReportInput struct {
	SigningAlgorithm      string
	SigningKeyBytes       int
	KeyID                 string
	RetiredVerifyKeys     int
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	SessionMaxLifetime    time.Duration
	RememberMeMaxLifetime time.Duration
	Leeway                time.Duration
	LockoutEnabled        bool
	LockoutMaxAttempts    int
	LockoutDuration       time.Duration
	SharedCache           bool
	AuditEnabled          bool
}

// BuildReport derives the posture from in. Rotation and reuse detection
// are always on in this engine and are reported for completeness.
func BuildReport(in ReportInput) Report {
	r := Report{
		SigningAlgorithm:       in.SigningAlgorithm,
		KeyID:                  in.KeyID,
		RetiredVerifyKeys:      in.RetiredVerifyKeys,
		AccessTTL:              in.AccessTTL,
		RefreshTTL:             in.RefreshTTL,
		SessionMaxLifetime:     in.SessionMaxLifetime,
		RememberMeMaxLifetime:  in.RememberMeMaxLifetime,
		Leeway:                 in.Leeway,
		RefreshRotationEnabled: true,
		ReuseDetectionEnabled:  true,
		LockoutActive:          in.LockoutEnabled && in.LockoutMaxAttempts > 0 && in.LockoutDuration > 0,
		LockoutMaxAttempts:     in.LockoutMaxAttempts,
		LockoutDuration:        in.LockoutDuration,
		SharedCache:            in.SharedCache,
		AuditEnabled:           in.AuditEnabled,
	}

	warn := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
	}
	if in.SigningAlgorithm == "hs256" && in.SigningKeyBytes > 0 && in.SigningKeyBytes < strongHMACKeyBytes {
		if in.SigningKeyBytes < minHMACKeyBytes {
			warn("hs256 key is %d bytes; at least %d are required", in.SigningKeyBytes, minHMACKeyBytes)
		} else {
			warn("hs256 key is %d bytes; %d or more is recommended", in.SigningKeyBytes, strongHMACKeyBytes)
		}
	}
	if in.AccessTTL > maxAccessTTL {
		warn("access tokens live %s; revocation lag grows with access TTL", in.AccessTTL)
	}
	if in.Leeway > maxLeeway {
		warn("clock leeway of %s extends every token past its expiry", in.Leeway)
	}
	if !r.LockoutActive {
		warn("login lockout is disabled")
	} else if in.LockoutMaxAttempts > maxLockoutAttempts {
		warn("lockout allows %d attempts before locking", in.LockoutMaxAttempts)
	}
	if !in.AuditEnabled {
		warn("audit events are disabled")
	}
	return r
}
