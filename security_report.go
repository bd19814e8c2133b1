package authcore

import "github.com/MrEthical07/authcore/internal/security"

// SecurityReport summarizes the configured security posture.
type SecurityReport = security.Report

// SecurityReport describes the engine's effective configuration and lists
// settings that weaken it.
func (e *Engine) SecurityReport() SecurityReport {
	c := e.config
	return security.BuildReport(security.ReportInput{
		SigningAlgorithm:      c.JWT.SigningMethod,
		SigningKeyBytes:       len(c.JWT.PrivateKey),
		KeyID:                 c.JWT.KeyID,
		RetiredVerifyKeys:     len(c.JWT.VerifyKeys),
		AccessTTL:             c.JWT.AccessTTL,
		RefreshTTL:            c.JWT.RefreshTTL,
		SessionMaxLifetime:    c.Session.MaxLifetime,
		RememberMeMaxLifetime: c.Session.RememberMeMaxLifetime,
		Leeway:                c.JWT.Leeway,
		LockoutEnabled:        c.Lockout.Enabled,
		LockoutMaxAttempts:    c.Lockout.MaxAttempts,
		LockoutDuration:       c.Lockout.Duration,
		SharedCache:           c.Cache.Shared,
		AuditEnabled:          c.Audit.Enabled,
	})
}
