// Package cache provides the bounded, TTL-limited cache tiers that sit in
// front of account lookups. Each tier has its own capacity and lifetime and
// an optional Redis layer shared across instances.
package cache
