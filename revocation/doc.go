// Package revocation stores revoked token ids and the per-session refresh
// state used for rotation and reuse detection.
//
// All state lives in Redis with per-entry expiry. Rotation and revocation run
// as Lua scripts so a refresh id can be consumed at most once even when
// several instances race on the same session.
package revocation
