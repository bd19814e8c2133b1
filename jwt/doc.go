// Package jwt issues and verifies the signed tokens used by authcore: short
// lived access tokens, refresh tokens and remember-me tokens. Decoding is
// pure and maps every failure onto a small error taxonomy.
package jwt
