// Package accounts provides [authcore.AccountProvider] implementations.
//
// [MemoryStore] keeps accounts in process and is intended for tests and
// single-node development. [PostgresStore] persists them in PostgreSQL
// through the pgx database/sql driver. Both hash secrets with Argon2id via
// the password package and never return hashes to callers.
package accounts
