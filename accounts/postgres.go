package accounts

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/MrEthical07/authcore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const uniqueViolation = "23505"

// PostgresStore keeps accounts in a PostgreSQL table named accounts.
type PostgresStore struct {
	db    *sql.DB
	opts  Options
	dummy string
	types *pgtype.Map
}

// OpenPostgres opens a pooled connection to databaseURL using the pgx driver
// and verifies it with a ping.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps db. Call Migrate once before first use.
func NewPostgresStore(db *sql.DB, opts Options) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("accounts: nil database")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		db:    db,
		opts:  opts,
		dummy: dummyHash(opts.Hasher),
		types: pgtype.NewMap(),
	}, nil
}

// Migrate applies pending embedded migrations in lexical order. Each runs in
// its own transaction and is recorded in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migration files: %w", err)
	}
	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			versions = append(versions, entry.Name())
		}
	}
	sort.Strings(versions)

	for _, version := range versions {
		if err := s.applyMigration(ctx, version); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, version string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
		return fmt.Errorf("check migration %s: %w", version, err)
	}
	if exists {
		return nil
	}

	script, err := migrationFiles.ReadFile("migrations/" + version)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

// Create inserts an account. A duplicate id or username yields
// ErrAccountExists.
func (s *PostgresStore) Create(ctx context.Context, in NewAccount) error {
	in.ID = normalizeID(in.ID)
	if in.ID == "" {
		return ErrAccountIDRequired
	}
	if err := s.opts.checkSecret(in.Account, in.Secret); err != nil {
		return err
	}
	hash, err := s.opts.Hasher.Hash(in.Secret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}

	perms := in.Permissions
	if perms == nil {
		perms = []string{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, email, role, permissions, status, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, in.ID, in.Username, in.Email, in.Role, perms, int16(in.Status), hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, accountID string, status authcore.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $2, updated_at = $3 WHERE id = $1
	`, normalizeID(accountID), int16(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SetSecret(ctx context.Context, accountID, secret string) error {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.opts.checkSecret(acct, secret); err != nil {
		return err
	}
	hash, err := s.opts.Hasher.Hash(secret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, acct.ID, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update account secret: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Delete(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, normalizeID(accountID)); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// CheckCredentials verifies secret and transparently upgrades hashes made
// under weaker parameters.
func (s *PostgresStore) CheckCredentials(ctx context.Context, accountID, secret string) (bool, error) {
	id := normalizeID(accountID)
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM accounts WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		_, _ = verify(s.opts.Hasher, secret, s.dummy)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query account secret: %w", err)
	}

	ok, err := verify(s.opts.Hasher, secret, hash)
	if err != nil || !ok {
		return ok, err
	}
	if stale, _ := s.opts.Hasher.NeedsRehash(hash); stale {
		if fresh, err := s.opts.Hasher.Hash(secret); err == nil {
			_, _ = s.db.ExecContext(ctx, `UPDATE accounts SET password_hash = $2 WHERE id = $1 AND password_hash = $3`, id, fresh, hash)
		}
	}
	return true, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (authcore.Account, error) {
	var (
		acct   authcore.Account
		status int16
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, role, permissions, status
		FROM accounts
		WHERE id = $1
	`, normalizeID(accountID)).Scan(&acct.ID, &acct.Username, &acct.Email, &acct.Role, s.types.SQLScanner(&acct.Permissions), &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authcore.Account{}, authcore.ErrAccountNotFound
		}
		return authcore.Account{}, fmt.Errorf("query account: %w", err)
	}
	acct.Status = authcore.AccountStatus(status)
	return acct, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authcore.ErrAccountNotFound
	}
	return nil
}

var _ authcore.AccountProvider = (*PostgresStore)(nil)
