package virtualkey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/conduitllm/conduit/conduiterr"
)

// Store persists virtual keys and their groups in SQLite or Postgres.
// It owns the schema; the billing store debits the same group table.
type Store struct {
	db      *sql.DB
	dialect string
}

// OpenSQLite opens (and initializes) a SQLite-backed store.
func OpenSQLite(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "conduit.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite key store: %w", err)
	}
	s := &Store{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens (and initializes) a Postgres-backed store.
func OpenPostgres(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres key store: %w", err)
	}
	s := &Store{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the billing store can share the
// connection and schema.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports "sqlite" or "postgres".
func (s *Store) Dialect() string { return s.dialect }

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s key store: %w", s.dialect, err)
	}

	groups := `
CREATE TABLE IF NOT EXISTS virtual_key_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	balance TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);`
	keys := `
CREATE TABLE IF NOT EXISTS virtual_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	group_id TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL,
	usage_count INTEGER NOT NULL,
	last_used_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);`
	if s.dialect == "postgres" {
		groups = strings.ReplaceAll(groups, "TIMESTAMP", "TIMESTAMPTZ")
		keys = strings.ReplaceAll(keys, "TIMESTAMP", "TIMESTAMPTZ")
		keys = strings.Replace(keys, "enabled INTEGER", "enabled BOOLEAN", 1)
	}

	for _, ddl := range []string{groups, keys} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("initialize key store schema: %w", err)
		}
	}
	return nil
}

func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateGroup adds a group with an initial balance.
func (s *Store) CreateGroup(ctx context.Context, name string, balance decimal.Decimal) (*Group, error) {
	g := &Group{ID: uuid.NewString(), Name: name, Balance: balance}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO virtual_key_groups(id, name, balance, created_at) VALUES(?, ?, ?, ?)`),
		g.ID, g.Name, g.Balance.String(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create key group: %w", err)
	}
	return g, nil
}

// CreateKey mints a key in a group and returns the secret exactly once.
func (s *Store) CreateKey(ctx context.Context, name, groupID string) (string, *Key, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", nil, fmt.Errorf("generate key secret: %w", err)
	}
	k := &Key{
		ID:        uuid.NewString(),
		Name:      name,
		GroupID:   groupID,
		Hash:      HashSecret(secret),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO virtual_keys(id, name, group_id, hash, enabled, usage_count, created_at) VALUES(?, ?, ?, ?, ?, 0, ?)`),
		k.ID, k.Name, k.GroupID, k.Hash, k.Enabled, k.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("create virtual key: %w", err)
	}
	return secret, k, nil
}

// Authenticate resolves a presented secret to its key and group. A
// malformed or unknown secret, or a disabled key, fails with
// Authentication; an exhausted group balance fails with RateLimited.
func (s *Store) Authenticate(ctx context.Context, secret string) (*Key, *Group, error) {
	if !WellFormed(secret) {
		return nil, nil, conduiterr.New(conduiterr.Authentication, "malformed virtual key")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT k.id, k.name, k.group_id, k.enabled, k.usage_count, g.name, g.balance
FROM virtual_keys k JOIN virtual_key_groups g ON g.id = k.group_id
WHERE k.hash = ?`), HashSecret(secret))

	var (
		k         Key
		g         Group
		balance   string
		groupName string
	)
	err := row.Scan(&k.ID, &k.Name, &k.GroupID, &k.Enabled, &k.UsageCount, &groupName, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, conduiterr.New(conduiterr.Authentication, "unknown virtual key")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("look up virtual key: %w", err)
	}
	if !k.Enabled {
		return nil, nil, conduiterr.New(conduiterr.Authentication, "virtual key is disabled")
	}
	g.ID = k.GroupID
	g.Name = groupName
	g.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, nil, fmt.Errorf("parse group balance: %w", err)
	}
	if g.Balance.Sign() <= 0 {
		return nil, nil, conduiterr.New(conduiterr.RateLimited, "virtual key group balance is exhausted")
	}
	return &k, &g, nil
}

// RecordUse bumps the usage counter and the last-used timestamp.
func (s *Store) RecordUse(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE virtual_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`),
		time.Now().UTC(), keyID)
	if err != nil {
		return fmt.Errorf("record key use: %w", err)
	}
	return nil
}

// SetEnabled toggles a key.
func (s *Store) SetEnabled(ctx context.Context, keyID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE virtual_keys SET enabled = ? WHERE id = ?`), enabled, keyID)
	if err != nil {
		return fmt.Errorf("toggle virtual key: %w", err)
	}
	return nil
}

// Credit adds funds to a group balance.
func (s *Store) Credit(ctx context.Context, groupID string, amount decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance string
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT balance FROM virtual_key_groups WHERE id = ?`), groupID).Scan(&balance)
	if err != nil {
		return fmt.Errorf("read group balance: %w", err)
	}
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return fmt.Errorf("parse group balance: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.rebind(`UPDATE virtual_key_groups SET balance = ? WHERE id = ?`),
		current.Add(amount).String(), groupID)
	if err != nil {
		return fmt.Errorf("update group balance: %w", err)
	}
	return tx.Commit()
}

// Balance reads a group's current balance.
func (s *Store) Balance(ctx context.Context, groupID string) (decimal.Decimal, error) {
	var balance string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT balance FROM virtual_key_groups WHERE id = ?`), groupID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, conduiterr.New(conduiterr.Configuration, "unknown key group %q", groupID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read group balance: %w", err)
	}
	return decimal.NewFromString(balance)
}

// Keys lists the keys in a group.
func (s *Store) Keys(ctx context.Context, groupID string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, name, group_id, hash, enabled, usage_count, last_used_at, created_at
FROM virtual_keys WHERE group_id = ? ORDER BY created_at`), groupID)
	if err != nil {
		return nil, fmt.Errorf("list virtual keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var (
			k        Key
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.Name, &k.GroupID, &k.Hash, &k.Enabled, &k.UsageCount, &lastUsed, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan virtual key: %w", err)
		}
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.Time
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
