package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SQLStore debits virtual key group balances and records one audit row
// per request. It shares the database the virtualkey store initializes;
// the request_id primary key makes re-submitted batches no-ops.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps an already-open handle. dialect is "sqlite" or
// "postgres".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS spend_audit (
	request_id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	alias TEXT,
	provider TEXT,
	model TEXT,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost TEXT NOT NULL,
	estimated INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);`
	if s.dialect == "postgres" {
		ddl = strings.ReplaceAll(ddl, "TIMESTAMP", "TIMESTAMPTZ")
		ddl = strings.Replace(ddl, "estimated INTEGER", "estimated BOOLEAN", 1)
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize spend audit schema: %w", err)
	}
	return nil
}

func (s *SQLStore) rebind(query string) string {
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

// Debit applies a batch in one transaction. Only charges whose audit
// row is newly inserted count toward the group debit, so a requeued
// batch can never decrement a balance twice.
func (s *SQLStore) Debit(ctx context.Context, charges []Charge) error {
	if len(charges) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `INSERT INTO spend_audit(request_id, group_id, alias, provider, model, prompt_tokens, completion_tokens, cost, estimated, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(request_id) DO NOTHING`

	perGroup := make(map[string]decimal.Decimal)
	order := make([]string, 0, 4)
	for _, c := range charges {
		res, err := tx.ExecContext(ctx, s.rebind(insert),
			c.RequestID, c.GroupID, c.Alias, c.Provider, c.Model,
			c.PromptTokens, c.CompletionTokens, c.Cost.String(), c.Estimated, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert audit row: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("audit insert result: %w", err)
		}
		if inserted == 0 {
			continue
		}
		if _, ok := perGroup[c.GroupID]; !ok {
			order = append(order, c.GroupID)
		}
		perGroup[c.GroupID] = perGroup[c.GroupID].Add(c.Cost)
	}

	for _, groupID := range order {
		var balance string
		err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT balance FROM virtual_key_groups WHERE id = ?`), groupID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("debit unknown key group %q", groupID)
		}
		if err != nil {
			return fmt.Errorf("read group balance: %w", err)
		}
		current, err := decimal.NewFromString(balance)
		if err != nil {
			return fmt.Errorf("parse group balance: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE virtual_key_groups SET balance = ? WHERE id = ?`),
			current.Sub(perGroup[groupID]).String(), groupID)
		if err != nil {
			return fmt.Errorf("update group balance: %w", err)
		}
	}
	return tx.Commit()
}

// AuditEntry is one persisted charge.
type AuditEntry struct {
	RequestID        string
	GroupID          string
	Alias            string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
	Estimated        bool
	CreatedAt        time.Time
}

// Audit lists the persisted entries for a group, newest first.
func (s *SQLStore) Audit(ctx context.Context, groupID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT request_id, group_id, alias, provider, model, prompt_tokens, completion_tokens, cost, estimated, created_at
FROM spend_audit WHERE group_id = ? ORDER BY created_at DESC LIMIT ?`), groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e    AuditEntry
			cost string
		)
		if err := rows.Scan(&e.RequestID, &e.GroupID, &e.Alias, &e.Provider, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &cost, &e.Estimated, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Cost, err = decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("parse audit cost: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
