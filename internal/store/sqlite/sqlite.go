// Package sqlite is a storage backend on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It backs single-node deployments and local
// development; production multi-node setups use the postgres backend.
//
// The database is opened with a single connection. Every statement is
// therefore serialised, and the statistics update is one UPDATE whose right
// hand sides all read the pre-update row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/store"
)

// Schema is the SQL DDL applied by [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS voice_commands (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT,
    command_text   TEXT NOT NULL,
    variations     TEXT NOT NULL DEFAULT '[]',
    action_type    TEXT NOT NULL,
    target_page    TEXT NOT NULL DEFAULT '',
    min_confidence REAL NOT NULL DEFAULT 0.8,
    is_active      INTEGER NOT NULL DEFAULT 1,
    total_uses     INTEGER NOT NULL DEFAULT 0,
    success_count  INTEGER NOT NULL DEFAULT 0,
    avg_confidence REAL NOT NULL DEFAULT 0,
    last_used_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_voice_commands_tenant ON voice_commands(tenant_id);

CREATE TABLE IF NOT EXISTS voice_command_logs (
    id                   TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    user_id              TEXT NOT NULL,
    command_id           TEXT,
    transcript           TEXT NOT NULL DEFAULT '',
    matched_command_text TEXT,
    confidence_score     REAL NOT NULL DEFAULT 0,
    recognition_provider TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    action_taken         TEXT,
    execution_result     TEXT,
    error_message        TEXT,
    recognition_time_ms  INTEGER,
    execution_time_ms    INTEGER,
    created_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_command_logs_tenant ON voice_command_logs(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS profiles (
    user_id   TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    order_number  TEXT NOT NULL DEFAULT '',
    customer_name TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    total_amount  REAL NOT NULL DEFAULT 0,
    currency      TEXT NOT NULL DEFAULT 'TRY',
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_tenant ON orders(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS products (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    sku            TEXT NOT NULL DEFAULT '',
    stock_quantity INTEGER NOT NULL DEFAULT 0,
    price          REAL NOT NULL DEFAULT 0,
    is_active      INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_products_tenant ON products(tenant_id, stock_quantity);

CREATE TABLE IF NOT EXISTS support_tickets (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    subject       TEXT NOT NULL DEFAULT '',
    customer_name TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    priority      TEXT NOT NULL DEFAULT 'normal',
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_support_tickets_tenant ON support_tickets(tenant_id, created_at);
`

// timeLayout is fixed width so that text comparison orders instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Compile-time interface check.
var _ store.Backend = (*Store)(nil)

// Store is a [store.Backend] on a *sql.DB opened with the "sqlite" driver.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn, e.g.
// "file:sesli.db?_pragma=busy_timeout(5000)", and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. The caller runs [Store.Migrate].
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Ping implements [store.Backend].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// SeedCommands implements [command.Seeder]. Definitions are upserted; the
// statistics of existing rows are kept.
func (s *Store) SeedCommands(ctx context.Context, cmds []command.Command) (int, error) {
	const query = `
		INSERT INTO voice_commands (
			id, tenant_id, command_text, variations, action_type,
			target_page, min_confidence, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			command_text = excluded.command_text,
			variations = excluded.variations,
			action_type = excluded.action_type,
			target_page = excluded.target_page,
			min_confidence = excluded.min_confidence,
			is_active = excluded.is_active`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: seed: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range cmds {
		c := &cmds[i]
		if err := c.Validate(); err != nil {
			return 0, fmt.Errorf("sqlite: seed: %w", err)
		}
		variations, err := json.Marshal(nonNil(c.Variations))
		if err != nil {
			return 0, fmt.Errorf("sqlite: seed: marshal variations of %q: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query,
			c.ID, nullString(c.TenantID), c.CommandText, string(variations), string(c.ActionType),
			c.TargetPage, c.MinConfidence, c.IsActive,
		); err != nil {
			return 0, fmt.Errorf("sqlite: seed %q: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: seed: commit: %w", err)
	}
	return len(cmds), nil
}

const commandColumns = `id, tenant_id, command_text, variations, action_type, target_page,
	min_confidence, is_active, total_uses, success_count, avg_confidence, last_used_at`

// ActiveCommands implements [command.Registry].
func (s *Store) ActiveCommands(ctx context.Context, tenantID string) ([]command.Command, error) {
	query := `SELECT ` + commandColumns + `
		FROM voice_commands
		WHERE is_active = 1 AND (tenant_id IS NULL OR tenant_id = ?)`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: active commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []command.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: active commands: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: active commands: %w", err)
	}
	return out, nil
}

// Command returns the command with the given id, or [store.ErrNotFound].
func (s *Store) Command(ctx context.Context, id string) (command.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM voice_commands WHERE id = ?`
	c, err := scanCommand(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return command.Command{}, fmt.Errorf("sqlite: command %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return command.Command{}, fmt.Errorf("sqlite: command %q: %w", id, err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (command.Command, error) {
	var (
		c          command.Command
		tenantID   sql.NullString
		variations string
		action     string
		lastUsed   sql.NullString
	)
	if err := row.Scan(
		&c.ID, &tenantID, &c.CommandText, &variations, &action, &c.TargetPage,
		&c.MinConfidence, &c.IsActive, &c.TotalUses, &c.SuccessCount, &c.AvgConfidence, &lastUsed,
	); err != nil {
		return command.Command{}, err
	}
	c.ActionType = command.ActionType(action)
	if tenantID.Valid {
		c.TenantID = &tenantID.String
	}
	if err := json.Unmarshal([]byte(variations), &c.Variations); err != nil {
		return command.Command{}, fmt.Errorf("decode variations of %q: %w", c.ID, err)
	}
	if lastUsed.Valid {
		t, err := time.Parse(timeLayout, lastUsed.String)
		if err != nil {
			return command.Command{}, fmt.Errorf("decode last_used_at of %q: %w", c.ID, err)
		}
		c.LastUsedAt = &t
	}
	return c, nil
}

// RecordSuccess implements [recorder.StatsUpdater] as a single UPDATE.
func (s *Store) RecordSuccess(ctx context.Context, commandID string, confidence float64, at time.Time) error {
	const query = `
		UPDATE voice_commands SET
			avg_confidence = (avg_confidence * total_uses + ?) / (total_uses + 1),
			total_uses = total_uses + 1,
			success_count = success_count + 1,
			last_used_at = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, confidence, formatTime(at), commandID)
	if err != nil {
		return fmt.Errorf("sqlite: record success %q: %w", commandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: record success %q: %w", commandID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: record success %q: %w", commandID, store.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Invocation logs
// ---------------------------------------------------------------------------

// AppendLog implements [recorder.LogAppender].
func (s *Store) AppendLog(ctx context.Context, e *command.InvocationLog) error {
	const query = `
		INSERT INTO voice_command_logs (
			id, tenant_id, user_id, command_id, transcript, matched_command_text,
			confidence_score, recognition_provider, status, action_taken,
			execution_result, error_message, recognition_time_ms, execution_time_ms,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var result sql.NullString
	if len(e.ExecutionResult) > 0 {
		result = sql.NullString{String: string(e.ExecutionResult), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.TenantID, e.UserID, nullString(e.CommandID), e.Transcript, nullString(e.MatchedCommandText),
		e.ConfidenceScore, e.RecognitionProvider, string(e.Status), nullString(e.ActionTaken),
		result, nullString(e.ErrorMessage), nullInt(e.RecognitionTimeMs), nullInt(e.ExecutionTimeMs),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append log %q: %w", e.ID, err)
	}
	return nil
}

// Logs returns the most recent log rows of tenantID, newest first.
func (s *Store) Logs(ctx context.Context, tenantID string, limit int) ([]command.InvocationLog, error) {
	const query = `
		SELECT id, tenant_id, user_id, command_id, transcript, matched_command_text,
		       confidence_score, recognition_provider, status, action_taken,
		       execution_result, error_message, recognition_time_ms, execution_time_ms,
		       created_at
		FROM voice_command_logs
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []command.InvocationLog{}
	for rows.Next() {
		var (
			e                               command.InvocationLog
			commandID, matched, actionTaken sql.NullString
			result, errMsg                  sql.NullString
			recMs, execMs                   sql.NullInt64
			status, created                 string
		)
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.UserID, &commandID, &e.Transcript, &matched,
			&e.ConfidenceScore, &e.RecognitionProvider, &status, &actionTaken,
			&result, &errMsg, &recMs, &execMs, &created,
		); err != nil {
			return nil, fmt.Errorf("sqlite: logs: %w", err)
		}
		e.Status = command.Status(status)
		e.CommandID = stringPtr(commandID)
		e.MatchedCommandText = stringPtr(matched)
		e.ActionTaken = stringPtr(actionTaken)
		e.ErrorMessage = stringPtr(errMsg)
		e.RecognitionTimeMs = intPtr(recMs)
		e.ExecutionTimeMs = intPtr(execMs)
		if result.Valid {
			e.ExecutionResult = json.RawMessage(result.String)
		}
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("sqlite: logs: decode created_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: logs: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Profiles and fixtures
// ---------------------------------------------------------------------------

// TenantForUser returns the tenant of userID from the profiles table.
func (s *Store) TenantForUser(ctx context.Context, userID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id FROM profiles WHERE user_id = ?`, userID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: profile %q: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: profile %q: %w", userID, err)
	}
	return tenantID, nil
}

// LoadFixture implements [store.Backend] in one transaction.
func (s *Store) LoadFixture(ctx context.Context, f *store.Fixture) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: load fixture: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range f.Profiles {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO profiles (user_id, tenant_id) VALUES (?, ?)`,
			p.UserID, p.TenantID,
		); err != nil {
			return fmt.Errorf("sqlite: load profile %q: %w", p.UserID, err)
		}
	}
	for _, o := range f.Orders {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO orders (id, tenant_id, order_number, customer_name, status, total_amount, currency, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.TenantID, o.OrderNumber, o.CustomerName, o.Status, o.TotalAmount, currency(o.Currency), formatTime(o.CreatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: load order %q: %w", o.ID, err)
		}
	}
	for _, p := range f.Products {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO products (id, tenant_id, name, sku, stock_quantity, price, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.TenantID, p.Name, p.SKU, p.StockQuantity, p.Price, p.IsActive,
		); err != nil {
			return fmt.Errorf("sqlite: load product %q: %w", p.ID, err)
		}
	}
	for _, t := range f.Tickets {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO support_tickets (id, tenant_id, subject, customer_name, status, priority, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.TenantID, t.Subject, t.CustomerName, t.Status, priority(t.Priority), formatTime(t.CreatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: load ticket %q: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: load fixture: commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// inClause returns "?, ?, ?" for n placeholders.
func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func currency(c string) string {
	if c == "" {
		return "TRY"
	}
	return c
}

func priority(p string) string {
	if p == "" {
		return "normal"
	}
	return p
}
