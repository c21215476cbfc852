// Package postgres is the production storage backend on PostgreSQL via pgx.
//
// The statistics update is a single UPDATE statement. PostgreSQL evaluates
// every right hand side against the row version it locked, so concurrent
// successes on the same command serialise on the row lock and no update is
// lost.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/store"
)

// Schema is the SQL DDL applied by [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS voice_commands (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT,
    command_text   TEXT NOT NULL,
    variations     JSONB NOT NULL DEFAULT '[]',
    action_type    TEXT NOT NULL,
    target_page    TEXT NOT NULL DEFAULT '',
    min_confidence DOUBLE PRECISION NOT NULL DEFAULT 0.8
                   CHECK (min_confidence >= 0 AND min_confidence <= 1),
    is_active      BOOLEAN NOT NULL DEFAULT true,
    total_uses     BIGINT NOT NULL DEFAULT 0,
    success_count  BIGINT NOT NULL DEFAULT 0,
    avg_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_used_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_voice_commands_tenant ON voice_commands(tenant_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS voice_command_logs (
    id                   UUID PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    user_id              TEXT NOT NULL,
    command_id           TEXT,
    transcript           TEXT NOT NULL DEFAULT '',
    matched_command_text TEXT,
    confidence_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
    recognition_provider TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL CHECK (status IN ('success', 'failed', 'rejected')),
    action_taken         TEXT,
    execution_result     JSONB,
    error_message        TEXT,
    recognition_time_ms  BIGINT,
    execution_time_ms    BIGINT,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK ((status = 'success') = (execution_time_ms IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_voice_command_logs_tenant ON voice_command_logs(tenant_id, created_at DESC);

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
    total_amount  DOUBLE PRECISION NOT NULL DEFAULT 0,
    currency      TEXT NOT NULL DEFAULT 'TRY',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_tenant ON orders(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS products (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    name           TEXT NOT NULL DEFAULT '',
    sku            TEXT NOT NULL DEFAULT '',
    stock_quantity INTEGER NOT NULL DEFAULT 0,
    price          DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_active      BOOLEAN NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS idx_products_tenant ON products(tenant_id, stock_quantity);

CREATE TABLE IF NOT EXISTS support_tickets (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    subject       TEXT NOT NULL DEFAULT '',
    customer_name TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    priority      TEXT NOT NULL DEFAULT 'normal',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_support_tickets_tenant ON support_tickets(tenant_id, created_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Compile-time interface check.
var _ store.Backend = (*Store)(nil)

// Store is a [store.Backend] on PostgreSQL.
type Store struct {
	db    DB
	close func()
}

// Open connects a pool to dsn, pings it and applies [Schema].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection or pool. The caller owns db and runs
// [Store.Migrate].
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping implements [store.Backend].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			command_text = EXCLUDED.command_text,
			variations = EXCLUDED.variations,
			action_type = EXCLUDED.action_type,
			target_page = EXCLUDED.target_page,
			min_confidence = EXCLUDED.min_confidence,
			is_active = EXCLUDED.is_active`

	for i := range cmds {
		if err := cmds[i].Validate(); err != nil {
			return i, fmt.Errorf("postgres: seed: %w", err)
		}
	}
	for i := range cmds {
		c := &cmds[i]
		variations, err := json.Marshal(emptySlice(c.Variations))
		if err != nil {
			return i, fmt.Errorf("postgres: seed: marshal variations of %q: %w", c.ID, err)
		}
		if _, err := s.db.Exec(ctx, query,
			c.ID, c.TenantID, c.CommandText, variations, string(c.ActionType),
			c.TargetPage, c.MinConfidence, c.IsActive,
		); err != nil {
			return i, fmt.Errorf("postgres: seed %q: %w", c.ID, err)
		}
	}
	return len(cmds), nil
}

const commandColumns = `id, tenant_id, command_text, variations, action_type, target_page,
	min_confidence, is_active, total_uses, success_count, avg_confidence, last_used_at`

// ActiveCommands implements [command.Registry].
func (s *Store) ActiveCommands(ctx context.Context, tenantID string) ([]command.Command, error) {
	query := `SELECT ` + commandColumns + `
		FROM voice_commands
		WHERE is_active AND (tenant_id IS NULL OR tenant_id = $1)`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: active commands: %w", err)
	}
	defer rows.Close()

	out := []command.Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: active commands: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: active commands: %w", err)
	}
	return out, nil
}

// Command returns the command with the given id, or [store.ErrNotFound].
func (s *Store) Command(ctx context.Context, id string) (command.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM voice_commands WHERE id = $1`
	c, err := scanCommand(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return command.Command{}, fmt.Errorf("postgres: command %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return command.Command{}, fmt.Errorf("postgres: command %q: %w", id, err)
	}
	return c, nil
}

func scanCommand(row pgx.Row) (command.Command, error) {
	var (
		c          command.Command
		variations []byte
		action     string
	)
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.CommandText, &variations, &action, &c.TargetPage,
		&c.MinConfidence, &c.IsActive, &c.TotalUses, &c.SuccessCount, &c.AvgConfidence, &c.LastUsedAt,
	); err != nil {
		return command.Command{}, err
	}
	c.ActionType = command.ActionType(action)
	if err := json.Unmarshal(variations, &c.Variations); err != nil {
		return command.Command{}, fmt.Errorf("decode variations of %q: %w", c.ID, err)
	}
	if c.Variations == nil {
		c.Variations = []string{}
	}
	return c, nil
}

// RecordSuccess implements [recorder.StatsUpdater] as a single UPDATE.
func (s *Store) RecordSuccess(ctx context.Context, commandID string, confidence float64, at time.Time) error {
	const query = `
		UPDATE voice_commands SET
			avg_confidence = (avg_confidence * total_uses + $2) / (total_uses + 1),
			total_uses = total_uses + 1,
			success_count = success_count + 1,
			last_used_at = $3
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, commandID, confidence, at)
	if err != nil {
		return fmt.Errorf("postgres: record success %q: %w", commandID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: record success %q: %w", commandID, store.ErrNotFound)
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	var result []byte
	if len(e.ExecutionResult) > 0 {
		result = e.ExecutionResult
	}
	_, err := s.db.Exec(ctx, query,
		e.ID, e.TenantID, e.UserID, e.CommandID, e.Transcript, e.MatchedCommandText,
		e.ConfidenceScore, e.RecognitionProvider, string(e.Status), e.ActionTaken,
		result, e.ErrorMessage, e.RecognitionTimeMs, e.ExecutionTimeMs,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append log %q: %w", e.ID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Profiles and fixtures
// ---------------------------------------------------------------------------

// TenantForUser returns the tenant of userID from the profiles table.
func (s *Store) TenantForUser(ctx context.Context, userID string) (string, error) {
	var tenantID string
	err := s.db.QueryRow(ctx, `SELECT tenant_id FROM profiles WHERE user_id = $1`, userID).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres: profile %q: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: profile %q: %w", userID, err)
	}
	return tenantID, nil
}

// LoadFixture implements [store.Backend]. Rows are upserted one by one.
func (s *Store) LoadFixture(ctx context.Context, f *store.Fixture) error {
	for _, p := range f.Profiles {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO profiles (user_id, tenant_id) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id`,
			p.UserID, p.TenantID,
		); err != nil {
			return fmt.Errorf("postgres: load profile %q: %w", p.UserID, err)
		}
	}
	for _, o := range f.Orders {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO orders (id, tenant_id, order_number, customer_name, status, total_amount, currency, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, COALESCE(NULLIF($7, ''), 'TRY'), $8)
			 ON CONFLICT (id) DO UPDATE SET
			   tenant_id = EXCLUDED.tenant_id, order_number = EXCLUDED.order_number,
			   customer_name = EXCLUDED.customer_name, status = EXCLUDED.status,
			   total_amount = EXCLUDED.total_amount, currency = EXCLUDED.currency,
			   created_at = EXCLUDED.created_at`,
			o.ID, o.TenantID, o.OrderNumber, o.CustomerName, o.Status, o.TotalAmount, o.Currency, o.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: load order %q: %w", o.ID, err)
		}
	}
	for _, p := range f.Products {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO products (id, tenant_id, name, sku, stock_quantity, price, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name, sku = EXCLUDED.sku,
			   stock_quantity = EXCLUDED.stock_quantity, price = EXCLUDED.price,
			   is_active = EXCLUDED.is_active`,
			p.ID, p.TenantID, p.Name, p.SKU, p.StockQuantity, p.Price, p.IsActive,
		); err != nil {
			return fmt.Errorf("postgres: load product %q: %w", p.ID, err)
		}
	}
	for _, t := range f.Tickets {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO support_tickets (id, tenant_id, subject, customer_name, status, priority, created_at)
			 VALUES ($1, $2, $3, $4, $5, COALESCE(NULLIF($6, ''), 'normal'), $7)
			 ON CONFLICT (id) DO UPDATE SET
			   tenant_id = EXCLUDED.tenant_id, subject = EXCLUDED.subject,
			   customer_name = EXCLUDED.customer_name, status = EXCLUDED.status,
			   priority = EXCLUDED.priority, created_at = EXCLUDED.created_at`,
			t.ID, t.TenantID, t.Subject, t.CustomerName, t.Status, t.Priority, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: load ticket %q: %w", t.ID, err)
		}
	}
	return nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
