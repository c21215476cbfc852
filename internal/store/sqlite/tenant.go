package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/sesli/internal/action"
)

// orderWhere renders the WHERE clause of an order filter.
func orderWhere(tenantID string, f action.OrderFilter) (string, []any) {
	var (
		b    strings.Builder
		args = []any{tenantID}
	)
	b.WriteString(" WHERE tenant_id = ?")
	if !f.Since.IsZero() {
		b.WriteString(" AND created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(f.Statuses) > 0 {
		b.WriteString(" AND status IN (" + inClause(len(f.Statuses)) + ")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if len(f.ExcludeStatuses) > 0 {
		b.WriteString(" AND status NOT IN (" + inClause(len(f.ExcludeStatuses)) + ")")
		for _, st := range f.ExcludeStatuses {
			args = append(args, st)
		}
	}
	return b.String(), args
}

// ListOrders implements [action.TenantData], newest first.
func (s *Store) ListOrders(ctx context.Context, tenantID string, f action.OrderFilter) ([]action.Order, error) {
	where, args := orderWhere(tenantID, f)
	query := `SELECT id, tenant_id, order_number, customer_name, status, total_amount, currency, created_at
		FROM orders` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []action.Order{}
	for rows.Next() {
		var (
			o       action.Order
			created string
		)
		if err := rows.Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.CustomerName, &o.Status, &o.TotalAmount, &o.Currency, &created); err != nil {
			return nil, fmt.Errorf("sqlite: list orders: %w", err)
		}
		if o.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("sqlite: list orders: decode created_at: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list orders: %w", err)
	}
	return out, nil
}

// CountOrders implements [action.TenantData].
func (s *Store) CountOrders(ctx context.Context, tenantID string, f action.OrderFilter) (int, error) {
	where, args := orderWhere(tenantID, f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count orders: %w", err)
	}
	return n, nil
}

// SumOrderTotals implements [action.TenantData].
func (s *Store) SumOrderTotals(ctx context.Context, tenantID string, f action.OrderFilter) (float64, error) {
	where, args := orderWhere(tenantID, f)
	var sum sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(total_amount) FROM orders`+where, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sqlite: sum orders: %w", err)
	}
	return sum.Float64, nil
}

// ListLowStockProducts implements [action.TenantData], lowest stock first.
func (s *Store) ListLowStockProducts(ctx context.Context, tenantID string, threshold, limit int) ([]action.Product, error) {
	query := `SELECT id, tenant_id, name, sku, stock_quantity, price, is_active
		FROM products
		WHERE tenant_id = ? AND is_active = 1 AND stock_quantity <= ?
		ORDER BY stock_quantity, id`
	args := []any{tenantID, threshold}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list low stock: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []action.Product{}
	for rows.Next() {
		var p action.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.SKU, &p.StockQuantity, &p.Price, &p.IsActive); err != nil {
			return nil, fmt.Errorf("sqlite: list low stock: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list low stock: %w", err)
	}
	return out, nil
}

// CountLowStockProducts implements [action.TenantData].
func (s *Store) CountLowStockProducts(ctx context.Context, tenantID string, threshold int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE tenant_id = ? AND is_active = 1 AND stock_quantity <= ?`,
		tenantID, threshold,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count low stock: %w", err)
	}
	return n, nil
}

func ticketWhere(tenantID string, f action.TicketFilter) (string, []any) {
	where := " WHERE tenant_id = ?"
	args := []any{tenantID}
	if len(f.Statuses) > 0 {
		where += " AND status IN (" + inClause(len(f.Statuses)) + ")"
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	return where, args
}

// ListTickets implements [action.TenantData], newest first.
func (s *Store) ListTickets(ctx context.Context, tenantID string, f action.TicketFilter) ([]action.Ticket, error) {
	where, args := ticketWhere(tenantID, f)
	query := `SELECT id, tenant_id, subject, customer_name, status, priority, created_at
		FROM support_tickets` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []action.Ticket{}
	for rows.Next() {
		var (
			t       action.Ticket
			created string
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Subject, &t.CustomerName, &t.Status, &t.Priority, &created); err != nil {
			return nil, fmt.Errorf("sqlite: list tickets: %w", err)
		}
		if t.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("sqlite: list tickets: decode created_at: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list tickets: %w", err)
	}
	return out, nil
}

// CountTickets implements [action.TenantData].
func (s *Store) CountTickets(ctx context.Context, tenantID string, f action.TicketFilter) (int, error) {
	where, args := ticketWhere(tenantID, f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM support_tickets`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count tickets: %w", err)
	}
	return n, nil
}
