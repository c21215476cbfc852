package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/sesli/internal/action"
)

// where accumulates numbered predicates.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(expr string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// limit appends a LIMIT placeholder when n is positive.
func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return " LIMIT $" + strconv.Itoa(len(w.args))
}

func orderWhere(tenantID string, f action.OrderFilter) *where {
	w := &where{}
	w.add("tenant_id = ?", tenantID)
	if !f.Since.IsZero() {
		w.add("created_at >= ?", f.Since)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY(?)", f.Statuses)
	}
	if len(f.ExcludeStatuses) > 0 {
		w.add("NOT (status = ANY(?))", f.ExcludeStatuses)
	}
	return w
}

// ListOrders implements [action.TenantData], newest first.
func (s *Store) ListOrders(ctx context.Context, tenantID string, f action.OrderFilter) ([]action.Order, error) {
	w := orderWhere(tenantID, f)
	query := `SELECT id, tenant_id, order_number, customer_name, status, total_amount, currency, created_at
		FROM orders` + w.String() + ` ORDER BY created_at DESC, id` + w.limit(f.Limit)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (action.Order, error) {
		var o action.Order
		err := row.Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.CustomerName, &o.Status, &o.TotalAmount, &o.Currency, &o.CreatedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	return out, nil
}

// CountOrders implements [action.TenantData].
func (s *Store) CountOrders(ctx context.Context, tenantID string, f action.OrderFilter) (int, error) {
	w := orderWhere(tenantID, f)
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count orders: %w", err)
	}
	return n, nil
}

// SumOrderTotals implements [action.TenantData].
func (s *Store) SumOrderTotals(ctx context.Context, tenantID string, f action.OrderFilter) (float64, error) {
	w := orderWhere(tenantID, f)
	var sum float64
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(total_amount), 0) FROM orders`+w.String(), w.args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("postgres: sum orders: %w", err)
	}
	return sum, nil
}

func lowStockWhere(tenantID string, threshold int) *where {
	w := &where{}
	w.add("tenant_id = ?", tenantID)
	w.clauses = append(w.clauses, "is_active")
	w.add("stock_quantity <= ?", threshold)
	return w
}

// ListLowStockProducts implements [action.TenantData], lowest stock first.
func (s *Store) ListLowStockProducts(ctx context.Context, tenantID string, threshold, limit int) ([]action.Product, error) {
	w := lowStockWhere(tenantID, threshold)
	query := `SELECT id, tenant_id, name, sku, stock_quantity, price, is_active
		FROM products` + w.String() + ` ORDER BY stock_quantity, id` + w.limit(limit)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list low stock: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (action.Product, error) {
		var p action.Product
		err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.SKU, &p.StockQuantity, &p.Price, &p.IsActive)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list low stock: %w", err)
	}
	return out, nil
}

// CountLowStockProducts implements [action.TenantData].
func (s *Store) CountLowStockProducts(ctx context.Context, tenantID string, threshold int) (int, error) {
	w := lowStockWhere(tenantID, threshold)
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM products`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count low stock: %w", err)
	}
	return n, nil
}

func ticketWhere(tenantID string, f action.TicketFilter) *where {
	w := &where{}
	w.add("tenant_id = ?", tenantID)
	if len(f.Statuses) > 0 {
		w.add("status = ANY(?)", f.Statuses)
	}
	return w
}

// ListTickets implements [action.TenantData], newest first.
func (s *Store) ListTickets(ctx context.Context, tenantID string, f action.TicketFilter) ([]action.Ticket, error) {
	w := ticketWhere(tenantID, f)
	query := `SELECT id, tenant_id, subject, customer_name, status, priority, created_at
		FROM support_tickets` + w.String() + ` ORDER BY created_at DESC, id` + w.limit(f.Limit)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tickets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (action.Ticket, error) {
		var t action.Ticket
		err := row.Scan(&t.ID, &t.TenantID, &t.Subject, &t.CustomerName, &t.Status, &t.Priority, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list tickets: %w", err)
	}
	return out, nil
}

// CountTickets implements [action.TenantData].
func (s *Store) CountTickets(ctx context.Context, tenantID string, f action.TicketFilter) (int, error) {
	w := ticketWhere(tenantID, f)
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM support_tickets`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count tickets: %w", err)
	}
	return n, nil
}
