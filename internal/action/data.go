package action

import (
	"context"
	"time"
)

// Order status values.
const (
	OrderPending    = "pending"
	OrderProcessing = "processing"
	OrderShipped    = "shipped"
	OrderDelivered  = "delivered"
	OrderCancelled  = "cancelled"
)

// Ticket status values.
const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "resolved"
	TicketClosed     = "closed"
)

// Order is a tenant's sales order as seen by the handlers.
type Order struct {
	ID           string    `json:"id" yaml:"id"`
	TenantID     string    `json:"tenant_id" yaml:"tenant_id"`
	OrderNumber  string    `json:"order_number" yaml:"order_number"`
	CustomerName string    `json:"customer_name" yaml:"customer_name"`
	Status       string    `json:"status" yaml:"status"`
	TotalAmount  float64   `json:"total_amount" yaml:"total_amount"`
	Currency     string    `json:"currency" yaml:"currency"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// Product is a catalogue entry with its current stock level.
type Product struct {
	ID            string  `json:"id" yaml:"id"`
	TenantID      string  `json:"tenant_id" yaml:"tenant_id"`
	Name          string  `json:"name" yaml:"name"`
	SKU           string  `json:"sku" yaml:"sku"`
	StockQuantity int     `json:"stock_quantity" yaml:"stock_quantity"`
	Price         float64 `json:"price" yaml:"price"`
	IsActive      bool    `json:"is_active" yaml:"is_active"`
}

// Ticket is a customer support request.
type Ticket struct {
	ID           string    `json:"id" yaml:"id"`
	TenantID     string    `json:"tenant_id" yaml:"tenant_id"`
	Subject      string    `json:"subject" yaml:"subject"`
	CustomerName string    `json:"customer_name" yaml:"customer_name"`
	Status       string    `json:"status" yaml:"status"`
	Priority     string    `json:"priority" yaml:"priority"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// OrderFilter narrows an order query. Zero fields do not filter.
type OrderFilter struct {
	// Since keeps orders created at or after this instant.
	Since time.Time
	// Statuses keeps orders in any of these states.
	Statuses []string
	// ExcludeStatuses drops orders in any of these states.
	ExcludeStatuses []string
	// Limit caps list queries. Ignored by counts and sums.
	Limit int
}

// TicketFilter narrows a ticket query. Zero fields do not filter.
type TicketFilter struct {
	Statuses []string
	Limit    int
}

// TenantData is the read-only view of tenant business tables used by the
// handlers. Every method is scoped to tenantID; implementations must never
// return rows of another tenant. Lists are ordered newest first (orders,
// tickets) or by ascending stock (products).
type TenantData interface {
	ListOrders(ctx context.Context, tenantID string, f OrderFilter) ([]Order, error)
	CountOrders(ctx context.Context, tenantID string, f OrderFilter) (int, error)
	SumOrderTotals(ctx context.Context, tenantID string, f OrderFilter) (float64, error)

	ListLowStockProducts(ctx context.Context, tenantID string, threshold, limit int) ([]Product, error)
	CountLowStockProducts(ctx context.Context, tenantID string, threshold int) (int, error)

	ListTickets(ctx context.Context, tenantID string, f TicketFilter) ([]Ticket, error)
	CountTickets(ctx context.Context, tenantID string, f TicketFilter) (int, error)
}
