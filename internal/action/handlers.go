package action

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"
)

var (
	openTicketStatuses = []string{TicketOpen, TicketInProgress}
	pendingStatuses    = []string{OrderPending}
	revenueExclusions  = []string{OrderCancelled}
)

func (d *Dispatcher) showDailyOrders(ctx context.Context, req Request) (Result, error) {
	f := OrderFilter{Since: startOfDay(req.Now), Limit: d.listLimit}
	orders, err := d.data.ListOrders(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("list daily orders: %w", err)
	}
	n, err := d.data.CountOrders(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("count daily orders: %w", err)
	}
	return Result{
		Data:       orders,
		Count:      intPtr(n),
		Message:    fmt.Sprintf("Bugün %d sipariş alındı.", n),
		NavigateTo: "/orders?filter=today",
	}, nil
}

func (d *Dispatcher) showPendingOrders(ctx context.Context, req Request) (Result, error) {
	f := OrderFilter{Statuses: pendingStatuses, Limit: d.listLimit}
	orders, err := d.data.ListOrders(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("list pending orders: %w", err)
	}
	n, err := d.data.CountOrders(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("count pending orders: %w", err)
	}
	return Result{
		Data:       orders,
		Count:      intPtr(n),
		Message:    fmt.Sprintf("%d bekleyen sipariş var.", n),
		NavigateTo: "/orders?status=pending",
	}, nil
}

func (d *Dispatcher) countPendingOrders(ctx context.Context, req Request) (Result, error) {
	n, err := d.data.CountOrders(ctx, req.TenantID, OrderFilter{Statuses: pendingStatuses})
	if err != nil {
		return Result{}, fmt.Errorf("count pending orders: %w", err)
	}
	return Result{
		Count:      intPtr(n),
		Message:    fmt.Sprintf("Şu anda %d sipariş onay bekliyor.", n),
		NavigateTo: "/orders?status=pending",
	}, nil
}

// revenue is the Data payload of SHOW_DAILY_REVENUE.
type revenue struct {
	Total      float64 `json:"total"`
	OrderCount int     `json:"order_count"`
}

func (d *Dispatcher) showDailyRevenue(ctx context.Context, req Request) (Result, error) {
	f := OrderFilter{Since: startOfDay(req.Now), ExcludeStatuses: revenueExclusions}
	total, err := d.data.SumOrderTotals(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("sum daily revenue: %w", err)
	}
	n, err := d.data.CountOrders(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("count daily revenue orders: %w", err)
	}
	return Result{
		Data:       revenue{Total: total, OrderCount: n},
		Count:      intPtr(n),
		Message:    fmt.Sprintf("Bugünkü toplam ciro %s TL (%d sipariş).", formatAmount(total), n),
		NavigateTo: "/reports/sales?range=today",
	}, nil
}

func (d *Dispatcher) showLowStock(ctx context.Context, req Request) (Result, error) {
	products, err := d.data.ListLowStockProducts(ctx, req.TenantID, d.lowStockThreshold, d.listLimit)
	if err != nil {
		return Result{}, fmt.Errorf("list low stock products: %w", err)
	}
	n, err := d.data.CountLowStockProducts(ctx, req.TenantID, d.lowStockThreshold)
	if err != nil {
		return Result{}, fmt.Errorf("count low stock products: %w", err)
	}
	return Result{
		Data:       products,
		Count:      intPtr(n),
		Message:    fmt.Sprintf("%d üründe stok kritik seviyede.", n),
		NavigateTo: "/products?filter=low-stock",
	}, nil
}

func (d *Dispatcher) showOpenTickets(ctx context.Context, req Request) (Result, error) {
	f := TicketFilter{Statuses: openTicketStatuses, Limit: d.listLimit}
	tickets, err := d.data.ListTickets(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("list open tickets: %w", err)
	}
	n, err := d.data.CountTickets(ctx, req.TenantID, f)
	if err != nil {
		return Result{}, fmt.Errorf("count open tickets: %w", err)
	}
	return Result{
		Data:       tickets,
		Count:      intPtr(n),
		Message:    fmt.Sprintf("%d açık destek talebi var.", n),
		NavigateTo: "/support?status=open",
	}, nil
}

func (d *Dispatcher) countOpenTickets(ctx context.Context, req Request) (Result, error) {
	n, err := d.data.CountTickets(ctx, req.TenantID, TicketFilter{Statuses: openTicketStatuses})
	if err != nil {
		return Result{}, fmt.Errorf("count open tickets: %w", err)
	}
	return Result{
		Count:      intPtr(n),
		Message:    fmt.Sprintf("Yanıt bekleyen %d destek talebi var.", n),
		NavigateTo: "/support?status=open",
	}, nil
}

// summary is the Data payload of SHOW_SUMMARY.
type summary struct {
	DailyOrders   int `json:"daily_orders"`
	PendingOrders int `json:"pending_orders"`
	OpenTickets   int `json:"open_tickets"`
	LowStock      int `json:"low_stock"`
}

// showSummary runs the four dashboard counts in parallel. Any failing count
// aborts the whole summary.
func (d *Dispatcher) showSummary(ctx context.Context, req Request) (Result, error) {
	var s summary
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		n, err := d.data.CountOrders(egCtx, req.TenantID, OrderFilter{Since: startOfDay(req.Now)})
		if err != nil {
			return fmt.Errorf("count daily orders: %w", err)
		}
		s.DailyOrders = n
		return nil
	})
	eg.Go(func() error {
		n, err := d.data.CountOrders(egCtx, req.TenantID, OrderFilter{Statuses: pendingStatuses})
		if err != nil {
			return fmt.Errorf("count pending orders: %w", err)
		}
		s.PendingOrders = n
		return nil
	})
	eg.Go(func() error {
		n, err := d.data.CountTickets(egCtx, req.TenantID, TicketFilter{Statuses: openTicketStatuses})
		if err != nil {
			return fmt.Errorf("count open tickets: %w", err)
		}
		s.OpenTickets = n
		return nil
	})
	eg.Go(func() error {
		n, err := d.data.CountLowStockProducts(egCtx, req.TenantID, d.lowStockThreshold)
		if err != nil {
			return fmt.Errorf("count low stock products: %w", err)
		}
		s.LowStock = n
		return nil
	})

	if err := eg.Wait(); err != nil {
		return Result{}, err
	}
	return Result{
		Data: s,
		Message: fmt.Sprintf("Bugün %d sipariş, %d bekleyen sipariş, %d açık destek talebi ve %d düşük stoklu ürün var.",
			s.DailyOrders, s.PendingOrders, s.OpenTickets, s.LowStock),
		NavigateTo: "/dashboard",
	}, nil
}

func (d *Dispatcher) navigate(_ context.Context, req Request) (Result, error) {
	target := navigateOr(req.Command, "/dashboard")
	return Result{
		Message:    fmt.Sprintf("%s sayfası açılıyor.", target),
		NavigateTo: target,
	}, nil
}

// acknowledge is the default handler for action types without a dedicated
// implementation.
func (d *Dispatcher) acknowledge(_ context.Context, req Request) (Result, error) {
	return Result{
		Message:    fmt.Sprintf("Komut alındı: %s", req.Command.CommandText),
		NavigateTo: req.Command.TargetPage,
	}, nil
}

// formatAmount renders v with two decimals and a Turkish decimal comma.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	b := []byte(s)
	for i := range b {
		if b[i] == '.' {
			b[i] = ','
		}
	}
	return string(b)
}
