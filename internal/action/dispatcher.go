// Package action executes a matched voice command against tenant data.
//
// Every [command.ActionType] with dedicated behaviour is bound to a handler
// function in a lookup table built by [New]. Action types without an entry
// fall through to the default handler, which acknowledges the command and
// points the client at the command's own target page.
//
// Handlers only read tenant data. They never mutate business rows, and the
// command's own statistics are left to the recorder.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/sesli/internal/command"
)

const (
	defaultLowStockThreshold = 10
	defaultListLimit         = 20
)

// Result is the structured outcome of a handler. Count is a pointer so that a
// zero count is still reported while actions without a count omit it.
type Result struct {
	Action     command.ActionType `json:"action"`
	Data       any                `json:"data,omitempty"`
	Count      *int               `json:"count,omitempty"`
	Message    string             `json:"message"`
	NavigateTo string             `json:"navigateTo"`
}

// Request carries everything a handler needs.
type Request struct {
	Command  *command.Command
	TenantID string
	// Now is the execution instant, already converted to the dispatcher's
	// time zone.
	Now time.Time
}

// HandlerFunc executes one action type.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Option is a functional option for configuring a [Dispatcher].
type Option func(*Dispatcher)

// WithLocation sets the time zone used to compute "today". Default: UTC.
func WithLocation(loc *time.Location) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithLowStockThreshold sets the stock level at or below which a product is
// reported as low. Default: 10.
func WithLowStockThreshold(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.lowStockThreshold = n
		}
	}
}

// WithListLimit caps the number of rows returned in Result.Data. Default: 20.
func WithListLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.listLimit = n
		}
	}
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithHandler registers or replaces the handler for t.
func WithHandler(t command.ActionType, h HandlerFunc) Option {
	return func(d *Dispatcher) {
		d.handlers[t] = h
	}
}

// Dispatcher maps action types to handlers. The table is fixed after [New]
// and the Dispatcher is safe for concurrent use.
type Dispatcher struct {
	data              TenantData
	loc               *time.Location
	lowStockThreshold int
	listLimit         int
	now               func() time.Time

	handlers map[command.ActionType]HandlerFunc
}

// New builds a Dispatcher over data with the built-in handler table.
func New(data TenantData, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		data:              data,
		loc:               time.UTC,
		lowStockThreshold: defaultLowStockThreshold,
		listLimit:         defaultListLimit,
		now:               time.Now,
	}
	d.handlers = map[command.ActionType]HandlerFunc{
		command.ActionShowDailyOrders:    d.showDailyOrders,
		command.ActionShowPendingOrders:  d.showPendingOrders,
		command.ActionCountPendingOrders: d.countPendingOrders,
		command.ActionShowDailyRevenue:   d.showDailyRevenue,
		command.ActionShowLowStock:       d.showLowStock,
		command.ActionShowOpenTickets:    d.showOpenTickets,
		command.ActionCountOpenTickets:   d.countOpenTickets,
		command.ActionShowSummary:        d.showSummary,
		command.ActionNavigate:           d.navigate,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Execute runs the handler registered for cmd.ActionType, or the default
// handler when none is registered. Handler errors are returned wrapped.
func (d *Dispatcher) Execute(ctx context.Context, cmd *command.Command, tenantID string) (Result, error) {
	if cmd == nil {
		return Result{}, errors.New("action: nil command")
	}
	if tenantID == "" {
		return Result{}, errors.New("action: tenant id is required")
	}

	h, ok := d.handlers[cmd.ActionType]
	if !ok {
		h = d.acknowledge
	}

	res, err := h(ctx, Request{
		Command:  cmd,
		TenantID: tenantID,
		Now:      d.now().In(d.loc),
	})
	if err != nil {
		return Result{}, fmt.Errorf("action: %s: %w", cmd.ActionType, err)
	}
	if res.Action == "" {
		res.Action = cmd.ActionType
	}
	return res, nil
}

// Has reports whether t has a dedicated handler.
func (d *Dispatcher) Has(t command.ActionType) bool {
	_, ok := d.handlers[t]
	return ok
}

// startOfDay returns local midnight of the day containing t.
func startOfDay(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, t.Location())
}

// navigateOr returns fallback when the command has no target page.
func navigateOr(cmd *command.Command, fallback string) string {
	if cmd.TargetPage != "" {
		return cmd.TargetPage
	}
	return fallback
}

func intPtr(n int) *int { return &n }
