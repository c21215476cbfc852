// Package memstore is an in-memory storage backend. It is used for local
// development with seed files and as the store of the pipeline tests.
//
// All methods are safe for concurrent use. The command statistics update
// runs under the store's write lock, so concurrent successes on the same
// command combine without lost updates.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/sesli/internal/action"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/store"
)

// Compile-time interface check.
var _ store.Backend = (*Store)(nil)

// Store holds every table in maps and slices guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	commands map[string]command.Command
	logs     []command.InvocationLog
	profiles map[string]string
	orders   map[string]action.Order
	products map[string]action.Product
	tickets  map[string]action.Ticket
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		commands: make(map[string]command.Command),
		profiles: make(map[string]string),
		orders:   make(map[string]action.Order),
		products: make(map[string]action.Product),
		tickets:  make(map[string]action.Ticket),
	}
}

// SeedCommands implements [command.Seeder]. Existing commands with the same
// id are replaced, including their statistics.
func (s *Store) SeedCommands(_ context.Context, cmds []command.Command) (int, error) {
	for i := range cmds {
		if err := cmds[i].Validate(); err != nil {
			return 0, fmt.Errorf("memstore: seed: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cmds {
		s.commands[c.ID] = cloneCommand(c)
	}
	return len(cmds), nil
}

// ActiveCommands implements [command.Registry].
func (s *Store) ActiveCommands(_ context.Context, tenantID string) ([]command.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]command.Command, 0, len(s.commands))
	for _, c := range s.commands {
		if c.VisibleTo(tenantID) {
			out = append(out, cloneCommand(c))
		}
	}
	return out, nil
}

// Command returns a copy of the command with the given id.
func (s *Store) Command(_ context.Context, id string) (command.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return command.Command{}, fmt.Errorf("memstore: command %q: %w", id, store.ErrNotFound)
	}
	return cloneCommand(c), nil
}

// AppendLog implements [recorder.LogAppender].
func (s *Store) AppendLog(_ context.Context, entry *command.InvocationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

// Logs returns a copy of every log row in insertion order.
func (s *Store) Logs() []command.InvocationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs)
}

// RecordSuccess implements [recorder.StatsUpdater].
func (s *Store) RecordSuccess(_ context.Context, commandID string, confidence float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return fmt.Errorf("memstore: record success %q: %w", commandID, store.ErrNotFound)
	}
	c.AvgConfidence = (c.AvgConfidence*float64(c.TotalUses) + confidence) / float64(c.TotalUses+1)
	c.TotalUses++
	c.SuccessCount++
	c.LastUsedAt = &at
	s.commands[commandID] = c
	return nil
}

// TenantForUser implements the auth tenant lookup.
func (s *Store) TenantForUser(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.profiles[userID]
	if !ok {
		return "", fmt.Errorf("memstore: profile %q: %w", userID, store.ErrNotFound)
	}
	return t, nil
}

// LoadFixture implements [store.Backend].
func (s *Store) LoadFixture(_ context.Context, f *store.Fixture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range f.Profiles {
		s.profiles[p.UserID] = p.TenantID
	}
	for _, o := range f.Orders {
		s.orders[o.ID] = o
	}
	for _, p := range f.Products {
		s.products[p.ID] = p
	}
	for _, t := range f.Tickets {
		s.tickets[t.ID] = t
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ---------------------------------------------------------------------------
// action.TenantData
// ---------------------------------------------------------------------------

func (s *Store) filterOrders(tenantID string, f action.OrderFilter) []action.Order {
	var out []action.Order
	for _, o := range s.orders {
		if o.TenantID != tenantID {
			continue
		}
		if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
			continue
		}
		if slices.Contains(f.ExcludeStatuses, o.Status) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// ListOrders returns matching orders, newest first.
func (s *Store) ListOrders(_ context.Context, tenantID string, f action.OrderFilter) ([]action.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterOrders(tenantID, f)
	slices.SortFunc(out, func(a, b action.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return limit(out, f.Limit), nil
}

func (s *Store) CountOrders(_ context.Context, tenantID string, f action.OrderFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filterOrders(tenantID, f)), nil
}

func (s *Store) SumOrderTotals(_ context.Context, tenantID string, f action.OrderFilter) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, o := range s.filterOrders(tenantID, f) {
		sum += o.TotalAmount
	}
	return sum, nil
}

func (s *Store) lowStock(tenantID string, threshold int) []action.Product {
	var out []action.Product
	for _, p := range s.products {
		if p.TenantID == tenantID && p.IsActive && p.StockQuantity <= threshold {
			out = append(out, p)
		}
	}
	return out
}

// ListLowStockProducts returns active products at or below threshold, lowest
// stock first.
func (s *Store) ListLowStockProducts(_ context.Context, tenantID string, threshold, n int) ([]action.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.lowStock(tenantID, threshold)
	slices.SortFunc(out, func(a, b action.Product) int {
		if c := cmp.Compare(a.StockQuantity, b.StockQuantity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return limit(out, n), nil
}

func (s *Store) CountLowStockProducts(_ context.Context, tenantID string, threshold int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lowStock(tenantID, threshold)), nil
}

func (s *Store) filterTickets(tenantID string, f action.TicketFilter) []action.Ticket {
	var out []action.Ticket
	for _, t := range s.tickets {
		if t.TenantID != tenantID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ListTickets returns matching tickets, newest first.
func (s *Store) ListTickets(_ context.Context, tenantID string, f action.TicketFilter) ([]action.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filterTickets(tenantID, f)
	slices.SortFunc(out, func(a, b action.Ticket) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return limit(out, f.Limit), nil
}

func (s *Store) CountTickets(_ context.Context, tenantID string, f action.TicketFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filterTickets(tenantID, f)), nil
}

func limit[T any](rows []T, n int) []T {
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	if rows == nil {
		return []T{}
	}
	return rows
}

func cloneCommand(c command.Command) command.Command {
	c.Variations = slices.Clone(c.Variations)
	if c.TenantID != nil {
		c.TenantID = command.Ptr(*c.TenantID)
	}
	if c.LastUsedAt != nil {
		c.LastUsedAt = command.Ptr(*c.LastUsedAt)
	}
	return c
}
