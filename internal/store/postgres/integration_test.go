package postgres_test

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/sesli/internal/action"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/store"
	"github.com/MrWong99/sesli/internal/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SESLI_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SESLI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SESLI_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, table := range []string{"voice_command_logs", "voice_commands", "profiles", "orders", "products", "support_tickets"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	s, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegration_ConcurrentRecordSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SeedCommands(ctx, []command.Command{
		{ID: "cmd-001", CommandText: "bugünkü siparişleri göster", ActionType: command.ActionShowDailyOrders, MinConfidence: 0.8, IsActive: true},
	}); err != nil {
		t.Fatal(err)
	}

	const n = 100
	var (
		wg  sync.WaitGroup
		sum float64
	)
	for i := range n {
		c := 0.8 + float64(i%3)/10
		sum += c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RecordSuccess(ctx, "cmd-001", c, time.Now()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	c, err := s.Command(ctx, "cmd-001")
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalUses != n || c.SuccessCount != n {
		t.Fatalf("uses = %d/%d, want %d", c.TotalUses, c.SuccessCount, n)
	}
	if math.Abs(c.AvgConfidence-sum/n) > 1e-9 {
		t.Errorf("avg = %v, want %v", c.AvgConfidence, sum/n)
	}
}

func TestIntegration_RegistryLogsAndTenantData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := s.SeedCommands(ctx, []command.Command{
		{ID: "cmd-a", CommandText: "global", ActionType: command.ActionShowSummary, IsActive: true},
		{ID: "cmd-b", TenantID: command.Ptr("t2"), CommandText: "other", ActionType: command.ActionShowSummary, IsActive: true},
	}); err != nil {
		t.Fatal(err)
	}
	cmds, err := s.ActiveCommands(ctx, "t1")
	if err != nil || len(cmds) != 1 || cmds[0].ID != "cmd-a" {
		t.Fatalf("ActiveCommands = %+v, %v", cmds, err)
	}

	if err := s.AppendLog(ctx, &command.InvocationLog{
		ID: uuid.NewString(), TenantID: "t1", UserID: "u1", CommandID: command.Ptr("cmd-a"),
		Status: command.StatusSuccess, ExecutionTimeMs: command.Ptr(int64(3)),
		ExecutionResult: []byte(`{"message":"ok"}`), CreatedAt: now,
	}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	if err := s.LoadFixture(ctx, &store.Fixture{
		Profiles: []store.Profile{{UserID: "u1", TenantID: "t1"}},
		Orders: []action.Order{
			{ID: "o1", TenantID: "t1", Status: action.OrderPending, TotalAmount: 10, CreatedAt: now},
			{ID: "o2", TenantID: "t1", Status: action.OrderCancelled, TotalAmount: 20, CreatedAt: now},
		},
		Products: []action.Product{{ID: "p1", TenantID: "t1", StockQuantity: 1, IsActive: true}},
		Tickets:  []action.Ticket{{ID: "s1", TenantID: "t1", Status: action.TicketOpen, CreatedAt: now}},
	}); err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	if tenant, err := s.TenantForUser(ctx, "u1"); err != nil || tenant != "t1" {
		t.Errorf("TenantForUser = %q, %v", tenant, err)
	}
	sum, err := s.SumOrderTotals(ctx, "t1", action.OrderFilter{ExcludeStatuses: []string{action.OrderCancelled}})
	if err != nil || sum != 10 {
		t.Errorf("SumOrderTotals = %v, %v", sum, err)
	}
	orders, err := s.ListOrders(ctx, "t1", action.OrderFilter{Limit: 1})
	if err != nil || len(orders) != 1 || orders[0].Currency != "TRY" {
		t.Errorf("ListOrders = %+v, %v", orders, err)
	}
	low, err := s.CountLowStockProducts(ctx, "t1", 5)
	if err != nil || low != 1 {
		t.Errorf("CountLowStockProducts = %d, %v", low, err)
	}
	tickets, err := s.ListTickets(ctx, "t1", action.TicketFilter{Statuses: []string{action.TicketOpen}})
	if err != nil || len(tickets) != 1 || tickets[0].Priority != "normal" {
		t.Errorf("ListTickets = %+v, %v", tickets, err)
	}
}
