// Package store defines the contract every sesli storage backend satisfies
// and the YAML fixture format used to load demo tenant data.
//
// A backend serves four roles at once: the command registry, the invocation
// log and statistics sink of the recorder, the read-only tenant data of the
// action handlers, and the user → tenant lookup of the auth layer. The
// concrete backends live in the memstore, sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/sesli/internal/action"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/recorder"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Backend is the full set of operations a storage backend provides.
type Backend interface {
	command.Registry
	command.Seeder
	recorder.LogAppender
	recorder.StatsUpdater
	action.TenantData

	// TenantForUser returns the tenant the user belongs to, or ErrNotFound.
	TenantForUser(ctx context.Context, userID string) (string, error)

	// LoadFixture inserts the rows of f, replacing rows with the same id.
	LoadFixture(ctx context.Context, f *Fixture) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Profile maps a user to a tenant.
type Profile struct {
	UserID   string `yaml:"user_id"`
	TenantID string `yaml:"tenant_id"`
}

// Fixture is demo tenant data loaded from YAML for local development.
//
// Example:
//
//	profiles:
//	  - {user_id: u-1, tenant_id: t-1}
//	orders:
//	  - id: o-1
//	    tenant_id: t-1
//	    order_number: SIP-1001
//	    status: pending
//	    total_amount: 249.90
//	    created_at: 2026-03-14T09:30:00Z
type Fixture struct {
	Profiles []Profile        `yaml:"profiles"`
	Orders   []action.Order   `yaml:"orders"`
	Products []action.Product `yaml:"products"`
	Tickets  []action.Ticket  `yaml:"tickets"`
}

// LoadFixtureFile reads a fixture from path.
func LoadFixtureFile(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open fixture %q: %w", path, err)
	}
	defer f.Close()

	fx, err := LoadFixtureFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("store: parse fixture %q: %w", path, err)
	}
	return fx, nil
}

// LoadFixtureFromReader parses fixture YAML from r. Every row must carry an
// id and a tenant.
func LoadFixtureFromReader(r io.Reader) (*Fixture, error) {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("store: decode fixture yaml: %w", err)
	}

	var errs []error
	for i, p := range fx.Profiles {
		if p.UserID == "" || p.TenantID == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: user_id and tenant_id are required", i))
		}
	}
	for i, o := range fx.Orders {
		if o.ID == "" || o.TenantID == "" {
			errs = append(errs, fmt.Errorf("orders[%d]: id and tenant_id are required", i))
		}
	}
	for i, p := range fx.Products {
		if p.ID == "" || p.TenantID == "" {
			errs = append(errs, fmt.Errorf("products[%d]: id and tenant_id are required", i))
		}
	}
	for i, t := range fx.Tickets {
		if t.ID == "" || t.TenantID == "" {
			errs = append(errs, fmt.Errorf("tickets[%d]: id and tenant_id are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &fx, nil
}
