package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// ErrNoProviders is returned by [Do] on a group without entries.
var ErrNoProviders = errors.New("no providers configured")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds an ordered list of providers of the same type. The
// first entry is the primary; the rest are fallbacks tried in registration
// order. Entries must all be added before the group is shared between
// goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates an empty [FallbackGroup]. The first call to
// [FallbackGroup.Add] registers the primary.
func NewFallbackGroup[T any](cfg FallbackConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// Add appends a provider with its own circuit breaker.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of registered providers.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Names returns the provider names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// States returns the current breaker state of every provider, keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Do tries fn against each entry in order until one succeeds and returns the
// result together with the name of the entry that produced it. Entries with
// an open breaker are skipped. fn receives the entry name so that callers can
// attribute per-attempt metrics.
//
// Failover stops as soon as ctx is done; the context error is returned as is.
// If every entry fails the result wraps [ErrAllFailed] and the last error.
// This is a package-level function because Go does not support method-level
// type parameters.
func Do[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(ctx context.Context, name string, v T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	if len(fg.entries) == 0 {
		return zero, "", ErrNoProviders
	}
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(ctx, entry.name, entry.value)
			return innerErr
		})
		if err == nil {
			return result, entry.name, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		case ctx.Err() != nil:
			return zero, "", ctx.Err()
		default:
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
