package command

import (
	"context"
	"slices"
	"strings"
)

// Registry fetches the active commands visible to a tenant: every command
// with IsActive set whose TenantID is nil or equal to tenantID.
//
// Implementations make no ordering promise. Callers that need a stable
// iteration order pass the result through [SortCandidates].
type Registry interface {
	ActiveCommands(ctx context.Context, tenantID string) ([]Command, error)
}

// SortCandidates orders cmds in place by ascending ID (byte-wise) and returns
// the same slice. This is the fixed iteration order the matcher relies on for
// its tie-break.
func SortCandidates(cmds []Command) []Command {
	slices.SortStableFunc(cmds, func(a, b Command) int {
		return strings.Compare(a.ID, b.ID)
	})
	return cmds
}

// Suggestions returns the canonical texts of the first limit commands of an
// already sorted candidate set.
func Suggestions(sorted []Command, limit int) []string {
	if limit <= 0 {
		return []string{}
	}
	out := make([]string, 0, min(limit, len(sorted)))
	for _, c := range sorted {
		if len(out) == limit {
			break
		}
		out = append(out, c.CommandText)
	}
	return out
}

// FilterVisible returns the members of all that are visible to tenantID.
// Stores without server-side filtering (the in-memory store, seed loaders)
// use it to apply the registry contract.
func FilterVisible(all []Command, tenantID string) []Command {
	out := make([]Command, 0, len(all))
	for i := range all {
		if all[i].VisibleTo(tenantID) {
			out = append(out, all[i])
		}
	}
	return out
}
