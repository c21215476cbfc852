// Package command defines the voice command model shared by every stage of
// the recognition pipeline: the [Command] intent definition, the closed set of
// [ActionType] values the dispatcher understands, the append-only
// [InvocationLog] audit record, and the [Registry] contract used to fetch the
// candidates visible to a tenant.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionType selects the dispatcher handler that runs when a command matches.
// The set is closed: values outside it are still valid on a [Command] but are
// served by the default handler.
type ActionType string

const (
	ActionShowDailyOrders    ActionType = "SHOW_DAILY_ORDERS"
	ActionShowPendingOrders  ActionType = "SHOW_PENDING_ORDERS"
	ActionCountPendingOrders ActionType = "COUNT_PENDING_ORDERS"
	ActionShowDailyRevenue   ActionType = "SHOW_DAILY_REVENUE"
	ActionShowLowStock       ActionType = "SHOW_LOW_STOCK"
	ActionShowOpenTickets    ActionType = "SHOW_OPEN_TICKETS"
	ActionCountOpenTickets   ActionType = "COUNT_OPEN_TICKETS"
	ActionShowSummary        ActionType = "SHOW_SUMMARY"
	ActionNavigate           ActionType = "NAVIGATE"
)

// KnownActions lists every action type with a dedicated handler.
var KnownActions = []ActionType{
	ActionShowDailyOrders,
	ActionShowPendingOrders,
	ActionCountPendingOrders,
	ActionShowDailyRevenue,
	ActionShowLowStock,
	ActionShowOpenTickets,
	ActionCountOpenTickets,
	ActionShowSummary,
	ActionNavigate,
}

// IsKnown reports whether a has a dedicated handler.
func (a ActionType) IsKnown() bool {
	for _, k := range KnownActions {
		if a == k {
			return true
		}
	}
	return false
}

// Command is a reusable intent definition. A nil TenantID marks a global
// command visible to every tenant.
//
// The aggregate fields (TotalUses, SuccessCount, AvgConfidence, LastUsedAt)
// are owned by the storage layer and only change through an atomic stats
// update after a successful execution.
type Command struct {
	ID            string     `json:"id" yaml:"id"`
	TenantID      *string    `json:"tenant_id,omitempty" yaml:"tenant_id"`
	CommandText   string     `json:"command_text" yaml:"command_text"`
	Variations    []string   `json:"variations" yaml:"variations"`
	ActionType    ActionType `json:"action_type" yaml:"action_type"`
	TargetPage    string     `json:"target_page" yaml:"target_page"`
	MinConfidence float64    `json:"min_confidence" yaml:"min_confidence"`
	IsActive      bool       `json:"is_active" yaml:"is_active"`

	TotalUses     int64      `json:"total_uses" yaml:"-"`
	SuccessCount  int64      `json:"success_count" yaml:"-"`
	AvgConfidence float64    `json:"avg_confidence" yaml:"-"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty" yaml:"-"`
}

// IsGlobal reports whether c is visible to all tenants.
func (c *Command) IsGlobal() bool { return c.TenantID == nil }

// VisibleTo reports whether c belongs to the candidate set of tenantID.
func (c *Command) VisibleTo(tenantID string) bool {
	return c.IsActive && (c.TenantID == nil || *c.TenantID == tenantID)
}

// Phrases returns the canonical text followed by every variation.
func (c *Command) Phrases() []string {
	out := make([]string, 0, 1+len(c.Variations))
	out = append(out, c.CommandText)
	return append(out, c.Variations...)
}

// Validate checks the definition-level fields of c.
func (c *Command) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.CommandText == "" {
		errs = append(errs, errors.New("command_text is required"))
	}
	if c.ActionType == "" {
		errs = append(errs, errors.New("action_type is required"))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence %.2f is out of range [0, 1]", c.MinConfidence))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("command %q: %w", c.ID, err)
	}
	return nil
}

// Status is the terminal state of one invocation.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
)

// IsValid reports whether s is one of the three terminal states.
func (s Status) IsValid() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRejected
}

// InvocationLog is the immutable audit record written once per request.
type InvocationLog struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenant_id"`
	UserID              string          `json:"user_id"`
	CommandID           *string         `json:"command_id,omitempty"`
	Transcript          string          `json:"transcript"`
	MatchedCommandText  *string         `json:"matched_command_text,omitempty"`
	ConfidenceScore     float64         `json:"confidence_score"`
	RecognitionProvider string          `json:"recognition_provider"`
	Status              Status          `json:"status"`
	ActionTaken         *string         `json:"action_taken,omitempty"`
	ExecutionResult     json.RawMessage `json:"execution_result,omitempty"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	RecognitionTimeMs   *int64          `json:"recognition_time_ms,omitempty"`
	ExecutionTimeMs     *int64          `json:"execution_time_ms,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Validate enforces the audit invariants: a known status, an execution time
// exactly on success, and a matched command text only alongside a command id.
func (l *InvocationLog) Validate() error {
	if !l.Status.IsValid() {
		return fmt.Errorf("invocation log: invalid status %q", l.Status)
	}
	if (l.Status == StatusSuccess) != (l.ExecutionTimeMs != nil) {
		return fmt.Errorf("invocation log: execution_time_ms must be set iff status is success (status %q)", l.Status)
	}
	if l.Status == StatusSuccess && l.CommandID == nil {
		return errors.New("invocation log: success without command_id")
	}
	if l.Status == StatusRejected && l.CommandID != nil {
		return errors.New("invocation log: rejected with command_id")
	}
	if l.MatchedCommandText != nil && l.CommandID == nil {
		return errors.New("invocation log: matched_command_text without command_id")
	}
	return nil
}

// Ptr returns a pointer to v. Used for the nullable log columns.
func Ptr[T any](v T) *T { return &v }
