package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

// RecoveryPolicy is the retry schedule for one error category.
type RecoveryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicies returns the per-category retry schedules. Categories
// without a policy are never retried.
func DefaultPolicies() map[schema.ErrorCategory]RecoveryPolicy {
	return map[schema.ErrorCategory]RecoveryPolicy{
		schema.CategoryIntegration: {MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		schema.CategoryAIAgent:     {MaxAttempts: 2, BaseDelay: 2 * time.Second, Multiplier: 1.5, MaxDelay: 30 * time.Second},
		schema.CategoryNetwork:     {MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 30 * time.Second},
	}
}

// ErrorRecord is one entry in the per-workflow error history.
type ErrorRecord struct {
	ExecutionID string               `json:"execution_id"`
	StepIndex   int                  `json:"step_index"`
	ActionType  string               `json:"action_type"`
	Category    schema.ErrorCategory `json:"category"`
	Code        string               `json:"code"`
	Message     string               `json:"message"`
	Attempt     int                  `json:"attempt"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

const maxErrorHistory = 100

// RecoveryHandler decides retry schedules per error category and keeps a
// bounded in-memory error history per workflow for diagnostics. The history
// is process-local and advisory; it is not a durability mechanism.
type RecoveryHandler struct {
	policies map[schema.ErrorCategory]RecoveryPolicy

	mu      sync.Mutex
	history map[string][]ErrorRecord
}

// NewRecoveryHandler creates a handler with the given policies, or the
// defaults when nil.
func NewRecoveryHandler(policies map[schema.ErrorCategory]RecoveryPolicy) *RecoveryHandler {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &RecoveryHandler{
		policies: policies,
		history:  make(map[string][]ErrorRecord),
	}
}

// PolicyFor returns the retry policy applying to an error, and whether the
// error should be retried at all.
func (h *RecoveryHandler) PolicyFor(err error) (RecoveryPolicy, bool) {
	if !IsRetryableError(err) {
		return RecoveryPolicy{}, false
	}
	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		// Untyped transient errors get the network schedule.
		policy, ok := h.policies[schema.CategoryNetwork]
		return policy, ok
	}
	policy, ok := h.policies[flowErr.Category]
	return policy, ok
}

// Record appends an error to the workflow's history, evicting the oldest
// entries past the cap.
func (h *RecoveryHandler) Record(workflowID string, rec ErrorRecord) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.history[workflowID], rec)
	if len(entries) > maxErrorHistory {
		entries = entries[len(entries)-maxErrorHistory:]
	}
	h.history[workflowID] = entries
}

// History returns a copy of the workflow's recorded errors, oldest first.
func (h *RecoveryHandler) History(workflowID string) []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.history[workflowID]
	out := make([]ErrorRecord, len(entries))
	copy(out, entries)
	return out
}

// CanSkip reports whether a step failure may be skipped over: the action
// must opt in and the error must be classified recoverable.
func CanSkip(behavior *schema.ErrorBehavior, err error) bool {
	if behavior == nil || !behavior.Skip {
		return false
	}
	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		return false
	}
	return flowErr.Recoverable
}
