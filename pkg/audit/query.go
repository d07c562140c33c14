package audit

import (
	"fmt"
)

const (
	// DefaultLimit is the number of events returned when a query sets none.
	DefaultLimit = 100

	// MaxLimit is the largest page a query may request.
	MaxLimit = 10000
)

// QueryError represents an invalid query.
type QueryError struct {
	Query *Query
	Cause error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid audit query: %v", e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// NewQueryError creates a new QueryError.
func NewQueryError(q *Query, cause error) *QueryError {
	return &QueryError{Query: q, Cause: cause}
}

var validActions = map[string]bool{
	ActionAllow:           true,
	ActionAlert:           true,
	ActionBlock:           true,
	ActionOverride:        true,
	ActionAllowlistBypass: true,
	ActionError:           true,
}

// Validate checks a query for out-of-range pagination, an inverted time
// range and unknown sort orders or actions.
func (q *Query) Validate() error {
	if q.Limit < 0 {
		return NewQueryError(q, fmt.Errorf("limit cannot be negative: %d", q.Limit))
	}
	if q.Limit > MaxLimit {
		return NewQueryError(q, fmt.Errorf("limit exceeds maximum (%d): %d", MaxLimit, q.Limit))
	}
	if q.Offset < 0 {
		return NewQueryError(q, fmt.Errorf("offset cannot be negative: %d", q.Offset))
	}

	if q.StartTime != nil && q.EndTime != nil && q.StartTime.After(*q.EndTime) {
		return NewQueryError(q, fmt.Errorf("start time (%s) is after end time (%s)",
			q.StartTime.Format("2006-01-02 15:04:05"), q.EndTime.Format("2006-01-02 15:04:05")))
	}

	switch q.SortOrder {
	case "", "asc", "desc":
	default:
		return NewQueryError(q, fmt.Errorf("invalid sort order: %s (must be 'asc' or 'desc')", q.SortOrder))
	}

	if q.EnforcementAction != "" && !validActions[q.EnforcementAction] {
		return NewQueryError(q, fmt.Errorf("invalid enforcement action: %s", q.EnforcementAction))
	}

	return nil
}

// ApplyDefaults fills the page size and sort order.
func (q *Query) ApplyDefaults() {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
}
