package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle status of a history record. Terminal
// statuses (success, error, cancelled) are final; no further transitions are
// permitted once one is written.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusError     ExecutionStatus = "error"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// ExecutionRecord is one row of the query history ledger.
type ExecutionRecord struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	ConnectionID uuid.UUID       `json:"connection_id"`
	Statement    string          `json:"statement"`
	Status       ExecutionStatus `json:"status"`
	RowCount     int             `json:"row_count"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	ErrorText    string          `json:"error_text,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
}

// HistoryFilters narrows a history listing. Zero values mean "no filter".
type HistoryFilters struct {
	UserID       string
	ConnectionID uuid.UUID
	Status       ExecutionStatus
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// UserStats aggregates a user's execution history over a window.
type UserStats struct {
	TotalCount        int     `json:"total_count"`
	SuccessCount      int     `json:"success_count"`
	ErrorCount        int     `json:"error_count"`
	CancelledCount    int     `json:"cancelled_count"`
	AvgElapsedMs      float64 `json:"avg_elapsed_ms"`
	TotalRowsReturned int64   `json:"total_rows_returned"`
}

// ExecutionResult is the shaped result returned to the caller of Execute.
type ExecutionResult struct {
	ExecutionID  uuid.UUID        `json:"execution_id"`
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	TotalRows    int              `json:"total_rows"`
	ReturnedRows int              `json:"returned_rows"`
	Truncated    bool             `json:"truncated"`
	RowsAffected int64            `json:"rows_affected"`
	ElapsedMs    int64            `json:"elapsed_ms"`
}

// RunningExecution describes one in-flight execution owned by a user.
type RunningExecution struct {
	ExecutionID  uuid.UUID `json:"execution_id"`
	ConnectionID uuid.UUID `json:"connection_id"`
}
