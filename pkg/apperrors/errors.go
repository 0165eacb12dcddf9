// Package apperrors defines the error taxonomy surfaced by the query broker.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionUnavailable indicates the target connection descriptor is
	// missing, inactive, or the pool could not be established.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrExecutionFailed indicates the target database reported an error.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrExecutionTimedOut indicates the role's execution timeout elapsed.
	ErrExecutionTimedOut = errors.New("execution timed out")
	// ErrExecutionCancelled indicates the owning user cancelled the execution.
	ErrExecutionCancelled = errors.New("execution cancelled")
	// ErrCancelTargetNotFound indicates no live execution is tracked for the id.
	// Not an error condition for the caller; it means "too late".
	ErrCancelTargetNotFound = errors.New("no running execution found")
	// ErrCancelForbidden indicates the requester does not own the execution.
	ErrCancelForbidden = errors.New("execution is owned by another user")
	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)

// AuthorizationError is returned when the role policy forbids a statement.
// Keyword is set when a recognized administrative keyword caused the denial.
type AuthorizationError struct {
	Role    string
	Keyword string
}

func (e *AuthorizationError) Error() string {
	if e.Keyword != "" {
		return fmt.Sprintf("role %s is not permitted to run %s statements", e.Role, e.Keyword)
	}
	return fmt.Sprintf("role %s is not permitted to run this statement", e.Role)
}

// IsAuthorization reports whether err is an authorization denial.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
