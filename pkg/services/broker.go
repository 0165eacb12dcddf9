package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
	"github.com/durlabhjain/sql-browser/pkg/audit"
	"github.com/durlabhjain/sql-browser/pkg/logging"
	"github.com/durlabhjain/sql-browser/pkg/models"
	"github.com/durlabhjain/sql-browser/pkg/policy"
	"github.com/durlabhjain/sql-browser/pkg/repositories"
	"github.com/durlabhjain/sql-browser/pkg/target"
)

// PoolAcquirer yields a live pool for decrypted connection parameters.
// Satisfied by *target.PoolRegistry.
type PoolAcquirer interface {
	Acquire(ctx context.Context, cfg *models.TargetConfig) (*sql.DB, error)
}

// executeFunc runs one statement against a pool. Tests substitute this;
// production uses target.Execute.
type executeFunc func(ctx context.Context, db *sql.DB, statement string, maxRows int) (*target.Result, error)

// QueryBroker brokers ad-hoc statements from authenticated users to remote
// databases: it authorizes against the role policy, acquires a pooled
// connection, executes under the role timeout, shapes the result to the
// role's row cap, tracks the in-flight execution for cancellation, and
// records every attempt in the history ledger.
//
// The completion/cancellation race is resolved at the tracker: whichever
// path deregisters the execution id first owns the terminal history write;
// the loser skips its finalize and only shapes its own return value.
type QueryBroker struct {
	vault   ConnectionVault
	pools   PoolAcquirer
	history repositories.HistoryRepository
	tracker *ExecutionTracker
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
	execute executeFunc
}

// NewQueryBroker wires the broker with its collaborators.
func NewQueryBroker(
	vault ConnectionVault,
	pools PoolAcquirer,
	history repositories.HistoryRepository,
	tracker *ExecutionTracker,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) *QueryBroker {
	return &QueryBroker{
		vault:   vault,
		pools:   pools,
		history: history,
		tracker: tracker,
		auditor: auditor,
		logger:  logger,
		execute: target.Execute,
	}
}

// Execute runs one statement for the given owner under the role's policy.
//
// Denials and descriptor-lookup failures return synchronously before any
// history record exists. Once a running record is created, every outcome
// reaches exactly one terminal finalize.
func (b *QueryBroker) Execute(ctx context.Context, ownerID, role string, connectionID uuid.UUID, statement string) (*models.ExecutionResult, error) {
	perms := policy.Lookup(role)

	if err := policy.Authorize(role, statement); err != nil {
		var denial *apperrors.AuthorizationError
		if errors.As(err, &denial) {
			b.auditor.LogAuthorizationDenied(ownerID, perms.Role, denial.Keyword)
		}
		return nil, err
	}

	cfg, err := b.vault.Decrypt(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	db, acquireErr := b.pools.Acquire(ctx, cfg)
	if acquireErr != nil {
		// The caller passed authorization, so the attempt is still recorded.
		record := &models.ExecutionRecord{UserID: ownerID, ConnectionID: connectionID, Statement: statement}
		if histErr := b.history.CreateRunning(ctx, record); histErr == nil {
			b.finalize(record.ID, repositories.FinalizeUpdate{
				Status:    models.StatusError,
				ErrorText: logging.SanitizeError(acquireErr),
			})
		}
		return nil, acquireErr
	}

	record := &models.ExecutionRecord{UserID: ownerID, ConnectionID: connectionID, Statement: statement}
	if err := b.history.CreateRunning(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}
	executionID := record.ID

	b.auditor.ScreenStatement(ownerID, executionID, statement)

	execCtx, cancel := context.WithTimeout(ctx, perms.Timeout)
	defer cancel()

	b.tracker.Register(executionID, ownerID, connectionID, cancel)

	b.logger.Debug("execution started",
		zap.String("execution_id", executionID.String()),
		zap.String("user_id", ownerID),
		zap.String("role", perms.Role),
	)

	start := time.Now()
	result, execErr := b.execute(execCtx, db, statement, perms.MaxRows)
	elapsed := time.Since(start)

	if _, won := b.tracker.Deregister(executionID); !won {
		// A cancel request got here first; it already finalized the record
		// as cancelled. Report the cancellation shape without touching the
		// ledger again.
		return nil, fmt.Errorf("%w: execution %s", apperrors.ErrExecutionCancelled, executionID)
	}

	if execErr != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			// Server-enforced timeout is a distinct error, not a
			// cancellation; cancelled is reserved for explicit user action.
			// The caller's own deadline can fire before the role timeout, in
			// which case the role duration would be a lie.
			reason := fmt.Sprintf("execution timed out after %s", perms.Timeout)
			if ctx.Err() != nil {
				reason = "execution timed out: caller deadline exceeded"
			}
			b.finalize(executionID, repositories.FinalizeUpdate{
				Status:    models.StatusError,
				ElapsedMs: elapsed.Milliseconds(),
				ErrorText: reason,
			})
			return nil, fmt.Errorf("%w: %s", apperrors.ErrExecutionTimedOut, reason)
		}

		b.finalize(executionID, repositories.FinalizeUpdate{
			Status:    models.StatusError,
			ElapsedMs: elapsed.Milliseconds(),
			ErrorText: logging.SanitizeError(execErr),
		})
		return nil, fmt.Errorf("%w: %s", apperrors.ErrExecutionFailed, logging.SanitizeError(execErr))
	}

	b.finalize(executionID, repositories.FinalizeUpdate{
		Status:    models.StatusSuccess,
		RowCount:  result.TotalRows,
		ElapsedMs: elapsed.Milliseconds(),
	})

	returned := len(result.Rows)
	return &models.ExecutionResult{
		ExecutionID:  executionID,
		Columns:      result.Columns,
		Rows:         result.Rows,
		TotalRows:    result.TotalRows,
		ReturnedRows: returned,
		Truncated:    result.TotalRows > perms.MaxRows,
		RowsAffected: result.RowsAffected,
		ElapsedMs:    elapsed.Milliseconds(),
	}, nil
}

// Cancel delivers an advisory stop signal to an in-flight execution owned by
// the requester. After a successful cancel the tracker no longer answers for
// the id, so a second request gets ErrCancelTargetNotFound even if the
// underlying statement has not terminated yet.
func (b *QueryBroker) Cancel(executionID uuid.UUID, requesterID, role string) error {
	if !policy.Lookup(role).CancelOwn {
		return apperrors.ErrCancelForbidden
	}

	handle, ok := b.tracker.Lookup(executionID)
	if !ok {
		return apperrors.ErrCancelTargetNotFound
	}
	if handle.OwnerID != requesterID {
		return apperrors.ErrCancelForbidden
	}

	// Deregistration is the tie-break: only the path that removes the
	// handle finalizes the record. Losing here means natural completion (or
	// another cancel) beat us to it.
	handle, won := b.tracker.Deregister(executionID)
	if !won {
		return apperrors.ErrCancelTargetNotFound
	}

	handle.Cancel()

	now := time.Now()
	b.finalize(executionID, repositories.FinalizeUpdate{
		Status:      models.StatusCancelled,
		CancelledAt: &now,
	})

	b.auditor.LogCancellation(requesterID, executionID)
	return nil
}

// ListRunning returns the requester's in-flight executions.
func (b *QueryBroker) ListRunning(ownerID string) []models.RunningExecution {
	handles := b.tracker.ListByOwner(ownerID)
	running := make([]models.RunningExecution, 0, len(handles))
	for _, h := range handles {
		running = append(running, models.RunningExecution{
			ExecutionID:  h.ExecutionID,
			ConnectionID: h.ConnectionID,
		})
	}
	return running
}

// History lists ledger records, newest first.
func (b *QueryBroker) History(ctx context.Context, filters models.HistoryFilters) ([]*models.ExecutionRecord, int, error) {
	return b.history.List(ctx, filters)
}

// UserStats aggregates a user's execution history.
func (b *QueryBroker) UserStats(ctx context.Context, userID string, sinceDays int) (*models.UserStats, error) {
	return b.history.UserStats(ctx, userID, sinceDays)
}

// finalize writes a terminal status. It runs on a background context so a
// cancelled request context cannot prevent the ledger from closing out, and
// failures are logged rather than propagated: the ledger keeps its first
// terminal status and the caller already has its result shape.
func (b *QueryBroker) finalize(executionID uuid.UUID, update repositories.FinalizeUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.history.Finalize(ctx, executionID, update); err != nil {
		b.logger.Error("failed to finalize history record",
			zap.String("execution_id", executionID.String()),
			zap.String("status", string(update.Status)),
			zap.Error(err),
		)
	}
}
