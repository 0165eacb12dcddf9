package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/durlabhjain/sql-browser/pkg/database"
	"github.com/durlabhjain/sql-browser/pkg/models"
)

// HistoryRepository is the query-history ledger: an append/update log of
// execution attempts. A record is inserted as running and updated exactly
// once to a terminal status; Finalize refuses to touch a record that is
// already terminal so a lost finalize race is a harmless no-op.
type HistoryRepository interface {
	CreateRunning(ctx context.Context, record *models.ExecutionRecord) error
	Finalize(ctx context.Context, id uuid.UUID, update FinalizeUpdate) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionRecord, error)
	List(ctx context.Context, filters models.HistoryFilters) ([]*models.ExecutionRecord, int, error)
	UserStats(ctx context.Context, userID string, sinceDays int) (*models.UserStats, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	MarkStaleRunning(ctx context.Context, olderThan time.Time) (int64, error)
}

// FinalizeUpdate carries the terminal fields for one execution record.
type FinalizeUpdate struct {
	Status      models.ExecutionStatus
	RowCount    int
	ElapsedMs   int64
	ErrorText   string
	CancelledAt *time.Time
}

type historyRepository struct {
	db *database.DB
}

// NewHistoryRepository creates the query-history ledger repository.
func NewHistoryRepository(db *database.DB) HistoryRepository {
	return &historyRepository{db: db}
}

var _ HistoryRepository = (*historyRepository)(nil)

func (r *historyRepository) CreateRunning(ctx context.Context, record *models.ExecutionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Status = models.StatusRunning

	query := `
		INSERT INTO query_history (id, user_id, connection_id, statement, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		record.ID, record.UserID, record.ConnectionID, record.Statement, record.Status,
	).Scan(&record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create history record: %w", err)
	}
	return nil
}

// Finalize moves a running record to a terminal status. The status guard in
// the WHERE clause makes terminal statuses immutable at the store level even
// if two finalize attempts slip past the broker's tie-break.
func (r *historyRepository) Finalize(ctx context.Context, id uuid.UUID, update FinalizeUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", update.Status)
	}

	query := `
		UPDATE query_history
		SET status = $1, row_count = $2, elapsed_ms = $3, error_text = NULLIF($4, ''), cancelled_at = $5
		WHERE id = $6 AND status = 'running'`

	// Zero rows affected means the record is already terminal (or never
	// existed); the ledger keeps its first terminal status.
	_, err := r.db.Exec(ctx, query,
		update.Status, update.RowCount, update.ElapsedMs, update.ErrorText, update.CancelledAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize history record: %w", err)
	}
	return nil
}

func (r *historyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionRecord, error) {
	query := `
		SELECT id, user_id, connection_id, statement, status, row_count,
		       elapsed_ms, COALESCE(error_text, ''), created_at, cancelled_at
		FROM query_history
		WHERE id = $1`

	var record models.ExecutionRecord
	err := r.db.QueryRow(ctx, query, id).Scan(
		&record.ID, &record.UserID, &record.ConnectionID, &record.Statement,
		&record.Status, &record.RowCount, &record.ElapsedMs, &record.ErrorText,
		&record.CreatedAt, &record.CancelledAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return &record, nil
}

func (r *historyRepository) List(ctx context.Context, filters models.HistoryFilters) ([]*models.ExecutionRecord, int, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filters.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, filters.UserID)
		argIdx++
	}
	if filters.ConnectionID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("connection_id = $%d", argIdx))
		args = append(args, filters.ConnectionID)
		argIdx++
	}
	if filters.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *filters.Since)
		argIdx++
	}
	if filters.Until != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *filters.Until)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM query_history WHERE %s`, where)
	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count history records: %w", err)
	}

	dataQuery := fmt.Sprintf(`
		SELECT id, user_id, connection_id, statement, status, row_count,
		       elapsed_ms, COALESCE(error_text, ''), created_at, cancelled_at
		FROM query_history
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, limit, filters.Offset)

	rows, err := r.db.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list history records: %w", err)
	}
	defer rows.Close()

	var records []*models.ExecutionRecord
	for rows.Next() {
		var record models.ExecutionRecord
		err := rows.Scan(
			&record.ID, &record.UserID, &record.ConnectionID, &record.Statement,
			&record.Status, &record.RowCount, &record.ElapsedMs, &record.ErrorText,
			&record.CreatedAt, &record.CancelledAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan history record: %w", err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating history records: %w", err)
	}
	return records, total, nil
}

func (r *historyRepository) UserStats(ctx context.Context, userID string, sinceDays int) (*models.UserStats, error) {
	if sinceDays <= 0 {
		sinceDays = 30
	}
	since := time.Now().AddDate(0, 0, -sinceDays)

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'error'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COALESCE(AVG(elapsed_ms) FILTER (WHERE status = 'success'), 0),
		       COALESCE(SUM(row_count) FILTER (WHERE status = 'success'), 0)
		FROM query_history
		WHERE user_id = $1 AND created_at >= $2`

	var stats models.UserStats
	err := r.db.QueryRow(ctx, query, userID, since).Scan(
		&stats.TotalCount, &stats.SuccessCount, &stats.ErrorCount,
		&stats.CancelledCount, &stats.AvgElapsedMs, &stats.TotalRowsReturned,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute user stats: %w", err)
	}
	return &stats, nil
}

func (r *historyRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM query_history WHERE created_at < $1 AND status <> 'running'`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge history records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkStaleRunning closes out running records orphaned by a process crash.
// The cutoff must exceed the longest role timeout with margin.
func (r *historyRepository) MarkStaleRunning(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE query_history
		SET status = 'error', error_text = 'orphaned by process restart'
		WHERE status = 'running' AND created_at < $1`

	tag, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale running records: %w", err)
	}
	return tag.RowsAffected(), nil
}
