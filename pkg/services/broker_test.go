package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/durlabhjain/sql-browser/pkg/apperrors"
	"github.com/durlabhjain/sql-browser/pkg/audit"
	"github.com/durlabhjain/sql-browser/pkg/models"
	"github.com/durlabhjain/sql-browser/pkg/policy"
	"github.com/durlabhjain/sql-browser/pkg/repositories"
	"github.com/durlabhjain/sql-browser/pkg/target"
)

// fakeVault serves one decrypted config for any id, or a fixed error.
type fakeVault struct {
	cfg *models.TargetConfig
	err error
}

func (v *fakeVault) Decrypt(context.Context, uuid.UUID) (*models.TargetConfig, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.cfg, nil
}

func (v *fakeVault) Create(context.Context, string, *models.TargetConfig) (*models.Connection, error) {
	return nil, errors.New("not implemented")
}
func (v *fakeVault) Update(context.Context, uuid.UUID, string, *models.TargetConfig) error {
	return errors.New("not implemented")
}
func (v *fakeVault) Delete(context.Context, uuid.UUID) error { return errors.New("not implemented") }
func (v *fakeVault) List(context.Context) ([]*models.Connection, error) {
	return nil, errors.New("not implemented")
}
func (v *fakeVault) TestConnection(context.Context, *models.TargetConfig) error {
	return errors.New("not implemented")
}

type fakePools struct {
	err      error
	acquires int
}

func (p *fakePools) Acquire(context.Context, *models.TargetConfig) (*sql.DB, error) {
	p.acquires++
	if p.err != nil {
		return nil, p.err
	}
	return new(sql.DB), nil
}

// memoryHistory is an in-memory ledger with the same terminal-status guard
// as the real repository.
type memoryHistory struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*models.ExecutionRecord
	createErr error
	finalizes int
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{records: make(map[uuid.UUID]*models.ExecutionRecord)}
}

func (h *memoryHistory) CreateRunning(_ context.Context, record *models.ExecutionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return h.createErr
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Status = models.StatusRunning
	record.CreatedAt = time.Now()
	stored := *record
	h.records[record.ID] = &stored
	return nil
}

func (h *memoryHistory) Finalize(_ context.Context, id uuid.UUID, update repositories.FinalizeUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	if record.Status != models.StatusRunning {
		// Terminal records are immutable; a lost race is a no-op.
		return nil
	}
	h.finalizes++
	record.Status = update.Status
	record.RowCount = update.RowCount
	record.ElapsedMs = update.ElapsedMs
	record.ErrorText = update.ErrorText
	record.CancelledAt = update.CancelledAt
	return nil
}

func (h *memoryHistory) GetByID(_ context.Context, id uuid.UUID) (*models.ExecutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.records[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	snapshot := *record
	return &snapshot, nil
}

func (h *memoryHistory) List(context.Context, models.HistoryFilters) ([]*models.ExecutionRecord, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*models.ExecutionRecord, 0, len(h.records))
	for _, record := range h.records {
		snapshot := *record
		out = append(out, &snapshot)
	}
	return out, len(out), nil
}

func (h *memoryHistory) UserStats(context.Context, string, int) (*models.UserStats, error) {
	return &models.UserStats{}, nil
}

func (h *memoryHistory) PurgeOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func (h *memoryHistory) MarkStaleRunning(context.Context, time.Time) (int64, error) { return 0, nil }

func (h *memoryHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *memoryHistory) only(t *testing.T) *models.ExecutionRecord {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.records, 1)
	for _, record := range h.records {
		snapshot := *record
		return &snapshot
	}
	return nil
}

type brokerFixture struct {
	broker  *QueryBroker
	history *memoryHistory
	pools   *fakePools
	tracker *ExecutionTracker
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	history := newMemoryHistory()
	pools := &fakePools{}
	tracker := NewExecutionTracker()
	vault := &fakeVault{cfg: &models.TargetConfig{Host: "db.example.com", Database: "sales"}}

	broker := NewQueryBroker(vault, pools, history, tracker, audit.NewSecurityAuditor(logger), logger)
	return &brokerFixture{broker: broker, history: history, pools: pools, tracker: tracker}
}

func staticRows(n int) executeFunc {
	return func(ctx context.Context, db *sql.DB, statement string, maxRows int) (*target.Result, error) {
		result := &target.Result{Columns: []string{"n"}, TotalRows: n}
		returned := n
		if maxRows > 0 && returned > maxRows {
			returned = maxRows
		}
		for i := 0; i < returned; i++ {
			result.Rows = append(result.Rows, map[string]any{"n": i})
		}
		return result, nil
	}
}

func TestBroker_Execute_Success(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.execute = staticRows(8)

	result, err := f.broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "SELECT * FROM orders")
	require.NoError(t, err)

	assert.Equal(t, 8, result.TotalRows)
	assert.Equal(t, 8, result.ReturnedRows)
	assert.False(t, result.Truncated)

	record := f.history.only(t)
	assert.Equal(t, models.StatusSuccess, record.Status)
	assert.Equal(t, 8, record.RowCount)
	assert.Empty(t, f.tracker.ListByOwner("alice"), "handle must be deregistered after completion")
}

func TestBroker_Execute_TruncatesToRoleCap(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.execute = staticRows(7000)

	result, err := f.broker.Execute(context.Background(), "alice", policy.RoleAnalyst, uuid.New(), "SELECT * FROM big")
	require.NoError(t, err)

	assert.Equal(t, 7000, result.TotalRows)
	assert.Equal(t, 5000, result.ReturnedRows)
	assert.True(t, result.Truncated)

	record := f.history.only(t)
	assert.Equal(t, 7000, record.RowCount, "history records the full count, not the truncated page")
}

func TestBroker_Execute_DenialLeavesNoHistory(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.execute = staticRows(1)

	_, err := f.broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "DROP TABLE orders")
	require.Error(t, err)

	var denial *apperrors.AuthorizationError
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, "DROP", denial.Keyword)
	assert.Equal(t, 0, f.history.count(), "denied statements never reach the ledger")
	assert.Equal(t, 0, f.pools.acquires)
}

func TestBroker_Execute_DecryptFailureLeavesNoHistory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	history := newMemoryHistory()
	vault := &fakeVault{err: fmt.Errorf("%w: connection is missing or inactive", apperrors.ErrConnectionUnavailable)}
	broker := NewQueryBroker(vault, &fakePools{}, history, NewExecutionTracker(), audit.NewSecurityAuditor(logger), logger)
	broker.execute = staticRows(1)

	_, err := broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "SELECT 1")
	require.ErrorIs(t, err, apperrors.ErrConnectionUnavailable)
	assert.Equal(t, 0, history.count())
}

func TestBroker_Execute_AcquireFailureRecordsError(t *testing.T) {
	f := newBrokerFixture(t)
	f.pools.err = fmt.Errorf("%w: cannot reach db.example.com", apperrors.ErrConnectionUnavailable)
	f.broker.execute = staticRows(1)

	_, err := f.broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "SELECT 1")
	require.ErrorIs(t, err, apperrors.ErrConnectionUnavailable)

	record := f.history.only(t)
	assert.Equal(t, models.StatusError, record.Status)
	assert.Contains(t, record.ErrorText, "cannot reach")
}

func TestBroker_Execute_FailureFinalizesError(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.execute = func(context.Context, *sql.DB, string, int) (*target.Result, error) {
		return nil, errors.New("invalid object name 'orderz'")
	}

	_, err := f.broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "SELECT * FROM orderz")
	require.ErrorIs(t, err, apperrors.ErrExecutionFailed)

	record := f.history.only(t)
	assert.Equal(t, models.StatusError, record.Status)
	assert.Contains(t, record.ErrorText, "invalid object name")
}

func TestBroker_Execute_TimeoutIsDistinctFromCancellation(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.execute = func(ctx context.Context, _ *sql.DB, _ string, _ int) (*target.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	// Role timeouts are too long for a unit test; an expiring parent
	// deadline drives the same code path.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.broker.Execute(ctx, "alice", policy.RoleViewer, uuid.New(), "SELECT slow()")
	require.ErrorIs(t, err, apperrors.ErrExecutionTimedOut)

	record := f.history.only(t)
	assert.Equal(t, models.StatusError, record.Status)
	assert.Contains(t, record.ErrorText, "timed out")
	assert.Nil(t, record.CancelledAt)

	// The caller's deadline fired, not the role timeout; the record must not
	// claim the role duration.
	assert.Contains(t, record.ErrorText, "caller deadline")
	assert.NotContains(t, record.ErrorText, "30s")
}

func TestBroker_CancelMidFlight(t *testing.T) {
	f := newBrokerFixture(t)

	started := make(chan uuid.UUID, 1)
	f.broker.execute = func(ctx context.Context, _ *sql.DB, _ string, _ int) (*target.Result, error) {
		handles := f.tracker.ListByOwner("alice")
		started <- handles[0].ExecutionID
		<-ctx.Done()
		return nil, ctx.Err()
	}

	execErr := make(chan error, 1)
	go func() {
		_, err := f.broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "SELECT slow()")
		execErr <- err
	}()

	executionID := <-started
	require.NoError(t, f.broker.Cancel(executionID, "alice", policy.RoleViewer))

	err := <-execErr
	require.ErrorIs(t, err, apperrors.ErrExecutionCancelled)

	record := f.history.only(t)
	assert.Equal(t, models.StatusCancelled, record.Status)
	require.NotNil(t, record.CancelledAt)
	assert.Equal(t, 1, f.history.finalizes, "exactly one terminal write")

	// After a cancel the id is gone, even though the statement may still be
	// draining on the server.
	assert.ErrorIs(t, f.broker.Cancel(executionID, "alice", policy.RoleViewer), apperrors.ErrCancelTargetNotFound)
}

func TestBroker_CancelAfterCompletion(t *testing.T) {
	f := newBrokerFixture(t)
	f.broker.execute = staticRows(1)

	_, err := f.broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "SELECT 1")
	require.NoError(t, err)

	record := f.history.only(t)
	assert.ErrorIs(t, f.broker.Cancel(record.ID, "alice", policy.RoleViewer), apperrors.ErrCancelTargetNotFound)
	assert.Equal(t, models.StatusSuccess, record.Status, "completed record stays success")
}

func TestBroker_CancelRequiresOwnership(t *testing.T) {
	f := newBrokerFixture(t)

	started := make(chan uuid.UUID, 1)
	f.broker.execute = func(ctx context.Context, _ *sql.DB, _ string, _ int) (*target.Result, error) {
		handles := f.tracker.ListByOwner("alice")
		started <- handles[0].ExecutionID
		<-ctx.Done()
		return nil, ctx.Err()
	}

	go func() {
		_, _ = f.broker.Execute(context.Background(), "alice", policy.RoleViewer, uuid.New(), "SELECT slow()")
	}()

	executionID := <-started
	assert.ErrorIs(t, f.broker.Cancel(executionID, "mallory", policy.RoleViewer), apperrors.ErrCancelForbidden)

	// The rightful owner can still cancel.
	require.NoError(t, f.broker.Cancel(executionID, "alice", policy.RoleViewer))
}

func TestBroker_ListRunning(t *testing.T) {
	f := newBrokerFixture(t)

	assert.Empty(t, f.broker.ListRunning("alice"))

	connID := uuid.New()
	started := make(chan struct{})
	f.broker.execute = func(ctx context.Context, _ *sql.DB, _ string, _ int) (*target.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	go func() {
		_, _ = f.broker.Execute(context.Background(), "alice", policy.RoleViewer, connID, "SELECT slow()")
	}()
	<-started

	running := f.broker.ListRunning("alice")
	require.Len(t, running, 1)
	assert.Equal(t, connID, running[0].ConnectionID)
	assert.Empty(t, f.broker.ListRunning("bob"))

	require.NoError(t, f.broker.Cancel(running[0].ExecutionID, "alice", policy.RoleViewer))
	assert.Empty(t, f.broker.ListRunning("alice"))
}
