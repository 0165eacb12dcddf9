package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ExecutionHandle is the cancellable handle to one live statement execution.
type ExecutionHandle struct {
	ExecutionID  uuid.UUID
	OwnerID      string
	ConnectionID uuid.UUID
	cancel       context.CancelFunc
}

// Cancel delivers the advisory stop signal to the live execution. The driver
// may still complete the statement; the signal only interrupts the wait.
func (h *ExecutionHandle) Cancel() {
	h.cancel()
}

// ExecutionTracker is the concurrent registry of in-flight executions. It
// exists so a cancellation request can race safely against natural
// completion: Deregister reports whether this caller removed the handle, and
// only that single winner is allowed to finalize the history record.
type ExecutionTracker struct {
	handles sync.Map // uuid.UUID -> *ExecutionHandle
}

// NewExecutionTracker creates an empty tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{}
}

// Register inserts the handle for a live execution. Called immediately
// before execution begins.
func (t *ExecutionTracker) Register(executionID uuid.UUID, ownerID string, connectionID uuid.UUID, cancel context.CancelFunc) *ExecutionHandle {
	handle := &ExecutionHandle{
		ExecutionID:  executionID,
		OwnerID:      ownerID,
		ConnectionID: connectionID,
		cancel:       cancel,
	}
	t.handles.Store(executionID, handle)
	return handle
}

// Lookup returns the handle for an execution id, if still tracked.
func (t *ExecutionTracker) Lookup(executionID uuid.UUID) (*ExecutionHandle, bool) {
	v, ok := t.handles.Load(executionID)
	if !ok {
		return nil, false
	}
	return v.(*ExecutionHandle), true
}

// Deregister removes the handle and reports whether this call removed it.
// Idempotent: the second caller gets false and must skip its finalize. This
// is the synchronization point that resolves the completion/cancellation
// race to a single writer.
func (t *ExecutionTracker) Deregister(executionID uuid.UUID) (*ExecutionHandle, bool) {
	v, loaded := t.handles.LoadAndDelete(executionID)
	if !loaded {
		return nil, false
	}
	return v.(*ExecutionHandle), true
}

// ListByOwner returns the in-flight execution ids owned by a user.
func (t *ExecutionTracker) ListByOwner(ownerID string) []*ExecutionHandle {
	var owned []*ExecutionHandle
	t.handles.Range(func(_, v any) bool {
		handle := v.(*ExecutionHandle)
		if handle.OwnerID == ownerID {
			owned = append(owned, handle)
		}
		return true
	})
	return owned
}
