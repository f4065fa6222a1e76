// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"context"
	"time"
)

// SagaStore persists saga instance state, payload snapshots, and per-step
// compensation progress. Implementations must be safe for concurrent use by
// the engine and any number of background workers: all state transitions are
// expressed as compare-and-swaps so that exactly one of several racing
// writers succeeds.
type SagaStore interface {
	// CreateSagaID allocates a new saga instance in StateProcessing and
	// returns its id. The definition is remembered so that a worker in the
	// same process can later resolve the saga's compensations by id.
	CreateSagaID(ctx context.Context, definition *SagaDefinition) (string, error)

	// GetSagaInfo returns the current metadata of the saga.
	GetSagaInfo(ctx context.Context, sagaID string) (*SagaInfo, error)

	// SetSagaState transitions the saga to newState. When oldState is
	// non-nil the transition only applies if the current state equals
	// *oldState; the boolean result reports whether the write took effect.
	// A nil oldState applies unconditionally, except that a saga already in
	// a terminal state is never moved out of it.
	SetSagaState(ctx context.Context, sagaID string, newState SagaState, oldState *SagaState) (bool, error)

	// SetSagaData checkpoints the saga payload.
	SetSagaData(ctx context.Context, sagaID string, data SagaData) error

	// GetSagaData returns the last checkpointed payload.
	GetSagaData(ctx context.Context, sagaID string) (SagaData, error)

	// CompensationStart moves the saga into StateCompensationDoing. It is
	// idempotent; calling it on a saga already compensating is a no-op, and
	// calling it on a terminal saga returns an error.
	CompensationStart(ctx context.Context, sagaID string) error

	// CompensationException records a failed compensation attempt for the
	// step. While the per-step failure count is within budget the saga moves
	// to StateCompensationError so a later worker pass retries it; once the
	// budget is exhausted the saga moves to the terminal
	// StateCompensationFail.
	CompensationException(ctx context.Context, sagaID string, stepKey string, cause error) error

	// CompensationDone records that the step's compensation completed. When
	// every step key of the saga's definition is done, the saga moves to
	// StateCompensationDone.
	CompensationDone(ctx context.Context, sagaID string, stepKey string) error

	// ListSagaIDsInStates returns up to limit saga ids whose current state is
	// one of states, in creation order. A non-empty afterSagaID resumes the
	// listing after that id.
	ListSagaIDsInStates(ctx context.Context, states []SagaState, limit int, afterSagaID string) ([]string, error)

	// LockSagaProcess takes a best-effort advisory lock on the saga for ttl.
	// It returns false when another holder has the lock. The lock only
	// reduces duplicate work between workers; correctness does not depend
	// on it.
	LockSagaProcess(ctx context.Context, sagaID string, ttl time.Duration) (bool, error)

	// UnlockSagaProcess releases an advisory lock taken by this holder.
	UnlockSagaProcess(ctx context.Context, sagaID string) error
}

// Saga is the worker-facing surface of an execution engine: enough to replay
// compensation for an unfinished saga instance found in the store.
type Saga interface {
	// Definition returns the saga's static step definition.
	Definition() *SagaDefinition

	// DoCompensationOfSaga runs (or resumes) compensation for the saga
	// instance using the given payload snapshot.
	DoCompensationOfSaga(ctx context.Context, sagaID string, data SagaData) error

	// OnSagaRolledBack is invoked after the saga reaches
	// StateCompensationDone.
	OnSagaRolledBack(ctx context.Context, sagaID string)
}

// SagaWorker performs one reconciliation pass over unfinished sagas. Workers
// are driven on an interval by WorkerRunner.
type SagaWorker interface {
	// DoWork scans for unfinished sagas and advances each one. An error from
	// a single saga must not abort the pass; DoWork returns an error only
	// when the scan itself fails.
	DoWork(ctx context.Context) error
}

// BranchFn is a forward or compensating branch action. It receives the saga
// payload and mutates it in place; the engine checkpoints the payload after
// the call returns.
type BranchFn func(ctx context.Context, data SagaData) error

// SagaResolver maps stable string service keys to branch functions. Keys are
// process-independent, so a saga started before a restart (or by another
// process) can still have its compensations resolved as long as the same
// bindings were registered.
type SagaResolver interface {
	// BindBranch registers fn under serviceKey. Rebinding an existing key is
	// an error.
	BindBranch(serviceKey string, fn BranchFn) error

	// ResolveBranch returns the function bound to serviceKey, or false when
	// the key is unknown to this process.
	ResolveBranch(serviceKey string) (BranchFn, bool)

	// ServiceKey builds the canonical key for a service method pair.
	ServiceKey(service, method string) string
}

// DataConverter translates saga payloads to and from self-describing byte
// snapshots that survive process restarts.
type DataConverter interface {
	Serialize(data SagaData) ([]byte, error)

	// Deserialize reconstructs a payload from a snapshot. The snapshot's
	// embedded type name must have been registered in this process;
	// otherwise ErrUnknownDataType is returned.
	Deserialize(raw []byte) (SagaData, error)
}
