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

// Package api defines the wire types of the saga coordinator protocol.
// The coordinator ("saga server") is the durable source of truth for global
// and branch transactions when multiple orchestrator processes run
// concurrently. Requests and replies are exchanged as JSON over HTTP; every
// reply carries a code and an optional error message, and every state
// transition is a compare-and-swap on the last observed (state, version)
// pair.
package api

// Reply codes shared by all coordinator endpoints.
const (
	// CodeOk indicates the request was accepted.
	CodeOk int32 = 0
	// CodeNotImplemented indicates the endpoint is not available.
	CodeNotImplemented int32 = 1
	// CodeServerError indicates an internal coordinator failure.
	CodeServerError int32 = 2
	// CodeResourceChanged indicates a version-CAS conflict: the supplied
	// (oldState, oldVersion) no longer matches the stored record. Callers
	// must re-read and retry rather than resubmit stale values.
	CodeResourceChanged int32 = 3
	// CodeNotFound indicates the global or branch transaction does not exist.
	CodeNotFound int32 = 404
)

// TxState is the lifecycle state of a global or branch transaction as held
// by the coordinator.
type TxState int32

const (
	// TxStateProcessing indicates the transaction is executing forward.
	TxStateProcessing TxState = iota
	// TxStateCommitted indicates the transaction finished successfully.
	TxStateCommitted
	// TxStateCompensationDoing indicates compensation is in progress.
	TxStateCompensationDoing
	// TxStateCompensationError indicates a compensation attempt failed and
	// will be retried by a later worker pass.
	TxStateCompensationError
	// TxStateCompensationDone indicates all compensations completed.
	TxStateCompensationDone
	// TxStateCompensationFail indicates compensation failed permanently
	// after exhausting the retry budget.
	TxStateCompensationFail
)

// String returns the string representation of the TxState.
func (s TxState) String() string {
	switch s {
	case TxStateProcessing:
		return "processing"
	case TxStateCommitted:
		return "committed"
	case TxStateCompensationDoing:
		return "compensation_doing"
	case TxStateCompensationError:
		return "compensation_error"
	case TxStateCompensationDone:
		return "compensation_done"
	case TxStateCompensationFail:
		return "compensation_fail"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transition is expected from the state.
func (s TxState) IsTerminal() bool {
	return s == TxStateCommitted || s == TxStateCompensationDone || s == TxStateCompensationFail
}

// NodeInfo identifies the process that created a global or branch transaction.
type NodeInfo struct {
	Group      string `json:"group"`
	Service    string `json:"service"`
	InstanceID string `json:"instance_id"`
}

// CreateGlobalTransactionRequest registers a new global transaction.
type CreateGlobalTransactionRequest struct {
	Node          *NodeInfo `json:"node,omitempty"`
	ExpireSeconds int32     `json:"expire_seconds"`
	Extra         string    `json:"extra,omitempty"`
}

// CreateGlobalTransactionReply carries the assigned xid.
type CreateGlobalTransactionReply struct {
	Code  int32  `json:"code"`
	Error string `json:"error,omitempty"`
	Xid   string `json:"xid,omitempty"`
}

// CreateBranchTransactionRequest registers one branch under a global
// transaction just before the branch action runs. The compensation service
// key may be empty, which marks the branch as having a no-op compensation.
type CreateBranchTransactionRequest struct {
	Node                         *NodeInfo `json:"node,omitempty"`
	Xid                          string    `json:"xid"`
	BranchServiceKey             string    `json:"branch_service_key"`
	BranchCompensationServiceKey string    `json:"branch_compensation_service_key,omitempty"`
}

// CreateBranchTransactionReply carries the assigned branch id.
type CreateBranchTransactionReply struct {
	Code     int32  `json:"code"`
	Error    string `json:"error,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}

// TransactionBranchDetail is a point-in-time view of one branch transaction.
type TransactionBranchDetail struct {
	BranchID                     string    `json:"branch_id"`
	Node                         *NodeInfo `json:"node,omitempty"`
	State                        TxState   `json:"state"`
	Version                      int32     `json:"version"`
	CompensationFailTimes        int32     `json:"compensation_fail_times"`
	BranchServiceKey             string    `json:"branch_service_key"`
	BranchCompensationServiceKey string    `json:"branch_compensation_service_key,omitempty"`
}

// QueryGlobalTransactionDetailReply is a point read of one global
// transaction with all of its branches in registration order.
type QueryGlobalTransactionDetailReply struct {
	Code          int32                      `json:"code"`
	Error         string                     `json:"error,omitempty"`
	Xid           string                     `json:"xid,omitempty"`
	State         TxState                    `json:"state"`
	Version       int32                      `json:"version"`
	CreatedAt     int64                      `json:"created_at"`
	ExpireSeconds int32                      `json:"expire_seconds"`
	EndBranches   bool                       `json:"end_branches"`
	StarterNode   *NodeInfo                  `json:"starter_node,omitempty"`
	Branches      []*TransactionBranchDetail `json:"branches,omitempty"`
}

// QueryBranchTransactionDetailReply is a point read of one branch.
type QueryBranchTransactionDetailReply struct {
	Code   int32                    `json:"code"`
	Error  string                   `json:"error,omitempty"`
	Detail *TransactionBranchDetail `json:"detail,omitempty"`
}

// SubmitGlobalTransactionStateRequest is a CAS write of the global state.
type SubmitGlobalTransactionStateRequest struct {
	Xid        string  `json:"xid"`
	OldState   TxState `json:"old_state"`
	State      TxState `json:"state"`
	OldVersion int32   `json:"old_version"`
}

// SubmitGlobalTransactionStateReply returns the state after the write.
type SubmitGlobalTransactionStateReply struct {
	Code  int32   `json:"code"`
	Error string  `json:"error,omitempty"`
	State TxState `json:"state"`
}

// EndGlobalTransactionBranchesRequest declares that the global transaction
// will register no more branches. From this point the coordinator refuses
// new branches and, once every registered branch has committed, promotes
// the global transaction to COMMITTED on its own.
type EndGlobalTransactionBranchesRequest struct {
	Xid string `json:"xid"`
}

// EndGlobalTransactionBranchesReply returns the global state after the
// declaration, which may already be COMMITTED when all branches were done.
type EndGlobalTransactionBranchesReply struct {
	Code  int32   `json:"code"`
	Error string  `json:"error,omitempty"`
	State TxState `json:"state"`
}

// SubmitBranchTransactionStateRequest is a CAS write of one branch state.
// JobID identifies one compensation attempt so that failure bookkeeping is
// idempotent across retries; SagaData optionally checkpoints the payload.
type SubmitBranchTransactionStateRequest struct {
	Xid         string  `json:"xid"`
	BranchID    string  `json:"branch_id"`
	OldState    TxState `json:"old_state"`
	State       TxState `json:"state"`
	OldVersion  int32   `json:"old_version"`
	JobID       string  `json:"job_id,omitempty"`
	ErrorReason string  `json:"error_reason,omitempty"`
	SagaData    []byte  `json:"saga_data,omitempty"`
}

// SubmitBranchTransactionStateReply returns the branch state after the write.
type SubmitBranchTransactionStateReply struct {
	Code  int32   `json:"code"`
	Error string  `json:"error,omitempty"`
	State TxState `json:"state"`
}

// ListGlobalTransactionsOfStatesRequest requests up to Limit xids whose
// global state is any of States.
type ListGlobalTransactionsOfStatesRequest struct {
	States []TxState `json:"states"`
	Limit  int32     `json:"limit"`
}

// ListGlobalTransactionsOfStatesReply lists matching xids.
type ListGlobalTransactionsOfStatesReply struct {
	Code  int32    `json:"code"`
	Error string   `json:"error,omitempty"`
	Xids  []string `json:"xids,omitempty"`
}

// InitSagaDataRequest checkpoints the serialized saga payload for a xid so
// that a worker in another process can resume compensation.
type InitSagaDataRequest struct {
	Xid  string `json:"xid"`
	Data []byte `json:"data"`
}

// InitSagaDataReply acknowledges the checkpoint.
type InitSagaDataReply struct {
	Code  int32  `json:"code"`
	Error string `json:"error,omitempty"`
}

// GetSagaDataReply returns the last checkpointed payload for a xid.
type GetSagaDataReply struct {
	Code  int32  `json:"code"`
	Error string `json:"error,omitempty"`
	Data  []byte `json:"data,omitempty"`
}
