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

// Package repository provides data access for the saga coordinator, with a
// GORM/MySQL implementation for production use and an in-memory one for
// tests and local runs.
package repository

import (
	"context"
	"errors"

	"github.com/zoowii/sagas-go/internal/sagaserver/model"
)

// ErrNotFound is returned for xids and branch ids the repository does not
// hold.
var ErrNotFound = errors.New("record not found")

// SagaRepository is the coordinator's persistence surface. The two state
// update methods are compare-and-swaps: the write only applies when the
// stored (state, version) still matches, and an accepted write increments
// the version.
type SagaRepository interface {
	CreateGlobalTx(ctx context.Context, tx *model.GlobalTx) error
	GetGlobalTx(ctx context.Context, xid string) (*model.GlobalTx, error)

	// UpdateGlobalTxState CAS-writes the global state. The boolean reports
	// whether the write applied.
	UpdateGlobalTxState(ctx context.Context, xid string, oldState, newState, oldVersion int32) (bool, error)

	// SetGlobalTxEndBranches marks the global transaction as closed to new
	// branches. Setting the flag twice is a no-op.
	SetGlobalTxEndBranches(ctx context.Context, xid string) error

	// ListGlobalTxXidsInStates returns up to limit xids whose state is any
	// of states, in creation order.
	ListGlobalTxXidsInStates(ctx context.Context, states []int32, limit int32) ([]string, error)

	CreateBranchTx(ctx context.Context, branch *model.BranchTx) error
	GetBranchTx(ctx context.Context, branchTxID string) (*model.BranchTx, error)

	// ListBranchTxsOfGlobal returns the branches of xid in registration
	// order.
	ListBranchTxsOfGlobal(ctx context.Context, xid string) ([]*model.BranchTx, error)

	// UpdateBranchTxState CAS-writes one branch state.
	UpdateBranchTxState(ctx context.Context, branchTxID string, oldState, newState, oldVersion int32) (bool, error)

	// UpdateBranchTxStatesOfGlobal moves every branch of xid currently in
	// one of fromStates to newState, bumping each branch's version.
	UpdateBranchTxStatesOfGlobal(ctx context.Context, xid string, fromStates []int32, newState int32) error

	// SetBranchCompensationFailTimes records the branch's observed failure
	// count for reporting.
	SetBranchCompensationFailTimes(ctx context.Context, branchTxID string, failTimes int32) error

	// CreateCompensationFailLog inserts one fail-log record. Records are
	// deduplicated by job id; the boolean reports whether a new record was
	// created.
	CreateCompensationFailLog(ctx context.Context, log *model.BranchTxCompensationFailLog) (bool, error)

	// CountCompensationFailLogs counts distinct recorded failures of the
	// branch.
	CountCompensationFailLogs(ctx context.Context, branchTxID string) (int64, error)

	// SaveSagaData upserts the payload snapshot of xid.
	SaveSagaData(ctx context.Context, xid string, data []byte) error
	GetSagaData(ctx context.Context, xid string) ([]byte, error)
}
