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
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoowii/sagas-go/pkg/logger"
	"github.com/zoowii/sagas-go/pkg/saga/api"
)

// initialBranchVersion is the version the coordinator assigns to a freshly
// created transaction record. The session relies on it for the first CAS
// on a branch it just created.
const initialBranchVersion int32 = 1

// SagaSession is a dynamic saga: instead of executing a prebuilt
// definition, the caller invokes branches one at a time and each branch is
// registered with the coordinator just before it runs. That gives the
// coordinator a complete undo log even when the set of branches depends on
// runtime decisions.
//
// A session is bound to one global transaction and one payload; it is not
// safe for concurrent use.
type SagaSession struct {
	collab    *SagaCollaborator
	resolver  SagaResolver
	converter DataConverter
	xid       string
	data      SagaData
}

// StartSagaSession opens a global transaction on the coordinator and
// checkpoints the initial payload. expireSeconds non-positive applies the
// coordinator default.
func StartSagaSession(ctx context.Context, collab *SagaCollaborator, resolver SagaResolver, converter DataConverter, data SagaData, expireSeconds int32) (*SagaSession, error) {
	if collab == nil || resolver == nil || converter == nil {
		return nil, fmt.Errorf("start saga session: collaborator, resolver and converter are required")
	}
	if data == nil {
		return nil, fmt.Errorf("start saga session: nil payload")
	}
	xid, err := collab.CreateGlobalTx(ctx, expireSeconds)
	if err != nil {
		return nil, fmt.Errorf("start saga session: %w", err)
	}
	raw, err := converter.Serialize(data)
	if err != nil {
		return nil, err
	}
	if err := collab.InitSagaData(ctx, xid, raw); err != nil {
		return nil, err
	}
	logger.GetLogger().Info("saga session started", zap.String("xid", xid))
	return &SagaSession{
		collab:    collab,
		resolver:  resolver,
		converter: converter,
		xid:       xid,
		data:      data,
	}, nil
}

// Xid returns the session's global transaction id.
func (s *SagaSession) Xid() string { return s.xid }

// Data returns the session's payload.
func (s *SagaSession) Data() SagaData { return s.data }

// Invoke registers branch with the coordinator, binds its keys into the
// resolver, and runs the forward action against the session payload.
//
// On success the branch is committed with a fresh payload snapshot. On
// failure the branch is marked for compensation and the action's error is
// returned wrapped in an AbortError; the caller is expected to stop
// invoking and call Rollback.
func (s *SagaSession) Invoke(ctx context.Context, branch Branch) error {
	if branch.ServiceKey == "" {
		return fmt.Errorf("saga session %s: branch requires a service key", s.xid)
	}
	if branch.Action == nil {
		return fmt.Errorf("saga session %s: branch %s has no action", s.xid, branch.ServiceKey)
	}
	s.bind(branch.ServiceKey, branch.Action)
	if branch.CompensationKey != "" && branch.Compensation != nil {
		s.bind(branch.CompensationKey, branch.Compensation)
	}

	branchID, err := s.collab.CreateBranchTx(ctx, s.xid, branch.ServiceKey, branch.CompensationKey)
	if err != nil {
		return fmt.Errorf("saga session %s: register branch %s: %w", s.xid, branch.ServiceKey, err)
	}

	actionErr := branch.Action(ctx, s.data)
	if actionErr != nil {
		logger.GetLogger().Warn("saga session branch failed",
			zap.String("xid", s.xid), zap.String("branch_id", branchID),
			zap.String("service_key", branch.ServiceKey), zap.Error(actionErr))
		if _, err := s.collab.SubmitBranchTxState(ctx, &api.SubmitBranchTransactionStateRequest{
			Xid:         s.xid,
			BranchID:    branchID,
			OldState:    api.TxStateProcessing,
			State:       api.TxStateCompensationDoing,
			OldVersion:  initialBranchVersion,
			JobID:       uuid.NewString(),
			ErrorReason: actionErr.Error(),
		}); err != nil {
			return fmt.Errorf("saga session %s: mark branch %s failed: %w", s.xid, branchID, err)
		}
		return WrapAbort(actionErr)
	}

	raw, err := s.converter.Serialize(s.data)
	if err != nil {
		return err
	}
	if _, err := s.collab.SubmitBranchTxState(ctx, &api.SubmitBranchTransactionStateRequest{
		Xid:        s.xid,
		BranchID:   branchID,
		OldState:   api.TxStateProcessing,
		State:      api.TxStateCommitted,
		OldVersion: initialBranchVersion,
		SagaData:   raw,
	}); err != nil {
		return fmt.Errorf("saga session %s: commit branch %s: %w", s.xid, branchID, err)
	}
	return nil
}

// Commit closes the session's branch set and submits the global
// transaction's success via the optimistic-retry path. Declaring the branch
// set complete first lets the coordinator commit off the branch cascade and
// refuse stragglers registering after the commit.
func (s *SagaSession) Commit(ctx context.Context) error {
	if _, err := s.collab.EndGlobalTxBranches(ctx, s.xid); err != nil {
		return fmt.Errorf("commit saga session %s: end branches: %w", s.xid, err)
	}
	if _, err := s.collab.SubmitGlobalTxStateOptimism(ctx, s.xid, api.TxStateCommitted); err != nil {
		return fmt.Errorf("commit saga session %s: %w", s.xid, err)
	}
	logger.GetLogger().Info("saga session committed", zap.String("xid", s.xid))
	return nil
}

// Rollback asks the coordinator to start compensating the global
// transaction. The compensations themselves run asynchronously, on
// whichever worker process resolves the branch keys.
func (s *SagaSession) Rollback(ctx context.Context) error {
	if _, err := s.collab.SubmitGlobalTxStateOptimism(ctx, s.xid, api.TxStateCompensationDoing); err != nil {
		return fmt.Errorf("rollback saga session %s: %w", s.xid, err)
	}
	logger.GetLogger().Info("saga session rolling back", zap.String("xid", s.xid))
	return nil
}

// bind adds the key to the resolver if this process has not bound it yet.
// The same branch table is often invoked by many sessions.
func (s *SagaSession) bind(key string, fn BranchFn) {
	if _, bound := s.resolver.ResolveBranch(key); bound {
		return
	}
	if err := s.resolver.BindBranch(key, fn); err != nil {
		logger.GetLogger().Warn("saga session: bind branch", zap.String("service_key", key), zap.Error(err))
	}
}
