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

// Package service implements the saga coordinator's transaction rules:
// version-CAS state writes, branch/global state cascades, and the
// compensation failure budget.
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoowii/sagas-go/internal/sagaserver/model"
	"github.com/zoowii/sagas-go/internal/sagaserver/repository"
	"github.com/zoowii/sagas-go/pkg/logger"
	"github.com/zoowii/sagas-go/pkg/saga/api"
)

// DefaultExpireSeconds is applied to global transactions created without an
// explicit expiry.
const DefaultExpireSeconds int32 = 60

// MaxCompensationFailTimes is the per-branch failure budget; the third
// recorded failure moves the branch and its global transaction to
// COMPENSATION_FAIL.
const MaxCompensationFailTimes int64 = 3

// SagaService holds the coordinator's transaction rules over a repository.
type SagaService struct {
	repo repository.SagaRepository
}

// NewSagaService creates a service over repo.
func NewSagaService(repo repository.SagaRepository) *SagaService {
	return &SagaService{repo: repo}
}

// CreateGlobalTx registers a new global transaction in PROCESSING.
func (s *SagaService) CreateGlobalTx(ctx context.Context, req *api.CreateGlobalTransactionRequest) *api.CreateGlobalTransactionReply {
	expireSeconds := req.ExpireSeconds
	if expireSeconds <= 0 {
		expireSeconds = DefaultExpireSeconds
	}
	tx := &model.GlobalTx{
		Xid:           uuid.NewString(),
		State:         int32(api.TxStateProcessing),
		Version:       model.InitialTxVersion,
		ExpireSeconds: expireSeconds,
		Extra:         req.Extra,
	}
	applyNode(req.Node, &tx.CreatorGroup, &tx.CreatorService, &tx.CreatorInstanceID)
	if err := s.repo.CreateGlobalTx(ctx, tx); err != nil {
		logger.GetLogger().Error("create global tx failed", zap.Error(err))
		return &api.CreateGlobalTransactionReply{Code: api.CodeServerError, Error: err.Error()}
	}
	return &api.CreateGlobalTransactionReply{Code: api.CodeOk, Xid: tx.Xid}
}

// CreateBranchTx registers one branch under a global transaction. Branches
// can only join while the global transaction is still PROCESSING and has
// not declared its branch set complete.
func (s *SagaService) CreateBranchTx(ctx context.Context, req *api.CreateBranchTransactionRequest) *api.CreateBranchTransactionReply {
	global, err := s.repo.GetGlobalTx(ctx, req.Xid)
	if err != nil {
		return &api.CreateBranchTransactionReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	if global.State != int32(api.TxStateProcessing) {
		return &api.CreateBranchTransactionReply{
			Code:  api.CodeResourceChanged,
			Error: "global tx is not processing",
		}
	}
	if global.EndBranches {
		return &api.CreateBranchTransactionReply{
			Code:  api.CodeResourceChanged,
			Error: "global tx no longer accepts branches",
		}
	}
	branch := &model.BranchTx{
		BranchTxID:                   uuid.NewString(),
		Xid:                          req.Xid,
		State:                        int32(api.TxStateProcessing),
		Version:                      model.InitialTxVersion,
		BranchServiceKey:             req.BranchServiceKey,
		BranchCompensationServiceKey: req.BranchCompensationServiceKey,
	}
	applyNode(req.Node, &branch.CreatorGroup, &branch.CreatorService, &branch.CreatorInstanceID)
	if err := s.repo.CreateBranchTx(ctx, branch); err != nil {
		logger.GetLogger().Error("create branch tx failed", zap.String("xid", req.Xid), zap.Error(err))
		return &api.CreateBranchTransactionReply{Code: api.CodeServerError, Error: err.Error()}
	}
	return &api.CreateBranchTransactionReply{Code: api.CodeOk, BranchID: branch.BranchTxID}
}

// QueryGlobalTx reads a global transaction and its branches in registration
// order.
func (s *SagaService) QueryGlobalTx(ctx context.Context, xid string) *api.QueryGlobalTransactionDetailReply {
	global, err := s.repo.GetGlobalTx(ctx, xid)
	if err != nil {
		return &api.QueryGlobalTransactionDetailReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	branches, err := s.repo.ListBranchTxsOfGlobal(ctx, xid)
	if err != nil {
		return &api.QueryGlobalTransactionDetailReply{Code: api.CodeServerError, Error: err.Error()}
	}
	reply := &api.QueryGlobalTransactionDetailReply{
		Code:          api.CodeOk,
		Xid:           global.Xid,
		State:         api.TxState(global.State),
		Version:       global.Version,
		CreatedAt:     global.CreatedAt.Unix(),
		ExpireSeconds: global.ExpireSeconds,
		EndBranches:   global.EndBranches,
		StarterNode:   nodeOf(global.CreatorGroup, global.CreatorService, global.CreatorInstanceID),
	}
	for _, branch := range branches {
		reply.Branches = append(reply.Branches, branchDetail(branch))
	}
	return reply
}

// QueryBranchTx reads one branch transaction.
func (s *SagaService) QueryBranchTx(ctx context.Context, branchID string) *api.QueryBranchTransactionDetailReply {
	branch, err := s.repo.GetBranchTx(ctx, branchID)
	if err != nil {
		return &api.QueryBranchTransactionDetailReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	return &api.QueryBranchTransactionDetailReply{Code: api.CodeOk, Detail: branchDetail(branch)}
}

// SubmitGlobalTxState CAS-writes the global state. Moving a global
// transaction into COMPENSATION_DOING also flips its PROCESSING and
// COMMITTED branches into COMPENSATION_DOING, which is what hands them to
// the compensation workers. The flip applies whether the rollback comes
// from PROCESSING or from an already COMMITTED transaction.
func (s *SagaService) SubmitGlobalTxState(ctx context.Context, req *api.SubmitGlobalTransactionStateRequest) *api.SubmitGlobalTransactionStateReply {
	ok, err := s.repo.UpdateGlobalTxState(ctx, req.Xid, int32(req.OldState), int32(req.State), req.OldVersion)
	if err != nil {
		return &api.SubmitGlobalTransactionStateReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	if !ok {
		return &api.SubmitGlobalTransactionStateReply{
			Code:  api.CodeResourceChanged,
			Error: "global tx state or version changed",
		}
	}
	if req.State == api.TxStateCompensationDoing {
		err := s.repo.UpdateBranchTxStatesOfGlobal(ctx, req.Xid,
			[]int32{int32(api.TxStateProcessing), int32(api.TxStateCommitted)},
			int32(api.TxStateCompensationDoing))
		if err != nil {
			logger.GetLogger().Error("flip branches to compensation failed",
				zap.String("xid", req.Xid), zap.Error(err))
			return &api.SubmitGlobalTransactionStateReply{Code: api.CodeServerError, Error: err.Error()}
		}
	}
	return &api.SubmitGlobalTransactionStateReply{Code: api.CodeOk, State: req.State}
}

// EndGlobalTxBranches marks the branch set of a global transaction as
// complete: no new branches may register after the declaration. When every
// already registered branch has committed, the declaration itself promotes
// the global transaction to COMMITTED; otherwise the promotion happens when
// the last branch commits. The declaration is idempotent.
func (s *SagaService) EndGlobalTxBranches(ctx context.Context, req *api.EndGlobalTransactionBranchesRequest) *api.EndGlobalTransactionBranchesReply {
	if _, err := s.repo.GetGlobalTx(ctx, req.Xid); err != nil {
		return &api.EndGlobalTransactionBranchesReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	if err := s.repo.SetGlobalTxEndBranches(ctx, req.Xid); err != nil {
		logger.GetLogger().Error("end global tx branches failed", zap.String("xid", req.Xid), zap.Error(err))
		return &api.EndGlobalTransactionBranchesReply{Code: api.CodeServerError, Error: err.Error()}
	}
	// All branches may already be committed by declaration time, in which
	// case no later branch submit will fire the cascade.
	if err := s.promoteGlobalIfAllBranches(ctx, req.Xid, api.TxStateCommitted, api.TxStateProcessing); err != nil {
		return &api.EndGlobalTransactionBranchesReply{Code: api.CodeServerError, Error: err.Error()}
	}
	global, err := s.repo.GetGlobalTx(ctx, req.Xid)
	if err != nil {
		return &api.EndGlobalTransactionBranchesReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	return &api.EndGlobalTransactionBranchesReply{Code: api.CodeOk, State: api.TxState(global.State)}
}

// SubmitBranchTxState CAS-writes one branch state and applies the cascades:
// after the branch set is declared complete, all branches committed
// promotes the global to COMMITTED; all branches compensated promotes it to
// COMPENSATION_DONE; and a compensation failure past the budget demotes
// branch and global to COMPENSATION_FAIL.
func (s *SagaService) SubmitBranchTxState(ctx context.Context, req *api.SubmitBranchTransactionStateRequest) *api.SubmitBranchTransactionStateReply {
	branch, err := s.repo.GetBranchTx(ctx, req.BranchID)
	if err != nil {
		return &api.SubmitBranchTransactionStateReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	if len(req.SagaData) > 0 {
		if err := s.repo.SaveSagaData(ctx, branch.Xid, req.SagaData); err != nil {
			return &api.SubmitBranchTransactionStateReply{Code: api.CodeServerError, Error: err.Error()}
		}
	}
	ok, err := s.repo.UpdateBranchTxState(ctx, req.BranchID, int32(req.OldState), int32(req.State), req.OldVersion)
	if err != nil {
		return &api.SubmitBranchTransactionStateReply{Code: api.CodeServerError, Error: err.Error()}
	}
	if !ok {
		return &api.SubmitBranchTransactionStateReply{
			Code:  api.CodeResourceChanged,
			Error: "branch tx state or version changed",
		}
	}

	switch req.State {
	case api.TxStateCommitted:
		global, err := s.repo.GetGlobalTx(ctx, branch.Xid)
		if err != nil {
			return &api.SubmitBranchTransactionStateReply{Code: notFoundOrServerError(err), Error: err.Error()}
		}
		// While the branch set is still open, later branches may register;
		// only a declared-complete transaction commits off this cascade.
		if !global.EndBranches {
			break
		}
		if err := s.promoteGlobalIfAllBranches(ctx, branch.Xid, api.TxStateCommitted, api.TxStateProcessing); err != nil {
			return &api.SubmitBranchTransactionStateReply{Code: api.CodeServerError, Error: err.Error()}
		}
	case api.TxStateCompensationDone:
		if err := s.promoteGlobalIfAllBranches(ctx, branch.Xid, api.TxStateCompensationDone,
			api.TxStateCompensationDoing, api.TxStateCompensationError); err != nil {
			return &api.SubmitBranchTransactionStateReply{Code: api.CodeServerError, Error: err.Error()}
		}
	case api.TxStateCompensationError:
		if err := s.recordCompensationFailure(ctx, branch.Xid, req); err != nil {
			return &api.SubmitBranchTransactionStateReply{Code: api.CodeServerError, Error: err.Error()}
		}
	}
	return &api.SubmitBranchTransactionStateReply{Code: api.CodeOk, State: req.State}
}

// ListGlobalTxsOfStates returns up to limit xids in any of the states.
func (s *SagaService) ListGlobalTxsOfStates(ctx context.Context, req *api.ListGlobalTransactionsOfStatesRequest) *api.ListGlobalTransactionsOfStatesReply {
	states := make([]int32, 0, len(req.States))
	for _, st := range req.States {
		states = append(states, int32(st))
	}
	xids, err := s.repo.ListGlobalTxXidsInStates(ctx, states, req.Limit)
	if err != nil {
		return &api.ListGlobalTransactionsOfStatesReply{Code: api.CodeServerError, Error: err.Error()}
	}
	return &api.ListGlobalTransactionsOfStatesReply{Code: api.CodeOk, Xids: xids}
}

// InitSagaData checkpoints the payload snapshot of a global transaction.
func (s *SagaService) InitSagaData(ctx context.Context, req *api.InitSagaDataRequest) *api.InitSagaDataReply {
	if _, err := s.repo.GetGlobalTx(ctx, req.Xid); err != nil {
		return &api.InitSagaDataReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	if err := s.repo.SaveSagaData(ctx, req.Xid, req.Data); err != nil {
		return &api.InitSagaDataReply{Code: api.CodeServerError, Error: err.Error()}
	}
	return &api.InitSagaDataReply{Code: api.CodeOk}
}

// GetSagaData returns the last checkpointed payload snapshot.
func (s *SagaService) GetSagaData(ctx context.Context, xid string) *api.GetSagaDataReply {
	data, err := s.repo.GetSagaData(ctx, xid)
	if err != nil {
		return &api.GetSagaDataReply{Code: notFoundOrServerError(err), Error: err.Error()}
	}
	return &api.GetSagaDataReply{Code: api.CodeOk, Data: data}
}

// promoteGlobalIfAllBranches moves the global transaction to target when
// every branch has reached target. The promotion itself is a CAS from any
// of fromStates, so racing submitters promote exactly once.
func (s *SagaService) promoteGlobalIfAllBranches(ctx context.Context, xid string, target api.TxState, fromStates ...api.TxState) error {
	branches, err := s.repo.ListBranchTxsOfGlobal(ctx, xid)
	if err != nil {
		return err
	}
	for _, branch := range branches {
		if branch.State != int32(target) {
			return nil
		}
	}
	global, err := s.repo.GetGlobalTx(ctx, xid)
	if err != nil {
		return err
	}
	for _, from := range fromStates {
		if global.State != int32(from) {
			continue
		}
		if _, err := s.repo.UpdateGlobalTxState(ctx, xid, int32(from), int32(target), global.Version); err != nil {
			return err
		}
		logger.GetLogger().Info("global tx promoted",
			zap.String("xid", xid), zap.String("state", target.String()))
		return nil
	}
	return nil
}

// recordCompensationFailure books one failed compensation attempt, dedup'd
// by job id, and applies the failure budget.
func (s *SagaService) recordCompensationFailure(ctx context.Context, xid string, req *api.SubmitBranchTransactionStateRequest) error {
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if _, err := s.repo.CreateCompensationFailLog(ctx, &model.BranchTxCompensationFailLog{
		Xid:        xid,
		BranchTxID: req.BranchID,
		JobID:      jobID,
		Reason:     req.ErrorReason,
	}); err != nil {
		return err
	}
	count, err := s.repo.CountCompensationFailLogs(ctx, req.BranchID)
	if err != nil {
		return err
	}
	if err := s.repo.SetBranchCompensationFailTimes(ctx, req.BranchID, int32(count)); err != nil {
		return err
	}
	if count < MaxCompensationFailTimes {
		return nil
	}

	// Budget exhausted: the branch and the whole global transaction are
	// beyond automatic recovery.
	branch, err := s.repo.GetBranchTx(ctx, req.BranchID)
	if err != nil {
		return err
	}
	if branch.State != int32(api.TxStateCompensationFail) {
		if _, err := s.repo.UpdateBranchTxState(ctx, req.BranchID,
			branch.State, int32(api.TxStateCompensationFail), branch.Version); err != nil {
			return err
		}
	}
	global, err := s.repo.GetGlobalTx(ctx, xid)
	if err != nil {
		return err
	}
	if global.State != int32(api.TxStateCompensationFail) {
		if _, err := s.repo.UpdateGlobalTxState(ctx, xid,
			global.State, int32(api.TxStateCompensationFail), global.Version); err != nil {
			return err
		}
	}
	logger.GetLogger().Error("global tx compensation failed permanently",
		zap.String("xid", xid), zap.String("branch_id", req.BranchID), zap.Int64("fail_times", count))
	return nil
}

func branchDetail(branch *model.BranchTx) *api.TransactionBranchDetail {
	return &api.TransactionBranchDetail{
		BranchID:                     branch.BranchTxID,
		Node:                         nodeOf(branch.CreatorGroup, branch.CreatorService, branch.CreatorInstanceID),
		State:                        api.TxState(branch.State),
		Version:                      branch.Version,
		CompensationFailTimes:        branch.CompensationFailTimes,
		BranchServiceKey:             branch.BranchServiceKey,
		BranchCompensationServiceKey: branch.BranchCompensationServiceKey,
	}
}

func nodeOf(group, service, instanceID string) *api.NodeInfo {
	if group == "" && service == "" && instanceID == "" {
		return nil
	}
	return &api.NodeInfo{Group: group, Service: service, InstanceID: instanceID}
}

func applyNode(node *api.NodeInfo, group, service, instanceID *string) {
	if node == nil {
		return
	}
	*group = node.Group
	*service = node.Service
	*instanceID = node.InstanceID
}

func notFoundOrServerError(err error) int32 {
	if errors.Is(err, repository.ErrNotFound) {
		return api.CodeNotFound
	}
	return api.CodeServerError
}
