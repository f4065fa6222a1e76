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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoowii/sagas-go/pkg/logger"
	"github.com/zoowii/sagas-go/pkg/saga/api"
)

// CollaboratorSagaWorker reconciles unfinished global transactions held by
// the coordinator. It expires stuck PROCESSING transactions into
// compensation and replays compensations for transactions already
// compensating, walking branches in reverse registration order.
//
// The worker only acts on branches whose compensation keys resolve in this
// process; everything else is left for whichever process holds the binding.
// Several workers may scan concurrently: every write is a version CAS, so a
// lost race is just a skipped branch.
type CollaboratorSagaWorker struct {
	collab    *SagaCollaborator
	resolver  SagaResolver
	converter DataConverter
	listLimit int32
	now       func() time.Time
}

// NewCollaboratorSagaWorker creates a worker.
func NewCollaboratorSagaWorker(collab *SagaCollaborator, resolver SagaResolver, converter DataConverter) (*CollaboratorSagaWorker, error) {
	if collab == nil || resolver == nil || converter == nil {
		return nil, fmt.Errorf("collaborator saga worker: collaborator, resolver and converter are required")
	}
	return &CollaboratorSagaWorker{
		collab:    collab,
		resolver:  resolver,
		converter: converter,
		listLimit: DefaultWorkerListLimit,
		now:       time.Now,
	}, nil
}

// DoWork performs one reconciliation pass over the coordinator's unfinished
// global transactions. One transaction's failure never stops the scan.
func (w *CollaboratorSagaWorker) DoWork(ctx context.Context) error {
	states := []api.TxState{api.TxStateProcessing, api.TxStateCompensationDoing, api.TxStateCompensationError}
	xids, err := w.collab.ListGlobalTxsOfStates(ctx, states, w.listLimit)
	if err != nil {
		return fmt.Errorf("list unfinished global txs: %w", err)
	}
	for _, xid := range xids {
		if err := w.processGlobalTx(ctx, xid); err != nil {
			logger.GetLogger().Warn("saga worker: global tx not advanced",
				zap.String("xid", xid), zap.Error(err))
		}
	}
	return nil
}

func (w *CollaboratorSagaWorker) processGlobalTx(ctx context.Context, xid string) error {
	detail, err := w.collab.QueryGlobalTx(ctx, xid)
	if err != nil {
		return err
	}
	switch detail.State {
	case api.TxStateProcessing:
		if !w.isExpired(detail) {
			return nil
		}
		// The starter went silent. Flip the global into compensation; the
		// coordinator flips the branches along with it, and a later pass
		// (or another worker) replays the compensations.
		_, err := w.collab.SubmitGlobalTxState(ctx, xid, api.TxStateProcessing, api.TxStateCompensationDoing, detail.Version)
		if err != nil && !IsVersionConflict(err) {
			return err
		}
		logger.GetLogger().Info("saga worker: expired global tx moved to compensation", zap.String("xid", xid))
		return nil
	case api.TxStateCompensationDoing, api.TxStateCompensationError:
		return w.compensateBranches(ctx, xid, detail)
	default:
		return nil
	}
}

func (w *CollaboratorSagaWorker) compensateBranches(ctx context.Context, xid string, detail *api.QueryGlobalTransactionDetailReply) error {
	raw, err := w.collab.GetSagaData(ctx, xid)
	if err != nil {
		return err
	}
	data, err := w.converter.Deserialize(raw)
	if err != nil {
		return fmt.Errorf("global tx %s: %w", xid, err)
	}

	// Branches undo in reverse registration order, mirroring how the saga
	// built up its effects.
	branches := detail.Branches
	for i := len(branches) - 1; i >= 0; i-- {
		branch := branches[i]
		switch branch.State {
		case api.TxStateCompensationDoing, api.TxStateCompensationError:
		default:
			continue
		}
		if err := w.compensateBranch(ctx, xid, branch, data); err != nil {
			return err
		}
	}
	return nil
}

func (w *CollaboratorSagaWorker) compensateBranch(ctx context.Context, xid string, branch *api.TransactionBranchDetail, data SagaData) error {
	log := logger.GetLogger().With(zap.String("xid", xid), zap.String("branch_id", branch.BranchID))

	if branch.BranchCompensationServiceKey == "" {
		// Nothing to undo for this branch.
		_, err := w.collab.SubmitBranchTxState(ctx, &api.SubmitBranchTransactionStateRequest{
			Xid:        xid,
			BranchID:   branch.BranchID,
			OldState:   branch.State,
			State:      api.TxStateCompensationDone,
			OldVersion: branch.Version,
		})
		if err != nil && !IsVersionConflict(err) {
			return err
		}
		return nil
	}

	fn, resolvable := w.resolver.ResolveBranch(branch.BranchCompensationServiceKey)
	if !resolvable {
		// Another process owns this binding.
		log.Debug("saga worker: compensation key not bound here",
			zap.String("compensation_key", branch.BranchCompensationServiceKey))
		return nil
	}

	compErr := fn(ctx, data)
	if compErr != nil {
		log.Warn("saga worker: branch compensation failed", zap.Error(compErr))
		_, err := w.collab.SubmitBranchTxState(ctx, &api.SubmitBranchTransactionStateRequest{
			Xid:         xid,
			BranchID:    branch.BranchID,
			OldState:    branch.State,
			State:       api.TxStateCompensationError,
			OldVersion:  branch.Version,
			JobID:       uuid.NewString(),
			ErrorReason: compErr.Error(),
		})
		if err != nil && !IsVersionConflict(err) {
			return err
		}
		return nil
	}

	raw, err := w.converter.Serialize(data)
	if err != nil {
		return err
	}
	_, err = w.collab.SubmitBranchTxState(ctx, &api.SubmitBranchTransactionStateRequest{
		Xid:        xid,
		BranchID:   branch.BranchID,
		OldState:   branch.State,
		State:      api.TxStateCompensationDone,
		OldVersion: branch.Version,
		SagaData:   raw,
	})
	if err != nil && !IsVersionConflict(err) {
		return err
	}
	log.Info("saga worker: branch compensated")
	return nil
}

func (w *CollaboratorSagaWorker) isExpired(detail *api.QueryGlobalTransactionDetailReply) bool {
	expireSeconds := detail.ExpireSeconds
	if expireSeconds <= 0 {
		expireSeconds = DefaultGlobalTxExpireSeconds
	}
	deadline := time.Unix(detail.CreatedAt, 0).Add(time.Duration(expireSeconds) * time.Second)
	return w.now().After(deadline)
}
