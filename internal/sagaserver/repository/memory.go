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

package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoowii/sagas-go/internal/sagaserver/model"
)

// memorySagaRepository implements SagaRepository in process memory. It
// mirrors the GORM implementation's semantics and backs tests and local
// single-process runs.
type memorySagaRepository struct {
	mu sync.Mutex

	nextID    uint64
	globalTxs map[string]*model.GlobalTx
	globalSeq []string

	branchTxs map[string]*model.BranchTx
	branchSeq map[string][]string

	failLogs map[string]*model.BranchTxCompensationFailLog

	sagaData map[string][]byte
}

// NewMemorySagaRepository creates an empty in-memory repository.
func NewMemorySagaRepository() SagaRepository {
	return &memorySagaRepository{
		globalTxs: make(map[string]*model.GlobalTx),
		branchTxs: make(map[string]*model.BranchTx),
		branchSeq: make(map[string][]string),
		failLogs:  make(map[string]*model.BranchTxCompensationFailLog),
		sagaData:  make(map[string][]byte),
	}
}

func (r *memorySagaRepository) CreateGlobalTx(_ context.Context, tx *model.GlobalTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.globalTxs[tx.Xid]; exists {
		return fmt.Errorf("create global tx: duplicate xid %s", tx.Xid)
	}
	r.nextID++
	tx.ID = r.nextID
	tx.CreatedAt = time.Now().UTC()
	tx.UpdatedAt = tx.CreatedAt
	cp := *tx
	r.globalTxs[tx.Xid] = &cp
	r.globalSeq = append(r.globalSeq, tx.Xid)
	return nil
}

func (r *memorySagaRepository) GetGlobalTx(_ context.Context, xid string) (*model.GlobalTx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.globalTxs[xid]
	if !ok {
		return nil, fmt.Errorf("global tx %s: %w", xid, ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

func (r *memorySagaRepository) UpdateGlobalTxState(_ context.Context, xid string, oldState, newState, oldVersion int32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.globalTxs[xid]
	if !ok {
		return false, fmt.Errorf("global tx %s: %w", xid, ErrNotFound)
	}
	if tx.State != oldState || tx.Version != oldVersion {
		return false, nil
	}
	tx.State = newState
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memorySagaRepository) SetGlobalTxEndBranches(_ context.Context, xid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.globalTxs[xid]
	if !ok {
		return fmt.Errorf("global tx %s: %w", xid, ErrNotFound)
	}
	if !tx.EndBranches {
		tx.EndBranches = true
		tx.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *memorySagaRepository) ListGlobalTxXidsInStates(_ context.Context, states []int32, limit int32) ([]string, error) {
	wanted := make(map[int32]struct{}, len(states))
	for _, st := range states {
		wanted[st] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var xids []string
	for _, xid := range r.globalSeq {
		if limit > 0 && int32(len(xids)) >= limit {
			break
		}
		if _, ok := wanted[r.globalTxs[xid].State]; ok {
			xids = append(xids, xid)
		}
	}
	return xids, nil
}

func (r *memorySagaRepository) CreateBranchTx(_ context.Context, branch *model.BranchTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.branchTxs[branch.BranchTxID]; exists {
		return fmt.Errorf("create branch tx: duplicate id %s", branch.BranchTxID)
	}
	if _, exists := r.globalTxs[branch.Xid]; !exists {
		return fmt.Errorf("create branch tx: global tx %s: %w", branch.Xid, ErrNotFound)
	}
	r.nextID++
	branch.ID = r.nextID
	branch.CreatedAt = time.Now().UTC()
	branch.UpdatedAt = branch.CreatedAt
	cp := *branch
	r.branchTxs[branch.BranchTxID] = &cp
	r.branchSeq[branch.Xid] = append(r.branchSeq[branch.Xid], branch.BranchTxID)
	return nil
}

func (r *memorySagaRepository) GetBranchTx(_ context.Context, branchTxID string) (*model.BranchTx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	branch, ok := r.branchTxs[branchTxID]
	if !ok {
		return nil, fmt.Errorf("branch tx %s: %w", branchTxID, ErrNotFound)
	}
	cp := *branch
	return &cp, nil
}

func (r *memorySagaRepository) ListBranchTxsOfGlobal(_ context.Context, xid string) ([]*model.BranchTx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.branchSeq[xid]
	branches := make([]*model.BranchTx, 0, len(ids))
	for _, id := range ids {
		cp := *r.branchTxs[id]
		branches = append(branches, &cp)
	}
	return branches, nil
}

func (r *memorySagaRepository) UpdateBranchTxState(_ context.Context, branchTxID string, oldState, newState, oldVersion int32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	branch, ok := r.branchTxs[branchTxID]
	if !ok {
		return false, fmt.Errorf("branch tx %s: %w", branchTxID, ErrNotFound)
	}
	if branch.State != oldState || branch.Version != oldVersion {
		return false, nil
	}
	branch.State = newState
	branch.Version++
	branch.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memorySagaRepository) UpdateBranchTxStatesOfGlobal(_ context.Context, xid string, fromStates []int32, newState int32) error {
	wanted := make(map[int32]struct{}, len(fromStates))
	for _, st := range fromStates {
		wanted[st] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.branchSeq[xid] {
		branch := r.branchTxs[id]
		if _, ok := wanted[branch.State]; !ok {
			continue
		}
		branch.State = newState
		branch.Version++
		branch.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *memorySagaRepository) SetBranchCompensationFailTimes(_ context.Context, branchTxID string, failTimes int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	branch, ok := r.branchTxs[branchTxID]
	if !ok {
		return fmt.Errorf("branch tx %s: %w", branchTxID, ErrNotFound)
	}
	branch.CompensationFailTimes = failTimes
	return nil
}

func (r *memorySagaRepository) CreateCompensationFailLog(_ context.Context, log *model.BranchTxCompensationFailLog) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.failLogs[log.JobID]; exists {
		return false, nil
	}
	r.nextID++
	log.ID = r.nextID
	log.CreatedAt = time.Now().UTC()
	cp := *log
	r.failLogs[log.JobID] = &cp
	return true, nil
}

func (r *memorySagaRepository) CountCompensationFailLogs(_ context.Context, branchTxID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, log := range r.failLogs {
		if log.BranchTxID == branchTxID {
			count++
		}
	}
	return count, nil
}

func (r *memorySagaRepository) SaveSagaData(_ context.Context, xid string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.sagaData[xid] = cp
	return nil
}

func (r *memorySagaRepository) GetSagaData(_ context.Context, xid string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.sagaData[xid]
	if !ok {
		return nil, fmt.Errorf("saga data of %s: %w", xid, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
