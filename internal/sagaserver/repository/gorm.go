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
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zoowii/sagas-go/internal/sagaserver/model"
)

// gormSagaRepository implements SagaRepository on GORM.
type gormSagaRepository struct {
	db *gorm.DB
}

// NewGormSagaRepository creates a repository over the given database.
func NewGormSagaRepository(db *gorm.DB) SagaRepository {
	return &gormSagaRepository{db: db}
}

// AutoMigrate creates or updates the coordinator's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.GlobalTx{},
		&model.BranchTx{},
		&model.BranchTxCompensationFailLog{},
		&model.SagaData{},
	)
}

func (r *gormSagaRepository) CreateGlobalTx(ctx context.Context, tx *model.GlobalTx) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("create global tx: %w", err)
	}
	return nil
}

func (r *gormSagaRepository) GetGlobalTx(ctx context.Context, xid string) (*model.GlobalTx, error) {
	var tx model.GlobalTx
	err := r.db.WithContext(ctx).Where("xid = ?", xid).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("global tx %s: %w", xid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *gormSagaRepository) UpdateGlobalTxState(ctx context.Context, xid string, oldState, newState, oldVersion int32) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.GlobalTx{}).
		Where("xid = ? AND state = ? AND version = ?", xid, oldState, oldVersion).
		Updates(map[string]interface{}{
			"state":   newState,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormSagaRepository) SetGlobalTxEndBranches(ctx context.Context, xid string) error {
	res := r.db.WithContext(ctx).Model(&model.GlobalTx{}).
		Where("xid = ? AND end_branches = ?", xid, false).
		Update("end_branches", true)
	return res.Error
}

func (r *gormSagaRepository) ListGlobalTxXidsInStates(ctx context.Context, states []int32, limit int32) ([]string, error) {
	var xids []string
	q := r.db.WithContext(ctx).Model(&model.GlobalTx{}).
		Where("state IN ?", states).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(int(limit))
	}
	if err := q.Pluck("xid", &xids).Error; err != nil {
		return nil, err
	}
	return xids, nil
}

func (r *gormSagaRepository) CreateBranchTx(ctx context.Context, branch *model.BranchTx) error {
	if err := r.db.WithContext(ctx).Create(branch).Error; err != nil {
		return fmt.Errorf("create branch tx: %w", err)
	}
	return nil
}

func (r *gormSagaRepository) GetBranchTx(ctx context.Context, branchTxID string) (*model.BranchTx, error) {
	var branch model.BranchTx
	err := r.db.WithContext(ctx).Where("branch_tx_id = ?", branchTxID).First(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("branch tx %s: %w", branchTxID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (r *gormSagaRepository) ListBranchTxsOfGlobal(ctx context.Context, xid string) ([]*model.BranchTx, error) {
	var branches []*model.BranchTx
	err := r.db.WithContext(ctx).
		Where("xid = ?", xid).
		Order("id ASC").
		Find(&branches).Error
	if err != nil {
		return nil, err
	}
	return branches, nil
}

func (r *gormSagaRepository) UpdateBranchTxState(ctx context.Context, branchTxID string, oldState, newState, oldVersion int32) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.BranchTx{}).
		Where("branch_tx_id = ? AND state = ? AND version = ?", branchTxID, oldState, oldVersion).
		Updates(map[string]interface{}{
			"state":   newState,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormSagaRepository) UpdateBranchTxStatesOfGlobal(ctx context.Context, xid string, fromStates []int32, newState int32) error {
	return r.db.WithContext(ctx).Model(&model.BranchTx{}).
		Where("xid = ? AND state IN ?", xid, fromStates).
		Updates(map[string]interface{}{
			"state":   newState,
			"version": gorm.Expr("version + 1"),
		}).Error
}

func (r *gormSagaRepository) SetBranchCompensationFailTimes(ctx context.Context, branchTxID string, failTimes int32) error {
	return r.db.WithContext(ctx).Model(&model.BranchTx{}).
		Where("branch_tx_id = ?", branchTxID).
		Update("compensation_fail_times", failTimes).Error
}

func (r *gormSagaRepository) CreateCompensationFailLog(ctx context.Context, log *model.BranchTxCompensationFailLog) (bool, error) {
	// The unique index on job_id plus DoNothing makes a retried submit with
	// the same job id a no-op.
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(log)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormSagaRepository) CountCompensationFailLogs(ctx context.Context, branchTxID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.BranchTxCompensationFailLog{}).
		Where("branch_tx_id = ?", branchTxID).
		Count(&count).Error
	return count, err
}

func (r *gormSagaRepository) SaveSagaData(ctx context.Context, xid string, data []byte) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "xid"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&model.SagaData{Xid: xid, Data: data}).Error
}

func (r *gormSagaRepository) GetSagaData(ctx context.Context, xid string) ([]byte, error) {
	var record model.SagaData
	err := r.db.WithContext(ctx).Where("xid = ?", xid).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("saga data of %s: %w", xid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return record.Data, nil
}
