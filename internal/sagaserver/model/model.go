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

// Package model defines the persistence entities of the saga coordinator.
package model

import (
	"time"
)

// InitialTxVersion is the version a freshly created transaction record
// carries. Every accepted state write increments the version by one, which
// is what the compare-and-swap protocol checks against.
const InitialTxVersion int32 = 1

// GlobalTx is one global saga transaction.
type GlobalTx struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Xid           string `gorm:"size:64;uniqueIndex"`
	State         int32  `gorm:"index"`
	Version       int32
	ExpireSeconds int32
	Extra         string `gorm:"size:1024"`

	// EndBranches marks the transaction as no longer accepting new
	// branches. Only once it is set may the all-branches-committed
	// cascade promote the global transaction.
	EndBranches bool

	CreatorGroup      string `gorm:"size:128"`
	CreatorService    string `gorm:"size:128"`
	CreatorInstanceID string `gorm:"size:128"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName sets the table name for GlobalTx.
func (GlobalTx) TableName() string {
	return "global_tx"
}

// BranchTx is one branch registered under a global transaction. Branches
// keep their registration order through the auto-increment id.
type BranchTx struct {
	ID                           uint64 `gorm:"primaryKey;autoIncrement"`
	BranchTxID                   string `gorm:"size:64;uniqueIndex"`
	Xid                          string `gorm:"size:64;index"`
	State                        int32  `gorm:"index"`
	Version                      int32
	BranchServiceKey             string `gorm:"size:255"`
	BranchCompensationServiceKey string `gorm:"size:255"`
	CompensationFailTimes        int32

	CreatorGroup      string `gorm:"size:128"`
	CreatorService    string `gorm:"size:128"`
	CreatorInstanceID string `gorm:"size:128"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName sets the table name for BranchTx.
func (BranchTx) TableName() string {
	return "branch_tx"
}

// BranchTxCompensationFailLog records one failed compensation attempt of a
// branch. The unique job id makes the record idempotent: a retried submit
// with the same job id never counts twice.
type BranchTxCompensationFailLog struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Xid        string `gorm:"size:64;index"`
	BranchTxID string `gorm:"size:64;index"`
	JobID      string `gorm:"size:64;uniqueIndex"`
	Reason     string `gorm:"size:1024"`

	CreatedAt time.Time
}

// TableName sets the table name for BranchTxCompensationFailLog.
func (BranchTxCompensationFailLog) TableName() string {
	return "branch_tx_compensation_fail_log"
}

// SagaData is the serialized saga payload snapshot of a global transaction.
type SagaData struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Xid  string `gorm:"size:64;uniqueIndex"`
	Data []byte `gorm:"type:blob"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName sets the table name for SagaData.
func (SagaData) TableName() string {
	return "saga_data"
}
