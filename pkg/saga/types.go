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

// Package saga provides a distributed saga orchestration engine: it runs a
// sequence of remote, non-transactional branch actions as one logical unit of
// work and automatically runs compensating actions when any step fails.
//
// The package offers two execution styles. A statically defined saga
// (SimpleSaga) runs a SagaDefinition built once per saga type against a
// SagaStore; a dynamic saga (SagaSession) registers branches with a
// centralized coordinator one at a time as they execute. Background workers
// reconcile unfinished sagas in either style.
package saga

import (
	"time"
)

// DefaultSagaExpiry is how long a saga may stay in PROCESSING before a
// worker pass treats it as expired and starts compensation.
const DefaultSagaExpiry = 60 * time.Second

// SagaState represents the lifecycle state of one saga instance.
type SagaState int

const (
	// StateProcessing indicates the saga is executing forward steps.
	StateProcessing SagaState = iota

	// StateSuccess indicates every step completed without error.
	StateSuccess

	// StateCompensationDoing indicates compensation is in progress.
	StateCompensationDoing

	// StateCompensationError indicates a compensation attempt failed and is
	// eligible for retry by a later worker pass.
	StateCompensationError

	// StateCompensationDone indicates all compensations completed.
	StateCompensationDone

	// StateCompensationFail indicates compensation failed permanently after
	// the per-step retry budget was exhausted. Operator intervention is
	// required.
	StateCompensationFail
)

// String returns the string representation of the SagaState.
func (s SagaState) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateSuccess:
		return "success"
	case StateCompensationDoing:
		return "compensation_doing"
	case StateCompensationError:
		return "compensation_error"
	case StateCompensationDone:
		return "compensation_done"
	case StateCompensationFail:
		return "compensation_fail"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transition is allowed from the state.
func (s SagaState) IsTerminal() bool {
	return s == StateSuccess || s == StateCompensationDone || s == StateCompensationFail
}

// SagaData is the caller-supplied payload carried through every step of one
// saga instance. Implementations are mutated in place by forward and
// compensation actions and checkpointed into the store after every step.
//
// TypeName returns the stable, process-independent name under which the type
// is registered (see BindSagaDataType); a snapshot produced by one process is
// only resolvable by another process that registered the same name.
type SagaData interface {
	TypeName() string
}

// SagaInfo is per-instance metadata. It is never mutated in place: state
// transitions go through SetStateClone so they can be attempted with
// compare-and-swap semantics against a captured old value, which is what
// makes concurrent worker reconciliation safe without a full lock.
type SagaInfo struct {
	SagaID          string
	State           SagaState
	FailTimes       int
	CreateTime      time.Time
	LastProcessTime time.Time
	Definition      *SagaDefinition
}

// Clone returns a shallow copy of the SagaInfo.
func (si *SagaInfo) Clone() *SagaInfo {
	c := *si
	return &c
}

// SetStateClone returns a copy of the SagaInfo with the new state and a
// refreshed last-processed time. The receiver is left untouched.
func (si *SagaInfo) SetStateClone(newState SagaState) *SagaInfo {
	c := si.Clone()
	c.State = newState
	c.LastProcessTime = time.Now().UTC()
	return c
}

// IsExpired reports whether the saga has been processing longer than the
// default expiry window.
func (si *SagaInfo) IsExpired() bool {
	return time.Since(si.CreateTime) > DefaultSagaExpiry
}
