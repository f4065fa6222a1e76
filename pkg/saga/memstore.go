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
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxCompensationFailTimes is the per-step-key retry budget. The third
// failure of the same step's compensation moves the saga to the terminal
// StateCompensationFail.
const MaxCompensationFailTimes = 3

type memorySaga struct {
	info      *SagaInfo
	data      SagaData
	doneSteps map[string]struct{}
	failTimes map[string]int
}

// MemorySagaStore is an in-memory SagaStore. It is the reference
// implementation of the store semantics and the natural choice for tests
// and single-process use; sagas do not survive a restart.
type MemorySagaStore struct {
	mu    sync.Mutex
	sagas map[string]*memorySaga

	// order holds saga ids in creation order, the listing cursor's basis.
	order []string

	locks map[string]time.Time

	now func() time.Time
}

// NewMemorySagaStore creates an empty store.
func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{
		sagas: make(map[string]*memorySaga),
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// CreateSagaID allocates a saga instance in StateProcessing.
func (m *MemorySagaStore) CreateSagaID(_ context.Context, definition *SagaDefinition) (string, error) {
	if definition == nil {
		return "", fmt.Errorf("create saga: nil definition")
	}
	id := uuid.NewString()
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sagas[id] = &memorySaga{
		info: &SagaInfo{
			SagaID:          id,
			State:           StateProcessing,
			CreateTime:      now,
			LastProcessTime: now,
			Definition:      definition,
		},
		doneSteps: make(map[string]struct{}),
		failTimes: make(map[string]int),
	}
	m.order = append(m.order, id)
	return id, nil
}

// GetSagaInfo returns a copy of the saga's metadata.
func (m *MemorySagaStore) GetSagaInfo(_ context.Context, sagaID string) (*SagaInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sagaLocked(sagaID)
	if err != nil {
		return nil, err
	}
	return s.info.Clone(), nil
}

// SetSagaState transitions the saga with compare-and-swap semantics. Under
// concurrent identical transitions exactly one caller sees ok=true.
func (m *MemorySagaStore) SetSagaState(_ context.Context, sagaID string, newState SagaState, oldState *SagaState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sagaLocked(sagaID)
	if err != nil {
		return false, err
	}
	if oldState != nil {
		if s.info.State != *oldState {
			return false, nil
		}
	} else if s.info.State.IsTerminal() && s.info.State != newState {
		return false, nil
	}
	s.info = s.info.SetStateClone(newState)
	return true, nil
}

// SetSagaData checkpoints the payload.
func (m *MemorySagaStore) SetSagaData(_ context.Context, sagaID string, data SagaData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sagaLocked(sagaID)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// GetSagaData returns the last checkpointed payload.
func (m *MemorySagaStore) GetSagaData(_ context.Context, sagaID string) (SagaData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sagaLocked(sagaID)
	if err != nil {
		return nil, err
	}
	return s.data, nil
}

// CompensationStart moves the saga into StateCompensationDoing. Idempotent
// for sagas already compensating; terminal sagas are refused.
func (m *MemorySagaStore) CompensationStart(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sagaLocked(sagaID)
	if err != nil {
		return err
	}
	switch s.info.State {
	case StateCompensationDoing:
		return nil
	case StateProcessing, StateCompensationError:
		s.info = s.info.SetStateClone(StateCompensationDoing)
		return nil
	default:
		return NewProcessError(fmt.Sprintf("saga %s: cannot start compensation from state %s", sagaID, s.info.State))
	}
}

// CompensationException counts a failed compensation attempt for the step
// key and moves the saga to StateCompensationError, or to the terminal
// StateCompensationFail once the budget is exhausted.
func (m *MemorySagaStore) CompensationException(_ context.Context, sagaID string, stepKey string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sagaLocked(sagaID)
	if err != nil {
		return err
	}
	if s.info.State.IsTerminal() {
		return NewProcessError(fmt.Sprintf("saga %s: compensation exception in terminal state %s", sagaID, s.info.State))
	}
	s.failTimes[stepKey]++
	s.info = s.info.Clone()
	s.info.FailTimes++
	if s.failTimes[stepKey] >= MaxCompensationFailTimes {
		s.info = s.info.SetStateClone(StateCompensationFail)
	} else {
		s.info = s.info.SetStateClone(StateCompensationError)
	}
	return nil
}

// CompensationDone marks the step's compensation complete. Marking an
// already-done step is a no-op. When every step key of the definition is
// done the saga moves to StateCompensationDone.
func (m *MemorySagaStore) CompensationDone(_ context.Context, sagaID string, stepKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sagaLocked(sagaID)
	if err != nil {
		return err
	}
	if s.info.State.IsTerminal() {
		if s.info.State == StateCompensationDone {
			return nil
		}
		return NewProcessError(fmt.Sprintf("saga %s: compensation done in terminal state %s", sagaID, s.info.State))
	}
	s.doneSteps[stepKey] = struct{}{}
	for _, key := range s.info.Definition.StepKeys() {
		if _, done := s.doneSteps[key]; !done {
			return nil
		}
	}
	s.info = s.info.SetStateClone(StateCompensationDone)
	return nil
}

// ListSagaIDsInStates returns up to limit ids currently in one of states, in
// creation order, resumable via afterSagaID.
func (m *MemorySagaStore) ListSagaIDsInStates(_ context.Context, states []SagaState, limit int, afterSagaID string) ([]string, error) {
	wanted := make(map[SagaState]struct{}, len(states))
	for _, st := range states {
		wanted[st] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	skipping := afterSagaID != ""
	if skipping {
		if _, known := m.sagas[afterSagaID]; !known {
			// A cursor the store no longer knows must not swallow the
			// whole listing; restart from the beginning.
			skipping = false
		}
	}
	for _, id := range m.order {
		if skipping {
			if id == afterSagaID {
				skipping = false
			}
			continue
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
		if _, ok := wanted[m.sagas[id].info.State]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LockSagaProcess takes the saga's advisory lock for ttl.
func (m *MemorySagaStore) LockSagaProcess(_ context.Context, sagaID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sagaLocked(sagaID); err != nil {
		return false, err
	}
	now := m.now()
	if expiry, held := m.locks[sagaID]; held && now.Before(expiry) {
		return false, nil
	}
	m.locks[sagaID] = now.Add(ttl)
	return true, nil
}

// UnlockSagaProcess releases the saga's advisory lock.
func (m *MemorySagaStore) UnlockSagaProcess(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, sagaID)
	return nil
}

func (m *MemorySagaStore) sagaLocked(sagaID string) (*memorySaga, error) {
	s, ok := m.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrSagaNotFound)
	}
	return s, nil
}
