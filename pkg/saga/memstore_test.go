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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDefinition(t *testing.T, name string, stepKeys ...string) *SagaDefinition {
	t.Helper()
	b := NewDefinitionBuilder(name, nil)
	for _, key := range stepKeys {
		b.Step(key).Local(func(_ context.Context, _ SagaData) error { return nil })
	}
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func TestMemorySagaStore_CreateAndGet(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_create", "a", "b")

	id, err := store.CreateSagaID(context.Background(), def)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := store.GetSagaInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, info.SagaID)
	assert.Equal(t, StateProcessing, info.State)
	assert.Equal(t, def, info.Definition)

	_, err = store.GetSagaInfo(context.Background(), "no-such-saga")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestMemorySagaStore_SetSagaStateCAS(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_cas", "a")
	id, err := store.CreateSagaID(context.Background(), def)
	require.NoError(t, err)

	old := StateProcessing
	ok, err := store.SetSagaState(context.Background(), id, StateSuccess, &old)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expectation loses.
	ok, err = store.SetSagaState(context.Background(), id, StateCompensationDoing, &old)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unconditional writes never move a terminal saga.
	ok, err = store.SetSagaState(context.Background(), id, StateCompensationDoing, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySagaStore_ConcurrentCASExactlyOneWins(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_race", "a")
	id, err := store.CreateSagaID(context.Background(), def)
	require.NoError(t, err)

	const writers = 20
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			old := StateProcessing
			ok, err := store.SetSagaState(context.Background(), id, StateSuccess, &old)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}

func TestMemorySagaStore_CompensationLifecycle(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_comp", "a", "b")
	id, err := store.CreateSagaID(context.Background(), def)
	require.NoError(t, err)

	require.NoError(t, store.CompensationStart(context.Background(), id))
	// Idempotent.
	require.NoError(t, store.CompensationStart(context.Background(), id))

	require.NoError(t, store.CompensationDone(context.Background(), id, "b"))
	info, err := store.GetSagaInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompensationDoing, info.State)

	require.NoError(t, store.CompensationDone(context.Background(), id, "a"))
	info, err = store.GetSagaInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompensationDone, info.State)

	// Re-marking a done step on a finished saga stays a no-op.
	require.NoError(t, store.CompensationDone(context.Background(), id, "a"))
}

func TestMemorySagaStore_CompensationFailBudget(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_budget", "a")
	id, err := store.CreateSagaID(context.Background(), def)
	require.NoError(t, err)
	require.NoError(t, store.CompensationStart(context.Background(), id))

	cause := fmt.Errorf("undo failed")
	for i := 1; i < MaxCompensationFailTimes; i++ {
		require.NoError(t, store.CompensationException(context.Background(), id, "a", cause))
		info, err := store.GetSagaInfo(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateCompensationError, info.State)
		assert.Equal(t, i, info.FailTimes)
		require.NoError(t, store.CompensationStart(context.Background(), id))
	}

	require.NoError(t, store.CompensationException(context.Background(), id, "a", cause))
	info, err := store.GetSagaInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompensationFail, info.State)

	// Terminal: further bookkeeping is refused.
	err = store.CompensationException(context.Background(), id, "a", cause)
	assert.True(t, IsProcessError(err))
}

func TestMemorySagaStore_ListSagaIDsInStates(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_list", "a")

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := store.CreateSagaID(context.Background(), def)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Finish one in the middle so it drops out of the listing.
	old := StateProcessing
	ok, err := store.SetSagaState(context.Background(), ids[2], StateSuccess, &old)
	require.NoError(t, err)
	require.True(t, ok)

	listed, err := store.ListSagaIDsInStates(context.Background(), []SagaState{StateProcessing}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[1]}, listed)

	// Resume with the cursor.
	listed, err = store.ListSagaIDsInStates(context.Background(), []SagaState{StateProcessing}, 10, ids[1])
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3], ids[4]}, listed)

	// A cursor the store does not know restarts the scan instead of
	// yielding an empty page.
	listed, err = store.ListSagaIDsInStates(context.Background(), []SagaState{StateProcessing}, 10, "no-such-saga")
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[1], ids[3], ids[4]}, listed)
}

func TestMemorySagaStore_AdvisoryLock(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_lock", "a")
	id, err := store.CreateSagaID(context.Background(), def)
	require.NoError(t, err)

	now := time.Now()
	store.now = func() time.Time { return now }

	ok, err := store.LockSagaProcess(context.Background(), id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.LockSagaProcess(context.Background(), id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired locks can be retaken.
	now = now.Add(2 * time.Minute)
	ok, err = store.LockSagaProcess(context.Background(), id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.UnlockSagaProcess(context.Background(), id))
	ok, err = store.LockSagaProcess(context.Background(), id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemorySagaStore_SagaData(t *testing.T) {
	store := NewMemorySagaStore()
	def := newTestDefinition(t, "mem_data", "a")
	id, err := store.CreateSagaID(context.Background(), def)
	require.NoError(t, err)

	data := &testSagaData{Value: 42}
	require.NoError(t, store.SetSagaData(context.Background(), id, data))

	got, err := store.GetSagaData(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
