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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backdateSaga rewinds a saga's creation time so it reads as expired.
func backdateSaga(t *testing.T, store *MemorySagaStore, sagaID string, age time.Duration) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	s, ok := store.sagas[sagaID]
	require.True(t, ok)
	s.info.CreateTime = s.info.CreateTime.Add(-age)
}

func TestSimpleSagaWorker_RollsBackExpiredSaga(t *testing.T) {
	rec := &callRecorder{}
	def, err := NewDefinitionBuilder("worker_expired", nil).
		Step("s1").Local(rec.fn("s1")).WithCompensation(rec.fn("c1")).
		Step("s2").Local(rec.fn("s2")).WithCompensation(rec.fn("c2")).
		Build()
	require.NoError(t, err)

	store := NewMemorySagaStore()
	ctx := context.Background()
	sagaID, err := store.CreateSagaID(ctx, def)
	require.NoError(t, err)
	require.NoError(t, store.SetSagaData(ctx, sagaID, &testSagaData{Value: 7}))

	var rolledBack string
	s := newTestSaga(t, store, def, Hooks{
		OnSagaRolledBack: func(_ context.Context, id string) { rolledBack = id },
	})
	worker := NewSimpleSagaWorker(store)
	require.NoError(t, worker.RegisterSaga(s))

	// Still inside the expiry window: nothing to do.
	require.NoError(t, worker.DoWork(ctx))
	assert.Empty(t, rec.recorded())
	info, err := store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, info.State)

	backdateSaga(t, store, sagaID, DefaultSagaExpiry+time.Minute)

	require.NoError(t, worker.DoWork(ctx))
	assert.Equal(t, []string{"c2", "c1"}, rec.recorded())
	info, err = store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, StateCompensationDone, info.State)
	assert.Equal(t, sagaID, rolledBack)
}

func TestSimpleSagaWorker_SkipsUnregisteredDefinition(t *testing.T) {
	rec := &callRecorder{}
	def, err := NewDefinitionBuilder("worker_foreign", nil).
		Step("s1").Local(rec.fn("s1")).WithCompensation(rec.fn("c1")).
		Build()
	require.NoError(t, err)

	store := NewMemorySagaStore()
	ctx := context.Background()
	sagaID, err := store.CreateSagaID(ctx, def)
	require.NoError(t, err)
	require.NoError(t, store.SetSagaData(ctx, sagaID, &testSagaData{}))
	backdateSaga(t, store, sagaID, DefaultSagaExpiry+time.Minute)

	// Worker with no registered sagas leaves the saga to its owner.
	worker := NewSimpleSagaWorker(store)
	require.NoError(t, worker.DoWork(ctx))
	assert.Empty(t, rec.recorded())
	info, err := store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, info.State)
}

func TestSimpleSagaWorker_SkipsLockedSaga(t *testing.T) {
	rec := &callRecorder{}
	def, err := NewDefinitionBuilder("worker_locked", nil).
		Step("s1").Local(rec.fn("s1")).WithCompensation(rec.fn("c1")).
		Build()
	require.NoError(t, err)

	store := NewMemorySagaStore()
	ctx := context.Background()
	sagaID, err := store.CreateSagaID(ctx, def)
	require.NoError(t, err)
	require.NoError(t, store.SetSagaData(ctx, sagaID, &testSagaData{}))
	backdateSaga(t, store, sagaID, DefaultSagaExpiry+time.Minute)

	s := newTestSaga(t, store, def, Hooks{})
	worker := NewSimpleSagaWorker(store)
	require.NoError(t, worker.RegisterSaga(s))

	locked, err := store.LockSagaProcess(ctx, sagaID, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, worker.DoWork(ctx))
	assert.Empty(t, rec.recorded())

	require.NoError(t, store.UnlockSagaProcess(ctx, sagaID))
	require.NoError(t, worker.DoWork(ctx))
	assert.Equal(t, []string{"c1"}, rec.recorded())
}

func TestSimpleSagaWorker_RegisterSagaTwice(t *testing.T) {
	def := newTestDefinition(t, "worker_dup", "s1")
	store := NewMemorySagaStore()
	s := newTestSaga(t, store, def, Hooks{})

	worker := NewSimpleSagaWorker(store)
	require.NoError(t, worker.RegisterSaga(s))
	assert.Error(t, worker.RegisterSaga(s))
}

type countingWorker struct {
	mu     sync.Mutex
	passes int
}

func (w *countingWorker) DoWork(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.passes++
	return nil
}

func (w *countingWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.passes
}

func TestWorkerRunner_StartStop(t *testing.T) {
	worker := &countingWorker{}
	runner := NewWorkerRunner(worker, 5*time.Millisecond)
	runner.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for worker.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Greater(t, worker.count(), 0)

	runner.Stop()
	after := worker.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, worker.count())

	// Stop again is a no-op.
	runner.Stop()
}

func TestWorkerRunner_StopWithoutStart(t *testing.T) {
	runner := NewWorkerRunner(&countingWorker{}, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop on a never-started runner did not return")
	}
}
