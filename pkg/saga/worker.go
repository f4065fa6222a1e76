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
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zoowii/sagas-go/pkg/logger"
)

const (
	// DefaultWorkerInterval is the pause between reconciliation passes.
	DefaultWorkerInterval = 10 * time.Second

	// DefaultWorkerListLimit caps how many unfinished sagas one pass scans.
	DefaultWorkerListLimit = 1000

	// DefaultWorkerLockTTL bounds how long one worker's claim on a saga
	// shuts other workers out.
	DefaultWorkerLockTTL = 30 * time.Second
)

// SimpleSagaWorker reconciles unfinished sagas in a SagaStore: sagas stuck
// in PROCESSING past their expiry are rolled back, and sagas whose
// compensation was interrupted or failed are retried. Register every saga
// the process runs; a pass skips sagas of unregistered definitions since
// another process may own them.
type SimpleSagaWorker struct {
	store     SagaStore
	lockTTL   time.Duration
	listLimit int

	mu    sync.RWMutex
	sagas map[string]Saga
}

// NewSimpleSagaWorker creates a worker over the store.
func NewSimpleSagaWorker(store SagaStore) *SimpleSagaWorker {
	return &SimpleSagaWorker{
		store:     store,
		lockTTL:   DefaultWorkerLockTTL,
		listLimit: DefaultWorkerListLimit,
		sagas:     make(map[string]Saga),
	}
}

// RegisterSaga makes the worker able to resume sagas of s's definition.
func (w *SimpleSagaWorker) RegisterSaga(s Saga) error {
	name := s.Definition().Name()
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.sagas[name]; exists {
		return fmt.Errorf("register saga: definition %q already registered", name)
	}
	w.sagas[name] = s
	return nil
}

// DoWork performs one reconciliation pass. Failures of individual sagas are
// logged and do not stop the pass.
func (w *SimpleSagaWorker) DoWork(ctx context.Context) error {
	states := []SagaState{StateProcessing, StateCompensationDoing, StateCompensationError}
	ids, err := w.store.ListSagaIDsInStates(ctx, states, w.listLimit, "")
	if err != nil {
		return fmt.Errorf("list unfinished sagas: %w", err)
	}
	for _, id := range ids {
		if err := w.processSaga(ctx, id); err != nil {
			logger.GetLogger().Warn("saga worker: saga not advanced",
				zap.String("saga_id", id), zap.Error(err))
		}
	}
	return nil
}

func (w *SimpleSagaWorker) processSaga(ctx context.Context, sagaID string) error {
	locked, err := w.store.LockSagaProcess(ctx, sagaID, w.lockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	defer func() {
		if err := w.store.UnlockSagaProcess(ctx, sagaID); err != nil {
			logger.GetLogger().Warn("saga worker: unlock failed",
				zap.String("saga_id", sagaID), zap.Error(err))
		}
	}()

	info, err := w.store.GetSagaInfo(ctx, sagaID)
	if err != nil {
		return err
	}
	switch info.State {
	case StateProcessing:
		if !info.IsExpired() {
			return nil
		}
	case StateCompensationDoing, StateCompensationError:
	default:
		return nil
	}

	w.mu.RLock()
	saga, registered := w.sagas[info.Definition.Name()]
	w.mu.RUnlock()
	if !registered {
		// Another process may hold this definition's bindings.
		logger.GetLogger().Debug("saga worker: definition not registered here",
			zap.String("saga_id", sagaID), zap.String("definition", info.Definition.Name()))
		return nil
	}

	data, err := w.store.GetSagaData(ctx, sagaID)
	if err != nil {
		return err
	}
	return saga.DoCompensationOfSaga(ctx, sagaID, data)
}

// WorkerRunner drives a SagaWorker on a fixed interval until stopped. A pass
// in flight at Stop time is allowed to finish.
type WorkerRunner struct {
	worker   SagaWorker
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWorkerRunner creates a runner. A non-positive interval uses
// DefaultWorkerInterval.
func NewWorkerRunner(worker SagaWorker, interval time.Duration) *WorkerRunner {
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}
	return &WorkerRunner{
		worker:   worker,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the interval loop. It returns immediately; the loop stops
// when Stop is called or ctx is cancelled.
func (r *WorkerRunner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run(ctx)
	})
}

// Stop stops the loop and waits for an in-flight pass to finish. Stopping a
// runner that was never started returns immediately.
func (r *WorkerRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if !r.started.Load() {
		return
	}
	<-r.doneCh
}

func (r *WorkerRunner) run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.worker.DoWork(ctx); err != nil {
				logger.GetLogger().Error("saga worker pass failed", zap.Error(err))
			}
		}
	}
}
