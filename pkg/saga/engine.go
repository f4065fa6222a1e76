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

	"go.uber.org/zap"

	"github.com/zoowii/sagas-go/pkg/logger"
)

// Hooks are optional callbacks fired at saga lifecycle boundaries. Nil
// callbacks are skipped.
type Hooks struct {
	// OnStarting fires after the saga id is allocated and the initial
	// payload is checkpointed, before the first step runs.
	OnStarting func(ctx context.Context, sagaID string, data SagaData)

	// OnSagaCompletedSuccess fires after the saga reaches StateSuccess.
	OnSagaCompletedSuccess func(ctx context.Context, sagaID string)

	// OnSagaRolledBack fires after the saga reaches StateCompensationDone.
	OnSagaRolledBack func(ctx context.Context, sagaID string)

	// OnSagaInternalError fires when the engine itself fails: a store write
	// error or a lost state compare-and-swap. Step failures are not internal
	// errors; they trigger compensation instead.
	OnSagaInternalError func(ctx context.Context, sagaID string, err error)
}

// CompensationRunner supervises background compensation goroutines so a
// process can drain them before exiting. Compensation is fire-and-forget for
// the caller that aborted the saga, but not for the process.
type CompensationRunner struct {
	wg sync.WaitGroup
}

// NewCompensationRunner creates a runner.
func NewCompensationRunner() *CompensationRunner {
	return &CompensationRunner{}
}

// Go runs fn on a supervised goroutine.
func (r *CompensationRunner) Go(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Shutdown blocks until all supervised goroutines finish or ctx is done.
func (r *CompensationRunner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimpleSagaConfig configures a SimpleSaga.
type SimpleSagaConfig struct {
	Store      SagaStore
	Definition *SagaDefinition

	// Hooks are optional lifecycle callbacks.
	Hooks Hooks

	// Metrics defaults to NoopMetricsCollector.
	Metrics MetricsCollector

	// Runner supervises background compensations. A private runner is
	// created when nil; share one across sagas to drain them together at
	// shutdown.
	Runner *CompensationRunner
}

// Validate checks the required fields.
func (c *SimpleSagaConfig) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("saga config: store is required")
	}
	if c.Definition == nil {
		return fmt.Errorf("saga config: definition is required")
	}
	return nil
}

// SimpleSaga executes a statically defined saga against a SagaStore: forward
// steps in definition order, checkpointing the payload after each, and on a
// step failure compensations in reverse order on a supervised background
// goroutine.
type SimpleSaga struct {
	store      SagaStore
	definition *SagaDefinition
	hooks      Hooks
	metrics    MetricsCollector
	runner     *CompensationRunner
}

// NewSimpleSaga creates an engine from the config.
func NewSimpleSaga(cfg SimpleSagaConfig) (*SimpleSaga, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetricsCollector{}
	}
	if cfg.Runner == nil {
		cfg.Runner = NewCompensationRunner()
	}
	return &SimpleSaga{
		store:      cfg.Store,
		definition: cfg.Definition,
		hooks:      cfg.Hooks,
		metrics:    cfg.Metrics,
		runner:     cfg.Runner,
	}, nil
}

// Definition returns the saga's step definition.
func (s *SimpleSaga) Definition() *SagaDefinition { return s.definition }

// Runner returns the compensation runner, for draining at shutdown.
func (s *SimpleSaga) Runner() *CompensationRunner { return s.runner }

// Start runs one saga instance to completion. It returns the saga id in
// every case where an instance was created.
//
// When a step fails, Start marks the saga for compensation, hands the
// compensation walk to the background runner, and returns the step's error
// wrapped in an AbortError. The caller observes the failure immediately;
// the undo happens behind it and is retried by workers if it fails.
func (s *SimpleSaga) Start(ctx context.Context, data SagaData) (string, error) {
	started := time.Now()
	s.metrics.RecordSagaStarted(s.definition.Name())

	sagaID, err := s.store.CreateSagaID(ctx, s.definition)
	if err != nil {
		return "", fmt.Errorf("create saga: %w", err)
	}
	if err := s.store.SetSagaData(ctx, sagaID, data); err != nil {
		return sagaID, fmt.Errorf("checkpoint saga %s: %w", sagaID, err)
	}
	if s.hooks.OnStarting != nil {
		s.hooks.OnStarting(ctx, sagaID, data)
	}
	log := logger.GetLogger().With(zap.String("saga_id", sagaID), zap.String("definition", s.definition.Name()))
	log.Info("saga started")

	for i, step := range s.definition.Steps() {
		stepKey := s.definition.KeyOfStep(i)
		stepStarted := time.Now()
		stepErr := step.Action()(ctx, data)
		s.metrics.RecordStepExecuted(s.definition.Name(), stepKey, stepErr == nil, time.Since(stepStarted))
		if stepErr != nil {
			log.Warn("saga step failed, compensating",
				zap.String("step", stepKey), zap.Error(stepErr))
			abort := WrapAbort(stepErr)
			s.startCompensation(ctx, sagaID, data, started)
			return sagaID, abort
		}
		if err := s.store.SetSagaData(ctx, sagaID, data); err != nil {
			s.internalError(ctx, sagaID, fmt.Errorf("checkpoint saga %s after step %s: %w", sagaID, stepKey, err))
			return sagaID, err
		}
	}

	oldState := StateProcessing
	ok, err := s.store.SetSagaState(ctx, sagaID, StateSuccess, &oldState)
	if err != nil {
		s.internalError(ctx, sagaID, err)
		return sagaID, err
	}
	if !ok {
		// Another writer (an expiry worker, most likely) moved the saga
		// while we were finishing. The store's state wins.
		err := fmt.Errorf("saga %s: lost state race finishing saga", sagaID)
		s.internalError(ctx, sagaID, err)
		return sagaID, err
	}

	log.Info("saga completed")
	s.metrics.RecordSagaCompleted(s.definition.Name(), time.Since(started))
	if s.hooks.OnSagaCompletedSuccess != nil {
		s.hooks.OnSagaCompletedSuccess(ctx, sagaID)
	}
	return sagaID, nil
}

// startCompensation hands the compensation walk to the background runner.
// The walk outlives the caller's context; only process shutdown stops it.
func (s *SimpleSaga) startCompensation(ctx context.Context, sagaID string, data SagaData, started time.Time) {
	bgCtx := context.WithoutCancel(ctx)
	s.runner.Go(func() {
		if err := s.DoCompensationOfSaga(bgCtx, sagaID, data); err != nil {
			logger.GetLogger().Warn("saga compensation incomplete, leaving for worker",
				zap.String("saga_id", sagaID), zap.Error(err))
			return
		}
		s.metrics.RecordSagaRolledBack(s.definition.Name(), time.Since(started))
	})
}

// DoCompensationOfSaga runs the compensation walk for a saga instance: steps
// in reverse definition order, rechecking the payload into the store after
// each attempt. Steps without a compensation are marked done without being
// invoked. The walk stops at the first failing compensation; the store
// records the failure and a later worker pass retries the whole walk, which
// is safe because compensations are idempotent.
func (s *SimpleSaga) DoCompensationOfSaga(ctx context.Context, sagaID string, data SagaData) error {
	if err := s.store.CompensationStart(ctx, sagaID); err != nil {
		return fmt.Errorf("start compensation of saga %s: %w", sagaID, err)
	}
	steps := s.definition.Steps()
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		stepKey := s.definition.KeyOfStep(i)
		if !step.HasCompensation() {
			if err := s.store.CompensationDone(ctx, sagaID, stepKey); err != nil {
				return err
			}
			continue
		}
		compStarted := time.Now()
		compErr := step.Compensation()(ctx, data)
		s.metrics.RecordCompensationExecuted(s.definition.Name(), stepKey, compErr == nil, time.Since(compStarted))
		if err := s.store.SetSagaData(ctx, sagaID, data); err != nil {
			return fmt.Errorf("checkpoint saga %s during compensation: %w", sagaID, err)
		}
		if compErr != nil {
			if err := s.store.CompensationException(ctx, sagaID, stepKey, compErr); err != nil {
				return err
			}
			s.recordCompensationOutcome(ctx, sagaID)
			return fmt.Errorf("compensation of saga %s step %s: %w", sagaID, stepKey, compErr)
		}
		if err := s.store.CompensationDone(ctx, sagaID, stepKey); err != nil {
			return err
		}
	}
	info, err := s.store.GetSagaInfo(ctx, sagaID)
	if err != nil {
		return err
	}
	if info.State == StateCompensationDone {
		logger.GetLogger().Info("saga rolled back", zap.String("saga_id", sagaID))
		s.OnSagaRolledBack(ctx, sagaID)
	}
	return nil
}

// recordCompensationOutcome emits the permanent-failure metric when the
// store has moved the saga to its terminal failure state.
func (s *SimpleSaga) recordCompensationOutcome(ctx context.Context, sagaID string) {
	info, err := s.store.GetSagaInfo(ctx, sagaID)
	if err != nil {
		return
	}
	if info.State == StateCompensationFail {
		logger.GetLogger().Error("saga compensation failed permanently",
			zap.String("saga_id", sagaID), zap.String("definition", s.definition.Name()))
		s.metrics.RecordSagaCompensationFailed(s.definition.Name())
	}
}

// OnSagaRolledBack fires the rolled-back hook.
func (s *SimpleSaga) OnSagaRolledBack(ctx context.Context, sagaID string) {
	if s.hooks.OnSagaRolledBack != nil {
		s.hooks.OnSagaRolledBack(ctx, sagaID)
	}
}

func (s *SimpleSaga) internalError(ctx context.Context, sagaID string, err error) {
	logger.GetLogger().Error("saga internal error", zap.String("saga_id", sagaID), zap.Error(err))
	if s.hooks.OnSagaInternalError != nil {
		s.hooks.OnSagaInternalError(ctx, sagaID, err)
	}
}
