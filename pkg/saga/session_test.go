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
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoowii/sagas-go/internal/sagaserver/repository"
	"github.com/zoowii/sagas-go/internal/sagaserver/server"
	"github.com/zoowii/sagas-go/internal/sagaserver/service"
	"github.com/zoowii/sagas-go/pkg/saga/api"
)

// newCoordinatorCollaborator spins up an in-memory coordinator and returns a
// collaborator wired to it.
func newCoordinatorCollaborator(t *testing.T) *SagaCollaborator {
	t.Helper()
	svc := service.NewSagaService(repository.NewMemorySagaRepository())
	ts := httptest.NewServer(server.NewServer(svc, nil).Handler())
	t.Cleanup(ts.Close)

	collab, err := NewSagaCollaborator(CollaboratorConfig{
		BaseURL: ts.URL,
		Node:    &api.NodeInfo{Group: "test", Service: "session_test", InstanceID: "1"},
	})
	require.NoError(t, err)
	return collab
}

func TestSagaCollaborator_GlobalTxLifecycle(t *testing.T) {
	collab := newCoordinatorCollaborator(t)
	ctx := context.Background()

	xid, err := collab.CreateGlobalTx(ctx, 120)
	require.NoError(t, err)
	require.NotEmpty(t, xid)

	detail, err := collab.QueryGlobalTx(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, xid, detail.Xid)
	assert.Equal(t, api.TxStateProcessing, detail.State)
	assert.Equal(t, int32(1), detail.Version)
	assert.Equal(t, int32(120), detail.ExpireSeconds)
	assert.Empty(t, detail.Branches)

	state, err := collab.SubmitGlobalTxState(ctx, xid, api.TxStateProcessing, api.TxStateCommitted, 1)
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCommitted, state)

	// A writer holding the stale version loses the CAS.
	_, err = collab.SubmitGlobalTxState(ctx, xid, api.TxStateProcessing, api.TxStateCompensationDoing, 1)
	require.Error(t, err)
	assert.True(t, IsVersionConflict(err))

	detail, err = collab.QueryGlobalTx(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCommitted, detail.State)
	assert.Equal(t, int32(2), detail.Version)
}

func TestSagaCollaborator_QueryUnknownXid(t *testing.T) {
	collab := newCoordinatorCollaborator(t)

	_, err := collab.QueryGlobalTx(context.Background(), "no-such-xid")
	require.Error(t, err)
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, api.CodeNotFound, se.Code)
}

func TestSagaCollaborator_SubmitGlobalTxStateOptimism(t *testing.T) {
	collab := newCoordinatorCollaborator(t)
	ctx := context.Background()

	xid, err := collab.CreateGlobalTx(ctx, 60)
	require.NoError(t, err)

	state, err := collab.SubmitGlobalTxStateOptimism(ctx, xid, api.TxStateCommitted)
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCommitted, state)

	// Target already reached counts as success rather than a conflict.
	state, err = collab.SubmitGlobalTxStateOptimism(ctx, xid, api.TxStateCommitted)
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCommitted, state)
}

func TestSagaSession_CommitFlow(t *testing.T) {
	collab := newCoordinatorCollaborator(t)
	resolver := NewSimpleSagaResolver()
	converter := &JSONDataConverter{}
	rec := &callRecorder{}
	ctx := context.Background()

	session, err := StartSagaSession(ctx, collab, resolver, converter, &testSagaData{Value: 11}, 60)
	require.NoError(t, err)
	require.NotEmpty(t, session.Xid())

	// The payload is checkpointed at session start.
	raw, err := collab.GetSagaData(ctx, session.Xid())
	require.NoError(t, err)
	restored, err := converter.Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, &testSagaData{Value: 11}, restored)

	require.NoError(t, session.Invoke(ctx, Branch{
		ServiceKey:      "sessionSvc:stepOne",
		CompensationKey: "sessionSvc:undoOne",
		Action:          rec.fn("s1"),
		Compensation:    rec.fn("c1"),
	}))
	require.NoError(t, session.Invoke(ctx, Branch{
		ServiceKey:      "sessionSvc:stepTwo",
		CompensationKey: "sessionSvc:undoTwo",
		Action:          rec.fn("s2"),
		Compensation:    rec.fn("c2"),
	}))
	require.NoError(t, session.Commit(ctx))

	assert.Equal(t, []string{"s1", "s2"}, rec.recorded())

	detail, err := collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCommitted, detail.State)
	assert.True(t, detail.EndBranches)
	require.Len(t, detail.Branches, 2)
	for _, branch := range detail.Branches {
		assert.Equal(t, api.TxStateCommitted, branch.State)
		assert.Equal(t, int32(2), branch.Version)
	}
	assert.Equal(t, "sessionSvc:stepOne", detail.Branches[0].BranchServiceKey)
	assert.Equal(t, "sessionSvc:stepTwo", detail.Branches[1].BranchServiceKey)
}

func TestSagaSession_RollbackAndWorkerCompensation(t *testing.T) {
	collab := newCoordinatorCollaborator(t)
	resolver := NewSimpleSagaResolver()
	converter := &JSONDataConverter{}
	rec := &callRecorder{}
	boom := fmt.Errorf("step three exploded")
	ctx := context.Background()

	session, err := StartSagaSession(ctx, collab, resolver, converter, &testSagaData{Value: 3}, 60)
	require.NoError(t, err)

	require.NoError(t, session.Invoke(ctx, Branch{
		ServiceKey:      "rollbackSvc:one",
		CompensationKey: "rollbackSvc:undoOne",
		Action:          rec.fn("s1"),
		Compensation:    rec.fn("c1"),
	}))
	// No compensation: undoing this branch is a no-op.
	require.NoError(t, session.Invoke(ctx, Branch{
		ServiceKey: "rollbackSvc:two",
		Action:     rec.fn("s2"),
	}))
	err = session.Invoke(ctx, Branch{
		ServiceKey:      "rollbackSvc:three",
		CompensationKey: "rollbackSvc:undoThree",
		Action:          rec.fn("s3", boom),
		Compensation:    rec.fn("c3"),
	})
	require.Error(t, err)
	assert.True(t, IsAbort(err))
	assert.ErrorIs(t, err, boom)

	require.NoError(t, session.Rollback(ctx))

	detail, err := collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCompensationDoing, detail.State)

	worker, err := NewCollaboratorSagaWorker(collab, resolver, converter)
	require.NoError(t, err)
	require.NoError(t, worker.DoWork(ctx))

	// Branches undo in reverse registration order; the branch without a
	// compensation is finished without any call.
	assert.Equal(t, []string{"s1", "s2", "s3", "c3", "c1"}, rec.recorded())

	detail, err = collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCompensationDone, detail.State)
	require.Len(t, detail.Branches, 3)
	for _, branch := range detail.Branches {
		assert.Equal(t, api.TxStateCompensationDone, branch.State)
	}
}

func TestCollaboratorSagaWorker_RollsBackExpiredGlobalTx(t *testing.T) {
	collab := newCoordinatorCollaborator(t)
	resolver := NewSimpleSagaResolver()
	converter := &JSONDataConverter{}
	rec := &callRecorder{}
	ctx := context.Background()

	session, err := StartSagaSession(ctx, collab, resolver, converter, &testSagaData{Value: 9}, 60)
	require.NoError(t, err)
	require.NoError(t, session.Invoke(ctx, Branch{
		ServiceKey:      "expireSvc:reserve",
		CompensationKey: "expireSvc:release",
		Action:          rec.fn("s1"),
		Compensation:    rec.fn("c1"),
	}))
	// The starter dies here: neither Commit nor Rollback arrives.

	worker, err := NewCollaboratorSagaWorker(collab, resolver, converter)
	require.NoError(t, err)

	// Inside the expiry window nothing moves.
	require.NoError(t, worker.DoWork(ctx))
	detail, err := collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateProcessing, detail.State)

	worker.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, worker.DoWork(ctx))
	require.NoError(t, worker.DoWork(ctx))

	assert.Equal(t, []string{"s1", "c1"}, rec.recorded())
	detail, err = collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCompensationDone, detail.State)
}

func TestCollaboratorSagaWorker_CompensationFailBudget(t *testing.T) {
	collab := newCoordinatorCollaborator(t)
	resolver := NewSimpleSagaResolver()
	converter := &JSONDataConverter{}
	rec := &callRecorder{}
	compErr := fmt.Errorf("downstream still down")
	ctx := context.Background()

	session, err := StartSagaSession(ctx, collab, resolver, converter, &testSagaData{Value: 5}, 60)
	require.NoError(t, err)
	require.NoError(t, session.Invoke(ctx, Branch{
		ServiceKey:      "budgetSvc:reserve",
		CompensationKey: "budgetSvc:release",
		Action:          rec.fn("s1"),
		Compensation:    rec.fn("c1", alwaysErr(compErr, 10)...),
	}))
	require.NoError(t, session.Rollback(ctx))

	worker, err := NewCollaboratorSagaWorker(collab, resolver, converter)
	require.NoError(t, err)

	for i := 0; i < int(service.MaxCompensationFailTimes); i++ {
		require.NoError(t, worker.DoWork(ctx))
	}
	assert.Equal(t, int(service.MaxCompensationFailTimes), rec.count("c1"))

	detail, err := collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCompensationFail, detail.State)
	require.Len(t, detail.Branches, 1)
	assert.Equal(t, api.TxStateCompensationFail, detail.Branches[0].State)
	assert.Equal(t, int32(service.MaxCompensationFailTimes), detail.Branches[0].CompensationFailTimes)

	// Terminal transactions are no longer scanned.
	require.NoError(t, worker.DoWork(ctx))
	assert.Equal(t, int(service.MaxCompensationFailTimes), rec.count("c1"))
}

func TestSagaSession_UnresolvableCompensationIsLeftAlone(t *testing.T) {
	collab := newCoordinatorCollaborator(t)
	converter := &JSONDataConverter{}
	rec := &callRecorder{}
	ctx := context.Background()

	starterResolver := NewSimpleSagaResolver()
	session, err := StartSagaSession(ctx, collab, starterResolver, converter, &testSagaData{Value: 1}, 60)
	require.NoError(t, err)
	require.NoError(t, session.Invoke(ctx, Branch{
		ServiceKey:      "foreignSvc:do",
		CompensationKey: "foreignSvc:undo",
		Action:          rec.fn("s1"),
		Compensation:    rec.fn("c1"),
	}))
	require.NoError(t, session.Rollback(ctx))

	// A worker in a process without the binding skips the branch.
	emptyResolver := NewSimpleSagaResolver()
	worker, err := NewCollaboratorSagaWorker(collab, emptyResolver, converter)
	require.NoError(t, err)
	require.NoError(t, worker.DoWork(ctx))

	assert.Equal(t, 0, rec.count("c1"))
	detail, err := collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCompensationDoing, detail.State)

	// The process that owns the binding eventually picks it up.
	ownerWorker, err := NewCollaboratorSagaWorker(collab, starterResolver, converter)
	require.NoError(t, err)
	require.NoError(t, ownerWorker.DoWork(ctx))
	assert.Equal(t, 1, rec.count("c1"))
	detail, err = collab.QueryGlobalTx(ctx, session.Xid())
	require.NoError(t, err)
	assert.Equal(t, api.TxStateCompensationDone, detail.State)
}
