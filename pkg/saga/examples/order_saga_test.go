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

package examples

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoowii/sagas-go/pkg/saga"
)

func newOrderSaga(t *testing.T, svc *OrderSagaService) (*saga.SimpleSaga, *saga.MemorySagaStore) {
	t.Helper()
	resolver := saga.NewSimpleSagaResolver()
	def, err := NewCreateOrderSagaDefinition(svc, resolver)
	require.NoError(t, err)

	store := saga.NewMemorySagaStore()
	s, err := saga.NewSimpleSaga(saga.SimpleSagaConfig{
		Store:      store,
		Definition: def,
	})
	require.NoError(t, err)
	return s, store
}

func TestCreateOrderSaga_Success(t *testing.T) {
	svc := &OrderSagaService{}
	s, store := newOrderSaga(t, svc)
	ctx := context.Background()

	data := &CreateOrderSagaData{UserID: "u1", GoodsID: "g1", Quantity: 2}
	sagaID, err := s.Start(ctx, data)
	require.NoError(t, err)

	assert.True(t, data.OrderCreated)
	assert.True(t, data.StockReserved)
	assert.True(t, data.Approved)
	assert.NotEmpty(t, data.OrderID)
	assert.False(t, data.OrderCancelled)
	assert.False(t, data.StockReleased)

	info, err := store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateSuccess, info.State)
}

func TestCreateOrderSaga_ReserveStockFails(t *testing.T) {
	svc := &OrderSagaService{FailReserveStock: true}
	s, store := newOrderSaga(t, svc)
	ctx := context.Background()

	data := &CreateOrderSagaData{UserID: "u1", GoodsID: "g1", Quantity: 2}
	sagaID, err := s.Start(ctx, data)
	require.Error(t, err)
	assert.True(t, saga.IsAbort(err))
	require.NoError(t, s.Runner().Shutdown(ctx))

	stored, err := store.GetSagaData(ctx, sagaID)
	require.NoError(t, err)
	final := stored.(*CreateOrderSagaData)

	// The created order is cancelled, the approval never happens, and the
	// never-reserved stock is left untouched.
	assert.True(t, final.OrderCreated)
	assert.True(t, final.OrderCancelled)
	assert.False(t, final.StockReserved)
	assert.False(t, final.StockReleased)
	assert.False(t, final.Approved)

	info, err := store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensationDone, info.State)
}

func TestCreateOrderSaga_ApproveFails(t *testing.T) {
	svc := &OrderSagaService{FailApprove: true}
	s, store := newOrderSaga(t, svc)
	ctx := context.Background()

	data := &CreateOrderSagaData{UserID: "u2", GoodsID: "g2", Quantity: 1}
	sagaID, err := s.Start(ctx, data)
	require.Error(t, err)
	require.NoError(t, s.Runner().Shutdown(ctx))

	stored, err := store.GetSagaData(ctx, sagaID)
	require.NoError(t, err)
	final := stored.(*CreateOrderSagaData)

	assert.True(t, final.StockReleased)
	assert.True(t, final.OrderCancelled)
	assert.False(t, final.Approved)

	info, err := store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensationDone, info.State)
}

func TestCreateOrderSaga_StuckCompensationRetriedByWorker(t *testing.T) {
	svc := &OrderSagaService{FailApprove: true, FailReleaseStock: true}
	s, store := newOrderSaga(t, svc)
	ctx := context.Background()

	data := &CreateOrderSagaData{UserID: "u3", GoodsID: "g3", Quantity: 1}
	sagaID, err := s.Start(ctx, data)
	require.Error(t, err)
	require.NoError(t, s.Runner().Shutdown(ctx))

	info, err := store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensationError, info.State)

	// The stock service comes back; the worker finishes the walk.
	svc.FailReleaseStock = false
	worker := saga.NewSimpleSagaWorker(store)
	require.NoError(t, worker.RegisterSaga(s))
	require.NoError(t, worker.DoWork(ctx))

	stored, err := store.GetSagaData(ctx, sagaID)
	require.NoError(t, err)
	final := stored.(*CreateOrderSagaData)
	assert.True(t, final.StockReleased)
	assert.True(t, final.OrderCancelled)

	info, err = store.GetSagaInfo(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensationDone, info.State)
}
