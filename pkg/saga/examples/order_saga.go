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

// Package examples contains a small order-placement saga used by the tests
// and as a usage reference: create the order, reserve stock, approve.
package examples

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/zoowii/sagas-go/pkg/saga"
)

// CreateOrderSagaDataType is the registered payload type name.
const CreateOrderSagaDataType = "create_order_saga_data"

// OrderServiceName is the service part of the example's branch keys.
const OrderServiceName = "orderService"

func init() {
	saga.BindSagaDataType(CreateOrderSagaDataType, func() saga.SagaData {
		return &CreateOrderSagaData{}
	})
}

// CreateOrderSagaData is the payload threaded through the order saga.
type CreateOrderSagaData struct {
	OrderID  string `json:"order_id"`
	UserID   string `json:"user_id"`
	GoodsID  string `json:"goods_id"`
	Quantity int    `json:"quantity"`

	OrderCreated  bool `json:"order_created"`
	StockReserved bool `json:"stock_reserved"`
	Approved      bool `json:"approved"`

	OrderCancelled bool `json:"order_cancelled"`
	StockReleased  bool `json:"stock_released"`
}

// TypeName implements saga.SagaData.
func (d *CreateOrderSagaData) TypeName() string { return CreateOrderSagaDataType }

// OrderSagaService implements the example's branch actions against in-memory
// state. The Fail* switches inject failures for demonstrations and tests.
type OrderSagaService struct {
	FailReserveStock bool
	FailApprove      bool
	FailReleaseStock bool
}

// CreateOrder allocates an order id and records the order.
func (s *OrderSagaService) CreateOrder(_ context.Context, data saga.SagaData) error {
	d := data.(*CreateOrderSagaData)
	d.OrderID = uuid.NewString()
	d.OrderCreated = true
	return nil
}

// CancelOrder undoes CreateOrder. Safe to call more than once.
func (s *OrderSagaService) CancelOrder(_ context.Context, data saga.SagaData) error {
	d := data.(*CreateOrderSagaData)
	if d.OrderCreated {
		d.OrderCancelled = true
	}
	return nil
}

// ReserveStock holds goods for the order.
func (s *OrderSagaService) ReserveStock(_ context.Context, data saga.SagaData) error {
	if s.FailReserveStock {
		return fmt.Errorf("reserve stock: goods sold out")
	}
	d := data.(*CreateOrderSagaData)
	d.StockReserved = true
	return nil
}

// ReleaseStock undoes ReserveStock. Safe to call more than once.
func (s *OrderSagaService) ReleaseStock(_ context.Context, data saga.SagaData) error {
	if s.FailReleaseStock {
		return fmt.Errorf("release stock: stock service unavailable")
	}
	d := data.(*CreateOrderSagaData)
	if d.StockReserved {
		d.StockReleased = true
	}
	return nil
}

// ApproveOrder finishes the order. It has no compensation; an approved order
// is only undone by cancelling it.
func (s *OrderSagaService) ApproveOrder(_ context.Context, data saga.SagaData) error {
	if s.FailApprove {
		return fmt.Errorf("approve order: risk check rejected")
	}
	d := data.(*CreateOrderSagaData)
	d.Approved = true
	return nil
}

// Branches returns the explicit branch table of the order saga, keyed the
// way remote processes resolve them.
func (s *OrderSagaService) Branches(resolver saga.SagaResolver) []saga.Branch {
	return []saga.Branch{
		{
			ServiceKey:      resolver.ServiceKey(OrderServiceName, "createOrder"),
			CompensationKey: resolver.ServiceKey(OrderServiceName, "cancelOrder"),
			Action:          s.CreateOrder,
			Compensation:    s.CancelOrder,
		},
		{
			ServiceKey:      resolver.ServiceKey(OrderServiceName, "reserveStock"),
			CompensationKey: resolver.ServiceKey(OrderServiceName, "releaseStock"),
			Action:          s.ReserveStock,
			Compensation:    s.ReleaseStock,
		},
		{
			ServiceKey: resolver.ServiceKey(OrderServiceName, "approveOrder"),
			Action:     s.ApproveOrder,
		},
	}
}

// NewCreateOrderSagaDefinition builds the static definition of the order
// saga and binds its branches into the resolver.
func NewCreateOrderSagaDefinition(s *OrderSagaService, resolver saga.SagaResolver) (*saga.SagaDefinition, error) {
	branches := s.Branches(resolver)
	return saga.NewDefinitionBuilder("create_order", resolver).
		Step("create_order").Remote(branches[0]).
		Step("reserve_stock").Remote(branches[1]).
		Step("approve_order").Remote(branches[2]).
		Build()
}
