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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/zoowii/sagas-go/pkg/saga/api"
)

const (
	// DefaultGlobalTxExpireSeconds is the coordinator-side expiry applied to
	// global transactions created without an explicit expiry.
	DefaultGlobalTxExpireSeconds int32 = 60

	// maxOptimismAttempts bounds the read-then-CAS retry loop of the
	// optimistic state submit.
	maxOptimismAttempts = 10
)

// CollaboratorConfig configures a SagaCollaborator.
type CollaboratorConfig struct {
	// BaseURL is the coordinator's address, e.g. "http://127.0.0.1:8092".
	BaseURL string

	// Node identifies this process to the coordinator. Optional.
	Node *api.NodeInfo

	// RetryMax is the transport-level retry count for transient HTTP
	// failures (default 3). Protocol-level conflicts are never retried at
	// this layer.
	RetryMax int

	// Timeout bounds each HTTP attempt (default 10s).
	Timeout time.Duration
}

// Validate checks the required fields.
func (c *CollaboratorConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("collaborator config: base URL is required")
	}
	return nil
}

// SagaCollaborator is the client side of the coordinator protocol. Every
// state transition it submits is a compare-and-swap on the last observed
// (state, version) pair; a CodeResourceChanged reply surfaces as a
// ServerError for which IsVersionConflict reports true, telling the caller
// to re-read and retry.
type SagaCollaborator struct {
	baseURL string
	node    *api.NodeInfo
	client  *retryablehttp.Client
}

// NewSagaCollaborator creates a client from the config.
func NewSagaCollaborator(cfg CollaboratorConfig) (*SagaCollaborator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	return &SagaCollaborator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		node:    cfg.Node,
		client:  client,
	}, nil
}

// Node returns the node identity the collaborator reports to the
// coordinator.
func (c *SagaCollaborator) Node() *api.NodeInfo { return c.node }

// CreateGlobalTx registers a new global transaction and returns its xid.
// A non-positive expireSeconds applies the coordinator default.
func (c *SagaCollaborator) CreateGlobalTx(ctx context.Context, expireSeconds int32) (string, error) {
	if expireSeconds <= 0 {
		expireSeconds = DefaultGlobalTxExpireSeconds
	}
	req := &api.CreateGlobalTransactionRequest{Node: c.node, ExpireSeconds: expireSeconds}
	var reply api.CreateGlobalTransactionReply
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/saga/global", req, &reply); err != nil {
		return "", err
	}
	if reply.Code != api.CodeOk {
		return "", NewServerError(reply.Code, reply.Error)
	}
	return reply.Xid, nil
}

// CreateBranchTx registers one branch under xid just before its action runs.
// An empty compensationKey marks the branch's compensation as a no-op.
func (c *SagaCollaborator) CreateBranchTx(ctx context.Context, xid, serviceKey, compensationKey string) (string, error) {
	req := &api.CreateBranchTransactionRequest{
		Node:                         c.node,
		Xid:                          xid,
		BranchServiceKey:             serviceKey,
		BranchCompensationServiceKey: compensationKey,
	}
	var reply api.CreateBranchTransactionReply
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/saga/branch", req, &reply); err != nil {
		return "", err
	}
	if reply.Code != api.CodeOk {
		return "", NewServerError(reply.Code, reply.Error)
	}
	return reply.BranchID, nil
}

// QueryGlobalTx reads a global transaction with all of its branches in
// registration order.
func (c *SagaCollaborator) QueryGlobalTx(ctx context.Context, xid string) (*api.QueryGlobalTransactionDetailReply, error) {
	var reply api.QueryGlobalTransactionDetailReply
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/saga/global/"+xid, nil, &reply); err != nil {
		return nil, err
	}
	if reply.Code != api.CodeOk {
		return nil, NewServerError(reply.Code, reply.Error)
	}
	return &reply, nil
}

// QueryBranchTx reads one branch transaction.
func (c *SagaCollaborator) QueryBranchTx(ctx context.Context, branchID string) (*api.TransactionBranchDetail, error) {
	var reply api.QueryBranchTransactionDetailReply
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/saga/branch/"+branchID, nil, &reply); err != nil {
		return nil, err
	}
	if reply.Code != api.CodeOk {
		return nil, NewServerError(reply.Code, reply.Error)
	}
	return reply.Detail, nil
}

// SubmitGlobalTxState writes the global state with a CAS on (oldState,
// oldVersion) and returns the state after the write.
func (c *SagaCollaborator) SubmitGlobalTxState(ctx context.Context, xid string, oldState, newState api.TxState, oldVersion int32) (api.TxState, error) {
	req := &api.SubmitGlobalTransactionStateRequest{
		Xid:        xid,
		OldState:   oldState,
		State:      newState,
		OldVersion: oldVersion,
	}
	var reply api.SubmitGlobalTransactionStateReply
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/saga/global/"+xid+"/state", req, &reply); err != nil {
		return 0, err
	}
	if reply.Code != api.CodeOk {
		return 0, NewServerError(reply.Code, reply.Error)
	}
	return reply.State, nil
}

// EndGlobalTxBranches declares the branch set of xid complete. The
// coordinator refuses branches registered after the declaration and commits
// the global transaction once all registered branches have committed. The
// returned state may already be COMMITTED.
func (c *SagaCollaborator) EndGlobalTxBranches(ctx context.Context, xid string) (api.TxState, error) {
	req := &api.EndGlobalTransactionBranchesRequest{Xid: xid}
	var reply api.EndGlobalTransactionBranchesReply
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/saga/global/"+xid+"/end_branches", req, &reply); err != nil {
		return 0, err
	}
	if reply.Code != api.CodeOk {
		return 0, NewServerError(reply.Code, reply.Error)
	}
	return reply.State, nil
}

// SubmitGlobalTxStateOptimism submits the global state with optimistic
// retries: it re-reads the current (state, version) and attempts the CAS,
// up to a bounded number of times. A transaction already in newState counts
// as success.
func (c *SagaCollaborator) SubmitGlobalTxStateOptimism(ctx context.Context, xid string, newState api.TxState) (api.TxState, error) {
	var lastErr error
	for attempt := 0; attempt < maxOptimismAttempts; attempt++ {
		detail, err := c.QueryGlobalTx(ctx, xid)
		if err != nil {
			return 0, err
		}
		if detail.State == newState {
			return detail.State, nil
		}
		state, err := c.SubmitGlobalTxState(ctx, xid, detail.State, newState, detail.Version)
		if err == nil {
			return state, nil
		}
		if !IsVersionConflict(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("submit global tx %s state with optimism: attempts exhausted: %w", xid, lastErr)
}

// SubmitBranchTxState writes one branch state with a CAS on (oldState,
// oldVersion). The request may carry a job id for idempotent failure
// bookkeeping and a payload snapshot.
func (c *SagaCollaborator) SubmitBranchTxState(ctx context.Context, req *api.SubmitBranchTransactionStateRequest) (api.TxState, error) {
	var reply api.SubmitBranchTransactionStateReply
	path := "/api/v1/saga/branch/" + req.BranchID + "/state"
	if err := c.doJSON(ctx, http.MethodPut, path, req, &reply); err != nil {
		return 0, err
	}
	if reply.Code != api.CodeOk {
		return 0, NewServerError(reply.Code, reply.Error)
	}
	return reply.State, nil
}

// ListGlobalTxsOfStates returns up to limit xids whose global state is any
// of states.
func (c *SagaCollaborator) ListGlobalTxsOfStates(ctx context.Context, states []api.TxState, limit int32) ([]string, error) {
	req := &api.ListGlobalTransactionsOfStatesRequest{States: states, Limit: limit}
	var reply api.ListGlobalTransactionsOfStatesReply
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/saga/global/list", req, &reply); err != nil {
		return nil, err
	}
	if reply.Code != api.CodeOk {
		return nil, NewServerError(reply.Code, reply.Error)
	}
	return reply.Xids, nil
}

// InitSagaData checkpoints the serialized saga payload for xid.
func (c *SagaCollaborator) InitSagaData(ctx context.Context, xid string, data []byte) error {
	req := &api.InitSagaDataRequest{Xid: xid, Data: data}
	var reply api.InitSagaDataReply
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/saga/data/"+xid, req, &reply); err != nil {
		return err
	}
	if reply.Code != api.CodeOk {
		return NewServerError(reply.Code, reply.Error)
	}
	return nil
}

// GetSagaData returns the last checkpointed payload for xid.
func (c *SagaCollaborator) GetSagaData(ctx context.Context, xid string) ([]byte, error) {
	var reply api.GetSagaDataReply
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/saga/data/"+xid, nil, &reply); err != nil {
		return nil, err
	}
	if reply.Code != api.CodeOk {
		return nil, NewServerError(reply.Code, reply.Error)
	}
	return reply.Data, nil
}

func (c *SagaCollaborator) doJSON(ctx context.Context, method, path string, body, reply interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NewServerError(api.CodeServerError, fmt.Sprintf("%s %s: unexpected status %d", method, path, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("decode %s %s reply: %w", method, path, err)
	}
	return nil
}
