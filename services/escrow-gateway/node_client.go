package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// NodeClient is the slice of the escrowd JSON-RPC surface the gateway needs.
type NodeClient interface {
	AgreementCreate(ctx context.Context, req AgreementCreateRequest) (*AgreementState, error)
	AgreementGet(ctx context.Context, id string) (*AgreementState, error)
	Deposit(ctx context.Context, id, caller, amount string) (*DepositResult, error)
	Release(ctx context.Context, id, caller string, milestone uint32) (*AgreementState, error)
	Refund(ctx context.Context, id, caller string) (*AgreementState, error)
	Dispute(ctx context.Context, id, caller string) (*AgreementState, error)
	Resolve(ctx context.Context, id, caller, outcome string) (*AgreementState, error)
	FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error)
}

type AgreementCreateRequest struct {
	Client     string   `json:"client"`
	Freelancer string   `json:"freelancer"`
	Arbitrator string   `json:"arbitrator,omitempty"`
	Milestones []string `json:"milestones"`
}

type AgreementState struct {
	ID         string           `json:"id"`
	Client     string           `json:"client"`
	Freelancer string           `json:"freelancer"`
	Arbitrator string           `json:"arbitrator,omitempty"`
	Milestones []MilestoneState `json:"milestones"`
	Total      string           `json:"totalAmount"`
	Deposited  string           `json:"depositedAmount"`
	Released   string           `json:"releasedAmount"`
	Refunded   string           `json:"refundedAmount"`
	Status     string           `json:"status"`
	CreatedAt  int64            `json:"createdAt"`
	UpdatedAt  int64            `json:"updatedAt"`
}

type MilestoneState struct {
	Index      uint32 `json:"index"`
	Amount     string `json:"amount"`
	Released   bool   `json:"released"`
	Voided     bool   `json:"voided"`
	ReleasedAt int64  `json:"releasedAt,omitempty"`
}

type DepositResult struct {
	ID        string `json:"id"`
	Deposited string `json:"depositedAmount"`
}

type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NodeError carries the JSON-RPC error code so handlers can map node-side
// failures onto meaningful HTTP statuses.
type NodeError struct {
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// RPCNodeClient talks to the escrowd JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) AgreementCreate(ctx context.Context, req AgreementCreateRequest) (*AgreementState, error) {
	var result AgreementState
	if err := c.call(ctx, "escrow_initiate", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) AgreementGet(ctx context.Context, id string) (*AgreementState, error) {
	var result AgreementState
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]string{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Deposit(ctx context.Context, id, caller, amount string) (*DepositResult, error) {
	params := map[string]string{"id": id, "caller": caller, "amount": amount}
	var result DepositResult
	if err := c.call(ctx, "escrow_deposit", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Release(ctx context.Context, id, caller string, milestone uint32) (*AgreementState, error) {
	params := map[string]interface{}{"id": id, "caller": caller, "milestone": milestone}
	var result AgreementState
	if err := c.call(ctx, "escrow_release", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Refund(ctx context.Context, id, caller string) (*AgreementState, error) {
	params := map[string]string{"id": id, "caller": caller}
	var result AgreementState
	if err := c.call(ctx, "escrow_refund", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Dispute(ctx context.Context, id, caller string) (*AgreementState, error) {
	params := map[string]string{"id": id, "caller": caller}
	var result AgreementState
	if err := c.call(ctx, "escrow_dispute", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) Resolve(ctx context.Context, id, caller, outcome string) (*AgreementState, error) {
	params := map[string]string{"id": id, "caller": caller, "outcome": outcome}
	var result AgreementState
	if err := c.call(ctx, "escrow_resolve", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	params := map[string]interface{}{"after": after, "limit": limit}
	var result []NodeEvent
	if err := c.call(ctx, "escrow_events", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	if decoded.Error != nil {
		return &NodeError{Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}
