package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubNode struct {
	createCalls int
	createErr   error
	agreements  map[string]*AgreementState
	events      []NodeEvent
}

func newStubNode() *stubNode {
	return &stubNode{agreements: make(map[string]*AgreementState)}
}

func (s *stubNode) AgreementCreate(ctx context.Context, req AgreementCreateRequest) (*AgreementState, error) {
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	id := fmt.Sprintf("0x%064d", s.createCalls)
	state := &AgreementState{
		ID:         id,
		Client:     req.Client,
		Freelancer: req.Freelancer,
		Status:     "created",
	}
	s.agreements[id] = state
	return state, nil
}

func (s *stubNode) AgreementGet(ctx context.Context, id string) (*AgreementState, error) {
	state, ok := s.agreements[id]
	if !ok {
		return nil, &NodeError{Code: -32022, Message: "agreement not found"}
	}
	return state, nil
}

func (s *stubNode) Deposit(ctx context.Context, id, caller, amount string) (*DepositResult, error) {
	if _, ok := s.agreements[id]; !ok {
		return nil, &NodeError{Code: -32022, Message: "agreement not found"}
	}
	return &DepositResult{ID: id, Deposited: amount}, nil
}

func (s *stubNode) Release(ctx context.Context, id, caller string, milestone uint32) (*AgreementState, error) {
	return s.AgreementGet(ctx, id)
}

func (s *stubNode) Refund(ctx context.Context, id, caller string) (*AgreementState, error) {
	return s.AgreementGet(ctx, id)
}

func (s *stubNode) Dispute(ctx context.Context, id, caller string) (*AgreementState, error) {
	return s.AgreementGet(ctx, id)
}

func (s *stubNode) Resolve(ctx context.Context, id, caller, outcome string) (*AgreementState, error) {
	return s.AgreementGet(ctx, id)
}

func (s *stubNode) FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	var out []NodeEvent
	for _, evt := range s.events {
		if evt.Sequence > after {
			out = append(out, evt)
		}
	}
	return out, nil
}

const (
	testAPIKey = "test-key"
	testSecret = "test-secret"
)

func newTestGateway(t *testing.T) (*Server, *stubNode, *SQLiteStore) {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	node := newStubNode()
	auth := NewAuthenticator([]APIKeyConfig{{Key: testAPIKey, Secret: testSecret}}, nil)
	server := NewServer(auth, node, store, NewWebhookDispatcher(nil), nil)
	return server, node, store
}

func authedRequest(t *testing.T, method, target string, body []byte) *http.Request {
	t.Helper()
	token, err := MintToken(testAPIKey, testSecret, time.Now(), time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	server, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/agreements", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayRejectsForgedToken(t *testing.T) {
	server, _, _ := newTestGateway(t)
	token, err := MintToken(testAPIKey, "wrong-secret", time.Now(), time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/agreements", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAgreementIdempotentReplay(t *testing.T) {
	server, node, _ := newTestGateway(t)
	router := server.Router()
	payload, err := json.Marshal(AgreementCreateRequest{
		Client:     "esc1client",
		Freelancer: "esc1freelancer",
		Milestones: []string{"100", "200"},
	})
	require.NoError(t, err)

	first := authedRequest(t, http.MethodPost, "/agreements", payload)
	first.Header.Set(headerIdempotencyKey, "create-1")
	firstRec := httptest.NewRecorder()
	router.ServeHTTP(firstRec, first)
	require.Equal(t, http.StatusCreated, firstRec.Code)
	require.Equal(t, 1, node.createCalls)

	replay := authedRequest(t, http.MethodPost, "/agreements", payload)
	replay.Header.Set(headerIdempotencyKey, "create-1")
	replayRec := httptest.NewRecorder()
	router.ServeHTTP(replayRec, replay)
	require.Equal(t, http.StatusCreated, replayRec.Code)
	require.Equal(t, 1, node.createCalls, "replay must not reach the node")
	require.JSONEq(t, firstRec.Body.String(), replayRec.Body.String())
}

func TestIdempotencyKeyReuseWithDifferentBody(t *testing.T) {
	server, _, _ := newTestGateway(t)
	router := server.Router()
	first, err := json.Marshal(AgreementCreateRequest{
		Client: "esc1client", Freelancer: "esc1freelancer", Milestones: []string{"100"},
	})
	require.NoError(t, err)
	req := authedRequest(t, http.MethodPost, "/agreements", first)
	req.Header.Set(headerIdempotencyKey, "reuse")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	second, err := json.Marshal(AgreementCreateRequest{
		Client: "esc1client", Freelancer: "esc1freelancer", Milestones: []string{"999"},
	})
	require.NoError(t, err)
	req = authedRequest(t, http.MethodPost, "/agreements", second)
	req.Header.Set(headerIdempotencyKey, "reuse")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMutationRequiresIdempotencyKey(t *testing.T) {
	server, _, _ := newTestGateway(t)
	payload, err := json.Marshal(AgreementCreateRequest{
		Client: "esc1client", Freelancer: "esc1freelancer", Milestones: []string{"100"},
	})
	require.NoError(t, err)
	req := authedRequest(t, http.MethodPost, "/agreements", payload)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeErrorsMapToHTTPStatus(t *testing.T) {
	server, _, _ := newTestGateway(t)
	router := server.Router()

	req := authedRequest(t, http.MethodGet, "/agreements/0xmissing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body, err := json.Marshal(depositRequest{Caller: "esc1client", Amount: "100"})
	require.NoError(t, err)
	req = authedRequest(t, http.MethodPost, "/agreements/0xmissing/deposit", body)
	req.Header.Set(headerIdempotencyKey, "dep-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRegistrationAndLookup(t *testing.T) {
	server, _, store := newTestGateway(t)
	body, err := json.Marshal(webhookCreateRequest{
		EventType: "escrow.released",
		URL:       "https://example.com/hooks",
		Secret:    "hook-secret",
	})
	require.NoError(t, err)
	req := authedRequest(t, http.MethodPost, "/webhooks", body)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	subs, err := store.ActiveWebhooks(context.Background(), "escrow.released")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, testAPIKey, subs[0].APIKey)

	none, err := store.ActiveWebhooks(context.Background(), "escrow.disputed")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestEventPollerAdvancesCursor(t *testing.T) {
	_, node, store := newTestGateway(t)
	node.events = []NodeEvent{
		{Sequence: 1, Type: "escrow.initiated", Attributes: map[string]string{"id": "0x01"}},
		{Sequence: 2, Type: "escrow.deposited", Attributes: map[string]string{"id": "0x01"}},
	}
	poller := NewEventPoller(node, store, NewWebhookDispatcher(nil), time.Second, nil)
	require.NoError(t, poller.poll(context.Background()))

	cursor, err := store.EventCursor(context.Background(), eventCursorName)
	require.NoError(t, err)
	require.Equal(t, uint64(2), cursor)

	// A second poll with no new events leaves the cursor alone.
	require.NoError(t, poller.poll(context.Background()))
	cursor, err = store.EventCursor(context.Background(), eventCursorName)
	require.NoError(t, err)
	require.Equal(t, uint64(2), cursor)
}
