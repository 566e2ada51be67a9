package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/state"
	"escrowd/storage"
)

const testToken = "test-rpc-token"

func testAddress(last byte) string {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = last
	return crypto.MustNewAddress(crypto.EscrowPrefix, raw).String()
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *state.Manager) {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	feed := events.NewFeed(128)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(feed)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(engine, manager, feed, testToken, logger)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts, manager
}

func rpcCall(t *testing.T, ts *httptest.Server, token, method string, params interface{}) (*http.Response, RPCResponse) {
	t.Helper()
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = []json.RawMessage{encoded}
	}
	payload, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	defer resp.Body.Close()
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response for %s: %v", method, err)
	}
	return resp, decoded
}

func resultInto(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	encoded, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestMutationsRequireBearerToken(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := testAddress(0x01)
	freelancer := testAddress(0x02)

	resp, decoded := rpcCall(t, ts, "", "escrow_initiate", initiateParams{
		Client: client, Freelancer: freelancer, Milestones: []string{"100"},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if decoded.Error == nil || decoded.Error.Code != codeUnauthorized {
		t.Fatalf("error: got %+v, want code %d", decoded.Error, codeUnauthorized)
	}

	resp, decoded = rpcCall(t, ts, "wrong-token", "escrow_initiate", initiateParams{
		Client: client, Freelancer: freelancer, Milestones: []string{"100"},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bad token: got %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if decoded.Error == nil || decoded.Error.Code != codeUnauthorized {
		t.Fatalf("error with bad token: got %+v", decoded.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, decoded := rpcCall(t, ts, testToken, "escrow_unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if decoded.Error == nil || decoded.Error.Code != codeMethodNotFound {
		t.Fatalf("error: got %+v, want code %d", decoded.Error, codeMethodNotFound)
	}
}

func TestLifecycleOverRPC(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := testAddress(0x01)
	freelancer := testAddress(0x02)

	_, resp := rpcCall(t, ts, testToken, "escrow_credit", creditParams{Account: client, Amount: "1000"})
	var credited map[string]string
	resultInto(t, resp, &credited)
	if credited["balance"] != "1000" {
		t.Fatalf("credited balance: got %s, want 1000", credited["balance"])
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: client, Freelancer: freelancer, Milestones: []string{"100", "200"},
	})
	var created agreementJSON
	resultInto(t, resp, &created)
	if created.Status != "created" {
		t.Fatalf("status after initiate: got %s, want created", created.Status)
	}
	if created.Total != "300" {
		t.Fatalf("total: got %s, want 300", created.Total)
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_deposit", depositParams{ID: created.ID, Caller: client, Amount: "300"})
	var deposited map[string]string
	resultInto(t, resp, &deposited)
	if deposited["depositedAmount"] != "300" {
		t.Fatalf("deposited: got %s, want 300", deposited["depositedAmount"])
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_release", releaseParams{ID: created.ID, Caller: client, Milestone: 0})
	var afterFirst agreementJSON
	resultInto(t, resp, &afterFirst)
	if afterFirst.Status != "partially_released" {
		t.Fatalf("status after first release: got %s", afterFirst.Status)
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_release", releaseParams{ID: created.ID, Caller: client, Milestone: 1})
	var completed agreementJSON
	resultInto(t, resp, &completed)
	if completed.Status != "completed" {
		t.Fatalf("status after final release: got %s", completed.Status)
	}
	if completed.Released != "300" {
		t.Fatalf("released: got %s, want 300", completed.Released)
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_balance", balanceParams{Account: freelancer})
	var balance map[string]string
	resultInto(t, resp, &balance)
	if balance["balance"] != "300" {
		t.Fatalf("freelancer balance: got %s, want 300", balance["balance"])
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_events", eventsParams{})
	var emitted []eventJSON
	resultInto(t, resp, &emitted)
	if len(emitted) == 0 {
		t.Fatalf("expected events after lifecycle")
	}
	last := emitted[len(emitted)-1]
	if last.Type != "escrow.completed" {
		t.Fatalf("last event type: got %s, want escrow.completed", last.Type)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := testAddress(0x01)
	freelancer := testAddress(0x02)
	outsider := testAddress(0x09)

	missing := "0x" + fmt.Sprintf("%064x", 0xdead)
	resp, decoded := rpcCall(t, ts, testToken, "escrow_deposit", depositParams{ID: missing, Caller: client, Amount: "10"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing agreement status: got %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if decoded.Error == nil || decoded.Error.Code != codeNotFound {
		t.Fatalf("missing agreement error: got %+v", decoded.Error)
	}

	_, initResp := rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: client, Freelancer: freelancer, Milestones: []string{"50"},
	})
	var created agreementJSON
	resultInto(t, initResp, &created)

	resp, decoded = rpcCall(t, ts, testToken, "escrow_deposit", depositParams{ID: created.ID, Caller: outsider, Amount: "10"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider deposit status: got %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if decoded.Error == nil || decoded.Error.Code != codeForbidden {
		t.Fatalf("outsider deposit error: got %+v", decoded.Error)
	}

	resp, decoded = rpcCall(t, ts, testToken, "escrow_release", releaseParams{ID: created.ID, Caller: client, Milestone: 0})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("premature release status: got %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if decoded.Error == nil || decoded.Error.Code != codeStateConflict {
		t.Fatalf("premature release error: got %+v", decoded.Error)
	}

	resp, decoded = rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: client, Freelancer: client, Milestones: []string{"50"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("same-party initiate status: got %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if decoded.Error == nil || decoded.Error.Code != codeInvalidParams {
		t.Fatalf("same-party initiate error: got %+v", decoded.Error)
	}
}

func TestDisputeAndResolveOverRPC(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := testAddress(0x01)
	freelancer := testAddress(0x02)
	arbitrator := testAddress(0x03)

	_, resp := rpcCall(t, ts, testToken, "escrow_credit", creditParams{Account: client, Amount: "500"})
	resultInto(t, resp, &map[string]string{})

	_, resp = rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: client, Freelancer: freelancer, Arbitrator: arbitrator, Milestones: []string{"500"},
	})
	var created agreementJSON
	resultInto(t, resp, &created)
	if created.Arbitrator != arbitrator {
		t.Fatalf("arbitrator: got %s, want %s", created.Arbitrator, arbitrator)
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_deposit", depositParams{ID: created.ID, Caller: client, Amount: "500"})
	resultInto(t, resp, &map[string]string{})

	_, resp = rpcCall(t, ts, testToken, "escrow_dispute", actorParams{ID: created.ID, Caller: freelancer})
	var disputed agreementJSON
	resultInto(t, resp, &disputed)
	if disputed.Status != "disputed" {
		t.Fatalf("status after dispute: got %s", disputed.Status)
	}

	httpResp, decoded := rpcCall(t, ts, testToken, "escrow_resolve", resolveParams{ID: created.ID, Caller: client, Outcome: "refund"})
	if httpResp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-arbitrator resolve status: got %d", httpResp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != codeForbidden {
		t.Fatalf("non-arbitrator resolve error: got %+v", decoded.Error)
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_resolve", resolveParams{ID: created.ID, Caller: arbitrator, Outcome: "refund"})
	var refunded agreementJSON
	resultInto(t, resp, &refunded)
	if refunded.Status != "refunded" {
		t.Fatalf("status after resolve: got %s", refunded.Status)
	}
	if refunded.Refunded != "500" {
		t.Fatalf("refunded amount: got %s, want 500", refunded.Refunded)
	}

	_, resp = rpcCall(t, ts, testToken, "escrow_balance", balanceParams{Account: client})
	var bal map[string]string
	resultInto(t, resp, &bal)
	if bal["balance"] != "500" {
		t.Fatalf("client balance after refund: got %s, want 500", bal["balance"])
	}
}

func TestDefaultArbitratorApplied(t *testing.T) {
	server, ts, _ := newTestServer(t)
	var fallback [20]byte
	fallback[19] = 0x07
	server.SetDefaultArbitrator(&fallback)

	_, resp := rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: testAddress(0x01), Freelancer: testAddress(0x02), Milestones: []string{"100"},
	})
	var created agreementJSON
	resultInto(t, resp, &created)
	if created.Arbitrator != testAddress(0x07) {
		t.Fatalf("arbitrator: got %s, want %s", created.Arbitrator, testAddress(0x07))
	}

	// An explicit arbitrator still wins over the fallback.
	_, resp = rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: testAddress(0x01), Freelancer: testAddress(0x02),
		Arbitrator: testAddress(0x08), Milestones: []string{"100"},
	})
	var explicit agreementJSON
	resultInto(t, resp, &explicit)
	if explicit.Arbitrator != testAddress(0x08) {
		t.Fatalf("explicit arbitrator: got %s, want %s", explicit.Arbitrator, testAddress(0x08))
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	_, ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, dialResp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: ts.Client()}); err == nil {
		t.Fatalf("dial without token must fail")
	} else if dialResp == nil || dialResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial response: %+v", dialResp)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: ts.Client(), HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Let the server register its feed subscription before anything is emitted.
	time.Sleep(50 * time.Millisecond)

	_, resp := rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: testAddress(0x01), Freelancer: testAddress(0x02), Milestones: []string{"100"},
	})
	var created agreementJSON
	resultInto(t, resp, &created)

	var streamed eventJSON
	if err := wsjson.Read(ctx, conn, &streamed); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if streamed.Type != events.TypeEscrowInitiated {
		t.Fatalf("streamed type: got %s, want %s", streamed.Type, events.TypeEscrowInitiated)
	}
	if streamed.Sequence == 0 {
		t.Fatalf("streamed event missing sequence")
	}
	if got, want := streamed.Attributes["id"], strings.TrimPrefix(created.ID, "0x"); got != want {
		t.Fatalf("streamed id: got %s, want %s", got, want)
	}
}

func TestGetRequiresNoAuth(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := testAddress(0x01)
	freelancer := testAddress(0x02)

	_, resp := rpcCall(t, ts, testToken, "escrow_initiate", initiateParams{
		Client: client, Freelancer: freelancer, Milestones: []string{"100"},
	})
	var created agreementJSON
	resultInto(t, resp, &created)

	httpResp, decoded := rpcCall(t, ts, "", "escrow_get", getParams{ID: created.ID})
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("unauthenticated get status: got %d", httpResp.StatusCode)
	}
	var fetched agreementJSON
	resultInto(t, decoded, &fetched)
	if fetched.ID != created.ID {
		t.Fatalf("fetched id: got %s, want %s", fetched.ID, created.ID)
	}
}
