package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"AgentPay/internal/auth"
	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/ledger"
	"AgentPay/internal/market"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/session"
	"AgentPay/internal/spending"
	"AgentPay/internal/web3"
	"AgentPay/internal/web3/provider"
	"AgentPay/internal/x402"
)

const (
	network  = "base-sepolia"
	payout   = "0x00000000000000000000000000000000000000aa"
	payer    = "0x00000000000000000000000000000000000000bb"
	adminKey = "operator-key"
)

type fakeChain struct {
	mu  sync.Mutex
	txs map[string]web3.TransactionInfo
}

func (f *fakeChain) Network() string { return network }

func (f *fakeChain) LookupTransaction(_ context.Context, ref string) (web3.TransactionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.txs[ref]
	if !ok {
		return web3.TransactionInfo{}, web3.ErrTransactionNotFound
	}
	return info, nil
}

func (f *fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Network: network}, nil
}

func (f *fakeChain) Close() {}

type fakeProvider struct{}

func (fakeProvider) Quote(context.Context, string, json.RawMessage) (x402.Requirements, error) {
	return x402.Requirements{Recipient: payout, Amount: 20_000, Asset: "USDC", Network: network}, nil
}

func (fakeProvider) Fulfill(context.Context, string, json.RawMessage, payment.Proof) (json.RawMessage, error) {
	return json.RawMessage(`{"summary":"short"}`), nil
}

func (fakeProvider) Probe(context.Context, string) error { return nil }

type testEnv struct {
	server *httptest.Server
	chain  *fakeChain
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	chain := &fakeChain{txs: make(map[string]web3.TransactionInfo)}
	readers, err := provider.NewStaticRegistry(network, map[string]web3.SettlementReader{network: chain})
	if err != nil {
		t.Fatalf("readers: %v", err)
	}
	directory := registry.NewService(registry.NewMemoryStore())
	guard := spending.NewGuard(nil, spending.WithDefaultLimits(spending.Limits{Daily: spending.Int64(50_000)}))
	book := ledger.New(ledger.NewMemoryStore())
	verifier := payment.NewVerifier(readers, nil)
	broker := session.NewBroker(directory, guard, verifier, fakeProvider{}, book)

	authSvc, err := auth.NewService(auth.Config{Mode: auth.ModeDisabled, AdminKey: adminKey})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv := NewServer(":0", market.New(directory, broker, book, guard), authSvc, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, chain: chain}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func agent(identity string) map[string]string {
	return map[string]string{auth.DefaultIdentityHeader: identity}
}

var serviceBody = map[string]any{
	"name":           "summarize",
	"endpoint":       "https://summarize.example.com/run",
	"capabilities":   []string{"summarization"},
	"price":          map[string]any{"amount": "0.02", "currency": "USDC", "network": network, "asset": "USDC", "decimals": 6},
	"payout_address": payout,
}

func (e *testEnv) registerService(t *testing.T) registry.ServiceDescriptor {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/services", serviceBody, map[string]string{auth.AdminKeyHeader: adminKey})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	return decode[registry.ServiceDescriptor](t, resp)
}

func (e *testEnv) pay(ref string, inst session.Instructions) payment.Proof {
	e.chain.mu.Lock()
	e.chain.txs[ref] = web3.TransactionInfo{
		Reference:     ref,
		Succeeded:     true,
		Confirmations: 2,
		Transfers: []web3.Transfer{{
			From:   payer,
			To:     inst.Payment.Recipient,
			Asset:  inst.Payment.Asset,
			Amount: big.NewInt(inst.Payment.Amount),
		}},
	}
	e.chain.mu.Unlock()
	return payment.Proof{
		Network:   inst.Payment.Network,
		Asset:     inst.Payment.Asset,
		Amount:    inst.Payment.Amount,
		Payer:     payer,
		Payee:     inst.Payment.Recipient,
		Reference: ref,
	}
}

func TestFulfillmentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	svc := env.registerService(t)

	resp := env.do(t, http.MethodGet, "/api/v1/services?capability=summarization,translation", nil, nil)
	listing := decode[struct {
		Services []registry.ServiceDescriptor `json:"services"`
	}](t, resp)
	if len(listing.Services) != 1 || listing.Services[0].ID != svc.ID {
		t.Fatalf("unexpected discovery %+v", listing)
	}

	prepare := map[string]any{"capability": "summarization", "payload": map[string]string{"text": "long"}}
	resp = env.do(t, http.MethodPost, "/api/v1/fulfillments", prepare, agent("agent-1"))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	inst := decode[session.Instructions](t, resp)
	if inst.ServiceID != svc.ID || inst.Payment.Amount != 20_000 {
		t.Fatalf("unexpected instructions %+v", inst)
	}

	header, err := x402.EncodeProof(env.pay("0xpaid", inst))
	if err != nil {
		t.Fatalf("encode proof: %v", err)
	}
	headers := agent("agent-1")
	headers[x402.PaymentHeader] = header
	resp = env.do(t, http.MethodPost, "/api/v1/fulfillments/"+inst.SessionID+"/complete", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	outcome := decode[session.Outcome](t, resp)
	if outcome.State != session.StateCompleted || outcome.TransactionID == "" || string(outcome.Result) != `{"summary":"short"}` {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/transactions/"+outcome.TransactionID, nil, agent("agent-1"))
	record := decode[ledger.Record](t, resp)
	if record.Status != ledger.StatusFulfilled || record.Amount != 20_000 {
		t.Fatalf("unexpected record %+v", record)
	}
	if resp := env.do(t, http.MethodGet, "/api/v1/transactions/"+outcome.TransactionID, nil, agent("agent-2")); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected another identity to get 404, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/transactions/"+outcome.TransactionID+"/rating", ratingRequest{Score: 5}, agent("agent-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/v1/transactions/"+outcome.TransactionID+"/rating", ratingRequest{Score: 4}, agent("agent-1"))
	if body := decode[errorBody](t, resp); resp.StatusCode != http.StatusConflict || body.Code != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %d %+v", resp.StatusCode, body)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/services/"+svc.ID, nil, nil)
	if rated := decode[registry.ServiceDescriptor](t, resp); rated.Reputation.Rating != 5 || rated.Reputation.ReviewCount != 1 {
		t.Fatalf("unexpected reputation %+v", rated.Reputation)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/spending", nil, agent("agent-1"))
	if status := decode[spending.Status](t, resp); status.DailySpent != 20_000 || status.OpenReservations != 0 {
		t.Fatalf("unexpected spending status %+v", status)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/transactions?limit=5", nil, agent("agent-1"))
	history := decode[struct {
		Transactions []ledger.Record `json:"transactions"`
	}](t, resp)
	if len(history.Transactions) != 1 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestErrorShape(t *testing.T) {
	env := newTestEnv(t)
	env.registerService(t)

	cases := []struct {
		name    string
		method  string
		path    string
		body    any
		headers map[string]string
		status  int
		code    xerrors.Code
		meta    string
	}{
		{name: "missing identity", method: http.MethodPost, path: "/api/v1/fulfillments",
			body: map[string]any{"capability": "summarization", "payload": map[string]string{}}, status: http.StatusUnauthorized, code: xerrors.CodeUnauthenticated},
		{name: "admin key required", method: http.MethodPost, path: "/api/v1/services",
			body: serviceBody, headers: agent("agent-1"), status: http.StatusForbidden, code: xerrors.CodeForbidden},
		{name: "unknown session", method: http.MethodPost, path: "/api/v1/fulfillments/nope/complete",
			body: payment.Proof{Reference: "0x1"}, headers: agent("agent-1"), status: http.StatusNotFound, code: xerrors.CodeNotFound},
		{name: "no capability match", method: http.MethodPost, path: "/api/v1/fulfillments",
			body: map[string]any{"capability": "vision", "payload": map[string]string{}}, headers: agent("agent-1"), status: http.StatusNotFound, code: xerrors.CodeNotFound},
		{name: "bad filter", method: http.MethodGet, path: "/api/v1/services?max_price=abc", status: http.StatusBadRequest, code: xerrors.CodeValidation},
		{name: "bad sort", method: http.MethodGet, path: "/api/v1/services?sort=newest", status: http.StatusBadRequest, code: xerrors.CodeValidation},
		{name: "empty body", method: http.MethodPost, path: "/api/v1/fulfillments", headers: agent("agent-1"), status: http.StatusBadRequest, code: xerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, tc.method, tc.path, tc.body, tc.headers)
			body := decode[errorBody](t, resp)
			if resp.StatusCode != tc.status || body.Code != tc.code {
				t.Fatalf("expected %d/%s, got %d/%+v", tc.status, tc.code, resp.StatusCode, body)
			}
		})
	}
}

func TestSpendingLimitSurfacesRemaining(t *testing.T) {
	env := newTestEnv(t)
	env.registerService(t)

	limits := limitsRequest{Identity: "agent-1", Limits: spending.Limits{Daily: spending.Int64(10_000)}}
	resp := env.do(t, http.MethodPut, "/api/v1/spending/limits", limits, map[string]string{auth.AdminKeyHeader: adminKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	prepare := map[string]any{"capability": "summarization", "payload": map[string]string{"text": "x"}}
	resp = env.do(t, http.MethodPost, "/api/v1/fulfillments", prepare, agent("agent-1"))
	body := decode[errorBody](t, resp)
	if resp.StatusCode != http.StatusForbidden || body.Code != xerrors.CodeSpendingLimit {
		t.Fatalf("expected spending limit, got %d %+v", resp.StatusCode, body)
	}
	if body.Metadata["dimension"] != "daily" || body.Metadata["remaining"] != "10000" {
		t.Fatalf("unexpected metadata %v", body.Metadata)
	}
}

func TestRejectedPaymentKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	env.registerService(t)

	prepare := map[string]any{"capability": "summarization", "payload": map[string]string{"text": "x"}}
	resp := env.do(t, http.MethodPost, "/api/v1/fulfillments", prepare, agent("agent-1"))
	inst := decode[session.Instructions](t, resp)

	short := env.pay("0xshort", inst)
	short.Amount = 1
	resp = env.do(t, http.MethodPost, "/api/v1/fulfillments/"+inst.SessionID+"/complete", short, agent("agent-1"))
	body := decode[errorBody](t, resp)
	if resp.StatusCode != http.StatusPaymentRequired || body.Code != xerrors.CodePaymentRejected {
		t.Fatalf("expected payment rejected, got %d %+v", resp.StatusCode, body)
	}
	if body.Metadata["reason"] != string(payment.ReasonInsufficientAmount) {
		t.Fatalf("unexpected reason %v", body.Metadata)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/fulfillments/"+inst.SessionID, nil, agent("agent-1"))
	if view := decode[session.View](t, resp); view.State != session.StateAwaitingPayment {
		t.Fatalf("expected session to await payment, got %+v", view)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, WithHealthCheck("storage", func(context.Context) error { return errors.New("down") }))

	resp := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	env.do(t, http.MethodGet, "/api/v1/services", nil, nil)
	resp = env.do(t, http.MethodGet, "/metrics", nil, nil)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "agentpay_http") {
		t.Fatalf("expected metrics exposition, got %d", resp.StatusCode)
	}
}
