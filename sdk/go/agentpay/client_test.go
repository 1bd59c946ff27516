package agentpay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscoverServicesEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/services" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("capability") != "translate,summarize" || q.Get("max_price") != "0.05" || q.Get("sort") != "price" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"services": []Service{{ID: "svc-1", Name: "translator"}}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	services, err := client.DiscoverServices(context.Background(), Query{
		Capabilities: []string{"translate", "summarize"},
		MaxPrice:     "0.05",
		SortBy:       "price",
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(services) != 1 || services[0].ID != "svc-1" {
		t.Fatalf("unexpected services %+v", services)
	}
}

func TestPrepareTreats402AsInstructions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(identityHeader); got != "agent-1" {
			t.Errorf("expected identity header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(Instructions{
			SessionID: "sess-1",
			ServiceID: "svc-1",
			Payment:   PaymentRequirements{Recipient: "0xpay", Amount: 20_000, Asset: "USDC", Network: "base-sepolia"},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	client.SetIdentity("agent-1")
	inst, err := client.PrepareFulfillment(context.Background(), PrepareRequest{Capability: "translate", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if inst.SessionID != "sess-1" || inst.Payment.Amount != 20_000 {
		t.Fatalf("unexpected instructions %+v", inst)
	}
}

func TestAPIErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":     "PAYMENT_REJECTED",
			"message":  "payment rejected",
			"metadata": map[string]string{"reason": "replay"},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.CompleteFulfillment(context.Background(), "sess-1", Proof{Reference: "0x1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Code != "PAYMENT_REJECTED" || apiErr.Metadata["reason"] != "replay" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestPurchaseFollowsFailover(t *testing.T) {
	var paid []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/fulfillments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(Instructions{SessionID: "sess-1", ServiceID: "svc-a", Payment: PaymentRequirements{Recipient: "0xa", Amount: 10}})
	})
	mux.HandleFunc("/api/v1/fulfillments/sess-1/complete", func(w http.ResponseWriter, r *http.Request) {
		raw, err := base64.StdEncoding.DecodeString(r.Header.Get(paymentHeader))
		if err != nil {
			t.Errorf("decode header: %v", err)
			return
		}
		var proof Proof
		if err := json.Unmarshal(raw, &proof); err != nil {
			t.Errorf("decode proof: %v", err)
			return
		}
		if proof.Payee == "0xa" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(Outcome{
				SessionID: "sess-1",
				State:     StateAwaitingPayment,
				Next:      &Instructions{SessionID: "sess-1", ServiceID: "svc-b", Payment: PaymentRequirements{Recipient: "0xb", Amount: 12}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(Outcome{
			SessionID:     "sess-1",
			State:         StateCompleted,
			ServiceID:     "svc-b",
			TransactionID: "tx-2",
			Result:        json.RawMessage(`{"text":"hola"}`),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	outcome, err := client.Purchase(context.Background(), PrepareRequest{Capability: "translate"}, func(_ context.Context, inst Instructions) (Proof, error) {
		paid = append(paid, inst.ServiceID)
		return Proof{Payee: inst.Payment.Recipient, Amount: inst.Payment.Amount, Reference: "0x" + inst.ServiceID}, nil
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if outcome.State != StateCompleted || outcome.TransactionID != "tx-2" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(paid) != 2 || paid[0] != "svc-a" || paid[1] != "svc-b" {
		t.Fatalf("expected to pay both candidates, paid %v", paid)
	}
}

func TestBearerTokenAndRating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("missing bearer token")
		}
		if r.URL.Path != "/api/v1/transactions/tx-1/rating" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		score := int(body["score"].(float64))
		_ = json.NewEncoder(w).Encode(Transaction{ID: "tx-1", Status: "fulfilled", Rating: &score})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("token-1")
	tx, err := client.Rate(context.Background(), "tx-1", 5, "fast")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if tx.Rating == nil || *tx.Rating != 5 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
}

func TestCompleteReturnsResultWithSettlementError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session_id":     "sess-1",
			"state":          StateCompleted,
			"transaction_id": "tx-1",
			"result":         map[string]string{"text": "hola"},
			"error": map[string]any{
				"code":     "STORAGE_FAILURE",
				"message":  "fulfillment recorded incompletely",
				"metadata": map[string]string{"stage": "ledger"},
			},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	outcome, err := client.CompleteFulfillment(context.Background(), "sess-1", Proof{Reference: "0x1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "STORAGE_FAILURE" || apiErr.Metadata["stage"] != "ledger" {
		t.Fatalf("expected settlement error, got %v", err)
	}
	if outcome.State != StateCompleted || string(outcome.Result) != `{"text":"hola"}` {
		t.Fatalf("expected the delivered result, got %+v", outcome)
	}
}
