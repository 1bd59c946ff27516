package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/services", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"services": []agentpay.Service{{
			ID:           "svc-demo",
			Name:         "demo translator",
			Capabilities: []string{"translate"},
			Price:        agentpay.Price{Amount: "0.02", Currency: "USDC", Network: "base-sepolia", Asset: "USDC", Decimals: 6},
		}}})
	})
	mux.HandleFunc("/api/v1/fulfillments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(agentpay.Instructions{
			SessionID: "sess-demo",
			ServiceID: "svc-demo",
			Payment:   agentpay.PaymentRequirements{Recipient: "0xpayout", Amount: 20_000, Asset: "USDC", Network: "base-sepolia"},
			Attempt:   1,
			ExpiresAt: time.Now().Add(5 * time.Minute).UTC(),
		})
	})
	mux.HandleFunc("/api/v1/fulfillments/sess-demo/complete", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Outcome{
			SessionID:     "sess-demo",
			State:         agentpay.StateCompleted,
			ServiceID:     "svc-demo",
			TransactionID: "tx-demo",
			Result:        json.RawMessage(`{"text":"hola"}`),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetIdentity("demo-agent")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	services, err := client.DiscoverServices(ctx, agentpay.Query{Capabilities: []string{"translate"}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("found %d service(s), first is %s\n", len(services), services[0].Name)

	wallet := func(_ context.Context, inst agentpay.Instructions) (agentpay.Proof, error) {
		fmt.Printf("paying %d %s to %s\n", inst.Payment.Amount, inst.Payment.Asset, inst.Payment.Recipient)
		return agentpay.Proof{
			Network:   inst.Payment.Network,
			Asset:     inst.Payment.Asset,
			Amount:    inst.Payment.Amount,
			Payee:     inst.Payment.Recipient,
			Reference: "0xdemo",
		}, nil
	}
	outcome, err := client.Purchase(ctx, agentpay.PrepareRequest{
		Capability: "translate",
		Payload:    json.RawMessage(`{"text":"hello"}`),
	}, wallet)
	if err != nil {
		panic(err)
	}
	fmt.Printf("session %s %s: %s\n", outcome.SessionID, outcome.State, outcome.Result)
}
