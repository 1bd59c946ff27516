package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesDomainMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/services", "GET", 200, 30*time.Millisecond)
	ObserveHTTPRequest("/api/v1/fulfillments", "POST", 502, time.Second)
	ObserveVerification("base-sepolia", "replay")
	ObserveSessionTerminal("exhausted")
	ObserveFailover()
	ObserveProviderCall("quote", nil, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`agentpay_http_requests_total{code="200",handler="/api/v1/services",method="GET"} 1`,
		`agentpay_http_request_errors_total{handler="/api/v1/fulfillments",method="POST"} 1`,
		`agentpay_payment_verifications_total{network="base-sepolia",outcome="replay"} 1`,
		`agentpay_session_terminal_total{state="exhausted"} 1`,
		`agentpay_session_failovers_total 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected metrics output to contain %q", want)
		}
	}
}
