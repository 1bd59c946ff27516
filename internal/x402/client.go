// Package x402 implements the caller side of the HTTP 402 payment handshake
// against priced service endpoints.
package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/observability/metrics"
	"AgentPay/internal/payment"
)

const (
	// PaymentHeader carries the base64 encoded payment proof on the paid request.
	PaymentHeader = "X-PAYMENT"

	defaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
)

// Requirements is the payment quote a provider answers with on HTTP 402.
type Requirements struct {
	Recipient   string `json:"recipient"`
	Amount      int64  `json:"amount"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Description string `json:"description,omitempty"`
}

// wireRequirements accepts both the flat quote body and the x402 "accepts" envelope.
type wireRequirements struct {
	Recipient         string      `json:"recipient"`
	PayTo             string      `json:"payTo"`
	Amount            json.Number `json:"amount"`
	MaxAmountRequired json.Number `json:"maxAmountRequired"`
	Asset             string      `json:"asset"`
	Network           string      `json:"network"`
	Description       string      `json:"description"`
}

type quoteBody struct {
	wireRequirements
	Accepts []wireRequirements `json:"accepts"`
}

// Client talks to provider endpoints.
type Client struct {
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds every call made by the client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds a provider client.
func NewClient(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Quote sends the unpaid request and expects the provider to answer 402 with
// its payment requirements.
func (c *Client) Quote(ctx context.Context, endpoint string, payload json.RawMessage) (req Requirements, err error) {
	start := time.Now()
	defer func() { metrics.ObserveProviderCall("quote", err, time.Since(start)) }()

	resp, err := c.post(ctx, endpoint, payload, "")
	if err != nil {
		return Requirements{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return Requirements{}, unavailable(nil, fmt.Sprintf("quote expected status 402, got %d", resp.StatusCode))
	}
	var body quoteBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return Requirements{}, unavailable(err, "decode payment requirements")
	}
	wire := body.wireRequirements
	if len(body.Accepts) > 0 {
		wire = body.Accepts[0]
	}
	return wire.normalize()
}

// Fulfill sends the paid request. Only a 200 response carrying a JSON document
// counts as success.
func (c *Client) Fulfill(ctx context.Context, endpoint string, payload json.RawMessage, proof payment.Proof) (result json.RawMessage, err error) {
	start := time.Now()
	defer func() { metrics.ObserveProviderCall("fulfill", err, time.Since(start)) }()

	header, err := EncodeProof(proof)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, endpoint, payload, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, unavailable(err, "read provider response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(nil, fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, snippet(body)))
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return nil, unavailable(nil, "provider returned malformed output")
	}
	return json.RawMessage(body), nil
}

// Probe checks that the endpoint answers at all. Any status below 500 counts as alive.
func (c *Client) Probe(ctx context.Context, endpoint string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveProviderCall("probe", err, time.Since(start)) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "invalid provider endpoint")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return unavailable(err, "probe provider")
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return unavailable(nil, fmt.Sprintf("probe returned status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload json.RawMessage, paymentHeader string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "invalid provider endpoint")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if paymentHeader != "" {
		httpReq.Header.Set(PaymentHeader, paymentHeader)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, unavailable(err, "provider call timed out")
		}
		return nil, unavailable(err, "provider call failed")
	}
	return resp, nil
}

// EncodeProof renders a payment proof as the PaymentHeader value.
func EncodeProof(proof payment.Proof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("encode payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProof parses a PaymentHeader value.
func DecodeProof(header string) (payment.Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return payment.Proof{}, xerrors.Wrap(xerrors.CodeValidation, err, "payment header is not base64")
	}
	var proof payment.Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return payment.Proof{}, xerrors.Wrap(xerrors.CodeValidation, err, "payment header is not a proof document")
	}
	return proof, nil
}

func (w wireRequirements) normalize() (Requirements, error) {
	recipient := strings.TrimSpace(w.Recipient)
	if recipient == "" {
		recipient = strings.TrimSpace(w.PayTo)
	}
	amount := w.Amount
	if amount == "" {
		amount = w.MaxAmountRequired
	}
	value, err := amount.Int64()
	if err != nil {
		return Requirements{}, unavailable(err, "payment requirements carry an invalid amount")
	}
	req := Requirements{
		Recipient:   recipient,
		Amount:      value,
		Asset:       strings.TrimSpace(w.Asset),
		Network:     strings.TrimSpace(w.Network),
		Description: w.Description,
	}
	if req.Recipient == "" || req.Asset == "" || req.Network == "" || req.Amount <= 0 {
		return Requirements{}, unavailable(nil, "payment requirements are incomplete")
	}
	return req, nil
}

func init() {
	xerrors.Register(xerrors.CodeProviderUnavailable, xerrors.Attributes{
		Message:    "provider unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: 502,
	})
}

func unavailable(cause error, message string) *xerrors.Error {
	if cause == nil {
		return xerrors.New(xerrors.CodeProviderUnavailable, message)
	}
	return xerrors.Wrap(xerrors.CodeProviderUnavailable, cause, message)
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}
