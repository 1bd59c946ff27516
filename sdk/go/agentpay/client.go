package agentpay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Completing a session waits on the provider, so it is longer than a plain API call.
const DefaultHTTPTimeout = 60 * time.Second

const (
	identityHeader = "X-Agent-Identity"
	paymentHeader  = "X-PAYMENT"
)

// Wallet pays the given instructions and returns the resulting proof.
type Wallet func(ctx context.Context, inst Instructions) (Proof, error)

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	identity    string
}

// NewClient instantiates a client for the AgentPay API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with identity-scoped calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetIdentity sets the identity header used when the server trusts a gateway header.
func (c *Client) SetIdentity(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
}

// DiscoverServices searches the registry.
func (c *Client) DiscoverServices(ctx context.Context, q Query) ([]Service, error) {
	values := url.Values{}
	if len(q.Capabilities) > 0 {
		values.Set("capability", strings.Join(q.Capabilities, ","))
	}
	if q.MaxPrice != "" {
		values.Set("max_price", q.MaxPrice)
	}
	if q.MinRating > 0 {
		values.Set("min_rating", strconv.FormatFloat(q.MinRating, 'f', -1, 64))
	}
	if q.Network != "" {
		values.Set("network", q.Network)
	}
	if q.Currency != "" {
		values.Set("currency", q.Currency)
	}
	if q.SortBy != "" {
		values.Set("sort", q.SortBy)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}

	var out struct {
		Services []Service `json:"services"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/services", values, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// PrepareFulfillment opens a session and returns payment instructions.
func (c *Client) PrepareFulfillment(ctx context.Context, req PrepareRequest) (Instructions, error) {
	var inst Instructions
	if err := c.call(ctx, http.MethodPost, "/api/v1/fulfillments", nil, req, nil, &inst); err != nil {
		return Instructions{}, err
	}
	return inst, nil
}

// CompleteFulfillment submits a payment proof in the X-PAYMENT header. A
// completed outcome is returned together with an *APIError when the server
// delivered the result but failed to record it.
func (c *Client) CompleteFulfillment(ctx context.Context, sessionID string, proof Proof) (Outcome, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode proof: %w", err)
	}
	headers := map[string]string{paymentHeader: base64.StdEncoding.EncodeToString(raw)}

	var outcome Outcome
	endpoint := "/api/v1/fulfillments/" + url.PathEscape(sessionID) + "/complete"
	if err := c.call(ctx, http.MethodPost, endpoint, nil, nil, headers, &outcome); err != nil {
		return Outcome{}, err
	}
	if outcome.Error != nil {
		outcome.Error.StatusCode = http.StatusOK
		return outcome, outcome.Error
	}
	return outcome, nil
}

// Purchase runs the whole protocol: prepare, pay, complete, and pay again for
// every replacement candidate until the session completes or fails.
func (c *Client) Purchase(ctx context.Context, req PrepareRequest, pay Wallet) (Outcome, error) {
	if pay == nil {
		return Outcome{}, errors.New("agentpay: wallet is required")
	}
	inst, err := c.PrepareFulfillment(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	for {
		proof, err := pay(ctx, inst)
		if err != nil {
			return Outcome{}, fmt.Errorf("pay %s: %w", inst.ServiceID, err)
		}
		outcome, err := c.CompleteFulfillment(ctx, inst.SessionID, proof)
		if err != nil {
			return outcome, err
		}
		if outcome.State != StateAwaitingPayment || outcome.Next == nil {
			return outcome, nil
		}
		inst = *outcome.Next
	}
}

// GetTransaction fetches one of the caller's transactions.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var tx Transaction
	if err := c.call(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, nil, nil, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Rate scores a fulfilled transaction from 1 to 5.
func (c *Client) Rate(ctx context.Context, transactionID string, score int, review string) (Transaction, error) {
	body := map[string]any{"score": score, "review": review}
	var tx Transaction
	endpoint := "/api/v1/transactions/" + url.PathEscape(transactionID) + "/rating"
	if err := c.call(ctx, http.MethodPost, endpoint, nil, body, nil, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Spending returns the caller's spending status.
func (c *Client) Spending(ctx context.Context) (SpendingStatus, error) {
	var status SpendingStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/spending", nil, nil, nil, &status); err != nil {
		return SpendingStatus{}, err
	}
	return status, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload any, headers map[string]string, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	if c.identity != "" {
		req.Header.Set(identityHeader, c.identity)
	}
	c.mu.RUnlock()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	// 402 carries payment instructions, not an error, unless it is an error document.
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if resp.StatusCode != http.StatusPaymentRequired || apiErr.Code != "" {
			if apiErr.Message == "" {
				apiErr.Message = string(bytes.TrimSpace(data))
			}
			return &apiErr
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
