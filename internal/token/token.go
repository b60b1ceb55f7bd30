// Package token talks to the application backend: it exchanges an agent id
// for a pre-authorized connection descriptor and creates checkout sessions
// whose correlation ids name conversations.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/calliope-labs/voicelink/internal/transport"
)

// Checkout is the result of creating a hosted-payment session. Only the
// correlation id is consumed here; the redirect URL is for the caller.
type Checkout struct {
	RedirectURL   string `json:"redirect_url"`
	CorrelationID string `json:"correlation_id"`
}

// Client is a pooled HTTP client for the backend API.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, poolSize int) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          poolSize,
				MaxIdleConnsPerHost:   poolSize,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
	}
}

// SignedURL asks the backend for a pre-authorized connection descriptor
// for the given agent. Keeping the exchange server-side means the vendor
// API key never reaches this process.
func (c *Client) SignedURL(ctx context.Context, agentID string) (transport.Descriptor, error) {
	endpoint := fmt.Sprintf("%s/api/conversation-token?agent_id=%s", c.baseURL, url.QueryEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return transport.Descriptor{}, fmt.Errorf("build token request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return transport.Descriptor{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return transport.Descriptor{}, httpError("token", resp)
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return transport.Descriptor{}, fmt.Errorf("decode token response: %w", err)
	}
	if body.SignedURL == "" {
		return transport.Descriptor{}, fmt.Errorf("token response missing signed_url")
	}
	return transport.Descriptor{SignedURL: body.SignedURL}, nil
}

// CreateCheckout starts a hosted-payment session for a product and returns
// the redirect URL plus the correlation id that names the conversation.
func (c *Client) CreateCheckout(ctx context.Context, productID string) (Checkout, error) {
	payload, _ := json.Marshal(struct {
		ProductID string `json:"product_id"`
	}{ProductID: productID})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/checkout", bytes.NewReader(payload))
	if err != nil {
		return Checkout{}, fmt.Errorf("build checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Checkout{}, fmt.Errorf("checkout request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Checkout{}, httpError("checkout", resp)
	}

	var out Checkout
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Checkout{}, fmt.Errorf("decode checkout response: %w", err)
	}
	if out.CorrelationID == "" {
		return Checkout{}, fmt.Errorf("checkout response missing correlation_id")
	}
	return out, nil
}

func httpError(label string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("%s endpoint returned %d: %s", label, resp.StatusCode, snippet)
}
