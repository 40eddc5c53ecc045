// Package evolution talks to an Evolution-API compatible WhatsApp gateway:
// the REST send endpoint for replies and the optional websocket event feed.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/delivery"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
)

// Client sends messages through the gateway's REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a client. baseURL and apiKey are defaults used when an
// address carries none.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText posts one text message: POST {base}/message/sendText/{instance}.
// Sends are never retried here; a timeout after the gateway accepted the
// message would otherwise deliver it twice.
func (c *Client) SendText(ctx context.Context, to delivery.Address, text string) error {
	base := strings.TrimRight(to.BaseURL, "/")
	if base == "" {
		base = c.baseURL
	}
	if base == "" {
		return fmt.Errorf("evolution: no gateway base URL for instance %q", to.InstanceID)
	}
	if to.InstanceID == "" || to.Number == "" {
		return fmt.Errorf("evolution: address needs instance and number")
	}
	key := to.APIKey
	if key == "" {
		key = c.apiKey
	}

	data, err := json.Marshal(sendTextRequest{Number: to.Number, Text: text})
	if err != nil {
		return fmt.Errorf("evolution: marshal message: %w", err)
	}
	endpoint := base + "/message/sendText/" + url.PathEscape(to.InstanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("evolution: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("apikey", key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("evolution: send to %s: %w", to.InstanceID, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &providers.HTTPError{
			Status:     resp.StatusCode,
			Body:       "evolution: " + string(body),
			RetryAfter: providers.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return nil
}
