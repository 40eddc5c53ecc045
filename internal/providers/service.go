package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps every collaborator response body.
const maxResponseBytes = 1 << 20

// serviceClient posts JSON to one collaborator endpoint with bearer auth.
// A zero URL means the collaborator is not configured.
type serviceClient struct {
	name   string
	url    string
	apiKey string
	client *http.Client
	retry  RetryConfig
}

func newServiceClient(name, url, apiKey string, timeout time.Duration) serviceClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return serviceClient{
		name:   name,
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		retry:  NoRetry(),
	}
}

func (c serviceClient) configured() bool { return c.url != "" }

// post sends in to url+path and decodes the response into out (when non-nil).
func (c serviceClient) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	_, err = RetryDo(ctx, c.retry, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, c.url+path, data, out)
	})
	return err
}

func (c serviceClient) do(ctx context.Context, url string, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: build request to %q: %w", c.name, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request to %q failed: %w", c.name, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", c.name, string(body)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: parse response JSON: %w", c.name, err)
	}
	return nil
}
