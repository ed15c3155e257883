// Package provider is the thin client for the external asynchronous
// generation backend. Submission is fire-and-forget: the provider answers
// with a correlation token and reports the outcome later on our webhook.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"renderq/internal/model"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type submitRequest struct {
	Model       string          `json:"model"`
	Type        model.ModelType `json:"type"`
	Prompt      string          `json:"prompt"`
	Params      json.RawMessage `json:"params,omitempty"`
	CallbackURL string          `json:"callback_url"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// Submit sends the job to the provider and returns its correlation token.
// Transient transport errors and 5xx responses are retried briefly with
// backoff; a 4xx is a hard rejection and fails immediately.
func (c *Client) Submit(ctx context.Context, job *model.Job, callbackURL string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Model:       job.ModelID,
		Type:        job.ModelType,
		Prompt:      job.Prompt,
		Params:      job.Params,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	var requestID string
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read submit response: %w", err))
		}

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("provider returned %d: %s", resp.StatusCode, raw))
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("provider rejected submission with %d: %s", resp.StatusCode, raw)
		}

		var sr submitResponse
		if err := json.Unmarshal(raw, &sr); err != nil {
			return fmt.Errorf("decode submit response: %w", err)
		}
		if sr.RequestID == "" {
			return fmt.Errorf("provider accepted submission without a request id")
		}
		requestID = sr.RequestID
		return nil
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}
