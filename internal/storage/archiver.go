// Package storage is the client for the media-store collaborator, which
// copies a provider-hosted artifact to durable storage and hands back a
// stable internal reference. Provider URLs expire; ours do not.
package storage

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

type MediaStoreClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewMediaStoreClient(baseURL string) *MediaStoreClient {
	return &MediaStoreClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type archiveRequest struct {
	SourceURL string `json:"source_url"`
}

type archiveResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Archive asks the media store to fetch and re-host the remote artifact.
// Retried with backoff on transport errors and 5xx.
func (c *MediaStoreClient) Archive(ctx context.Context, remoteURL string) (*model.StoredArtifact, error) {
	body, err := json.Marshal(archiveRequest{SourceURL: remoteURL})
	if err != nil {
		return nil, fmt.Errorf("marshal archive request: %w", err)
	}

	var stored *model.StoredArtifact
	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/artifacts", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read archive response: %w", err))
		}

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("media store returned %d: %s", resp.StatusCode, raw))
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("media store rejected artifact with %d: %s", resp.StatusCode, raw)
		}

		var ar archiveResponse
		if err := json.Unmarshal(raw, &ar); err != nil {
			return fmt.Errorf("decode archive response: %w", err)
		}
		if ar.URL == "" {
			return fmt.Errorf("media store returned an empty artifact url")
		}
		stored = &model.StoredArtifact{ID: ar.ID, URL: ar.URL}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}
