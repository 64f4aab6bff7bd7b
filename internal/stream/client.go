// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/braid-chat/braid/internal/retry"
)

// =============================================================================
// CLIENT
// =============================================================================

// Client is the session factory plus the non-streaming endpoint surface.
// It snapshots endpoint and model at construction; a configuration change
// means building a new client, never mutating one mid-flight.
type Client struct {
	opts       Options
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a client from a configuration snapshot.
func NewClient(opts Options) *Client {
	o := opts.withDefaults()
	return &Client{
		opts:       o,
		httpClient: o.HTTPClient,
		policy:     retry.DefaultPolicy,
	}
}

// BaseURL returns the endpoint this client was built against.
func (c *Client) BaseURL() string {
	return c.opts.BaseURL
}

// Model returns the model this client requests.
func (c *Client) Model() string {
	return c.opts.Model
}

// NewSession creates a fresh idle session bound to this client's endpoint
// and model.
func (c *Client) NewSession() *Session {
	return NewSession(c.opts)
}

// =============================================================================
// MODEL LISTING
// =============================================================================

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels fetches the model ids from {base}/v1/models, retrying
// transient failures. HTTP error statuses are not retried; a server that
// answers 404 will answer 404 again.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	endpoint, err := url.JoinPath(c.opts.BaseURL, "v1", "models")
	if err != nil {
		return nil, newInvalidURLError(c.opts.BaseURL, err)
	}

	var ids []string
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return newInvalidURLError(endpoint, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return newTransportError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			preview, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodyBytes))
			return retry.Permanent(newHTTPStatusError(resp.StatusCode, string(preview)))
		}

		var parsed modelsResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return newTransportError(err)
		}

		ids = ids[:0]
		for _, m := range parsed.Data {
			if m.ID != "" {
				ids = append(ids, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)
	return ids, nil
}
