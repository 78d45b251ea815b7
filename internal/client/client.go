// Package client is a Go client for the entity-storage REST surface. It
// mirrors the server contract: Set is an upsert, Get returns nil for missing
// entities, Query pages with an opaque cursor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/entitystore/internal/entity"
)

const (
	// MaxRetries bounds retries on 429 responses.
	MaxRetries = 3

	// DefaultBackoff is the initial backoff when no Retry-After is given.
	DefaultBackoff = 1 * time.Second
)

// Client calls the entity-storage endpoints. Requests carry a correlation id;
// Token is sent as a bearer token, or DebugSub as X-Debug-Sub against a
// dev-mode server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	debugSub   string
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token for authenticated endpoints.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithDebugSub sets the X-Debug-Sub subject for dev-mode servers.
func WithDebugSub(sub string) Option { return func(c *Client) { c.debugSub = sub } }

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryOpts are the Query parameters; zero values are omitted from the
// request.
type QueryOpts struct {
	Conditions entity.Condition
	OrderBy    string
	Descending bool
	Properties []string
	Cursor     string
	PageSize   int
}

// QueryPage is one page of query results.
type QueryPage struct {
	Entities []map[string]any `json:"entities"`
	Cursor   string           `json:"cursor"`
}

// Set upserts an entity.
func (c *Client) Set(ctx context.Context, e map[string]any) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/entity-storage", "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// Get retrieves an entity by primary key, or by the named secondary index
// when secondaryIndex is non-empty. A missing entity returns nil, nil.
func (c *Client) Get(ctx context.Context, id, secondaryIndex string) (map[string]any, error) {
	query := ""
	if secondaryIndex != "" {
		query = "secondaryIndex=" + url.QueryEscape(secondaryIndex)
	}
	resp, err := c.do(ctx, http.MethodGet, "/entity-storage/"+url.PathEscape(id), query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, decodeError(resp)
	}

	var e map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return e, nil
}

// Remove deletes an entity by primary key. A missing entity is not an error;
// the server contract makes the delete idempotent.
func (c *Client) Remove(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/entity-storage/"+url.PathEscape(id), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return decodeError(resp)
	}
	return nil
}

// Query fetches one page of entities matching opts.
func (c *Client) Query(ctx context.Context, opts QueryOpts) (*QueryPage, error) {
	params := url.Values{}
	if opts.Conditions != nil {
		raw, err := json.Marshal(opts.Conditions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conditions: %w", err)
		}
		params.Set("conditions", string(raw))
	}
	if opts.OrderBy != "" {
		params.Set("orderBy", opts.OrderBy)
		if opts.Descending {
			params.Set("orderByDirection", string(entity.SortDescending))
		}
	}
	if len(opts.Properties) > 0 {
		joined := opts.Properties[0]
		for _, p := range opts.Properties[1:] {
			joined += "," + p
		}
		params.Set("properties", joined)
	}
	if opts.Cursor != "" {
		params.Set("cursor", opts.Cursor)
	}
	if opts.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(opts.PageSize))
	}

	resp, err := c.do(ctx, http.MethodGet, "/entity-storage", params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var page QueryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	return &page, nil
}

// SyncChangeSet pushes a sealed change-set's blob id to the server's sync
// endpoint.
func (c *Client) SyncChangeSet(ctx context.Context, changeSetBlobID string) error {
	body, err := json.Marshal(map[string]string{"changeSetBlobId": changeSetBlobID})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/sync/change-set", "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// do executes one request with auth headers and rate-limit retries. body is
// re-read on every attempt.
func (c *Client) do(ctx context.Context, method, path, query string, body []byte) (*http.Response, error) {
	correlationID := uuid.New().String()
	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	logger := log.With().
		Str("method", method).
		Str("url", reqURL).
		Str("correlationId", correlationID).
		Logger()

	for attempt := 0; ; attempt++ {
		var req *http.Request
		var err error
		if body != nil {
			req, err = http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
		} else {
			req, err = http.NewRequestWithContext(ctx, method, reqURL, nil)
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Correlation-ID", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		} else if c.debugSub != "" {
			req.Header.Set("X-Debug-Sub", c.debugSub)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("HTTP request failed")
			return nil, err
		}
		logger.Debug().
			Int("status", resp.StatusCode).
			Dur("duration", time.Since(start)).
			Int("attempt", attempt).
			Msg("HTTP request completed")

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		if attempt >= MaxRetries {
			return nil, fmt.Errorf("rate limited after %d attempts", attempt+1)
		}
		if retryAfter == 0 {
			retryAfter = DefaultBackoff * time.Duration(1<<attempt)
		}
		logger.Warn().Dur("retryAfter", retryAfter).Msg("rate limited, backing off")
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// decodeError reconstructs a StoreError from the server's error envelope so
// callers can branch on the kind the same way they do against a local store.
func decodeError(resp *http.Response) error {
	var body struct {
		Name       string         `json:"name"`
		Message    string         `json:"message"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Name == "" {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	se := &entity.StoreError{Kind: body.Name, Message: body.Message}
	if body.Name == "error" {
		// Plain message envelope without a taxonomy kind.
		se.Kind = entity.KindQueryFailed
		if resp.StatusCode == http.StatusBadRequest {
			se.Kind = entity.KindGuardFailure
		}
	}
	if op, ok := body.Properties["operation"].(string); ok {
		se.Op = op
	}
	if container, ok := body.Properties["container"].(string); ok {
		se.Container = container
	}
	if id, ok := body.Properties["id"].(string); ok {
		se.ID = id
	}
	return se
}

// parseRetryAfter accepts both integer seconds and HTTP-date values.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
