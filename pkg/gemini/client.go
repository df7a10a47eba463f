// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stacklok/modelbridge/pkg/config"
	"github.com/stacklok/modelbridge/pkg/errors"
	"github.com/stacklok/modelbridge/pkg/logger"
	"github.com/stacklok/modelbridge/pkg/redact"
)

const (
	// maxNotices bounds the per-client notice queue; the oldest entry is
	// dropped on overflow.
	maxNotices = 16

	// maxErrorBody clips upstream error bodies before they reach callers.
	maxErrorBody = 2048

	// defaultTimeout bounds requests when the config leaves Timeout zero.
	defaultTimeout = 2 * time.Minute
)

// ClientConfig enumerates everything the client needs for one backend.
type ClientConfig struct {
	Backend config.Backend

	// BaseURL is the URL prefix that model paths are appended to. For the
	// developer backend this is the API base; for Vertex it is the full
	// publisher base (see VertexPublisherBase).
	BaseURL string

	APIKey      string
	AccessToken string

	// QuotaProject is sent as X-Goog-User-Project on Vertex bearer requests.
	QuotaProject string

	// AllowAPIKeyFallback enables the OAuth to API-key retry on 401/403.
	AllowAPIKeyFallback bool

	// APIKeyFallbackBaseURL replaces BaseURL on the fallback attempt; Vertex
	// backends typically hop to the Developer base for API-key requests.
	APIKeyFallbackBaseURL string

	FallbackPolicy config.FallbackPolicy

	Timeout time.Duration

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// VertexPublisherBase composes the Vertex publisher URL prefix. An empty
// baseURL yields the regional endpoint for the location.
func VertexPublisherBase(baseURL, project, location, publisher string) string {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", location)
	}
	if publisher == "" {
		publisher = "google"
	}
	return fmt.Sprintf("%s/projects/%s/locations/%s/publishers/%s",
		strings.TrimSuffix(baseURL, "/"), project, location, publisher)
}

// Client issues requests against one Gemini backend. It is stateless per
// request except for the notice queue.
type Client struct {
	cfg  ClientConfig
	http *http.Client

	mu      sync.Mutex
	notices []Notice
}

// NewClient creates a client for the configured backend.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, http: httpClient}
}

// pushNotice appends to the bounded notice FIFO.
func (c *Client) pushNotice(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
	if len(c.notices) > maxNotices {
		c.notices = c.notices[len(c.notices)-maxNotices:]
	}
}

// DrainNotices returns and clears all queued notices.
func (c *Client) DrainNotices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.notices
	c.notices = nil
	return drained
}

// modelURL builds "<base>/models/<escaped-name>:<verb>", accepting model
// names with or without a leading "models/".
func (c *Client) modelURL(model, verb string) string {
	name := strings.TrimPrefix(model, "models/")
	return c.cfg.BaseURL + "/models/" + url.PathEscape(name) + ":" + verb
}

// setAuthHeaders applies the header policy for the chosen path.
func (c *Client) setAuthHeaders(req *http.Request, useAPIKey bool) error {
	if !useAPIKey && c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		if c.cfg.Backend == config.BackendVertex && c.cfg.QuotaProject != "" {
			req.Header.Set("X-Goog-User-Project", c.cfg.QuotaProject)
		}
		return nil
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-goog-api-key", c.cfg.APIKey)
		return nil
	}
	return errors.NewAPIError(http.StatusUnauthorized, "no API key or OAuth token configured", nil)
}

// do executes one request with timeout, fallback, and 404-rewrite
// handling. The returned response body is the caller's to close.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	resp, usedOAuth, err := c.attempt(ctx, method, rawURL, body, false)
	if err != nil {
		cancel()
		return nil, err
	}

	// Track the URL and auth in effect so later retries repeat the path
	// that actually ran, not the one we started with.
	effURL := rawURL
	apiKeyAuth := !usedOAuth

	// OAuth to API-key fallback on auth failures.
	if usedOAuth && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) &&
		c.cfg.AllowAPIKeyFallback && c.cfg.APIKey != "" {
		status := resp.StatusCode
		message := readErrorMessage(resp)

		if c.cfg.FallbackPolicy == config.FallbackPrompt {
			cancel()
			return nil, errors.NewAPIKeyFallbackPromptError(status)
		}

		fallbackURL := rawURL
		if c.cfg.APIKeyFallbackBaseURL != "" {
			fallbackURL = c.cfg.APIKeyFallbackBaseURL + strings.TrimPrefix(rawURL, c.cfg.BaseURL)
		}
		logger.Warnf("OAuth request failed with %d, retrying with API key", status)

		resp, _, err = c.attempt(ctx, method, fallbackURL, body, true)
		if err != nil {
			cancel()
			return nil, err
		}
		effURL = fallbackURL
		apiKeyAuth = true

		c.pushNotice(Notice{
			Type:    NoticeTypeAuthFallback,
			From:    "oauth",
			To:      "apiKey",
			Status:  status,
			Message: redact.String(message),
		})
	}

	// Vertex quirk: regional hosts sometimes 404 on model listings that
	// the global endpoint serves. A single retry, listing calls only.
	if resp.StatusCode == http.StatusNotFound {
		if globalURL, ok := globalVertexListURL(effURL); ok {
			_ = resp.Body.Close()
			resp, _, err = c.attempt(ctx, method, globalURL, body, apiKeyAuth)
			if err != nil {
				cancel()
				return nil, err
			}
		}
	}

	// Tie the timeout to the response body lifetime.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// attempt issues a single HTTP request. It reports whether the bearer path
// was used, which gates fallback.
func (c *Client) attempt(ctx context.Context, method, rawURL string, body []byte, forceAPIKey bool) (*http.Response, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, false, errors.NewInternalError("failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.setAuthHeaders(req, forceAPIKey); err != nil {
		return nil, false, err
	}
	usedOAuth := req.Header.Get("Authorization") != ""

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, usedOAuth, errors.NewCancelledError(ctx.Err())
		}
		return nil, usedOAuth, errors.NewAPIError(0, redact.String(err.Error()), err)
	}
	return resp, usedOAuth, nil
}

// doJSON executes a request and fully decodes a 2xx JSON body, mapping
// everything else onto the api_error taxonomy.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body []byte) ([]byte, error) {
	resp, err := c.do(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(ctx.Err())
		}
		return nil, errors.NewAPIError(resp.StatusCode, "failed to read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

// apiError maps a non-2xx response onto the error taxonomy with a
// redacted, clipped message.
func apiError(status int, body []byte) error {
	clipped := body
	if len(clipped) > maxErrorBody {
		clipped = clipped[:maxErrorBody]
	}

	message := "Non-JSON response from Gemini API"
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "error.message"); m.Exists() {
			message = m.String()
		} else {
			message = string(clipped)
		}
	} else {
		message = message + ": " + string(clipped)
	}
	return errors.NewAPIError(status, redact.String(message), nil)
}

// readErrorMessage peeks an error body before a retry consumes the
// response.
func readErrorMessage(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return ""
	}
	if m := gjson.GetBytes(data, "error.message"); m.Exists() {
		return m.String()
	}
	return string(data)
}

// globalVertexListURL rewrites a regional Vertex host to the global one,
// for model-listing URLs only; model-verb calls never qualify.
func globalVertexListURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if !strings.HasSuffix(u.Path, "/models") {
		return "", false
	}
	idx := strings.Index(u.Host, "-aiplatform.")
	if idx < 0 {
		return "", false
	}
	u.Host = u.Host[idx+1:]
	return u.String(), true
}

// cancelReadCloser releases the request timeout when the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func marshal(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode request body", err)
	}
	return body, nil
}

// GenerateContent calls models/<name>:generateContent and returns the raw
// response JSON for the extractors.
func (c *Client) GenerateContent(ctx context.Context, model string, req *GenerateRequest) ([]byte, error) {
	body, err := marshal(req)
	if err != nil {
		return nil, err
	}
	return c.doJSON(ctx, http.MethodPost, c.modelURL(model, "generateContent"), body)
}

// CountTokens calls models/<name>:countTokens.
func (c *Client) CountTokens(ctx context.Context, model string, req *CountTokensRequest) ([]byte, error) {
	body, err := marshal(req)
	if err != nil {
		return nil, err
	}
	return c.doJSON(ctx, http.MethodPost, c.modelURL(model, "countTokens"), body)
}

// EmbedContent calls models/<name>:embedContent (Developer backend).
func (c *Client) EmbedContent(ctx context.Context, model string, req *EmbedContentRequest) ([]byte, error) {
	body, err := marshal(req)
	if err != nil {
		return nil, err
	}
	return c.doJSON(ctx, http.MethodPost, c.modelURL(model, "embedContent"), body)
}

// Predict calls models/<name>:predict (Vertex-style embeddings).
func (c *Client) Predict(ctx context.Context, model string, req *PredictRequest) ([]byte, error) {
	body, err := marshal(req)
	if err != nil {
		return nil, err
	}
	return c.doJSON(ctx, http.MethodPost, c.modelURL(model, "predict"), body)
}

// ListModels GETs the model listing with optional paging.
func (c *Client) ListModels(ctx context.Context, pageSize int, pageToken string) ([]byte, error) {
	listURL := c.cfg.BaseURL + "/models"
	query := url.Values{}
	if pageSize > 0 {
		query.Set("pageSize", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	if len(query) > 0 {
		listURL += "?" + query.Encode()
	}
	return c.doJSON(ctx, http.MethodGet, listURL, nil)
}
