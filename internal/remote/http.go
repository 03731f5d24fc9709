package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
)

// TokenProvider supplies the bearer token for backend calls.
type TokenProvider func(ctx context.Context) (string, error)

// HTTPClientOptions configures the HTTP boundary.
type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	CallTimeout   time.Duration
}

// HTTPClient is the Boundary implementation over the hosted backend's
// REST API. It performs exactly one attempt per call; retry bookkeeping
// belongs to the sync engine, not the transport.
type HTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	callTimeout   time.Duration
}

// NewHTTPClient builds an HTTPClient, applying defaults for unset
// options.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		callTimeout:   callTimeout,
	}
}

// Replay implements Boundary.Replay.
//
// A 404 on a delete kind is success: the entity is already gone, which
// is the state the mutation wanted (a double-tapped delete must not
// wedge the queue).
func (c *HTTPClient) Replay(ctx context.Context, kind mutation.Kind, payload json.RawMessage) error {
	method, path, err := resolveRoute(kind, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var body io.Reader
	if method != http.MethodDelete {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if err := c.setHeaders(ctx, req); err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replay %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound && kind.IsDelete() {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("replay %s: backend returned %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// FetchArticles implements Boundary.FetchArticles.
func (c *HTTPClient) FetchArticles(ctx context.Context) ([]Article, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/articles", nil)
	if err != nil {
		return nil, err
	}
	if err := c.setHeaders(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch articles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch articles: backend returned %d", resp.StatusCode)
	}
	var out struct {
		Articles []Article `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fetch articles: decode: %w", err)
	}
	return out.Articles, nil
}

// Healthy implements Boundary.Healthy with a cheap unauthenticated
// probe of the backend's health endpoint.
func (c *HTTPClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *HTTPClient) setHeaders(ctx context.Context, req *http.Request) error {
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return fmt.Errorf("resolve token: %w", err)
		}
		token = strings.TrimSpace(token)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return nil
}
