package libgo365

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	// GraphAPIBaseURL is the base URL for Microsoft Graph API
	GraphAPIBaseURL = "https://graph.microsoft.com/v1.0"
)

// Client is a Microsoft Graph API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *RateLimiter
	logger     *slog.Logger
}

type clientOptions struct {
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithBaseURL points the client at a different Graph root, e.g. a national
// cloud or a test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client that carries authenticated requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = hc
	}
}

// WithRateLimiter replaces the default request rate limiter.
func WithRateLimiter(l *RateLimiter) ClientOption {
	return func(o *clientOptions) {
		o.limiter = l
	}
}

// WithClientLogger sets the logger used for request tracing.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// NewClient creates a new Microsoft Graph client that sends token as a
// bearer credential on every request.
func NewClient(ctx context.Context, token *TokenResult, opts ...ClientOption) (*Client, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("an access token is required")
	}

	o := clientOptions{
		baseURL: GraphAPIBaseURL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limiter == nil {
		o.limiter = NewRateLimiter(DefaultRateLimit)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}

	return &Client{
		httpClient: oauth2.NewClient(ctx, oauth2.StaticTokenSource(token.OAuth2Token())),
		baseURL:    o.baseURL,
		limiter:    o.limiter,
		logger:     o.logger,
	}, nil
}

// Get performs a GET request to the Microsoft Graph API
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	url := c.baseURL + path

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("client-request-id", requestID)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("graph request", "method", req.Method, "path", path, "request_id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("graph response", "status", resp.StatusCode, "request_id", requestID)

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.RecordRetryAfter(resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

// getJSON performs a GET and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.Get(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
