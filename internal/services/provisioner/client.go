// Package provisioner opens and closes browser profiles for sessions.
package provisioner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout. Starting a profile can
	// take a while on a cold machine.
	DefaultTimeout = 60 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 1
)

// Client talks to the anti-detect browser's local profile API.
type Client struct {
	baseURL      string
	apiKey       string
	startPath    string
	stopPath     string
	successPath  string
	successValue string
	wsPath       string
	messagePath  string
	httpClient   *http.Client
	logger       arbor.ILogger
	limiter      *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithPaths sets the start and stop endpoints. Empty values keep the defaults.
func WithPaths(startPath, stopPath string) ClientOption {
	return func(c *Client) {
		if startPath != "" {
			c.startPath = startPath
		}
		if stopPath != "" {
			c.stopPath = stopPath
		}
	}
}

// WithResponsePaths sets the JSON paths used to read responses. A response
// is successful when successPath equals successValue.
func WithResponsePaths(successPath, successValue, wsPath, messagePath string) ClientOption {
	return func(c *Client) {
		if successPath != "" {
			c.successPath = successPath
			c.successValue = successValue
		}
		if wsPath != "" {
			c.wsPath = wsPath
		}
		if messagePath != "" {
			c.messagePath = messagePath
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// NewClient creates a profile API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		startPath:    "/api/v1/browser/start",
		stopPath:     "/api/v1/browser/stop",
		successPath:  "code",
		successValue: "0",
		wsPath:       "data.ws.puppeteer",
		messagePath:  "msg",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a failed profile API call.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("profile API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// get performs a GET request for one resource and returns the parsed body.
func (c *Client) get(ctx context.Context, path, resourceID string) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, fmt.Errorf("rate limit exceeded: %w", err)
	}

	params := url.Values{}
	params.Set("user_id", resourceID)
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	if c.logger != nil {
		c.logger.Debug().
			Str("url", c.baseURL+path).
			Str("resource_id", resourceID).
			Msg("Profile API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, &APIError{StatusCode: resp.StatusCode, Message: string(body), Endpoint: path}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &APIError{StatusCode: resp.StatusCode, Message: "response is not JSON", Endpoint: path}
	}

	parsed := gjson.ParseBytes(body)
	if c.successPath != "" && parsed.Get(c.successPath).String() != c.successValue {
		message := parsed.Get(c.messagePath).String()
		if message == "" {
			message = string(body)
		}
		return gjson.Result{}, &APIError{StatusCode: resp.StatusCode, Message: message, Endpoint: path}
	}

	return parsed, nil
}

// StartProfile opens the browser profile of resourceID and returns its
// devtools websocket URL.
func (c *Client) StartProfile(ctx context.Context, resourceID string) (string, error) {
	parsed, err := c.get(ctx, c.startPath, resourceID)
	if err != nil {
		return "", fmt.Errorf("failed to start profile %s: %w", resourceID, err)
	}

	wsURL := parsed.Get(c.wsPath).String()
	if wsURL == "" {
		return "", fmt.Errorf("failed to start profile %s: no websocket url at %q", resourceID, c.wsPath)
	}
	return wsURL, nil
}

// StopProfile closes the browser profile of resourceID.
func (c *Client) StopProfile(ctx context.Context, resourceID string) error {
	if _, err := c.get(ctx, c.stopPath, resourceID); err != nil {
		return fmt.Errorf("failed to stop profile %s: %w", resourceID, err)
	}
	return nil
}
