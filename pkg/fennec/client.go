package fennec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.fennec-asr.com/api/v1"
	defaultWSURL   = "wss://api.fennec-asr.com/api/v1/transcribe/stream"
	defaultTimeout = 30 * time.Second

	tokenEndpoint = "/transcribe/streaming-token"

	// envBaseURL overrides the HTTP base URL, matching the service's
	// other client SDKs.
	envBaseURL = "FENNEC_BASE_URL"
)

// Client is the Fennec ASR API client.
type Client struct {
	// Batch provides whole-file transcription over HTTP.
	Batch *BatchService

	// Stream provides realtime streaming transcription.
	Stream *StreamService

	config *clientConfig
}

// clientConfig holds client configuration.
type clientConfig struct {
	apiKey     string
	baseURL    string
	wsURL      string
	httpClient *http.Client
	timeout    time.Duration
	userID     string
	logger     *slog.Logger

	// dial is replaced in tests to script the stream transport.
	dial dialFunc
}

// Option configures a Client.
type Option func(*clientConfig)

// NewClient creates a Fennec ASR client. The API key is supplied by
// the caller and never logged or persisted.
func NewClient(apiKey string, opts ...Option) *Client {
	config := &clientConfig{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		wsURL:   defaultWSURL,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	if env := os.Getenv(envBaseURL); env != "" {
		config.baseURL = strings.TrimRight(env, "/")
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.httpClient == nil {
		config.httpClient = &http.Client{Timeout: config.timeout}
	}
	if config.dial == nil {
		config.dial = dialWebSocket
	}

	c := &Client{config: config}
	c.Batch = newBatchService(c)
	c.Stream = newStreamService(c)
	return c
}

// WithBaseURL sets the HTTP API base URL.
//
// Default: https://api.fennec-asr.com/api/v1
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithWebSocketURL sets the streaming endpoint URL.
//
// Default: wss://api.fennec-asr.com/api/v1/transcribe/stream
func WithWebSocketURL(url string) Option {
	return func(c *clientConfig) {
		c.wsURL = url
	}
}

// WithHTTPClient sets a custom HTTP client for batch requests and the
// streaming-token fetch.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithUserID sets an opaque end-user identifier forwarded with
// requests.
func WithUserID(userID string) Option {
	return func(c *clientConfig) {
		c.userID = userID
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// setAuthHeaders attaches API key authentication.
func (c *Client) setAuthHeaders(req *http.Request) {
	if c.config.apiKey != "" {
		req.Header.Set("X-API-Key", c.config.apiKey)
	}
}

// fetchStreamingToken obtains a short-lived token for the streaming
// endpoint, so the API key itself never appears in a WebSocket URL.
// Servers that enforce POST on the endpoint answer GET with 405; the
// fetch retries with POST in that case.
func (c *Client) fetchStreamingToken(ctx context.Context) (string, error) {
	url := c.config.baseURL + tokenEndpoint

	resp, err := c.tokenRequest(ctx, http.MethodGet, url)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = c.tokenRequest(ctx, http.MethodPost, url)
		if err != nil {
			return "", err
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", wrapError(KindTransport, err, "read token response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseAPIError(resp.StatusCode, body)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", wrapError(KindProtocol, err, "parse token response")
	}
	if payload.Token == "" {
		return "", newError(KindProtocol, "token response missing 'token'")
	}
	return payload.Token, nil
}

func (c *Client) tokenRequest(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeaders(req)

	resp, err := c.config.httpClient.Do(req)
	if err != nil {
		return nil, wrapError(KindTransport, err, "fetch streaming token")
	}
	return resp, nil
}
