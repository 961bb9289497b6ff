// Package upstream is the HTTP client for a linked HR platform: its
// master-data, public-key and OAuth token endpoints.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/hirebridge/pkg/extref"
	"github.com/platinummonkey/hirebridge/pkg/observability"
)

const (
	masterDataPath = "/emp/api/invitation-code/employee/data-company"
	publicKeyPath  = "/auth/api/oauth/public-key"
	tokenPath      = "/auth/api/oauth/token"

	// JWTBearerGrantType is the RFC 7523 assertion grant
	JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DefaultTimeout bounds every outbound call
	DefaultTimeout = 15 * time.Second

	maxBodyBytes = 10 << 20
)

var (
	// ErrFetchFailed wraps every master-data fetch failure
	ErrFetchFailed = errors.New("upstream fetch failed")
	// ErrMissingDomain is returned before any network call when no domain is given
	ErrMissingDomain = errors.New("upstream domain is required")
	// ErrMissingToken is returned when the tenant has no API token
	ErrMissingToken = errors.New("upstream api token is required")
)

// StatusError carries a non-2xx upstream response
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client calls the upstream platform
type Client struct {
	httpClient *http.Client
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMetrics records call counts and latency
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client with a traced transport and DefaultTimeout
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchMasterData downloads the organisation snapshot for a tenant. Every
// failure wraps ErrFetchFailed; callers must not mutate anything on error.
func (c *Client) FetchMasterData(ctx context.Context, domainURL, apiToken string) (*Snapshot, error) {
	domain := extref.NormalizeDomain(domainURL)
	if domain == "" {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, ErrMissingDomain)
	}
	if apiToken == "" {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, ErrMissingToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, domain+masterDataPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %w", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	authed := &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiToken, TokenType: "Bearer"}),
			Base:   c.transport(),
		},
	}

	body, err := c.do(authed, req, "master_data")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: failed to decode snapshot: %w", ErrFetchFailed, err)
	}
	return &snapshot, nil
}

// FetchPublicKey returns the platform's signing key text. The key is taken
// from the public_key field of a JSON body, or is the raw body itself.
func (c *Client) FetchPublicKey(ctx context.Context, domainURL string) (string, error) {
	domain := extref.NormalizeDomain(domainURL)
	if domain == "" {
		return "", ErrMissingDomain
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, domain+publicKeyPath, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	body, err := c.do(c.httpClient, req, "public_key")
	if err != nil {
		return "", err
	}

	var payload struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.PublicKey) != "" {
		return strings.TrimSpace(payload.PublicKey), nil
	}

	key := strings.TrimSpace(string(body))
	if key == "" {
		return "", fmt.Errorf("public key endpoint returned an empty body")
	}
	return key, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeToken trades a signed assertion for an upstream access token
func (c *Client) ExchangeToken(ctx context.Context, domainURL, assertion string) (*oauth2.Token, error) {
	domain := extref.NormalizeDomain(domainURL)
	if domain == "" {
		return nil, ErrMissingDomain
	}

	form := url.Values{
		"grant_type": {JWTBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, domain+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(c.httpClient, req, "token")
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}

	tok := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
	}
	if resp.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (c *Client) transport() http.RoundTripper {
	if c.httpClient.Transport != nil {
		return c.httpClient.Transport
	}
	return http.DefaultTransport
}

// do executes req and returns the body of a 2xx response
func (c *Client) do(hc *http.Client, req *http.Request, endpoint string) ([]byte, error) {
	start := time.Now()
	log := c.logger.WithFields(map[string]interface{}{
		"endpoint": endpoint,
		"host":     req.URL.Host,
	})

	resp, err := hc.Do(req)
	if err != nil {
		c.metrics.RecordUpstream(endpoint, "error", time.Since(start))
		log.WithError(err).Warn("Upstream request failed")
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.RecordUpstream(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		log.WithError(err).Warn("Failed to read upstream response")
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(body)), 256),
		}
		log.WithField("status", resp.StatusCode).Warn("Upstream returned non-2xx")
		return nil, statusErr
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
