// Package pipeline is the single HTTP client every backend call goes
// through. An outbound stage attaches identity (bearer token, tenant, API key,
// agent token, database query parameter); an inbound stage detects session
// loss, soft or hard, and tears the session down before the caller sees the
// response.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/ledgersync/internal/credentials"
	"github.com/agentworkforce/ledgersync/internal/envelope"
	"github.com/agentworkforce/ledgersync/internal/logging"
	"github.com/agentworkforce/ledgersync/internal/metrics"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderTenant        = "X-Tenant-ID"
	HeaderAPIKey        = "X-API-Key"
	HeaderAgentToken    = "X-Agent-Token"
	QueryDatabase       = "db"

	DefaultTimeout = 30 * time.Second
)

// Reason tells which detection path triggered a teardown. Both paths behave
// identically.
type Reason string

const (
	ReasonSoft Reason = "soft"
	ReasonHard Reason = "hard"
)

type UnauthorizedHandler func(Reason)

type Options struct {
	BaseURL string
	// APIKey is the static build-time key sent on every request when set.
	APIKey string
	// Database is the default tenant database, sent as ?db= unless the
	// caller already chose one.
	Database    string
	Timeout     time.Duration
	Credentials credentials.Store
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
	Metrics     *metrics.Metrics
}

type Client struct {
	baseURL    string
	apiKey     string
	database   string
	creds      credentials.Store
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	rpcID      atomic.Int64

	handlerMu      sync.RWMutex
	onUnauthorized UnauthorizedHandler
}

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is sent as JSON. []byte and json.RawMessage are sent verbatim.
	Body any
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Envelope() (envelope.Envelope, error) {
	return envelope.Normalize(r.Body)
}

func (r *Response) Unwrap() (json.RawMessage, error) {
	data, err := envelope.Unwrap(r.Body)
	if err != nil {
		var apiErr *envelope.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 0 {
			apiErr.StatusCode = r.StatusCode
		}
		return nil, err
	}
	return data, nil
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var httpClient http.Client
	if opts.HTTPClient != nil {
		httpClient = *opts.HTTPClient
	}
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = timeout
	}
	creds := opts.Credentials
	if creds == nil {
		creds = credentials.NewMemoryStore(credentials.Set{})
	}
	logger := logging.OrNop(opts.Logger)
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		database:   strings.TrimSpace(opts.Database),
		creds:      creds,
		httpClient: &httpClient,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		metrics:    opts.Metrics,
	}, nil
}

// RegisterUnauthorizedHandler sets the callback run after every session
// teardown. There is one slot; the last registration wins.
func (c *Client) RegisterUnauthorizedHandler(fn UnauthorizedHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onUnauthorized = fn
}

func (c *Client) Credentials() credentials.Store {
	return c.creds
}

// Do sends one request through both stages. Transport failures and timeouts
// come back wrapped and are never retried here.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	c.outbound(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ObserveRequest("transport_error")
		return nil, fmt.Errorf("%s %s: %w", httpReq.Method, req.Path, err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		c.metrics.ObserveRequest("transport_error")
		return nil, fmt.Errorf("%s %s: read body: %w", httpReq.Method, req.Path, readErr)
	}
	return c.inbound(resp, body)
}

// Call sends req and unwraps the response envelope.
func (c *Client) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := resp.Unwrap()
	if err != nil {
		c.metrics.ObserveRequest("api_error")
		return nil, err
	}
	return data, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

// CallJSONRPC posts params inside a JSON-RPC 2.0 "call" envelope and unwraps
// the result.
func (c *Client) CallJSONRPC(ctx context.Context, path string, params any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   path,
		Body: rpcRequest{
			JSONRPC: envelope.ProtocolVersion,
			Method:  "call",
			Params:  params,
			ID:      c.rpcID.Add(1),
		},
	})
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := strings.TrimSpace(req.Path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	query := target.Query()
	for key, values := range req.Query {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	// Some backends route on the database before reading the body, so the
	// tenant database travels in the query string.
	if c.database != "" && !query.Has(QueryDatabase) {
		query.Set(QueryDatabase, c.database)
	}
	target.RawQuery = query.Encode()

	var bodyReader io.Reader
	if req.Body != nil {
		var payload []byte
		switch typed := req.Body.(type) {
		case []byte:
			payload = typed
		case json.RawMessage:
			payload = typed
		default:
			payload, err = json.Marshal(typed)
			if err != nil {
				return nil, err
			}
		}
		bodyReader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	return httpReq, nil
}

// outbound attaches identity headers. Headers the caller set explicitly are
// kept as they are.
func (c *Client) outbound(httpReq *http.Request) {
	set := c.creds.Snapshot()
	setIfAbsent := func(key, value string) {
		if value == "" || len(httpReq.Header.Values(key)) > 0 {
			return
		}
		httpReq.Header.Set(key, value)
	}
	if httpReq.Body != nil {
		setIfAbsent("Content-Type", "application/json")
	}
	setIfAbsent("Accept", "application/json")
	if set.AccessToken != "" {
		setIfAbsent(HeaderAuthorization, "Bearer "+set.AccessToken)
	}
	setIfAbsent(HeaderTenant, set.TenantID)
	setIfAbsent(HeaderAPIKey, c.apiKey)
	setIfAbsent(HeaderAgentToken, set.AgentToken)
}

func (c *Client) inbound(resp *http.Response, body []byte) (*Response, error) {
	status := resp.StatusCode
	if status >= 200 && status <= 299 {
		if envelope.BodyIsUnauthorized(body) {
			c.teardown(ReasonSoft, status)
			return nil, envelope.NewUnauthorized(status)
		}
		c.metrics.ObserveRequest("ok")
		return &Response{StatusCode: status, Header: resp.Header, Body: body}, nil
	}
	if status == http.StatusUnauthorized {
		c.teardown(ReasonHard, status)
		return nil, envelope.NewUnauthorized(status)
	}
	// Some proxies rewrite the status of a soft failure.
	if envelope.BodyIsUnauthorized(body) {
		c.teardown(ReasonSoft, status)
		return nil, envelope.NewUnauthorized(status)
	}
	c.metrics.ObserveRequest("http_error")
	return nil, newHTTPError(status, body)
}

func (c *Client) teardown(reason Reason, status int) {
	c.metrics.ObserveRequest("unauthorized")
	c.metrics.ObserveTeardown(string(reason))
	if err := c.creds.Clear(); err != nil {
		c.logger.Error().Err(err).Msg("clear credentials after session loss failed")
	}
	c.logger.Warn().
		Str("reason", string(reason)).
		Int("status", status).
		Msg("session lost; credentials cleared")

	c.handlerMu.RLock()
	handler := c.onUnauthorized
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(reason)
	}
}
