// Package httpclient is the single egress point for calls to the learning
// platform API. It attaches the stored access credential to each call and
// recovers from an expired credential by renewing it and replaying the call
// once.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-learn-session/credentials"
	"github.com/jrsteele09/go-learn-session/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	HeaderRequestID = "X-Request-ID"

	DefaultTimeout     = 10 * time.Second
	DefaultLongTimeout = 5 * time.Minute
)

// Refresher renews the credential after a 401. EnsureFresh receives the
// access token the rejected call carried.
type Refresher interface {
	EnsureFresh(ctx context.Context, stale string) (credentials.Credential, error)
	Invalidate(cause error)
}

// Response is a completed call. Body has been fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type Client struct {
	baseURL    string
	store      credentials.Store
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	headers    http.Header

	mu        sync.RWMutex
	refresher Refresher
}

type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDefaultTimeout sets the per-call timeout used when a call sets none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRefresher sets the component consulted after a 401.
func WithRefresher(r Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithDefaultHeader adds a header to every call.
func WithDefaultHeader(key, value string) Option {
	return func(c *Client) { c.headers.Add(key, value) }
}

func New(baseURL string, store credentials.Store, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		timeout: DefaultTimeout,
		logger:  log.Logger,
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// SetRefresher installs the renewal component. The coordinator needs the
// client to exist first, so wiring is usually done after construction.
func (c *Client) SetRefresher(r Refresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresher = r
}

func (c *Client) getRefresher() Refresher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresher
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type requestOptions struct {
	timeout      time.Duration
	headers      http.Header
	noAuthRetry  bool
	noCredential bool
}

type RequestOption func(*requestOptions)

// WithTimeout overrides the default timeout for one call.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.headers.Add(key, value) }
}

// WithoutAuthRetry returns a 401 to the caller instead of renewing.
func WithoutAuthRetry() RequestOption {
	return func(o *requestOptions) { o.noAuthRetry = true }
}

// WithoutCredential sends the call without an Authorization header. A 401
// is returned as is.
func WithoutCredential() RequestOption {
	return func(o *requestOptions) {
		o.noCredential = true
		o.noAuthRetry = true
	}
}

// Request issues an authenticated call. A 401 is answered by renewing the
// credential and replaying the identical call once; a second 401 ends the
// session. On an HTTP error status the Response is returned alongside the
// typed error.
func (c *Client) Request(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	ro := c.requestOptions(opts)
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	var cred credentials.Credential
	if !ro.noCredential {
		cred, _ = c.store.Get()
	}

	resp, err := c.do(ctx, method, path, payload, ro, requestID, cred)
	if err != nil {
		return nil, err
	}
	refresher := c.getRefresher()
	if resp.StatusCode != http.StatusUnauthorized || ro.noAuthRetry || refresher == nil {
		return resp, classify(method, path, resp)
	}

	c.logger.Debug().Str("request_id", requestID).Str("method", method).Str("path", path).
		Msg("access credential rejected, renewing")
	fresh, err := refresher.EnsureFresh(ctx, cred.AccessToken)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// the caller gave up waiting; the renewal itself may still succeed
			return nil, &NetworkError{Method: method, Path: path, Timeout: errors.Is(err, context.DeadlineExceeded), Cause: err}
		}
		return resp, &AuthorizationError{Method: method, Path: path, RequestID: requestID, Cause: err}
	}

	c.metrics.AuthRetry()
	resp, err = c.do(ctx, method, path, payload, ro, requestID, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		authErr := &AuthorizationError{Method: method, Path: path, RequestID: requestID, Retried: true}
		c.logger.Warn().Str("request_id", requestID).Str("path", path).Msg("renewed credential rejected, ending session")
		refresher.Invalidate(authErr)
		return resp, authErr
	}
	return resp, classify(method, path, resp)
}

// Send issues a call without reading the store and without 401 handling.
// The refresh coordinator uses it for the renewal call itself.
func (c *Client) Send(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	ro := c.requestOptions(opts)
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, method, path, payload, ro, uuid.NewString(), credentials.Credential{})
	if err != nil {
		return nil, err
	}
	return resp, classify(method, path, resp)
}

// Get is shorthand for Request with GET and no body.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodGet, path, nil, opts...)
}

// Post is shorthand for Request with POST.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPost, path, body, opts...)
}

func (c *Client) requestOptions(opts []RequestOption) requestOptions {
	ro := requestOptions{timeout: c.timeout, headers: make(http.Header)}
	for _, opt := range opts {
		opt(&ro)
	}
	return ro
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, ro requestOptions, requestID string, cred credentials.Credential) (*Response, error) {
	if ro.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ro.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vals := range c.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for k, vals := range ro.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	if cred.AccessToken != "" {
		cred.SetAuthHeader(req)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(method, "network", time.Since(start).Seconds())
		return nil, &NetworkError{Method: method, Path: path, Timeout: isTimeout(err), Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.metrics.ObserveRequest(method, "network", time.Since(start).Seconds())
		return nil, &NetworkError{Method: method, Path: path, Timeout: isTimeout(err), Cause: fmt.Errorf("failed to read response body: %w", err)}
	}
	c.metrics.ObserveRequest(method, statusClass(httpResp.StatusCode), time.Since(start).Seconds())

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
		RequestID:  requestID,
	}, nil
}

func classify(method, path string, resp *Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthorizationError{Method: method, Path: path, RequestID: resp.RequestID}
	case resp.StatusCode < 500:
		return newValidationError(resp.StatusCode, resp.Body)
	default:
		return &ServerError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		return data, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusClass(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "401"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
