// Package apiclient is the transport client for the VidFriends REST API. It attaches
// bearer credentials, refreshes them single-flight on 401, retries transient failures
// with bounded backoff, and returns every failure as an *apierror.Error.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/logging"
	"github.com/vidfriends/client/internal/metrics"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/retry"
)

const (
	loginPath   = "/login"
	refreshPath = "/refresh-token"

	maxResponseBytes = 4 << 20
)

// TokenStore is the subset of the credential store the client reads and writes.
type TokenStore interface {
	Session(ctx context.Context) (models.Session, error)
	SaveSession(ctx context.Context, session models.Session) error
	Clear(ctx context.Context) error
}

// Config controls client behaviour. Zero values fall back to defaults.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      retry.Policy
	ExpirySkew time.Duration
	HTTPClient *http.Client

	// KeepSessionOnRefreshOutage keeps the stored session when the refresh endpoint is
	// unreachable or answers 5xx. By default every failed refresh ends the session.
	KeepSessionOnRefreshOutage bool

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into out.
func (r *Response) Decode(out any) error {
	if out == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return apierror.New(apierror.KindServer, "decode response body", err)
	}
	return nil
}

// Client issues authenticated requests against the API.
type Client struct {
	base         *url.URL
	http         *http.Client
	timeout      time.Duration
	policy       retry.Policy
	expirySkew   time.Duration
	tokens       TokenStore
	keepOnOutage bool
	logger       *slog.Logger
	metrics      *metrics.Collector

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	refreshGroup singleflight.Group

	hooksMu  sync.Mutex
	hooks    map[int]func(error)
	nextHook int
}

// New constructs a Client. tokens must not be nil.
func New(cfg Config, tokens TokenStore) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("apiclient: token store must not be nil")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		base:         base,
		http:         cfg.HTTPClient,
		timeout:      cfg.Timeout,
		policy:       cfg.Retry,
		expirySkew:   cfg.ExpirySkew,
		tokens:       tokens,
		keepOnOutage: cfg.KeepSessionOnRefreshOutage,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          time.Now,
		sleep:        retry.Sleep,
		hooks:        make(map[int]func(error)),
	}, nil
}

// RequestOption customises a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	idempotencyKey string
	headers        http.Header
	anonymous      bool
}

// WithIdempotencyKey sets the Idempotency-Key header so retried writes are de-duplicated.
func WithIdempotencyKey(key string) RequestOption {
	return func(o *requestOptions) { o.idempotencyKey = key }
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Add(key, value)
	}
}

// WithoutAuth sends the request without credentials and without refresh handling.
func WithoutAuth() RequestOption {
	return func(o *requestOptions) { o.anonymous = true }
}

// Do performs the request. body, if non-nil, is JSON encoded. Non-2xx responses are
// returned as errors; the response is only returned on success.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, apierror.New(apierror.KindInvalid, "encode request body", err)
	}

	ctx, span := logging.StartSpan(ctx, method+" "+path)
	start := time.Now()

	resp, err := c.do(ctx, method, path, payload, o)

	status := 0
	var apiErr *apierror.Error
	switch {
	case resp != nil:
		status = resp.Status
	case errors.As(err, &apiErr):
		status = apiErr.Status
	}
	c.metrics.ObserveRequest(method, status, time.Since(start))
	span.End(err)

	return resp, err
}

// GetJSON issues GET path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any, opts ...RequestOption) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, opts...)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// PostJSON issues POST path with in as the body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any, opts ...RequestOption) error {
	resp, err := c.Do(ctx, http.MethodPost, path, in, opts...)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// OnUnauthenticated registers fn to run whenever credentials are discarded because the
// server rejected them. The returned func unsubscribes.
func (c *Client) OnUnauthenticated(fn func(error)) func() {
	c.hooksMu.Lock()
	id := c.nextHook
	c.nextHook++
	c.hooks[id] = fn
	c.hooksMu.Unlock()

	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, o requestOptions) (*Response, error) {
	if o.anonymous || isAuthPath(path) {
		resp, err := c.sendWithRetry(ctx, method, path, payload, o, "")
		if err != nil {
			return nil, err
		}
		return checkStatus(resp)
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.sendWithRetry(ctx, method, path, payload, o, token)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return checkStatus(resp)
	}

	logging.FromContext(ctx).Debug("access token rejected, refreshing")
	fresh, err := c.Refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = c.sendWithRetry(ctx, method, path, payload, o, fresh)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		authErr := apierror.FromStatus(resp.Status, resp.Body)
		c.expire(ctx, authErr)
		return nil, authErr
	}
	return checkStatus(resp)
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	session, err := c.tokens.Session(ctx)
	if err != nil || session.AccessToken == "" {
		return "", apierror.New(apierror.KindUnauthenticated, "no stored session", err)
	}
	if tokenExpired(session.AccessToken, c.now(), c.expirySkew) {
		logging.FromContext(ctx).Debug("access token expired locally, refreshing")
		return c.Refresh(ctx, session.AccessToken)
	}
	return session.AccessToken, nil
}

// sendWithRetry runs the request under the retry policy. Network failures and 5xx
// responses are retried; anything else is returned to the caller as-is. After the
// ceiling is reached the last 5xx response (or network error) is returned.
func (c *Client) sendWithRetry(ctx context.Context, method, path string, payload []byte, o requestOptions, token string) (*Response, error) {
	logger := logging.FromContext(ctx)
	state := retry.NewState(c.policy)

	for {
		delay, ok := state.Next()
		if !ok {
			return nil, apierror.New(apierror.KindNetwork, "retry ceiling reached", nil)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, apierror.FromTransport(err)
		}
		state.Begin()

		resp, err := c.send(ctx, method, path, payload, o, token)

		var reason string
		switch {
		case err != nil:
			apiErr := apierror.FromTransport(err)
			if !apierror.Retryable(apiErr) || ctx.Err() != nil || state.Exhausted() {
				return nil, apiErr
			}
			reason = "network"
			logger.Warn("transient request failure", "attempt", state.Attempt, "nextDelay", state.NextDelay, "error", err)
		case resp.Status >= http.StatusInternalServerError:
			if state.Exhausted() {
				return resp, nil
			}
			reason = "server"
			logger.Warn("server error response", "attempt", state.Attempt, "nextDelay", state.NextDelay, "status", resp.Status)
		default:
			return resp, nil
		}
		c.metrics.Retry(reason)
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, o requestOptions, token string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.resolve(path), body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if o.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", o.idempotencyKey)
	}
	for key, values := range o.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.base.String() + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) expire(ctx context.Context, cause error) {
	logger := logging.FromContext(ctx)
	logger.Warn("credentials rejected, clearing session", "error", cause)
	if err := c.tokens.Clear(ctx); err != nil {
		logger.Error("clear token store", "error", err)
	}

	c.hooksMu.Lock()
	hooks := make([]func(error), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.hooksMu.Unlock()

	for _, fn := range hooks {
		fn(cause)
	}
}

func checkStatus(resp *Response) (*Response, error) {
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}
	return nil, apierror.FromStatus(resp.Status, resp.Body)
}

func isAuthPath(path string) bool {
	p := strings.TrimSuffix(path, "/")
	return p == loginPath || p == refreshPath
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
