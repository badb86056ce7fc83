// Package api is the authenticated request gateway shared by every consumer
// of the LMS backend. It attaches the bearer token to outgoing requests and
// recovers from access-token expiry with a single coordinated refresh.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lumenlms/lumen/internal/localstore"
	"golang.org/x/sync/singleflight"
)

const (
	LoginPath    = "/api/auth/login"
	RegisterPath = "/api/auth/register"
	VerifyPath   = "/api/auth/verify"
	ResendPath   = "/api/auth/resend-verification"
	LogoutPath   = "/api/auth/logout"
	RefreshPath  = "/api/auth/refresh"
)

const maxResponseBodyBytes = 4 << 20

var authFlowPaths = []string{LoginPath, RegisterPath, VerifyPath, ResendPath, LogoutPath, RefreshPath}

// ErrNoTokenInResponse is returned when a login or refresh succeeded at the
// HTTP level but the body carried no recognizable token field.
var ErrNoTokenInResponse = errors.New("api: response has no token")

type Client struct {
	baseURL string
	http    *http.Client
	store   localstore.Store
	logger  *slog.Logger

	mu    sync.RWMutex
	token string

	refreshes singleflight.Group
}

type Option func(*Client)

// WithHTTPClient replaces the transport. The client should carry a cookie jar
// so the refresh cookie set at login is sent back on refresh.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for baseURL. The token persisted in store, if any,
// becomes the default Authorization header.
func New(baseURL string, store localstore.Store, opts ...Option) *Client {
	if store == nil {
		store = localstore.NewMemory()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		jar, _ := cookiejar.New(nil)
		c.http = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	c.token = c.Token()
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token reads the persisted token. Storage failures yield "".
func (c *Client) Token() string {
	token, err := c.store.Get(localstore.TokenKey)
	if err != nil {
		if !errors.Is(err, localstore.ErrNotFound) {
			c.logger.Warn("api: read token from storage failed", "error", err)
		}
		return ""
	}
	return token
}

// SetToken makes token the default Authorization header and persists it.
// An empty token strips the header and removes the stored value.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	var err error
	if token == "" {
		err = c.store.Remove(localstore.TokenKey)
	} else {
		err = c.store.Set(localstore.TokenKey, token)
	}
	if err != nil {
		c.logger.Warn("api: persist token failed", "error", err)
	}
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type call struct {
	method   string
	path     string
	query    url.Values
	header   http.Header
	payload  []byte
	retried  bool
	bearer   string
	sentWith string
}

type RequestOption func(*call)

func WithHeader(key, value string) RequestOption {
	return func(r *call) { r.header.Set(key, value) }
}

func WithQuery(values url.Values) RequestOption {
	return func(r *call) { r.query = values }
}

// Do issues an HTTP call against the backend. body, when non-nil, is sent as
// JSON. Responses outside 2xx/3xx come back as *HTTPError. A 401 on a
// protected endpoint triggers one shared token refresh and one replay.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	req := &call{method: method, path: path, header: make(http.Header)}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		req.payload = payload
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.send(ctx, req)
	if err == nil {
		return resp, nil
	}
	return c.recoverUnauthorized(ctx, req, err)
}

func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, opts...)
}

func (c *Client) recoverUnauthorized(ctx context.Context, req *call, err error) (*Response, error) {
	if StatusCode(err) != http.StatusUnauthorized {
		return nil, err
	}

	if isAuthFlowPath(req.path) {
		if pathMatches(req.path, RefreshPath) {
			c.SetToken("")
		}
		return nil, err
	}

	if req.retried {
		c.logger.Warn("api: request unauthorized after refresh", "method", req.method, "path", req.path)
		c.SetToken("")
		return nil, err
	}
	req.retried = true

	if current := c.currentToken(); req.sentWith != "" && current != "" && current != req.sentWith {
		req.bearer = current
		resp, replayErr := c.send(ctx, req)
		if replayErr != nil {
			return c.recoverUnauthorized(ctx, req, replayErr)
		}
		return resp, nil
	}

	token, refreshErr := c.sharedRefresh(ctx)
	if refreshErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: waiting for token refresh: %w", req.method, req.path, ctx.Err())
		}
		c.SetToken("")
		return nil, err
	}

	req.bearer = token
	resp, replayErr := c.send(ctx, req)
	if replayErr != nil {
		return c.recoverUnauthorized(ctx, req, replayErr)
	}
	return resp, nil
}

// sharedRefresh joins the refresh in flight or starts one. Every caller that
// arrives while it runs receives the same result once it settles.
func (c *Client) sharedRefresh(ctx context.Context) (string, error) {
	ch := c.refreshes.DoChan("refresh", func() (any, error) {
		token, err := c.requestNewToken(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		c.SetToken(token)
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Refresh asks the backend for a new access token using the refresh cookie.
// On failure the stored token is returned unchanged; it is never cleared here.
func (c *Client) Refresh(ctx context.Context) string {
	token, err := c.sharedRefresh(ctx)
	if err != nil {
		c.logger.Warn("api: token refresh failed", "error", err)
		return c.Token()
	}
	return token
}

func (c *Client) requestNewToken(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, &call{method: http.MethodPost, path: RefreshPath, header: make(http.Header)})
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return tokenFromBody(resp.Body)
}

func (c *Client) send(ctx context.Context, r *call) (*Response, error) {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.payload != nil {
		body = bytes.NewReader(r.payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range r.header {
		req.Header[key] = values
	}
	if r.payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	r.sentWith = ""
	switch {
	case r.bearer != "":
		req.Header.Set("Authorization", "Bearer "+r.bearer)
		r.sentWith = r.bearer
	case req.Header.Get("Authorization") == "":
		if token := c.currentToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
			r.sentWith = token
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", r.method, r.path, err)
	}

	if resp.StatusCode >= 400 {
		return nil, newHTTPError(r.method, r.path, resp.StatusCode, respBody)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func isAuthFlowPath(path string) bool {
	for _, p := range authFlowPaths {
		if pathMatches(path, p) {
			return true
		}
	}
	return false
}

func pathMatches(path, endpoint string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(strings.TrimRight(path, "/"), endpoint)
}
