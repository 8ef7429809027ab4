package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pelusa-v/garage-link/internal/credentials"
)

const (
	refreshPath = "accounts/auth/token/refresh/"

	defaultHTTPTimeout    = 30 * time.Second
	defaultRefreshTimeout = 10 * time.Second
)

// DefaultNoRefreshPaths lists endpoints whose 401 means bad input
// credentials, never an expired token.
var DefaultNoRefreshPaths = []string{"login", "register", "verify-otp"}

type Options struct {
	BaseURL string
	Store   credentials.Store

	// HTTPClient carries intercepted requests. The refresh call reuses its
	// transport and cookie jar but never goes through the interceptor.
	HTTPClient *http.Client
	Logger     *logrus.Logger

	RefreshTimeout time.Duration
	NoRefreshPaths []string

	// OnSessionExpired runs once per failed refresh, after the stored
	// credential was cleared.
	OnSessionExpired func(error)
}

// Client issues requests with the stored bearer token and renews the token
// once per burst of 401s.
type Client struct {
	baseURL     string
	store       credentials.Store
	http        *http.Client
	refreshHTTP *http.Client
	logger      *logrus.Logger

	refreshTimeout time.Duration
	noRefresh      []string
	onExpired      func(error)

	refresh refreshState

	headerMu sync.RWMutex
	defaults http.Header

	listenersMu sync.RWMutex
	listeners   []func(token string)
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("api: base url is required")
	}
	if opts.Store == nil {
		return nil, errors.New("api: credential store is required")
	}

	hc := opts.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("api: cookie jar: %w", err)
		}
		hc = &http.Client{Timeout: defaultHTTPTimeout, Jar: jar}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	rt := opts.RefreshTimeout
	if rt <= 0 {
		rt = defaultRefreshTimeout
	}
	noRefresh := opts.NoRefreshPaths
	if noRefresh == nil {
		noRefresh = DefaultNoRefreshPaths
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/") + "/",
		store:   opts.Store,
		http:    hc,
		refreshHTTP: &http.Client{
			Transport: hc.Transport,
			Jar:       hc.Jar,
		},
		logger:         logger,
		refreshTimeout: rt,
		noRefresh:      noRefresh,
		onExpired:      opts.OnSessionExpired,
		defaults: http.Header{
			"Content-Type": []string{"application/json"},
			"Accept":       []string{"application/json"},
		},
	}
	return c, nil
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return io.EOF
	}
	return json.Unmarshal(r.Body, v)
}

type RequestOption func(*request)

func WithHeader(key, value string) RequestOption {
	return func(r *request) { r.header.Set(key, value) }
}

func WithQuery(q url.Values) RequestOption {
	return func(r *request) { r.query = q }
}

type request struct {
	method string
	path   string
	body   []byte
	header http.Header
	query  url.Values
}

// attempt threads the one-shot retry marker next to the request it guards.
type attempt struct {
	req     *request
	retried bool
}

// Do sends method path with body. A nil body sends nothing, []byte and
// json.RawMessage are sent verbatim, anything else is JSON-encoded.
// Statuses other than 401 come back as a Response, a 401 the client
// cannot recover from comes back as *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	req, err := newRequest(method, path, body, opts)
	if err != nil {
		return nil, err
	}
	at := &attempt{req: req}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	for {
		resp, err := c.send(ctx, at.req, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		if at.retried || !c.refreshable(at.req.path) {
			return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: resp.Body}
		}
		at.retried = true

		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
		}).Debug("request unauthorized, renewing token")

		token, err = c.renew(ctx, token)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) GetJSON(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out, opts)
}

func (c *Client) PostJSON(ctx context.Context, path string, in, out any, opts ...RequestOption) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out, opts)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, opts []RequestOption) error {
	resp, err := c.Do(ctx, method, path, in, opts...)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: resp.Body}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Token returns the stored access token, "" when unauthenticated.
func (c *Client) Token(ctx context.Context) (string, error) {
	tok, err := c.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load access token: %w", err)
	}
	return tok, nil
}

// SetToken persists token (or clears the slot for "") and notifies
// listeners.
func (c *Client) SetToken(ctx context.Context, token string) error {
	if token == "" {
		if err := c.store.Clear(ctx); err != nil {
			return err
		}
	} else if err := c.store.Save(ctx, token); err != nil {
		return err
	}
	c.setDefaultAuth(token)
	c.emit(token)
	return nil
}

// OnTokenChange registers fn to run after every token change, with "" on
// logout or failed refresh.
func (c *Client) OnTokenChange(fn func(token string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) emit(token string) {
	c.listenersMu.RLock()
	ls := append([]func(string){}, c.listeners...)
	c.listenersMu.RUnlock()
	for _, fn := range ls {
		fn(token)
	}
}

func (c *Client) setDefaultAuth(token string) {
	c.headerMu.Lock()
	defer c.headerMu.Unlock()
	if token == "" {
		c.defaults.Del("Authorization")
		return
	}
	c.defaults.Set("Authorization", "Bearer "+token)
}

func (c *Client) refreshable(path string) bool {
	p := strings.Trim(path, "/")
	for _, s := range c.noRefresh {
		if strings.Contains(p, s) {
			return false
		}
	}
	return true
}

func (c *Client) url(path string, q url.Values) string {
	u := c.baseURL + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) send(ctx context.Context, r *request, token string) (*Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.url(r.path, r.query), body)
	if err != nil {
		return nil, err
	}

	c.headerMu.RLock()
	for k, vs := range c.defaults {
		req.Header[k] = append([]string(nil), vs...)
	}
	c.headerMu.RUnlock()
	for k, vs := range r.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api %s %s: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api %s %s: read body: %w", r.method, r.path, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func newRequest(method, path string, body any, opts []RequestOption) (*request, error) {
	r := &request{method: method, path: path, header: http.Header{}}
	switch v := body.(type) {
	case nil:
	case []byte:
		r.body = v
	case json.RawMessage:
		r.body = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		r.body = b
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}
