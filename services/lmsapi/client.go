// Package lmsapi is the HTTP client of the LMS REST API consumed by the console.
//
// Every authenticated request carries the stored access token (and tenant headers) and
// reports 401 responses through the OnUnauthorized hook so the session can be closed.
package lmsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/storage/tokenstore"
)

const (
	TenantIDHeader     = "X-Tenant-ID"
	TenantSchemaHeader = "X-Tenant-Schema"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Tokens     tokenstore.Store
	Logger     core.Logger
	HTTPClient *http.Client // optional; overrides Timeout
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  tokenstore.Store
	logger  core.Logger

	mu             sync.RWMutex
	onUnauthorized func()
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = tokenstore.NewMemoryStore()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}
}

// OnUnauthorized registers fn to be called whenever an authenticated request is answered with 401.
// Only one hook is kept; a nil fn removes it.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) Auth() *AuthAPI  { return &AuthAPI{c: c} }
func (c *Client) Users() *UserAPI { return &UserAPI{c: c} }

type request struct {
	method string
	path   string
	body   interface{}
	authed bool
}

// do sends the request and decodes a 2xx JSON response into out (if not nil).
func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var bearer bool
	if r.authed {
		if bearer, err = c.authorize(req); err != nil {
			return err
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", r.method, r.path)
	}
	defer res.Body.Close()

	c.logger.Debug(fmt.Sprintf("%s %s -> %d", r.method, r.path, res.StatusCode))

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		apiErr := newError(res)
		if res.StatusCode == http.StatusUnauthorized && bearer {
			c.unauthorized()
		}
		return apiErr
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return errors.Wrapf(err, "decoding %s %s response", r.method, r.path)
	}
	return nil
}

// authorize attaches the bearer token and tenant headers. It reports whether a token was attached.
func (c *Client) authorize(req *http.Request) (bool, error) {
	tokens, err := tokenstore.LoadTokens(c.tokens)
	if err != nil {
		return false, errors.Wrap(err, "loading tokens")
	}
	if tokens.TenantID != "" {
		req.Header.Set(TenantIDHeader, tokens.TenantID)
	}
	if tokens.TenantSchema != "" {
		req.Header.Set(TenantSchemaHeader, tokens.TenantSchema)
	}
	if tokens.Access == "" {
		return false, nil
	}
	req.Header.Set("Authorization", "Bearer "+tokens.Access)
	return true, nil
}

func (c *Client) unauthorized() {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
