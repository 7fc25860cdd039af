package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/akamai/AkamaiOPEN-edgegrid-golang/v8/pkg/edgegrid"
	"github.com/sirupsen/logrus"
)

// Signer authenticates an outgoing API request in place. edgegrid.Config is
// the production implementation.
type Signer interface {
	SignRequest(r *http.Request)
}

// signerFunc adapts a plain function to Signer.
type signerFunc func(r *http.Request)

func (f signerFunc) SignRequest(r *http.Request) { f(r) }

// unsigned is used against local test servers.
var unsigned = signerFunc(func(*http.Request) {})

const (
	defaultRequestTimeout  = 120 * time.Second
	defaultMaxActivateTry  = 50
	rateLimitSafetyPadding = time.Second
)

// Client talks to the policy (cloudlets) and property (papi) APIs. Every call
// is synchronous; a non-2xx response is returned as *APIError.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	signer      Signer
	account     string
	log         *logrus.Logger
	maxAttempts int
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithAccount appends accountSwitchKey to every request.
func WithAccount(account string) ClientOption {
	return func(c *Client) { c.account = account }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxActivationAttempts bounds how often a rate-limited activation is retried.
func WithMaxActivationAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithClock overrides the clock and sleep used by rate-limit back-off.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, signer Signer, log *logrus.Logger, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must include scheme and host", baseURL)
	}
	if signer == nil {
		signer = unsigned
	}
	c := &Client{
		baseURL:     u,
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		signer:      signer,
		log:         log,
		maxAttempts: defaultMaxActivateTry,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewEdgeGridClient builds a Client from an .edgerc credentials file.
// An explicit account wins over the section's account_key.
func NewEdgeGridClient(edgerc, section, account string, log *logrus.Logger, opts ...ClientOption) (*Client, error) {
	path, err := expandHome(edgerc)
	if err != nil {
		return nil, newRunError(KindConfig, "reading credentials", err)
	}
	cfg, err := edgegrid.New(edgegrid.WithFile(path), edgegrid.WithSection(section))
	if err != nil {
		return nil, newRunError(KindConfig, "reading credentials", fmt.Errorf("section %q of %s: %w", section, path, err))
	}
	if account == "" {
		account = cfg.AccountKey
	}
	// endpoint adds the switch key; the signer must not add it again.
	cfg.AccountKey = ""
	opts = append([]ClientOption{WithAccount(account)}, opts...)
	return NewClient("https://"+strings.TrimSuffix(cfg.Host, "/"), cfg, log, opts...)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// apiRequest describes one call. Body is JSON-encoded when non-nil.
type apiRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Papi    bool
	OpLabel string
}

// endpoint resolves path and query against the base URL and appends the
// account switch key.
func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(c.baseURL.Path, "/") + path
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	if c.account != "" {
		q.Set("accountSwitchKey", c.account)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, r apiRequest) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", r.OpLabel, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, c.endpoint(r.Path, r.Query), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Papi {
		req.Header.Set("PAPI-Use-Prefixes", "true")
	}
	c.signer.SignRequest(req)
	return req, nil
}

// send performs one signed round trip and returns the response with its body
// fully read.
func (c *Client) send(ctx context.Context, r apiRequest) (*http.Response, []byte, error) {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	c.log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL.Redacted()}).Debug("api request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("reading %s response: %w", r.OpLabel, err)
	}
	return resp, data, nil
}

// checkResponse converts a non-2xx response into *APIError.
func checkResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &APIError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}

// do performs r once and decodes a successful JSON response into out.
func (c *Client) do(ctx context.Context, r apiRequest, out any) error {
	resp, body, err := c.send(ctx, r)
	if err != nil {
		return newRunError(KindRemote, r.OpLabel, err)
	}
	if err := checkResponse(resp, body); err != nil {
		return newRunError(KindRemote, r.OpLabel, err)
	}
	return decodeBody(r.OpLabel, body, out)
}

func decodeBody(op string, body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return newRunError(KindRemote, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
