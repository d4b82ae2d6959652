// Package gateway wraps every outbound API call. It attaches the current
// bearer credential, reacts to 401 responses in one place, classifies
// failures and applies the retry policy.
package gateway

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

	"golang.org/x/oauth2"
)

const maxBody = 4 << 20

// CredentialSource is the part of the session the gateway needs.
type CredentialSource interface {
	// Token returns the current credential. It is read on every request.
	Token() (*oauth2.Token, error)
	// ExpireIfInvalid decodes the stored credential and, when it is absent
	// or expired, clears the session. It reports whether the credential
	// still looks valid.
	ExpireIfInvalid() bool
}

// RetryPolicy bounds how often a call is attempted. The delay before the
// n-th retry is Backoff*n.
type RetryPolicy struct {
	Attempts          int
	Backoff           time.Duration
	RetryAuthRejected bool
}

var (
	// NoRetry makes a single attempt.
	NoRetry = RetryPolicy{Attempts: 1}
	// DefaultRetry makes up to three attempts one and two seconds apart.
	DefaultRetry = RetryPolicy{Attempts: 3, Backoff: time.Second}
)

func (p RetryPolicy) retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, ErrAuthRejected):
		return p.RetryAuthRejected
	}
	return false
}

// Request is one API call. Body is sent as JSON; Form as
// application/x-www-form-urlencoded. At most one of them is set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Form   url.Values
	// Retry overrides the gateway's default policy for this call.
	Retry *RetryPolicy
}

type Options struct {
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     *slog.Logger
	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Gateway struct {
	base   string
	client *http.Client
	retry  RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	creds CredentialSource
}

func New(baseURL string, opts Options) (*Gateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	g := &Gateway{
		base:   strings.TrimRight(baseURL, "/"),
		retry:  opts.Retry,
		logger: opts.Logger,
		sleep:  opts.Sleep,
	}
	if g.retry.Attempts < 1 {
		g.retry = DefaultRetry
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.sleep == nil {
		g.sleep = sleepCtx
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := *hc
	client.Transport = &bearerTransport{base: base, g: g}
	g.client = &client
	return g, nil
}

// Bind sets the credential source. The session is built after the gateway,
// so binding happens once wiring is complete.
func (g *Gateway) Bind(src CredentialSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creds = src
}

func (g *Gateway) source() CredentialSource {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.creds
}

// HTTPClient returns a client that attaches the bearer credential but runs
// no inbound hook. It is meant for the authentication endpoints.
func (g *Gateway) HTTPClient() *http.Client {
	return g.client
}

// BaseURL returns the API root without a trailing slash.
func (g *Gateway) BaseURL() string {
	return g.base
}

// URL joins path and query onto the API root.
func (g *Gateway) URL(path string, q url.Values) string {
	u := g.base + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Do performs req, decoding a successful JSON response into out when out is
// non-nil. Failures are never swallowed: the returned error wraps one of the
// kinds in errors.go.
func (g *Gateway) Do(ctx context.Context, req Request, out any) error {
	policy := g.retry
	if req.Retry != nil {
		policy = *req.Retry
	}
	attempts := max(policy.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = g.do(ctx, req, out)
		if err == nil {
			return nil
		}
		if attempt == attempts || !policy.retryable(err) {
			break
		}
		delay := policy.Backoff * time.Duration(attempt)
		g.logger.Warn("request failed, retrying",
			"method", req.Method, "path", req.Path, "attempt", attempt, "delay", delay, "error", err)
		if serr := g.sleep(ctx, delay); serr != nil {
			break
		}
	}
	return err
}

func (g *Gateway) do(ctx context.Context, req Request, out any) error {
	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", req.Method, req.Path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, g.URL(req.Path, req.Query), body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", req.Method, req.Path, err)
	}
	hreq.Header.Set("Accept", "application/json")
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}

	resp, err := g.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, ctx.Err())
		}
		return fmt.Errorf("%s %s: %w: %w", req.Method, req.Path, ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s %s: %w: %w", req.Method, req.Path, ErrTransient, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return g.unauthorized(req.Method, req.Path, data)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewStatusError(req.Method, req.Path, resp.StatusCode, data, nil)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// unauthorized is the inbound hook for 401 responses.
func (g *Gateway) unauthorized(method, path string, body []byte) error {
	if IsAuthEndpoint(path) {
		// Bad credentials on login or register must not log anyone out.
		return NewStatusError(method, path, http.StatusUnauthorized, body, ErrBadRequest)
	}
	src := g.source()
	if src == nil || !src.ExpireIfInvalid() {
		g.logger.Info("credential expired, session cleared", "method", method, "path", path)
		return NewStatusError(method, path, http.StatusUnauthorized, body, ErrAuthExpired)
	}
	g.logger.Warn("server rejected a credential that looks valid", "method", method, "path", path)
	return NewStatusError(method, path, http.StatusUnauthorized, body, ErrAuthRejected)
}

// IsAuthEndpoint reports whether path is a login or registration endpoint.
func IsAuthEndpoint(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.Contains(path, "/login") || strings.Contains(path, "/register") ||
		strings.HasPrefix(path, "login") || strings.HasPrefix(path, "register")
}

type bearerTransport struct {
	base http.RoundTripper
	g    *Gateway
}

// RoundTrip reads the credential at call time, never at construction time.
func (t *bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	src := t.g.source()
	if src == nil || r.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(r)
	}
	tok, err := src.Token()
	if err != nil || tok == nil || tok.AccessToken == "" {
		return t.base.RoundTrip(r)
	}
	r2 := r.Clone(r.Context())
	tok.SetAuthHeader(r2)
	return t.base.RoundTrip(r2)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
