// Package api is the typed client for the testing platform's REST API.
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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
)

// SubmitRetry is the policy for result submission. The server has been seen
// to reject valid credentials transiently, so 401 is retried too.
var SubmitRetry = gateway.RetryPolicy{Attempts: 2, Backoff: time.Second, RetryAuthRejected: true}

type Options struct {
	// FallbackURL is the API root used by SubmitResultDirect. Defaults to
	// the gateway's base URL.
	FallbackURL string
	// DirectClient is the plain HTTP client for the fallback path.
	DirectClient *http.Client
	Logger       *slog.Logger
}

type Client struct {
	gw          *gateway.Gateway
	fallbackURL string
	direct      *http.Client
	logger      *slog.Logger
	validate    *validator.Validate
}

func New(gw *gateway.Gateway, opts Options) *Client {
	c := &Client{
		gw:          gw,
		fallbackURL: strings.TrimRight(opts.FallbackURL, "/"),
		direct:      opts.DirectClient,
		logger:      opts.Logger,
		validate:    validator.New(),
	}
	if c.fallbackURL == "" {
		c.fallbackURL = gw.BaseURL()
	}
	if c.direct == nil {
		c.direct = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Authenticate performs the OAuth2 password grant against auth/login and
// returns the access token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (string, error) {
	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.gw.URL("auth/login", nil),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.gw.HTTPClient())
	tok, err := conf.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", gateway.NewStatusError(http.MethodPost, "auth/login", re.Response.StatusCode, re.Body, nil)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("login: %w", ctx.Err())
		}
		return "", fmt.Errorf("login: %w: %w", gateway.ErrTransient, err)
	}
	return tok.AccessToken, nil
}

func (c *Client) Me(ctx context.Context) (*model.Identity, error) {
	var id model.Identity
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: "auth/me"}, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func (c *Client) TestPaper(ctx context.Context, id int64) (*model.TestPaper, error) {
	var p model.TestPaper
	path := "test-papers/" + strconv.FormatInt(id, 10)
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: path}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) TestPapers(ctx context.Context) ([]model.TestPaper, error) {
	var papers []model.TestPaper
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: "test-papers/"}, &papers); err != nil {
		return nil, err
	}
	return papers, nil
}

// Questions returns the raw question payload for a paper. Its shape varies
// between backends and is normalized by the exam loader.
func (c *Client) Questions(ctx context.Context, testPaperID int64) (json.RawMessage, error) {
	var raw json.RawMessage
	q := url.Values{"test_paper_id": {strconv.FormatInt(testPaperID, 10)}}
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: "questions", Query: q}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SubmitResult sends a result through the gateway.
func (c *Client) SubmitResult(ctx context.Context, r model.Result) (*model.ResultRecord, error) {
	if err := c.validate.Struct(r); err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrBadRequest, err)
	}
	policy := SubmitRetry
	var rec model.ResultRecord
	err := c.gw.Do(ctx, gateway.Request{Method: http.MethodPost, Path: "results/submit", Body: r, Retry: &policy}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SubmitResultDirect is the fallback submission path. It bypasses the
// gateway and its hooks and sends the bearer token explicitly.
func (c *Client) SubmitResultDirect(ctx context.Context, r model.Result, token string) (*model.ResultRecord, error) {
	if err := c.validate.Struct(r); err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrBadRequest, err)
	}
	const path = "results/submit"
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fallbackURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c.logger.Info("submitting result via fallback path", "url", c.fallbackURL, "test_paper_id", r.TestPaperID)
	resp, err := c.direct.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s (direct): %w: %w", path, gateway.ErrTransient, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s (direct): %w: %w", path, gateway.ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var kind error
		if resp.StatusCode == http.StatusUnauthorized {
			kind = gateway.ErrAuthRejected
		}
		return nil, gateway.NewStatusError(http.MethodPost, path, resp.StatusCode, data, kind)
	}
	var rec model.ResultRecord
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode %s (direct): %w", path, err)
		}
	}
	return &rec, nil
}

func (c *Client) MyResults(ctx context.Context) ([]model.ResultRecord, error) {
	var out []model.ResultRecord
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: "results/my-results"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterInput is the payload of a self-registration.
type RegisterInput struct {
	Email       string     `json:"email" validate:"required,email"`
	Password    string     `json:"password" validate:"required,min=6"`
	FullName    string     `json:"full_name" validate:"required"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	DateOfBirth string     `json:"date_of_birth,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Role        model.Role `json:"role,omitempty" validate:"omitempty,oneof=USER ADMIN"`
}

func (c *Client) Register(ctx context.Context, in RegisterInput) (*model.Identity, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrBadRequest, err)
	}
	path := "auth/register"
	if in.Role == model.RoleAdmin {
		path = "auth/admin/register"
	}
	var id model.Identity
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodPost, Path: path, Body: in, Retry: &gateway.NoRetry}, &id); err != nil {
		return nil, err
	}
	return &id, nil
}
