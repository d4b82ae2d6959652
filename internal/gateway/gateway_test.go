package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeSource struct {
	mu      sync.Mutex
	token   string
	valid   bool
	expired int
}

func (f *fakeSource) Token() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return nil, errors.New("no token")
	}
	return &oauth2.Token{AccessToken: f.token, TokenType: "Bearer"}, nil
}

func (f *fakeSource) ExpireIfInvalid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.valid {
		return true
	}
	f.expired++
	f.token = ""
	return false
}

func newTestGateway(t *testing.T, h http.HandlerFunc, src CredentialSource) (*Gateway, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	var slept []time.Duration
	g, err := New(srv.URL+"/api", Options{
		Retry: NoRetry,
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if src != nil {
		g.Bind(src)
	}
	return g, &slept
}

func TestBearerReadAtCallTime(t *testing.T) {
	var got []string
	src := &fakeSource{valid: true}
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}, src)

	ctx := context.Background()
	if err := g.Do(ctx, Request{Method: http.MethodGet, Path: "auth/me"}, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	src.mu.Lock()
	src.token = "tok-2"
	src.mu.Unlock()
	if err := g.Do(ctx, Request{Method: http.MethodGet, Path: "auth/me"}, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got[0] != "" || got[1] != "Bearer tok-2" {
		t.Errorf("headers = %q", got)
	}
}

func TestUnauthorized(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		valid       bool
		wantKind    error
		wantExpired int
	}{
		{name: "login endpoint", path: "auth/login", valid: false, wantKind: ErrBadRequest, wantExpired: 0},
		{name: "register endpoint", path: "auth/register", valid: false, wantKind: ErrBadRequest, wantExpired: 0},
		{name: "expired credential", path: "test-papers/1", valid: false, wantKind: ErrAuthExpired, wantExpired: 1},
		{name: "valid credential", path: "test-papers/1", valid: true, wantKind: ErrAuthRejected, wantExpired: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{token: "tok", valid: tt.valid}
			g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"detail":"Could not validate credentials"}`))
			}, src)

			err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: tt.path}, nil)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("err = %v, want %v", err, tt.wantKind)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Status != 401 || se.Detail != "Could not validate credentials" {
				t.Errorf("status error = %+v", se)
			}
			if src.expired != tt.wantExpired {
				t.Errorf("expired calls = %d, want %d", src.expired, tt.wantExpired)
			}
			if tt.valid && src.token == "" {
				t.Error("valid credential was cleared")
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
		detail string
	}{
		{http.StatusNotFound, `{"detail":"Test paper not found"}`, ErrNotFound, "Test paper not found"},
		{http.StatusBadRequest, `{"detail":[{"loc":["body"],"msg":"field required"},{"msg":"bad id"}]}`, ErrBadRequest, "field required; bad id"},
		{http.StatusUnprocessableEntity, `{"error":"invalid"}`, ErrBadRequest, "invalid"},
		{http.StatusInternalServerError, `boom`, ErrTransient, "boom"},
		{http.StatusServiceUnavailable, ``, ErrTransient, ""},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, nil)
			err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "x"}, nil)
			if Kind(err) != tt.want {
				t.Fatalf("Kind(%v) = %v, want %v", err, Kind(err), tt.want)
			}
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("not a StatusError: %v", err)
			}
			if se.Detail != tt.detail {
				t.Errorf("detail = %q, want %q", se.Detail, tt.detail)
			}
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	var calls atomic.Int32
	g, slept := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":5}`))
	}, nil)

	var out struct {
		ID int `json:"id"`
	}
	policy := RetryPolicy{Attempts: 3, Backoff: time.Second}
	if err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "x", Retry: &policy}, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.ID != 5 {
		t.Errorf("id = %d", out.ID)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d", calls.Load())
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("backoff = %v, want %v", *slept, want)
	}
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		policy RetryPolicy
		valid  bool
		want   int32
	}{
		{name: "not found", status: 404, policy: RetryPolicy{Attempts: 3}, want: 1},
		{name: "bad request", status: 400, policy: RetryPolicy{Attempts: 3}, want: 1},
		{name: "auth rejected without opt-in", status: 401, policy: RetryPolicy{Attempts: 3}, valid: true, want: 1},
		{name: "auth rejected with opt-in", status: 401, policy: RetryPolicy{Attempts: 3, RetryAuthRejected: true}, valid: true, want: 3},
		{name: "auth expired never retried", status: 401, policy: RetryPolicy{Attempts: 3, RetryAuthRejected: true}, want: 1},
		{name: "transient exhausted", status: 500, policy: RetryPolicy{Attempts: 2}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}, &fakeSource{token: "tok", valid: tt.valid})
			err := g.Do(context.Background(), Request{Method: http.MethodGet, Path: "x", Retry: &tt.policy}, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if calls.Load() != tt.want {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.want)
			}
		})
	}
}

func TestFormAndJSONBodies(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/form":
			if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
				t.Errorf("content type %q", ct)
			}
			r.ParseForm()
			w.Write([]byte(`{"value":"` + r.PostForm.Get("username") + `"}`))
		case "/api/json":
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type %q", ct)
			}
			w.Write([]byte(`{"value":"` + r.URL.Query().Get("q") + `"}`))
		}
	}, nil)

	var out struct {
		Value string `json:"value"`
	}
	err := g.Do(context.Background(), Request{Method: http.MethodPost, Path: "/form", Form: url.Values{"username": {"ann"}}}, &out)
	if err != nil || out.Value != "ann" {
		t.Errorf("form: %v, %q", err, out.Value)
	}
	err = g.Do(context.Background(), Request{Method: http.MethodPost, Path: "json", Query: url.Values{"q": {"7"}}, Body: map[string]int{"a": 1}}, &out)
	if err != nil || out.Value != "7" {
		t.Errorf("json: %v, %q", err, out.Value)
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	g, err := New(addr, Options{Retry: NoRetry})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = g.Do(context.Background(), Request{Method: http.MethodGet, Path: "x"}, nil)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestIsAuthEndpoint(t *testing.T) {
	for path, want := range map[string]bool{
		"auth/login":            true,
		"/api/auth/register":    true,
		"auth/admin/register":   true,
		"auth/me":               false,
		"results/submit":        false,
		"test-papers/?x=/login": false,
	} {
		if got := IsAuthEndpoint(path); got != want {
			t.Errorf("IsAuthEndpoint(%q) = %v, want %v", path, got, want)
		}
	}
}
