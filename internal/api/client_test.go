package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
)

type staticSource struct{ token string }

func (s staticSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

func (s staticSource) ExpireIfInvalid() bool { return true }

func newTestClient(t *testing.T, mux *http.ServeMux, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	gw, err := gateway.New(srv.URL+"/api", gateway.Options{
		Retry: gateway.NoRetry,
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	gw.Bind(staticSource{token: "tok"})
	if opts.FallbackURL == "" {
		opts.FallbackURL = srv.URL + "/api"
	}
	return New(gw, opts)
}

func TestAuthenticate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("grant_type") != "password" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("username") != "ann@example.com" || r.PostForm.Get("password") != "pw" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Incorrect email or password"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc","token_type":"bearer"}`))
	})
	c := newTestClient(t, mux, Options{})

	tok, err := c.Authenticate(context.Background(), "ann@example.com", "pw")
	if err != nil || tok != "abc" {
		t.Fatalf("Authenticate = %q, %v", tok, err)
	}

	_, err = c.Authenticate(context.Background(), "ann@example.com", "wrong")
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if gateway.Detail(err) != "Incorrect email or password" {
		t.Errorf("detail = %q", gateway.Detail(err))
	}
}

func TestReads(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":7,"email":"ann@example.com","role":"USER","full_name":"Ann"}`))
	})
	mux.HandleFunc("GET /api/test-papers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "3" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Test paper not found"}`))
			return
		}
		w.Write([]byte(`{"id":3,"name":"Go basics","duration_minutes":20,"is_active":true}`))
	})
	mux.HandleFunc("GET /api/test-papers/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":3,"name":"Go basics","duration_minutes":20,"is_active":true}]`))
	})
	mux.HandleFunc("GET /api/questions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"questions":[{"id":1,"text":"` + r.URL.Query().Get("test_paper_id") + `"}]}`))
	})
	mux.HandleFunc("GET /api/results/my-results", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1,"user_id":7,"test_paper_id":3,"final_score":2,"created_at":"2026-03-01T12:00:00Z"}]`))
	})
	c := newTestClient(t, mux, Options{})
	ctx := context.Background()

	id, err := c.Me(ctx)
	if err != nil || id.ID != 7 || id.Role != model.RoleUser || id.FullName != "Ann" {
		t.Errorf("Me = %+v, %v", id, err)
	}

	p, err := c.TestPaper(ctx, 3)
	if err != nil || p.DurationMinutes != 20 || !p.IsActive {
		t.Errorf("TestPaper = %+v, %v", p, err)
	}
	if _, err := c.TestPaper(ctx, 4); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("TestPaper(4) err = %v", err)
	}

	papers, err := c.TestPapers(ctx)
	if err != nil || len(papers) != 1 {
		t.Errorf("TestPapers = %v, %v", papers, err)
	}

	raw, err := c.Questions(ctx, 3)
	if err != nil {
		t.Fatalf("Questions: %v", err)
	}
	var env struct {
		Questions []struct {
			Text string `json:"text"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Questions[0].Text != "3" {
		t.Errorf("Questions raw = %s, %v", raw, err)
	}

	results, err := c.MyResults(ctx)
	if err != nil || len(results) != 1 || results[0].FinalScore != 2 {
		t.Errorf("MyResults = %+v, %v", results, err)
	}
}

func TestSubmitResult(t *testing.T) {
	var primary, direct atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/results/submit", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var got map[string]any
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body: %v", err)
		}
		answers, _ := got["user_answers"].(map[string]any)
		if _, ok := answers["2"]; !ok {
			t.Errorf("null answer for question 2 not sent: %s", body)
		}
		if r.Header.Get("X-Direct") == "" {
			primary.Add(1)
		} else {
			direct.Add(1)
		}
		w.Write([]byte(`{"id":11,"user_id":7,"test_paper_id":3,"final_score":2}`))
	})
	c := newTestClient(t, mux, Options{})

	zero := 0
	r := model.Result{UserID: 7, TestPaperID: 3, FinalScore: 2, Answers: model.Answers{1: &zero, 2: nil}}
	rec, err := c.SubmitResult(context.Background(), r)
	if err != nil || rec.ID != 11 {
		t.Fatalf("SubmitResult = %+v, %v", rec, err)
	}
	rec, err = c.SubmitResultDirect(context.Background(), r, "tok")
	if err != nil || rec.ID != 11 {
		t.Fatalf("SubmitResultDirect = %+v, %v", rec, err)
	}
	if primary.Load() != 2 {
		t.Errorf("submissions = %d", primary.Load())
	}

	if _, err := c.SubmitResult(context.Background(), model.Result{TestPaperID: 3, Answers: model.Answers{}}); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("missing user id: %v", err)
	}
}

func TestSubmitResultDirectSendsExplicitBearer(t *testing.T) {
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fallback/results/submit", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, http.NewServeMux(), Options{FallbackURL: srv.URL + "/fallback/"})
	r := model.Result{UserID: 7, TestPaperID: 3, Answers: model.Answers{1: nil}}
	_, err := c.SubmitResultDirect(context.Background(), r, "explicit")
	if !errors.Is(err, gateway.ErrAuthRejected) {
		t.Errorf("err = %v", err)
	}
	if auth != "Bearer explicit" {
		t.Errorf("authorization = %q", auth)
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var in RegisterInput
		json.NewDecoder(r.Body).Decode(&in)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Identity{ID: 9, Email: in.Email, Role: model.RoleUser, FullName: in.FullName})
	})
	c := newTestClient(t, mux, Options{})

	id, err := c.Register(context.Background(), RegisterInput{Email: "bob@example.com", Password: "secret1", FullName: "Bob"})
	if err != nil || id.ID != 9 || id.FullName != "Bob" {
		t.Errorf("Register = %+v, %v", id, err)
	}

	_, err = c.Register(context.Background(), RegisterInput{Email: "bob", Password: "x"})
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("invalid input: %v", err)
	}
}
