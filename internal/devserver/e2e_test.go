package devserver_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pavelanni/examclient/internal/api"
	"github.com/pavelanni/examclient/internal/devserver"
	"github.com/pavelanni/examclient/internal/exam"
	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
	"github.com/pavelanni/examclient/internal/session"
	"github.com/pavelanni/examclient/internal/store"
)

type client struct {
	api   *api.Client
	sess  *session.Session
	state *store.Store
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBackend(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	db, err := devserver.Open(ctx, devserver.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	s := devserver.NewStore(db, devserver.DriverSQLite)
	t.Cleanup(func() { s.Close() })
	fx := devserver.Fixture{
		Users: []devserver.FixtureUser{{Email: "ann@example.com", Password: "annpass", FullName: "Ann"}},
		Papers: []devserver.FixturePaper{{
			Name:            "Go basics",
			DurationMinutes: 1,
			Questions: []map[string]any{
				{"text": "q1", "options": []any{"a", "b", "c"}, "correct_answer_index": 0, "max_score": 2},
				{"question": "q2", "answers": []any{
					map[string]any{"id": "x", "label": "x"},
					map[string]any{"id": "y", "label": "y"},
				}, "correct_option_index": 1},
			},
		}},
	}
	if err := devserver.Seed(ctx, s, fx); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(devserver.NewServer(s, devserver.Config{
		TokenSecret:       "e2e",
		TokenTTL:          time.Hour,
		QuestionsEnvelope: "questions",
	}, quiet()))
	t.Cleanup(srv.Close)
	return srv
}

// newClient wires the client the way the CLI does.
func newClient(t *testing.T, srv *httptest.Server, dir string) *client {
	t.Helper()
	primary, err := store.New(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { primary.Close() })
	backup, err := store.NewFileStore(filepath.Join(dir, "backup.json"))
	if err != nil {
		t.Fatal(err)
	}
	gw, err := gateway.New(srv.URL+"/api", gateway.Options{Retry: gateway.NoRetry, Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	c := api.New(gw, api.Options{Logger: quiet()})
	sess, err := session.New(session.Options{Primary: primary, Backup: backup, Auth: c, Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	gw.Bind(sess)
	return &client{api: c, sess: sess, state: primary}
}

func TestLoginTakeAndReview(t *testing.T) {
	ctx := context.Background()
	srv := startBackend(t)
	dir := t.TempDir()
	c := newClient(t, srv, dir)

	if st := c.sess.Initialize(ctx); st != session.Unauthenticated {
		t.Fatalf("fresh client state = %v", st)
	}
	if res := c.sess.Login(ctx, "ann@example.com", "wrong"); res.OK || res.Message != "Incorrect email or password" {
		t.Fatalf("bad login = %+v", res)
	}
	res := c.sess.Login(ctx, "ann@example.com", "annpass")
	if !res.OK || res.Identity == nil || res.Identity.Email != "ann@example.com" {
		t.Fatalf("login = %+v", res)
	}
	if c.sess.State() != session.Authenticated {
		t.Fatalf("state = %v", c.sess.State())
	}

	papers, err := c.api.TestPapers(ctx)
	if err != nil || len(papers) != 1 {
		t.Fatalf("papers = %v, %v", papers, err)
	}

	a := exam.NewAttempt(exam.AttemptOptions{
		Loader:        exam.NewLoader(c.api, quiet()),
		Session:       c.sess,
		API:           c.api,
		Queue:         c.state,
		Snapshots:     exam.NewSnapshots(c.state, nil, quiet()),
		Guards:        exam.NewGuards(),
		RedirectDelay: time.Millisecond,
		Logger:        quiet(),
	})
	defer a.Teardown()
	info, err := a.Mount(ctx, papers[0].ID)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if info.Seed.InitialSeconds != 60 || len(info.Seed.Questions) != 2 {
		t.Fatalf("seed = %+v", info.Seed)
	}
	ids := info.Seed.QuestionIDs()
	a.Select(ids[0], 0)
	a.Select(ids[1], 0)

	out := a.Submit(exam.TriggerUser)
	if out.Err != nil || out.Fallback || out.Score != 2 || out.MaxScore != 3 {
		t.Fatalf("outcome = %+v", out)
	}

	results, err := c.api.MyResults(ctx)
	if err != nil || len(results) != 1 {
		t.Fatalf("results = %v, %v", results, err)
	}
	if results[0].FinalScore != 2 || results[0].TestPaperName != "Go basics" {
		t.Errorf("stored result = %+v", results[0])
	}

	// A second process over the same state directory is already logged in.
	again := newClient(t, srv, dir)
	if st := again.sess.Initialize(ctx); st != session.Authenticated {
		t.Errorf("restored state = %v", st)
	}

	c.sess.Logout()
	if _, err := c.api.Me(ctx); !errors.Is(err, gateway.ErrAuthExpired) {
		t.Errorf("Me after logout: %v", err)
	}
}

func TestPendingResultDeliveredAfterLogin(t *testing.T) {
	ctx := context.Background()
	srv := startBackend(t)
	c := newClient(t, srv, t.TempDir())
	c.sess.Initialize(ctx)
	if res := c.sess.Login(ctx, "ann@example.com", "annpass"); !res.OK {
		t.Fatalf("login = %+v", res)
	}
	zero := 0
	r := model.Result{UserID: c.sess.UserID(), TestPaperID: 1, FinalScore: 2, Answers: model.Answers{1: &zero, 2: nil}}
	if _, err := c.state.EnqueueResult(r, "offline"); err != nil {
		t.Fatal(err)
	}

	sent, err := exam.FlushPending(ctx, c.state, c.api, c.sess.UserID(), quiet())
	if err != nil || sent != 1 {
		t.Fatalf("FlushPending = %d, %v", sent, err)
	}
	left, _ := c.state.PendingResults()
	if len(left) != 0 {
		t.Errorf("queue not drained: %+v", left)
	}
}
