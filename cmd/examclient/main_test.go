package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/examclient/internal/devserver"
	"github.com/pavelanni/examclient/internal/exam"
	appI18n "github.com/pavelanni/examclient/internal/i18n"
	"github.com/pavelanni/examclient/internal/model"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"", command{kind: cmdShow}},
		{"  ", command{kind: cmdShow}},
		{"1", command{kind: cmdSelect, n: 1}},
		{"12", command{kind: cmdSelect, n: 12}},
		{"0", command{}},
		{"-3", command{}},
		{"n", command{kind: cmdNext}},
		{"NEXT", command{kind: cmdNext}},
		{"p", command{kind: cmdPrev}},
		{"t", command{kind: cmdTime}},
		{"s", command{kind: cmdSubmit}},
		{"submit", command{kind: cmdSubmit}},
		{"q", command{kind: cmdQuit}},
		{"g 3", command{kind: cmdGoto, n: 3}},
		{"go 1", command{kind: cmdGoto, n: 1}},
		{"g", command{}},
		{"g 0", command{}},
		{"g x", command{}},
		{"1 2", command{}},
		{"hello", command{}},
	}
	for _, tt := range tests {
		if got := parseCommand(tt.line); got != tt.want {
			t.Errorf("parseCommand(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestYes(t *testing.T) {
	for _, in := range []string{"y", "Y", "yes", " yes ", "да", "Д"} {
		if !yes(in) {
			t.Errorf("yes(%q) = false", in)
		}
	}
	for _, in := range []string{"", "n", "no", "maybe", "нет"} {
		if yes(in) {
			t.Errorf("yes(%q) = true", in)
		}
	}
}

func TestInterruptNeedsSecondSignal(t *testing.T) {
	if err := appI18n.Init("en"); err != nil {
		t.Fatal(err)
	}
	newTaker := func(active bool) (*taker, *bytes.Buffer) {
		var out bytes.Buffer
		a := &app{ctx: appI18n.Context(context.Background(), "en"), out: &out}
		tk := &taker{a: a, guards: exam.NewGuards(), attempt: exam.NewAttempt(exam.AttemptOptions{})}
		tk.guards.Register(func() bool { return active })
		return tk, &out
	}

	tk, out := newTaker(true)
	if tk.interrupt() {
		t.Fatal("first Ctrl-C left an unsubmitted attempt")
	}
	if !strings.Contains(out.String(), "Press Ctrl-C again") {
		t.Errorf("no warning: %q", out.String())
	}
	if !tk.interrupt() {
		t.Error("second Ctrl-C did not leave")
	}
	if !strings.Contains(out.String(), "Answers saved.") {
		t.Errorf("leave not reported: %q", out.String())
	}

	tk, _ = newTaker(false)
	if !tk.interrupt() {
		t.Error("Ctrl-C with nothing to lose did not leave at once")
	}
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
			DurationMinutes: 5,
			Questions: []map[string]any{
				{"text": "What is a goroutine?", "options": []any{"a thread", "a channel", "a map"}, "correct_answer_index": 0, "max_score": 2},
				{"text": "Zero value of int?", "options": []any{"nil", "0"}, "correct_answer_index": 1},
			},
		}},
	}
	if err := devserver.Seed(ctx, s, fx); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(devserver.NewServer(s, devserver.Config{TokenSecret: "cli-test"},
		slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)
	return srv
}

// runCLI executes one examclient invocation and returns its output.
func runCLI(t *testing.T, srv *httptest.Server, stateDir, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args,
		"--api-url", srv.URL+"/api",
		"--state-dir", stateDir,
		"--retries", "1",
		"--log-level", "error",
	))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLIFlow(t *testing.T) {
	srv := startBackend(t)
	dir := t.TempDir()

	out, err := runCLI(t, srv, dir, "", "whoami")
	if err == nil || !strings.Contains(out, "not logged in") {
		t.Fatalf("whoami before login: err=%v out=%q", err, out)
	}

	out, err = runCLI(t, srv, dir, "", "login", "--email", "ann@example.com", "--password", "wrong")
	if err == nil || !strings.Contains(out, "Login failed") {
		t.Fatalf("bad login: err=%v out=%q", err, out)
	}

	out, err = runCLI(t, srv, dir, "ann@example.com\nannpass\n", "login")
	if err != nil || !strings.Contains(out, "Logged in as ann@example.com.") {
		t.Fatalf("login: err=%v out=%q", err, out)
	}

	out, err = runCLI(t, srv, dir, "", "whoami")
	if err != nil || !strings.Contains(out, "ann@example.com (USER)") {
		t.Fatalf("whoami: err=%v out=%q", err, out)
	}

	out, err = runCLI(t, srv, dir, "", "papers")
	if err != nil || !strings.Contains(out, "Go basics (5 minutes)") {
		t.Fatalf("papers: err=%v out=%q", err, out)
	}

	// First question right, second wrong.
	script := "1\nn\n1\nt\nbogus\ns\ny\n"
	out, err = runCLI(t, srv, dir, script, "take", "1", "--redirect-delay", "1ms")
	if err != nil {
		t.Fatalf("take: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Go basics: 2 questions, 5 minutes.",
		"Question 2 of 2",
		"[x] 1) nil",
		"Time remaining:",
		"Unrecognized input.",
		"Submit now? 2 of 2 answered.",
		"Submitted. Score: 2 / 3 (67%).",
		"Your results:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("take output missing %q:\n%s", want, out)
		}
	}

	export := filepath.Join(dir, "results.json")
	out, err = runCLI(t, srv, dir, "", "results", "-o", export)
	if err != nil || !strings.Contains(out, "Go basics") {
		t.Fatalf("results: err=%v out=%q", err, out)
	}
	data, err := os.ReadFile(export)
	if err != nil {
		t.Fatal(err)
	}
	var got model.ResultsExport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if got.Email != "ann@example.com" || got.Count != 1 || got.Results[0].FinalScore != 2 || got.Results[0].Answered != 2 {
		t.Errorf("export = %+v", got)
	}
	if _, err := time.Parse(time.RFC3339, got.Results[0].SubmittedAt); err != nil {
		t.Errorf("submitted_at %q: %v", got.Results[0].SubmittedAt, err)
	}

	out, err = runCLI(t, srv, dir, "", "logout")
	if err != nil || !strings.Contains(out, "Logged out.") {
		t.Fatalf("logout: err=%v out=%q", err, out)
	}
	if _, err := runCLI(t, srv, dir, "", "papers"); err == nil {
		t.Error("papers succeeded after logout")
	}
}

func TestTakeLeaveKeepsAnswers(t *testing.T) {
	srv := startBackend(t)
	dir := t.TempDir()
	if out, err := runCLI(t, srv, dir, "", "login", "-e", "ann@example.com", "-p", "annpass"); err != nil {
		t.Fatalf("login: %v\n%s", err, out)
	}

	out, err := runCLI(t, srv, dir, "2\nq\ny\n", "take", "1")
	if err != nil {
		t.Fatalf("take: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Answers saved.") {
		t.Errorf("leave output:\n%s", out)
	}

	out, err = runCLI(t, srv, dir, "", "papers")
	if err != nil || !strings.Contains(out, "saved answers") {
		t.Errorf("papers after leaving: err=%v out=%q", err, out)
	}

	// Declining the resume prompt keeps the attempt open; closing input leaves again.
	out, err = runCLI(t, srv, dir, "n\n", "take", "1")
	if err != nil {
		t.Fatalf("resume: %v\n%s", err, out)
	}
	for _, want := range []string{"Restored the answers", "previous attempt was interrupted", "[x] 2) a channel"} {
		if !strings.Contains(out, want) {
			t.Errorf("resume output missing %q:\n%s", want, out)
		}
	}
}
