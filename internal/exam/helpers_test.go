package exam

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/pavelanni/examclient/internal/model"
	"github.com/pavelanni/examclient/internal/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memKV struct {
	mu      sync.Mutex
	m       map[string]string
	failSet bool
}

func newMemKV() *memKV { return &memKV{m: map[string]string{}} }

func (k *memKV) Get(key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.failSet {
		return errors.New("quota exceeded")
	}
	k.m[key] = value
	return nil
}

func (k *memKV) Delete(keys ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.m, key)
	}
	return nil
}

func (k *memKV) has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.m[key]
	return ok
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeAPI serves a paper and counts submissions.
type fakeAPI struct {
	mu         sync.Mutex
	paper      model.TestPaper
	questions  string
	loadErr    error
	loadGate   chan struct{}
	submitErr  error
	directErr  error
	submits    []model.Result
	directs    []model.Result
	submitWait time.Duration
}

func (f *fakeAPI) TestPaper(ctx context.Context, id int64) (*model.TestPaper, error) {
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	p := f.paper
	return &p, nil
}

func (f *fakeAPI) Questions(ctx context.Context, id int64) (json.RawMessage, error) {
	return json.RawMessage(f.questions), nil
}

func (f *fakeAPI) SubmitResult(ctx context.Context, r model.Result) (*model.ResultRecord, error) {
	if f.submitWait > 0 {
		time.Sleep(f.submitWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, r)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &model.ResultRecord{ID: int64(len(f.submits)), UserID: r.UserID, TestPaperID: r.TestPaperID, FinalScore: r.FinalScore}, nil
}

func (f *fakeAPI) SubmitResultDirect(ctx context.Context, r model.Result, token string) (*model.ResultRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directs = append(f.directs, r)
	if f.directErr != nil {
		return nil, f.directErr
	}
	return &model.ResultRecord{ID: 100, UserID: r.UserID, TestPaperID: r.TestPaperID, FinalScore: r.FinalScore}, nil
}

func (f *fakeAPI) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type fakeSession struct {
	state     session.State
	refreshes int
}

func (s *fakeSession) State() session.State { return s.state }

func (s *fakeSession) Refresh(ctx context.Context) error {
	s.refreshes++
	return nil
}

func (s *fakeSession) UserID() int64 { return 7 }

func (s *fakeSession) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok"}, nil
}

type memQueue struct {
	mu      sync.Mutex
	results []model.Result
}

func (q *memQueue) EnqueueResult(r model.Result, reason string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, r)
	return int64(len(q.results)), nil
}

// twoQuestions is the scoring example: question 1 worth 2 with answer 0,
// question 2 worth 1 with answer 1.
func twoQuestions() []model.Question {
	opts := func() []model.Option {
		return []model.Option{{Index: 0, Text: "a"}, {Index: 1, Text: "b"}, {Index: 2, Text: "c"}}
	}
	return []model.Question{
		{ID: 1, Text: "q1", Options: opts(), CorrectOptionIndex: 0, MaxScore: 2, Graded: true},
		{ID: 2, Text: "q2", Options: opts(), CorrectOptionIndex: 1, MaxScore: 1, Graded: true},
	}
}

func intp(v int) *int { return &v }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
