package exam

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/examclient/internal/model"
)

// DefaultRedirectDelay is how long the submitted state stays visible before
// the redirect callback runs.
const DefaultRedirectDelay = 2 * time.Second

// Trigger names what asked for a submission.
type Trigger string

const (
	TriggerUser      Trigger = "user"
	TriggerClock     Trigger = "clock"
	TriggerRecovered Trigger = "recovered"
)

// Submitter sends results. SubmitResultDirect is the fallback path.
type Submitter interface {
	SubmitResult(ctx context.Context, r model.Result) (*model.ResultRecord, error)
	SubmitResultDirect(ctx context.Context, r model.Result, token string) (*model.ResultRecord, error)
}

// ResultQueue keeps results the server never acknowledged.
type ResultQueue interface {
	EnqueueResult(r model.Result, reason string) (int64, error)
}

// Outcome describes what one Submit call did.
type Outcome struct {
	// Skipped is set when another submission was running or had finished.
	Skipped  bool
	Trigger  Trigger
	Score    float64
	MaxScore float64
	Result   model.Result
	Record   *model.ResultRecord
	// Fallback is set when the result went through the direct path.
	Fallback bool
	// Err is set when neither path delivered the result. The attempt is
	// still marked submitted.
	Err    error
	Queued bool
}

// Score sums MaxScore over graded questions whose answer matches the
// correct option. max is the sum of MaxScore over graded questions.
func Score(questions []model.Question, answers model.Answers) (score, max float64) {
	for _, q := range questions {
		if !q.Graded {
			continue
		}
		max += q.MaxScore
		if a := answers[q.ID]; a != nil && *a == q.CorrectOptionIndex {
			score += q.MaxScore
		}
	}
	return score, max
}

type CoordinatorOptions struct {
	API       Submitter
	Queue     ResultQueue
	Snapshots *Snapshots
	Token     func() string
	// UserID is the account the attempt was mounted under.
	UserID        int64
	RedirectDelay time.Duration
	OnRedirect    func()
	Logger        *slog.Logger
}

// Coordinator scores and submits one attempt exactly once.
type Coordinator struct {
	paper     model.TestPaper
	questions []model.Question
	ledger    *Ledger
	clock     *Clock
	opts      CoordinatorOptions
	logger    *slog.Logger

	mu         sync.Mutex
	inProgress bool
	submitted  bool
	redirect   *time.Timer
	closed     bool
}

func NewCoordinator(paper model.TestPaper, questions []model.Question, ledger *Ledger, clock *Clock, opts CoordinatorOptions) *Coordinator {
	if opts.RedirectDelay <= 0 {
		opts.RedirectDelay = DefaultRedirectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		paper:     paper,
		questions: questions,
		ledger:    ledger,
		clock:     clock,
		opts:      opts,
		logger:    logger,
	}
}

// Submit scores the ledger and sends the result. A call made while another
// is running, or after one has finished, does nothing.
func (c *Coordinator) Submit(ctx context.Context, trigger Trigger) Outcome {
	c.mu.Lock()
	if c.inProgress || c.submitted {
		c.mu.Unlock()
		c.logger.Debug("submission skipped", "trigger", trigger)
		return Outcome{Skipped: true, Trigger: trigger}
	}
	c.inProgress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
	}()

	if c.clock != nil {
		c.clock.Stop()
	}

	answers := c.ledger.Snapshot()
	if answers.Answered() == 0 && c.opts.Snapshots != nil {
		if snap, ok := c.opts.Snapshots.Load(c.paper.ID); ok && c.opts.Snapshots.Recent(snap) && snap.Answers.Answered() > 0 {
			c.logger.Warn("no answers at submit, using saved snapshot", "test_paper_id", c.paper.ID)
			answers = snap.Answers
		}
	}

	payload := make(model.Answers, len(c.questions))
	for _, q := range c.questions {
		payload[q.ID] = nil
		if a := answers[q.ID]; a != nil {
			idx := *a
			payload[q.ID] = &idx
		}
	}
	score, maxScore := Score(c.questions, payload)
	result := model.Result{
		UserID:      c.opts.UserID,
		TestPaperID: c.paper.ID,
		FinalScore:  score,
		Answers:     payload,
	}
	if result.UserID == 0 {
		c.logger.Warn("submitting without a user id", "test_paper_id", c.paper.ID)
	}
	out := Outcome{Trigger: trigger, Score: score, MaxScore: maxScore, Result: result}
	c.logger.Info("submitting result",
		"trigger", trigger, "test_paper_id", c.paper.ID, "score", score, "max_score", maxScore)

	rec, err := c.opts.API.SubmitResult(ctx, result)
	if err != nil {
		c.logger.Warn("submission failed, trying fallback path", "error", err)
		token := ""
		if c.opts.Token != nil {
			token = c.opts.Token()
		}
		if token != "" {
			rec, err = c.opts.API.SubmitResultDirect(ctx, result, token)
			out.Fallback = err == nil
		}
	}

	c.mu.Lock()
	c.submitted = true
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("result not delivered", "test_paper_id", c.paper.ID, "error", err)
		out.Err = err
		if c.opts.Queue != nil {
			if _, qerr := c.opts.Queue.EnqueueResult(result, err.Error()); qerr != nil {
				c.logger.Error("queue undelivered result", "error", qerr)
			} else {
				out.Queued = true
			}
		}
		return out
	}

	out.Record = rec
	if c.opts.Snapshots != nil {
		if err := c.opts.Snapshots.Clear(c.paper.ID); err != nil {
			c.logger.Warn("clear answer snapshot", "error", err)
		}
	}
	c.scheduleRedirect()
	return out
}

func (c *Coordinator) scheduleRedirect() {
	if c.opts.OnRedirect == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.redirect = time.AfterFunc(c.opts.RedirectDelay, c.opts.OnRedirect)
}

// Submitted reports whether a submission has completed, successfully or not.
func (c *Coordinator) Submitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

// Busy reports whether a submission is running.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// Close cancels a pending redirect.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.redirect != nil {
		c.redirect.Stop()
	}
}
