package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
	"github.com/pavelanni/examclient/internal/session"
)

var (
	ErrSessionNotReady  = errors.New("session is not authenticated")
	ErrNotMounted       = errors.New("attempt is not mounted")
	ErrAlreadyMounted   = errors.New("attempt is already mounted")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrTornDown         = errors.New("attempt was torn down")
)

// Session is what an attempt needs from the session store.
type Session interface {
	State() session.State
	Refresh(ctx context.Context) error
	UserID() int64
	Token() (*oauth2.Token, error)
}

type AttemptOptions struct {
	Loader    *Loader
	Session   Session
	API       Submitter
	Queue     ResultQueue
	Snapshots *Snapshots
	Guards    *Guards
	// TickInterval is the length of one clock second. Tests shorten it.
	TickInterval  time.Duration
	RedirectDelay time.Duration
	OnTick        func(remaining int, tier Tier)
	// OnAutoSubmit receives the outcome of a clock-triggered submission.
	OnAutoSubmit func(Outcome)
	OnRedirect   func()
	Logger       *slog.Logger
}

// MountInfo describes a freshly mounted attempt.
type MountInfo struct {
	AttemptID string
	Seed      *Seed
	// Recovered is set when saved answers were adopted.
	Recovered bool
	// Interrupted is set when this paper was left unsubmitted within the
	// last few minutes; the host should offer to submit right away.
	Interrupted bool
}

// Attempt is the runtime of one pass through a test paper: it loads the
// paper, owns the ledger and clock, and hands off to the coordinator.
type Attempt struct {
	opts   AttemptOptions
	logger *slog.Logger

	mu         sync.Mutex
	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	id         string
	seed       *Seed
	ledger     *Ledger
	clock      *Clock
	coord      *Coordinator
	unregister func()
}

func NewAttempt(opts AttemptOptions) *Attempt {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Attempt{opts: opts, logger: logger}
}

// Mount loads the paper and starts the attempt. A teardown during the load
// discards its result.
func (a *Attempt) Mount(ctx context.Context, testPaperID int64) (*MountInfo, error) {
	if st := a.opts.Session.State(); st != session.Authenticated {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotReady, st)
	}

	a.mu.Lock()
	if a.seed != nil || a.cancel != nil {
		a.mu.Unlock()
		return nil, ErrAlreadyMounted
	}
	a.gen++
	gen := a.gen
	a.ctx, a.cancel = context.WithCancel(ctx)
	actx := a.ctx
	a.id = uuid.NewString()
	logger := a.logger.With("attempt_id", a.id, "test_paper_id", testPaperID)
	a.mu.Unlock()

	seed, err := a.opts.Loader.Load(actx, testPaperID)
	if err != nil {
		if errors.Is(err, gateway.ErrAuthRejected) {
			logger.Info("load rejected, refreshing session")
			if rerr := a.opts.Session.Refresh(ctx); rerr != nil {
				logger.Warn("session refresh failed", "error", rerr)
			}
		}
		a.mu.Lock()
		if a.gen == gen {
			a.cancel()
			a.cancel = nil
		}
		a.mu.Unlock()
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		logger.Debug("load finished after teardown, discarding")
		return nil, ErrTornDown
	}

	userID := a.opts.Session.UserID()
	interrupted := a.opts.Snapshots != nil && a.opts.Snapshots.TakeInterrupted(testPaperID)
	ledger, recovered := NewLedger(testPaperID, seed.Questions, a.opts.Snapshots, logger)

	clock := NewClock(seed.InitialSeconds, a.opts.TickInterval, a.tickHandler(gen), a.expireHandler(gen))
	coord := NewCoordinator(seed.Paper, seed.Questions, ledger, clock, CoordinatorOptions{
		API:           a.opts.API,
		Queue:         a.opts.Queue,
		Snapshots:     a.opts.Snapshots,
		Token:         a.token,
		UserID:        userID,
		RedirectDelay: a.opts.RedirectDelay,
		OnRedirect:    a.opts.OnRedirect,
		Logger:        logger,
	})

	a.seed, a.ledger, a.clock, a.coord = seed, ledger, clock, coord
	if a.opts.Guards != nil {
		a.unregister = a.opts.Guards.Register(a.ExitGuard)
	}
	clock.Start(actx)
	logger.Info("attempt started", "seconds", seed.InitialSeconds, "recovered", recovered, "interrupted", interrupted)

	return &MountInfo{
		AttemptID:   a.id,
		Seed:        seed,
		Recovered:   recovered,
		Interrupted: interrupted && len(seed.Questions) > 0,
	}, nil
}

func (a *Attempt) tickHandler(gen uint64) func(int) {
	return func(remaining int) {
		if a.opts.OnTick == nil || !a.current(gen) {
			return
		}
		a.opts.OnTick(remaining, TierFor(remaining))
	}
}

func (a *Attempt) expireHandler(gen uint64) func() {
	return func() {
		if !a.current(gen) {
			return
		}
		out := a.Submit(TriggerClock)
		if a.opts.OnAutoSubmit != nil && !out.Skipped {
			a.opts.OnAutoSubmit(out)
		}
	}
}

func (a *Attempt) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen
}

func (a *Attempt) token() string {
	tok, err := a.opts.Session.Token()
	if err != nil || tok == nil {
		return ""
	}
	return tok.AccessToken
}

// Select toggles an answer.
func (a *Attempt) Select(questionID int64, optionIndex int) (*int, error) {
	a.mu.Lock()
	ledger, coord := a.ledger, a.coord
	a.mu.Unlock()
	if ledger == nil {
		return nil, ErrNotMounted
	}
	if coord.Submitted() || coord.Busy() {
		return nil, ErrAlreadySubmitted
	}
	return ledger.Select(questionID, optionIndex)
}

// Submit hands the attempt to the coordinator. It is safe to call from any
// trigger; only the first call submits.
func (a *Attempt) Submit(trigger Trigger) Outcome {
	a.mu.Lock()
	coord, ctx := a.coord, a.ctx
	a.mu.Unlock()
	if coord == nil {
		return Outcome{Skipped: true, Trigger: trigger}
	}
	return coord.Submit(ctx, trigger)
}

// ExitGuard reports whether leaving now would abandon unsubmitted answers.
func (a *Attempt) ExitGuard() bool {
	a.mu.Lock()
	seed, coord := a.seed, a.coord
	a.mu.Unlock()
	if seed == nil || coord == nil {
		return false
	}
	return len(seed.Questions) > 0 && !coord.Submitted() && !coord.Busy()
}

// MarkInterrupted records that the host is leaving an unsubmitted attempt.
func (a *Attempt) MarkInterrupted() {
	a.mu.Lock()
	seed := a.seed
	a.mu.Unlock()
	if seed == nil || a.opts.Snapshots == nil || !a.ExitGuard() {
		return
	}
	if err := a.opts.Snapshots.MarkInterrupted(seed.Paper.ID); err != nil {
		a.logger.Warn("record interruption", "error", err)
	}
}

// Teardown stops the clock, cancels in-flight work and drops pending
// callbacks. Late results from a load in progress are discarded.
func (a *Attempt) Teardown() {
	a.mu.Lock()
	a.gen++
	cancel, clock, coord, unregister := a.cancel, a.clock, a.coord, a.unregister
	a.cancel, a.unregister = nil, nil
	a.mu.Unlock()

	if clock != nil {
		clock.Stop()
	}
	if coord != nil {
		coord.Close()
	}
	if cancel != nil {
		cancel()
	}
	if unregister != nil {
		unregister()
	}
}

func (a *Attempt) Remaining() int {
	a.mu.Lock()
	clock := a.clock
	a.mu.Unlock()
	if clock == nil {
		return 0
	}
	return clock.Remaining()
}

func (a *Attempt) Tier() Tier {
	return TierFor(a.Remaining())
}

// Answers returns a copy of the ledger.
func (a *Attempt) Answers() model.Answers {
	a.mu.Lock()
	ledger := a.ledger
	a.mu.Unlock()
	if ledger == nil {
		return nil
	}
	return ledger.Snapshot()
}

func (a *Attempt) Submitted() bool {
	a.mu.Lock()
	coord := a.coord
	a.mu.Unlock()
	return coord != nil && coord.Submitted()
}

func (a *Attempt) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}
