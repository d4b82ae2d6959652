package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/examclient/internal/exam"
	"github.com/pavelanni/examclient/internal/explain"
	appI18n "github.com/pavelanni/examclient/internal/i18n"
	"github.com/pavelanni/examclient/internal/model"
)

func takeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "take <test-paper-id>",
		Short: "Take a timed test",
		Args:  cobra.ExactArgs(1),
		RunE:  runTake,
	}
	f := cmd.Flags()
	f.Bool("explain", false, "Explain missed questions after submission using an LLM")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Duration("redirect-delay", exam.DefaultRedirectDelay, "Pause after submission before showing results")
	_ = f.MarkHidden("redirect-delay")
	return cmd
}

func runTake(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	v := viperForCmd(cmd)

	paperID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || paperID <= 0 {
		return fmt.Errorf("invalid test paper id %q", args[0])
	}
	if err := a.requireAuth(a.ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()
	go a.sess.Run(ctx)

	var explainer *explain.Client
	if v.GetBool("explain") {
		explainer = explain.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"),
			appI18n.LanguageName(a.cfg.Lang))
		if err := explainer.Ping(ctx); err != nil {
			a.printf("ExplainUnavailable", map[string]any{"Reason": err.Error()})
			explainer = nil
		}
	}

	t := &taker{
		a:             a,
		lines:         readLines(cmd.InOrStdin()),
		explainer:     explainer,
		redirectDelay: v.GetDuration("redirect-delay"),
	}
	return t.run(ctx, paperID)
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- strings.TrimSpace(sc.Text())
		}
	}()
	return ch
}

type commandKind int

const (
	cmdInvalid commandKind = iota
	cmdShow
	cmdSelect
	cmdNext
	cmdPrev
	cmdGoto
	cmdTime
	cmdSubmit
	cmdQuit
)

type command struct {
	kind commandKind
	n    int
}

// parseCommand reads one line of exam input. Numbers are 1-based.
func parseCommand(line string) command {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return command{kind: cmdShow}
	}
	if n, err := strconv.Atoi(fields[0]); err == nil && len(fields) == 1 {
		if n < 1 {
			return command{}
		}
		return command{kind: cmdSelect, n: n}
	}
	switch fields[0] {
	case "n", "next":
		return command{kind: cmdNext}
	case "p", "prev":
		return command{kind: cmdPrev}
	case "t", "time":
		return command{kind: cmdTime}
	case "s", "submit":
		return command{kind: cmdSubmit}
	case "q", "quit":
		return command{kind: cmdQuit}
	case "g", "go":
		if len(fields) == 2 {
			if n, err := strconv.Atoi(fields[1]); err == nil && n >= 1 {
				return command{kind: cmdGoto, n: n}
			}
		}
	}
	return command{}
}

func yes(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "д", "да":
		return true
	}
	return false
}

type confirmation int

const (
	confirmNone confirmation = iota
	confirmSubmit
	confirmLeave
	confirmRecovered
)

type tick struct {
	remaining int
	tier      exam.Tier
}

// taker drives one attempt from terminal input.
type taker struct {
	a             *app
	lines         <-chan string
	explainer     *explain.Client
	redirectDelay time.Duration

	attempt    *exam.Attempt
	guards     *exam.Guards
	seed       *exam.Seed
	cur        int
	awaiting   confirmation
	sigArmed   bool
	lastTier   exam.Tier
	ticks      chan tick
	auto       chan exam.Outcome
	redirected chan struct{}
}

func (t *taker) run(ctx context.Context, paperID int64) error {
	t.guards = exam.NewGuards()
	t.ticks = make(chan tick, 1)
	t.auto = make(chan exam.Outcome, 1)
	t.redirected = make(chan struct{})
	var redirectOnce sync.Once

	t.attempt = exam.NewAttempt(exam.AttemptOptions{
		Loader:        exam.NewLoader(t.a.api, t.a.logger),
		Session:       t.a.sess,
		API:           t.a.api,
		Queue:         t.a.state,
		Snapshots:     t.a.snaps,
		Guards:        t.guards,
		RedirectDelay: t.redirectDelay,
		OnTick: func(remaining int, tier exam.Tier) {
			// Keep only the latest tick.
			select {
			case <-t.ticks:
			default:
			}
			t.ticks <- tick{remaining, tier}
		},
		OnAutoSubmit: func(o exam.Outcome) { t.auto <- o },
		OnRedirect:   func() { redirectOnce.Do(func() { close(t.redirected) }) },
		Logger:       t.a.logger,
	})
	defer t.attempt.Teardown()

	info, err := t.attempt.Mount(ctx, paperID)
	if err != nil {
		return t.a.report(err)
	}
	t.seed = info.Seed
	t.a.logger.Debug("attempt mounted", "attempt_id", info.AttemptID)

	t.a.printf("TestStart", map[string]any{
		"Name":      t.seed.Paper.Name,
		"Questions": appI18n.Tp(t.a.ctx, "QuestionsCount", len(t.seed.Questions)),
		"Minutes":   appI18n.Tp(t.a.ctx, "Minutes", t.seed.Paper.DurationMinutes),
	})
	if info.Recovered {
		t.a.println("RecoveredAnswers")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	if info.Interrupted {
		t.awaiting = confirmRecovered
		fmt.Fprint(t.a.out, appI18n.T(t.a.ctx, "InterruptedPrompt"))
	} else {
		t.a.println("AnswerHelp")
		t.render()
	}

	for {
		select {
		case line, ok := <-t.lines:
			t.sigArmed = false
			if !ok {
				t.leave()
				return nil
			}
			out, done := t.handle(line)
			if out != nil {
				return t.finish(ctx, *out)
			}
			if done {
				return nil
			}
		case tk := <-t.ticks:
			t.onTick(tk)
		case out := <-t.auto:
			t.a.println("TimeUp")
			return t.finish(ctx, out)
		case <-sig:
			if t.interrupt() {
				return errReported
			}
		case <-ctx.Done():
			t.leave()
			return ctx.Err()
		}
	}
}

// interrupt handles Ctrl-C. While answers are unsubmitted the first one only
// warns; a second one before any other input leaves.
func (t *taker) interrupt() bool {
	fmt.Fprintln(t.a.out)
	if t.guards.Active() && !t.sigArmed {
		t.sigArmed = true
		t.a.println("InterruptWarning")
		return false
	}
	t.leave()
	return true
}

// leave records an interruption when unsubmitted answers would be abandoned.
func (t *taker) leave() {
	if !t.guards.Active() {
		return
	}
	t.attempt.MarkInterrupted()
	t.a.println("AnswersSaved")
}

// handle applies one input line. It returns the outcome of a submission it
// performed, or done when the user left.
func (t *taker) handle(line string) (*exam.Outcome, bool) {
	if t.awaiting != confirmNone {
		awaiting := t.awaiting
		t.awaiting = confirmNone
		if !yes(line) {
			t.render()
			return nil, false
		}
		switch awaiting {
		case confirmLeave:
			t.leave()
			return nil, true
		case confirmRecovered:
			return t.submit(exam.TriggerRecovered), false
		default:
			return t.submit(exam.TriggerUser), false
		}
	}

	c := parseCommand(line)
	switch c.kind {
	case cmdShow:
		t.render()
	case cmdSelect:
		if len(t.seed.Questions) == 0 {
			t.a.println("InvalidInput")
			return nil, false
		}
		q := t.seed.Questions[t.cur]
		if _, err := t.attempt.Select(q.ID, c.n-1); err != nil {
			if !errors.Is(err, exam.ErrAlreadySubmitted) {
				t.a.println("InvalidInput")
			}
			return nil, false
		}
		t.render()
	case cmdNext:
		if t.cur < len(t.seed.Questions)-1 {
			t.cur++
		}
		t.render()
	case cmdPrev:
		if t.cur > 0 {
			t.cur--
		}
		t.render()
	case cmdGoto:
		if c.n > len(t.seed.Questions) {
			t.a.println("InvalidInput")
			return nil, false
		}
		t.cur = c.n - 1
		t.render()
	case cmdTime:
		t.printTime(t.attempt.Remaining())
	case cmdSubmit:
		t.awaiting = confirmSubmit
		answers := t.attempt.Answers()
		fmt.Fprint(t.a.out, appI18n.Td(t.a.ctx, "ConfirmSubmit", map[string]any{
			"Answered": answers.Answered(),
			"Total":    len(answers),
		}))
	case cmdQuit:
		if !t.guards.Active() {
			return nil, true
		}
		t.awaiting = confirmLeave
		fmt.Fprint(t.a.out, appI18n.T(t.a.ctx, "ConfirmLeave"))
	default:
		t.a.println("InvalidInput")
	}
	return nil, false
}

// submit returns nil when another trigger got there first; its outcome
// arrives on the auto channel.
func (t *taker) submit(trigger exam.Trigger) *exam.Outcome {
	out := t.attempt.Submit(trigger)
	if out.Skipped {
		return nil
	}
	return &out
}

func (t *taker) onTick(tk tick) {
	if tk.tier != t.lastTier {
		t.lastTier = tk.tier
		switch tk.tier {
		case exam.TierWarning:
			t.a.println("TimeWarning")
		case exam.TierUrgent:
			t.a.println("TimeUrgent")
		}
		return
	}
	if tk.remaining > 0 && tk.remaining%60 == 0 {
		t.printTime(tk.remaining)
	}
}

func (t *taker) printTime(remaining int) {
	t.a.printf("TimeRemaining", map[string]any{"Time": model.FormatRemaining(remaining)})
}

func (t *taker) render() {
	if len(t.seed.Questions) == 0 {
		return
	}
	q := t.seed.Questions[t.cur]
	answer := t.attempt.Answers()[q.ID]
	w := t.a.out
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s    %s\n",
		appI18n.Td(t.a.ctx, "QuestionHeader", map[string]any{"N": t.cur + 1, "Total": len(t.seed.Questions)}),
		model.FormatRemaining(t.attempt.Remaining()))
	fmt.Fprintln(w, q.Text)
	for _, o := range q.Options {
		mark := " "
		if answer != nil && *answer == o.Index {
			mark = "x"
		}
		fmt.Fprintf(w, "  [%s] %d) %s\n", mark, o.Index+1, o.Text)
	}
}

func (t *taker) finish(ctx context.Context, out exam.Outcome) error {
	if out.Err != nil {
		t.a.println("SubmitFailed")
		if out.Queued {
			t.a.println("ResultQueued")
		}
		return errReported
	}
	t.a.printf("SubmitSuccess", map[string]any{
		"Score":   formatScore(out.Score),
		"Max":     formatScore(out.MaxScore),
		"Percent": fmt.Sprintf("%.0f", model.Percent(out.Score, out.MaxScore)),
	})
	if out.Fallback {
		t.a.println("SubmitFallback")
	}
	if t.explainer != nil {
		t.explainMissed(ctx, out.Result.Answers)
	}

	select {
	case <-t.redirected:
	case <-time.After(t.redirectDelay + 5*time.Second):
	case <-ctx.Done():
		return nil
	}
	results, err := t.a.api.MyResults(ctx)
	if err != nil {
		t.a.logger.Warn("results after submission", "error", err)
		return nil
	}
	printResults(t.a, results)
	return nil
}

func (t *taker) explainMissed(ctx context.Context, answers model.Answers) {
	missed := explain.Missed(t.seed.Questions, answers)
	if len(missed) == 0 {
		return
	}
	t.a.println("ExplainHeader")
	for _, q := range missed {
		text, err := t.explainer.Explain(ctx, q, answers[q.ID])
		if err != nil {
			t.a.printf("ExplainUnavailable", map[string]any{"Reason": err.Error()})
			return
		}
		fmt.Fprintf(t.a.out, "\n%s\n%s\n", q.Text, text)
	}
}
