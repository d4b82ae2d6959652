package exam

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
)

// Ledger records the selected option per question for one attempt. Its key
// set is fixed at creation and always equals the loaded question ids.
type Ledger struct {
	paperID int64
	snaps   *Snapshots
	logger  *slog.Logger

	mu      sync.Mutex
	answers model.Answers
	options map[int64]int

	// saveMu orders autosaves; each save reads the state current at write time.
	saveMu sync.Mutex
}

// NewLedger builds the ledger for a paper, adopting a recent snapshot when
// one exists. It reports whether answers were recovered.
func NewLedger(paperID int64, questions []model.Question, snaps *Snapshots, logger *slog.Logger) (*Ledger, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		paperID: paperID,
		snaps:   snaps,
		logger:  logger,
		answers: make(model.Answers, len(questions)),
		options: make(map[int64]int, len(questions)),
	}
	for _, q := range questions {
		l.answers[q.ID] = nil
		l.options[q.ID] = len(q.Options)
	}

	if snaps == nil {
		return l, false
	}
	snap, ok := snaps.Load(paperID)
	if !ok || len(snap.Answers) == 0 {
		return l, false
	}
	if !snaps.Recent(snap) {
		logger.Info("discarding stale answer snapshot", "test_paper_id", paperID, "saved_at", snap.Timestamp)
		return l, false
	}
	for id, v := range snap.Answers {
		if _, known := l.answers[id]; !known || v == nil {
			continue
		}
		if *v < 0 || *v >= l.options[id] {
			logger.Warn("dropping recovered answer with invalid option", "question_id", id, "option", *v)
			continue
		}
		idx := *v
		l.answers[id] = &idx
	}
	logger.Info("recovered saved answers", "test_paper_id", paperID, "answered", l.answers.Answered())
	return l, true
}

// Select toggles optionIndex for a question: choosing the selected option
// again clears the answer. It returns the question's new answer.
func (l *Ledger) Select(questionID int64, optionIndex int) (*int, error) {
	l.mu.Lock()
	cur, ok := l.answers[questionID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: question %d is not part of this paper", gateway.ErrBadRequest, questionID)
	}
	if n := l.options[questionID]; optionIndex < 0 || optionIndex >= n {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: option %d out of range for question %d", gateway.ErrBadRequest, optionIndex, questionID)
	}
	var next *int
	if cur == nil || *cur != optionIndex {
		idx := optionIndex
		next = &idx
	}
	l.answers[questionID] = next
	l.mu.Unlock()

	l.autosave()
	if next == nil {
		return nil, nil
	}
	v := *next
	return &v, nil
}

// Answer returns the selected option for a question, or nil.
func (l *Ledger) Answer(questionID int64) *int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v := l.answers[questionID]; v != nil {
		idx := *v
		return &idx
	}
	return nil
}

// Snapshot returns a copy of all answers.
func (l *Ledger) Snapshot() model.Answers {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answers.Clone()
}

// autosave is best-effort: failures are logged and never reach the caller.
func (l *Ledger) autosave() {
	if l.snaps == nil {
		return
	}
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	if err := l.snaps.Save(l.paperID, l.Snapshot()); err != nil {
		l.logger.Warn("autosave failed", "test_paper_id", l.paperID, "error", err)
	}
}
