package exam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
)

// Fetcher is the slice of the API the loader needs.
type Fetcher interface {
	TestPaper(ctx context.Context, id int64) (*model.TestPaper, error)
	Questions(ctx context.Context, testPaperID int64) (json.RawMessage, error)
}

// Seed is everything an attempt needs to start.
type Seed struct {
	Paper          model.TestPaper
	Questions      []model.Question
	InitialSeconds int
}

// QuestionIDs returns the ids of the loaded questions in order.
func (s *Seed) QuestionIDs() []int64 {
	ids := make([]int64, len(s.Questions))
	for i, q := range s.Questions {
		ids[i] = q.ID
	}
	return ids
}

type Loader struct {
	api    Fetcher
	logger *slog.Logger
}

func NewLoader(api Fetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{api: api, logger: logger}
}

// Load fetches a paper and its questions. Every call goes to the server.
// Network and auth errors are returned as the gateway produced them.
func (l *Loader) Load(ctx context.Context, testPaperID int64) (*Seed, error) {
	if testPaperID <= 0 {
		return nil, fmt.Errorf("%w: invalid test paper id %d", gateway.ErrBadRequest, testPaperID)
	}

	var (
		paper *model.TestPaper
		raw   json.RawMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := l.api.TestPaper(gctx, testPaperID)
		paper = p
		return err
	})
	g.Go(func() error {
		r, err := l.api.Questions(gctx, testPaperID)
		raw = r
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	questions, err := NormalizeQuestions(raw, l.logger)
	if err != nil {
		return nil, fmt.Errorf("test paper %d: %w", testPaperID, err)
	}
	l.logger.Info("test paper loaded",
		"test_paper_id", testPaperID, "questions", len(questions), "duration_minutes", paper.DurationMinutes)
	return &Seed{
		Paper:          *paper,
		Questions:      questions,
		InitialSeconds: paper.DurationMinutes * 60,
	}, nil
}
