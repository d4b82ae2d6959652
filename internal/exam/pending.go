package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
	"github.com/pavelanni/examclient/internal/store"
)

// PendingStore is the queue of undelivered results.
type PendingStore interface {
	PendingResults() ([]store.PendingResult, error)
	RemovePending(id int64) error
	MarkPendingFailed(id int64, reason string) error
}

// ResultSender delivers one result.
type ResultSender interface {
	SubmitResult(ctx context.Context, r model.Result) (*model.ResultRecord, error)
}

// FlushPending resends queued results that belong to userID. Results queued
// without a user id are sent as userID's. It stops at the first
// authentication failure and returns how many were delivered.
func FlushPending(ctx context.Context, q PendingStore, api ResultSender, userID int64, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pending, err := q.PendingResults()
	if err != nil {
		return 0, fmt.Errorf("list pending results: %w", err)
	}
	sent := 0
	for _, p := range pending {
		if p.Result.UserID == 0 && userID > 0 {
			logger.Warn("adopting queued result without a user id", "pending_id", p.ID, "user_id", userID)
			p.Result.UserID = userID
		}
		if p.Result.UserID != userID {
			continue
		}
		_, err := api.SubmitResult(ctx, p.Result)
		if err != nil {
			logger.Warn("pending result still undelivered",
				"pending_id", p.ID, "test_paper_id", p.Result.TestPaperID, "attempts", p.Attempts+1, "error", err)
			if merr := q.MarkPendingFailed(p.ID, err.Error()); merr != nil {
				logger.Error("record failed delivery", "pending_id", p.ID, "error", merr)
			}
			if errors.Is(err, gateway.ErrAuthExpired) || errors.Is(err, gateway.ErrAuthRejected) || ctx.Err() != nil {
				return sent, err
			}
			continue
		}
		if err := q.RemovePending(p.ID); err != nil {
			return sent, fmt.Errorf("remove delivered result %d: %w", p.ID, err)
		}
		sent++
		logger.Info("delivered queued result", "pending_id", p.ID, "test_paper_id", p.Result.TestPaperID)
	}
	return sent, nil
}
