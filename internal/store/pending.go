package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/examclient/internal/model"
)

// PendingResult is a result the server never acknowledged, kept for a later retry.
type PendingResult struct {
	ID        int64
	Result    model.Result
	Reason    string
	Attempts  int
	CreatedAt time.Time
}

// EnqueueResult stores a result whose submission failed.
func (s *Store) EnqueueResult(r model.Result, reason string) (int64, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO pending_results (test_paper_id, payload, reason, attempts, created_at) VALUES (?, ?, ?, 0, ?)`,
		r.TestPaperID, string(payload), reason, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingResults returns queued results, oldest first.
func (s *Store) PendingResults() ([]PendingResult, error) {
	rows, err := s.db.Query(
		`SELECT id, payload, reason, attempts, created_at FROM pending_results ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingResult
	for rows.Next() {
		var p PendingResult
		var payload string
		if err := rows.Scan(&p.ID, &payload, &p.Reason, &p.Attempts, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &p.Result); err != nil {
			return nil, fmt.Errorf("decode pending result %d: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemovePending deletes a delivered result from the queue.
func (s *Store) RemovePending(id int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_results WHERE id = ?`, id)
	return err
}

// MarkPendingFailed records another failed delivery attempt.
func (s *Store) MarkPendingFailed(id int64, reason string) error {
	_, err := s.db.Exec(
		`UPDATE pending_results SET attempts = attempts + 1, reason = ? WHERE id = ?`,
		reason, id,
	)
	return err
}
