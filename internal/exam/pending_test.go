package exam

import (
	"context"
	"errors"
	"testing"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
	"github.com/pavelanni/examclient/internal/store"
)

func newPendingStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFlushPending(t *testing.T) {
	s := newPendingStore(t)
	mine := model.Result{UserID: 7, TestPaperID: 3, FinalScore: 2, Answers: model.Answers{1: intp(0)}}
	theirs := model.Result{UserID: 8, TestPaperID: 3, FinalScore: 1, Answers: model.Answers{1: nil}}
	for _, r := range []model.Result{mine, theirs} {
		if _, err := s.EnqueueResult(r, "offline"); err != nil {
			t.Fatal(err)
		}
	}

	api := &fakeAPI{}
	sent, err := FlushPending(context.Background(), s, api, 7, quietLogger())
	if err != nil || sent != 1 {
		t.Fatalf("FlushPending = %d, %v", sent, err)
	}
	if len(api.submits) != 1 || api.submits[0].UserID != 7 {
		t.Errorf("submitted %+v", api.submits)
	}
	left, _ := s.PendingResults()
	if len(left) != 1 || left[0].Result.UserID != 8 {
		t.Errorf("queue after flush = %+v", left)
	}
}

func TestFlushPendingKeepsFailures(t *testing.T) {
	s := newPendingStore(t)
	r := model.Result{UserID: 7, TestPaperID: 3, Answers: model.Answers{}}
	s.EnqueueResult(r, "offline")
	s.EnqueueResult(r, "offline")

	api := &fakeAPI{submitErr: gateway.ErrTransient}
	sent, err := FlushPending(context.Background(), s, api, 7, quietLogger())
	if err != nil || sent != 0 {
		t.Fatalf("FlushPending = %d, %v", sent, err)
	}
	left, _ := s.PendingResults()
	if len(left) != 2 || left[0].Attempts != 1 {
		t.Errorf("queue = %+v", left)
	}

	api = &fakeAPI{submitErr: gateway.ErrAuthExpired}
	_, err = FlushPending(context.Background(), s, api, 7, quietLogger())
	if !errors.Is(err, gateway.ErrAuthExpired) {
		t.Errorf("err = %v", err)
	}
	if len(api.submits) != 1 {
		t.Errorf("kept sending after an auth failure: %d", len(api.submits))
	}
}

func TestSnapshotsSaved(t *testing.T) {
	s := newPendingStore(t)
	snaps := NewSnapshots(s, nil, quietLogger())
	for _, id := range []int64{12, 3} {
		if err := snaps.Save(id, model.Answers{1: nil}); err != nil {
			t.Fatal(err)
		}
	}
	got := snaps.Saved()
	if len(got) != 2 || got[0] != 3 || got[1] != 12 {
		t.Errorf("Saved() = %v", got)
	}
	if NewSnapshots(newMemKV(), nil, nil).Saved() != nil {
		t.Error("store without key listing returned ids")
	}
}

func TestFlushPendingAdoptsResultsWithoutUser(t *testing.T) {
	s := newPendingStore(t)
	if _, err := s.EnqueueResult(model.Result{TestPaperID: 3, FinalScore: 1, Answers: model.Answers{1: intp(0)}}, "offline"); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{}
	sent, err := FlushPending(context.Background(), s, api, 7, quietLogger())
	if err != nil || sent != 1 {
		t.Fatalf("FlushPending = %d, %v", sent, err)
	}
	if api.submits[0].UserID != 7 {
		t.Errorf("submitted user_id = %d, want 7", api.submits[0].UserID)
	}
}
