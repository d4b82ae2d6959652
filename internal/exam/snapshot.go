package exam

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examclient/internal/model"
	"github.com/pavelanni/examclient/internal/store"
)

const (
	// RecoveryWindow is how old a saved answer snapshot may be and still be
	// adopted when an attempt is mounted.
	RecoveryWindow = 24 * time.Hour
	// InterruptWindow is how recent an interruption must be for the
	// "submit now?" prompt to be offered.
	InterruptWindow = 5 * time.Minute

	snapshotPrefix = "test_answers_"
)

// Snapshot is the durable copy of a ledger.
type Snapshot struct {
	Answers   model.Answers `json:"answers"`
	Timestamp time.Time     `json:"timestamp"`
}

type interruptMarker struct {
	TestPaperID int64     `json:"test_paper_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshots persists answer snapshots and the interruption marker.
type Snapshots struct {
	kv     store.KV
	now    func() time.Time
	logger *slog.Logger
}

func NewSnapshots(kv store.KV, now func() time.Time, logger *slog.Logger) *Snapshots {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshots{kv: kv, now: now, logger: logger}
}

func snapshotKey(testPaperID int64) string {
	return snapshotPrefix + strconv.FormatInt(testPaperID, 10)
}

// Save stores answers for a paper with the current time.
func (s *Snapshots) Save(testPaperID int64, answers model.Answers) error {
	data, err := json.Marshal(Snapshot{Answers: answers, Timestamp: s.now()})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.kv.Set(snapshotKey(testPaperID), string(data))
}

// Load returns the stored snapshot for a paper regardless of its age.
func (s *Snapshots) Load(testPaperID int64) (Snapshot, bool) {
	raw, ok, err := s.kv.Get(snapshotKey(testPaperID))
	if err != nil {
		s.logger.Error("read answer snapshot", "test_paper_id", testPaperID, "error", err)
		return Snapshot{}, false
	}
	if !ok {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.logger.Warn("answer snapshot is unreadable", "test_paper_id", testPaperID, "error", err)
		return Snapshot{}, false
	}
	return snap, true
}

// Recent reports whether a snapshot is young enough to adopt.
func (s *Snapshots) Recent(snap Snapshot) bool {
	return s.now().Sub(snap.Timestamp) < RecoveryWindow
}

func (s *Snapshots) Clear(testPaperID int64) error {
	return s.kv.Delete(snapshotKey(testPaperID))
}

// Saved lists the papers that have a stored snapshot, when the store can
// enumerate keys.
func (s *Snapshots) Saved() []int64 {
	lister, ok := s.kv.(interface {
		Keys(prefix string) ([]string, error)
	})
	if !ok {
		return nil
	}
	keys, err := lister.Keys(snapshotPrefix)
	if err != nil {
		s.logger.Error("list answer snapshots", "error", err)
		return nil
	}
	var ids []int64
	for _, k := range keys {
		id, err := strconv.ParseInt(strings.TrimPrefix(k, snapshotPrefix), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkInterrupted records that an unsubmitted attempt was left.
func (s *Snapshots) MarkInterrupted(testPaperID int64) error {
	data, err := json.Marshal(interruptMarker{TestPaperID: testPaperID, Timestamp: s.now()})
	if err != nil {
		return err
	}
	return s.kv.Set(store.KeyPageRefreshed, string(data))
}

// TakeInterrupted reports whether the given paper was interrupted within
// InterruptWindow. The marker is deleted whatever the answer.
func (s *Snapshots) TakeInterrupted(testPaperID int64) bool {
	raw, ok, err := s.kv.Get(store.KeyPageRefreshed)
	if err != nil {
		s.logger.Error("read interruption marker", "error", err)
	}
	if !ok {
		return false
	}
	if err := s.kv.Delete(store.KeyPageRefreshed); err != nil {
		s.logger.Error("clear interruption marker", "error", err)
	}
	var m interruptMarker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		s.logger.Warn("interruption marker is unreadable", "error", err)
		return false
	}
	return m.TestPaperID == testPaperID && s.now().Sub(m.Timestamp) < InterruptWindow
}
