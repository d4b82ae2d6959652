package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examclient/internal/model"
)

// ErrDuplicate is returned when a unique value is already taken.
var ErrDuplicate = errors.New("already exists")

// User is a platform account as stored by the backend.
type User struct {
	model.Identity
	PasswordHash string
	CreatedAt    time.Time
}

// Store is the backend's data access layer over SQLite or Postgres.
type Store struct {
	db     *sql.DB
	driver Driver
}

func NewStore(db *sql.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return rebind(s.driver, query)
}

func (s *Store) CreateUser(ctx context.Context, u User) (int64, error) {
	existing, err := s.UserByEmail(ctx, u.Email)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, fmt.Errorf("user %s: %w", u.Email, ErrDuplicate)
	}
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO users (email, password_hash, full_name, phone_number, date_of_birth, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		u.Email, u.PasswordHash, u.FullName, u.PhoneNumber, u.DateOfBirth, string(u.Role), time.Now().Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

const userColumns = `id, email, password_hash, full_name, phone_number, date_of_birth, role, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	var created int64
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.PhoneNumber, &u.DateOfBirth, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.CreatedAt = time.Unix(created, 0)
	return &u, nil
}

// UserByEmail returns the user or nil when none exists.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
}

// UserByID returns the user or nil when none exists.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

func (s *Store) UserCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *Store) CreatePaper(ctx context.Context, p model.TestPaper) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO test_papers (name, duration_minutes, is_active, subject_id) VALUES (?, ?, ?, ?) RETURNING id`),
		p.Name, p.DurationMinutes, p.IsActive, p.SubjectID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert test paper: %w", err)
	}
	return id, nil
}

// Paper returns the test paper or nil when none exists.
func (s *Store) Paper(ctx context.Context, id int64) (*model.TestPaper, error) {
	var p model.TestPaper
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, duration_minutes, is_active, subject_id FROM test_papers WHERE id = ?`), id,
	).Scan(&p.ID, &p.Name, &p.DurationMinutes, &p.IsActive, &p.SubjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Papers(ctx context.Context) ([]model.TestPaper, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, duration_minutes, is_active, subject_id FROM test_papers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	papers := []model.TestPaper{}
	for rows.Next() {
		var p model.TestPaper
		if err := rows.Scan(&p.ID, &p.Name, &p.DurationMinutes, &p.IsActive, &p.SubjectID); err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

// AddQuestion stores a question payload verbatim. The payload is whatever
// JSON object the fixture supplied; its id is assigned here.
func (s *Store) AddQuestion(ctx context.Context, paperID int64, position int, payload map[string]any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode question: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO questions (test_paper_id, position, payload) VALUES (?, ?, ?) RETURNING id`),
		paperID, position, string(data),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert question: %w", err)
	}
	return id, nil
}

// Questions returns the paper's question payloads in order, each with its
// id merged in.
func (s *Store) Questions(ctx context.Context, paperID int64) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, payload FROM questions WHERE test_paper_id = ? ORDER BY position, id`), paperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		q := map[string]any{}
		if err := json.Unmarshal([]byte(payload), &q); err != nil {
			return nil, fmt.Errorf("question %d: %w", id, err)
		}
		q["id"] = id
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) SaveResult(ctx context.Context, r model.Result) (*model.ResultRecord, error) {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO results (user_id, test_paper_id, final_score, answers_json, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`),
		r.UserID, r.TestPaperID, r.FinalScore, string(answers), now.Unix(),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert result: %w", err)
	}
	return &model.ResultRecord{
		ID:          id,
		UserID:      r.UserID,
		TestPaperID: r.TestPaperID,
		FinalScore:  r.FinalScore,
		Answers:     r.Answers,
		CreatedAt:   now,
	}, nil
}

// ResultsForUser returns the user's results, newest first.
func (s *Store) ResultsForUser(ctx context.Context, userID int64) ([]model.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT r.id, r.user_id, r.test_paper_id, p.name, r.final_score, r.answers_json, r.created_at
		 FROM results r JOIN test_papers p ON p.id = r.test_paper_id
		 WHERE r.user_id = ? ORDER BY r.created_at DESC, r.id DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ResultRecord{}
	for rows.Next() {
		var rec model.ResultRecord
		var answers string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TestPaperID, &rec.TestPaperName,
			&rec.FinalScore, &answers, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answers), &rec.Answers); err != nil {
			return nil, fmt.Errorf("result %d answers: %w", rec.ID, err)
		}
		rec.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ImportedHash returns the content hash recorded for a seed file, or "".
func (s *Store) ImportedHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT hash FROM seed_imports WHERE path = ?`), path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (s *Store) SetImportedHash(ctx context.Context, path, hash string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO seed_imports (path, hash) VALUES (?, ?)
		 ON CONFLICT (path) DO UPDATE SET hash = excluded.hash`), path, hash)
	return err
}
