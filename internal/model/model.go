package model

import (
	"context"
	"fmt"
	"time"
)

// Role represents a user's access level on the testing platform.
type Role string

const (
	// RoleUser is a regular test taker.
	RoleUser Role = "USER"
	// RoleAdmin manages test papers and questions.
	RoleAdmin Role = "ADMIN"
)

// Identity is the "who am I" view of the authenticated user.
type Identity struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
	FullName    string `json:"full_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Credential is a bearer token together with what was decoded from it.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	Subject   string
	UserID    int64
	Role      Role
}

// Expired reports whether the credential's expiry is not after now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// TestPaper is the metadata of a timed test.
type TestPaper struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	IsActive        bool   `json:"is_active"`
	SubjectID       int64  `json:"subject_id,omitempty"`
}

// Option is one answer choice of a question. Index is its position in the
// question's option list and is what answers refer to.
type Option struct {
	ID    string `json:"id,omitempty"`
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Question is the canonical, normalized shape of a multiple-choice question.
type Question struct {
	ID                 int64    `json:"id"`
	Text               string   `json:"text"`
	Options            []Option `json:"options"`
	CorrectOptionIndex int      `json:"correct_option_index"`
	MaxScore           float64  `json:"max_score"`
	// Graded is false when upstream data carried no correct answer. Such
	// questions never score and are left out of the maximum.
	Graded bool `json:"graded"`
}

// Answers maps question id to the selected option index; nil means unanswered.
type Answers map[int64]*int

// Clone returns a deep copy of the answers.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		if v == nil {
			out[k] = nil
			continue
		}
		idx := *v
		out[k] = &idx
	}
	return out
}

// Answered returns the number of questions with a selected option.
func (a Answers) Answered() int {
	n := 0
	for _, v := range a {
		if v != nil {
			n++
		}
	}
	return n
}

// Result is what gets sent to the results collaborator once per attempt.
type Result struct {
	UserID      int64   `json:"user_id" validate:"required,gt=0"`
	TestPaperID int64   `json:"test_paper_id" validate:"required,gt=0"`
	FinalScore  float64 `json:"final_score" validate:"gte=0"`
	Answers     Answers `json:"user_answers" validate:"required"`
}

// ResultRecord is a result as stored by the server.
type ResultRecord struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	TestPaperID   int64     `json:"test_paper_id"`
	TestPaperName string    `json:"test_paper_name,omitempty"`
	FinalScore    float64   `json:"final_score"`
	MaxScore      float64   `json:"max_score,omitempty"`
	Answers       Answers   `json:"user_answers,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Percent returns score as a percentage of max, or 0 when max is not positive.
func Percent(score, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return score / max * 100
}

// FormatRemaining renders seconds as MM:SS.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

type identityCtxKey struct{}

// ContextWithIdentity stores an identity in the request context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity from context, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*Identity)
	return id
}
