package devserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/examclient/internal/model"
)

// Fixture is the YAML seed format.
type Fixture struct {
	Users  []FixtureUser  `yaml:"users"`
	Papers []FixturePaper `yaml:"papers"`
}

type FixtureUser struct {
	Email    string     `yaml:"email"`
	Password string     `yaml:"password"`
	FullName string     `yaml:"full_name"`
	Role     model.Role `yaml:"role"`
}

// FixturePaper holds a test paper and its questions. Questions are kept as
// free-form maps so fixtures can reproduce any upstream question shape.
type FixturePaper struct {
	Name            string           `yaml:"name"`
	DurationMinutes int              `yaml:"duration_minutes"`
	IsActive        *bool            `yaml:"is_active"`
	SubjectID       int64            `yaml:"subject_id"`
	Questions       []map[string]any `yaml:"questions"`
}

// SeedFile imports a fixture file once. A file whose content hash was
// already recorded is skipped; a changed file is skipped with a warning so
// existing results keep pointing at the questions they were scored against.
func SeedFile(ctx context.Context, s *Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	hash := sha256sum(data)
	stored, err := s.ImportedHash(ctx, path)
	if err != nil {
		return fmt.Errorf("check import status for %s: %w", path, err)
	}
	if stored == hash {
		slog.Info("fixture unchanged, skipping", "path", path)
		return nil
	}
	if stored != "" {
		slog.Warn("fixture changed since last import, skipping", "path", path)
		return nil
	}

	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := Seed(ctx, s, fx); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	if err := s.SetImportedHash(ctx, path, hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported fixture", "path", path, "users", len(fx.Users), "papers", len(fx.Papers))
	return nil
}

// Seed inserts a fixture. Users that already exist are left alone.
func Seed(ctx context.Context, s *Store, fx Fixture) error {
	for _, u := range fx.Users {
		if err := createUser(ctx, s, u); err != nil && !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	for _, p := range fx.Papers {
		active := true
		if p.IsActive != nil {
			active = *p.IsActive
		}
		id, err := s.CreatePaper(ctx, model.TestPaper{
			Name:            p.Name,
			DurationMinutes: p.DurationMinutes,
			IsActive:        active,
			SubjectID:       p.SubjectID,
		})
		if err != nil {
			return err
		}
		for i, q := range p.Questions {
			if _, err := s.AddQuestion(ctx, id, i, q); err != nil {
				return fmt.Errorf("paper %q question %d: %w", p.Name, i+1, err)
			}
		}
	}
	return nil
}

// SeedAdmin creates an admin account when the backend has no users yet.
func SeedAdmin(ctx context.Context, s *Store, email, password string) error {
	count, err := s.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if password == "" {
		return errors.New("admin password is required: set --admin-password flag or EXAMCLIENT_ADMIN_PASSWORD env var")
	}
	err = createUser(ctx, s, FixtureUser{Email: email, Password: password, FullName: "Administrator", Role: model.RoleAdmin})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("seeded default admin user", "email", email)
	return nil
}

func createUser(ctx context.Context, s *Store, u FixtureUser) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", u.Email, err)
	}
	_, err = s.CreateUser(ctx, User{
		Identity:     model.Identity{Email: u.Email, FullName: u.FullName, Role: u.Role},
		PasswordHash: string(hash),
	})
	return err
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
