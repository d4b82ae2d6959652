package store

import (
	"database/sql"
	"strings"
	"time"
)

// Keys shared by the session and exam runtime.
const (
	KeyToken         = "token"
	KeyTokenBackup   = "token_backup"
	KeyUserID        = "user_id"
	KeyLastAuthUser  = "last_auth_user"
	KeyLastAuthTime  = "last_auth_time"
	KeyPageRefreshed = "test_page_refreshed"
)

// Set upserts a key-value pair.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?`,
		key, value, time.Now(), value, time.Now(),
	)
	return err
}

// Get returns the value for a key. A missing key is not an error.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM client_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Delete removes the given keys; missing keys are ignored.
func (s *Store) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	_, err := s.db.Exec(`DELETE FROM client_state WHERE key IN (`+placeholders+`)`, args...)
	return err
}

// Keys returns all stored keys with the given prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM client_state WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
