// Package store persists users, training jobs and schedules in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"keyguard/internal/errs"
	"keyguard/internal/security"
)

// Store is the keyguard database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if err := security.EnsurePrivateDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", errs.IO(err))
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", errs.IO(err))
	}
	// One writer at a time; the trainer and scheduler share this handle.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", errs.IO(err))
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database still answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// User is a known person and their enrollment state.
type User struct {
	ID                  string     `json:"user_id"`
	Username            string     `json:"username"`
	CreatedAt           time.Time  `json:"created_at"`
	FreeTextTrained     bool       `json:"free_text_trained"`
	FreeTextAccuracy    *float64   `json:"free_text_accuracy,omitempty"`
	FreeTextLastTrained *time.Time `json:"free_text_last_trained,omitempty"`
	EnrolledInEnsemble  bool       `json:"enrolled_in_ensemble"`
	EnrolledAt          *time.Time `json:"enrolled_at,omitempty"`
}

const userColumns = `user_id, username, created_at, free_text_trained, free_text_accuracy,
	free_text_last_trained, enrolled_in_ensemble, enrolled_at`

// EnsureUser returns the user, creating it if absent.
func (s *Store) EnsureUser(username string, now time.Time) (*User, error) {
	if err := security.ValidateUsername(username); err != nil {
		return nil, err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO users (user_id, username, created_at) VALUES (?, ?, ?)`,
		uuid.NewString(), username, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", errs.IO(err))
	}
	return s.GetUser(username)
}

// GetUser returns the named user or ErrUnknownUser.
func (s *Store) GetUser(username string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, errs.ErrUnknownUser)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", errs.IO(err))
	}
	return u, nil
}

// ListUsers returns every user in creation order.
func (s *Store) ListUsers() ([]User, error) {
	return s.queryUsers(`SELECT ` + userColumns + ` FROM users ORDER BY created_at, id`)
}

// EnrolledUsers returns ensemble members in enrollment order.
func (s *Store) EnrolledUsers() ([]User, error) {
	return s.queryUsers(`SELECT ` + userColumns + ` FROM users
		WHERE enrolled_in_ensemble = 1 ORDER BY enrolled_at, id`)
}

// RecordFreeTextTraining marks the user's free-text model as trained.
func (s *Store) RecordFreeTextTraining(username string, accuracy float64, at time.Time) error {
	if _, err := s.EnsureUser(username, at); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE users SET free_text_trained = 1, free_text_accuracy = ?,
		free_text_last_trained = ? WHERE username = ?`, accuracy, at.UnixNano(), username)
	if err != nil {
		return fmt.Errorf("update user training: %w", errs.IO(err))
	}
	return nil
}

// Enroll marks users as ensemble members. Users already enrolled keep
// their original enrollment time. Unknown users are created.
func (s *Store) Enroll(usernames []string, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enroll: %w", errs.IO(err))
	}
	for _, name := range usernames {
		if err := security.ValidateUsername(name); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO users (user_id, username, created_at) VALUES (?, ?, ?)`,
			uuid.NewString(), name, at.UnixNano(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert user: %w", errs.IO(err))
		}
		if _, err := tx.Exec(`UPDATE users SET enrolled_in_ensemble = 1, enrolled_at = ?
			WHERE username = ? AND enrolled_in_ensemble = 0`, at.UnixNano(), name); err != nil {
			tx.Rollback()
			return fmt.Errorf("enroll user: %w", errs.IO(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enroll: %w", errs.IO(err))
	}
	return nil
}

func (s *Store) queryUsers(query string, args ...any) ([]User, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", errs.IO(err))
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", errs.IO(err))
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read users: %w", errs.IO(err))
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var (
		u                     User
		created               int64
		accuracy              sql.NullFloat64
		lastTrained, enrolled sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Username, &created, &u.FreeTextTrained, &accuracy,
		&lastTrained, &u.EnrolledInEnsemble, &enrolled)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	if accuracy.Valid {
		u.FreeTextAccuracy = &accuracy.Float64
	}
	u.FreeTextLastTrained = fromNull(lastTrained)
	u.EnrolledAt = fromNull(enrolled)
	return &u, nil
}

func toNull(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
