package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrEmailTaken is returned by CreateUser when the email already has an
// account.
var ErrEmailTaken = errors.New("email already registered")

// User is one stored account. Guests have no email and no password hash.
type User struct {
	ID        string    // Opaque identifier, also the session subject
	Email     string    // Login email, empty for guests
	Hash      string    // bcrypt password hash, empty for guests
	Guest     bool      // True for throwaway guest accounts
	CreatedAt time.Time // Account creation time
}

// Store persists users in SQLite. Writes that depend on a prior read (the
// duplicate-email check) run under a single mutex; SQLite serializes writers
// anyway, and the mutex makes the check-then-insert race impossible at the
// application level too.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (creating if needed) the user database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("auth: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("auth: open db: %w", err)
	}
	db.SetMaxOpenConns(10)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT,
			hash       TEXT NOT NULL DEFAULT '',
			guest      INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new account. Non-guest emails must be unique; the
// read-modify-write runs under the store mutex.
func (s *Store) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !u.Guest && u.Email != "" {
		var exists bool
		err := s.db.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM users WHERE email = ? AND guest = 0)", u.Email,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("auth: check email: %w", err)
		}
		if exists {
			return ErrEmailTaken
		}
	}

	_, err := s.db.Exec(
		"INSERT INTO users (id, email, hash, guest) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, u.Hash, boolToInt(u.Guest),
	)
	if err != nil {
		return fmt.Errorf("auth: insert user: %w", err)
	}
	return nil
}

// UserByEmail looks up a non-guest account by email. Returns (nil, nil) when
// no such account exists.
func (s *Store) UserByEmail(email string) (*User, error) {
	return s.scanOne(
		"SELECT id, email, hash, guest, created_at FROM users WHERE email = ? AND guest = 0", email)
}

// UserByID looks up any account by id. Returns (nil, nil) when absent.
func (s *Store) UserByID(id string) (*User, error) {
	return s.scanOne(
		"SELECT id, email, hash, guest, created_at FROM users WHERE id = ?", id)
}

// DeleteUser removes an account. Deleting an absent user is not an error;
// guest deletion is idempotent by contract.
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM users WHERE id = ?", id); err != nil {
		return fmt.Errorf("auth: delete user: %w", err)
	}
	return nil
}

// scanOne runs a single-row user query.
func (s *Store) scanOne(query string, args ...any) (*User, error) {
	var (
		u     User
		email sql.NullString
		guest int
	)
	err := s.db.QueryRow(query, args...).Scan(&u.ID, &email, &u.Hash, &guest, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: query user: %w", err)
	}
	u.Email = email.String
	u.Guest = guest != 0
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
