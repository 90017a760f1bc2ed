// Package prefs keeps small pieces of device state that must outlive a
// restart, such as the cached device identity. Values are plain strings
// grouped by section.
package prefs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a sectioned string map backed by SQLite. It is safe for
// concurrent use.
type Store struct {
	db  *sql.DB
	own bool
}

// Open opens or creates the preference database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

// New wraps an existing database handle and creates the schema if
// needed. The caller keeps ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate preferences: %w", err)
	}
	return s, nil
}

// Close releases the database if the store opened it.
func (s *Store) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS preferences (
		section    TEXT NOT NULL,
		name       TEXT NOT NULL,
		value      TEXT NOT NULL,
		changed_at INTEGER NOT NULL,
		PRIMARY KEY (section, name)
	)`)
	return err
}

// Get returns the value stored under section/name, or "" when unset.
func (s *Store) Get(section, name string) (string, error) {
	var v string
	err := s.db.QueryRow(
		`SELECT value FROM preferences WHERE section = ? AND name = ?`,
		section, name,
	).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("read %s.%s: %w", section, name, err)
	}
	return v, nil
}

// Set stores value under section/name, replacing any previous value.
func (s *Store) Set(section, name, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO preferences (section, name, value, changed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (section, name) DO UPDATE
		 SET value = excluded.value, changed_at = excluded.changed_at`,
		section, name, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write %s.%s: %w", section, name, err)
	}
	return nil
}

// Delete removes section/name. Removing an unset name is not an error.
func (s *Store) Delete(section, name string) error {
	if _, err := s.db.Exec(
		`DELETE FROM preferences WHERE section = ? AND name = ?`,
		section, name,
	); err != nil {
		return fmt.Errorf("delete %s.%s: %w", section, name, err)
	}
	return nil
}

// Section returns every name/value pair in section. The map is empty,
// not nil, for an unknown section.
func (s *Store) Section(section string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT name, value FROM preferences WHERE section = ?`,
		section,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", section, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", section, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Scoped is a view of one section. It satisfies the key/value shape the
// sampling controller expects for its identity mirror.
type Scoped struct {
	store   *Store
	section string
}

// Scope returns a view bound to section.
func (s *Store) Scope(section string) Scoped {
	return Scoped{store: s, section: section}
}

// Get returns the value of name in the bound section.
func (v Scoped) Get(name string) (string, error) {
	return v.store.Get(v.section, name)
}

// Set stores name in the bound section.
func (v Scoped) Set(name, value string) error {
	return v.store.Set(v.section, name, value)
}
