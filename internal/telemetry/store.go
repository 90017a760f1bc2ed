package telemetry

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const keyDeviceID = "device_id"

// Store is the durable side of the client: unsent samples and the
// device identity. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the buffer database at dbPath. Batches
// left claimed by a previous process are released back into the
// buffer.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps claim/ack ordering simple.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE samples SET batch_id = NULL WHERE batch_id IS NOT NULL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("release stale batches: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS client_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS samples (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		series   TEXT NOT NULL,
		ts       INTEGER NOT NULL,
		value    INTEGER NOT NULL,
		batch_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_samples_series ON samples(series, batch_id);
	CREATE INDEX IF NOT EXISTS idx_samples_batch ON samples(batch_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DeviceID returns the persisted device ID, or "" if none is stored.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM client_state WHERE key = ?`, keyDeviceID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get device id: %w", err)
	}
	return id, nil
}

// SetDeviceID persists the device ID.
func (s *Store) SetDeviceID(id string) error {
	_, err := s.db.Exec(
		`INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		keyDeviceID, id, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set device id: %w", err)
	}
	return nil
}

// Append adds a sample to the end of a series buffer.
func (s *Store) Append(series string, sample Sample) error {
	_, err := s.db.Exec(
		`INSERT INTO samples (series, ts, value) VALUES (?, ?, ?)`,
		series, sample.Timestamp, sample.Value,
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", series, err)
	}
	return nil
}

// Pending returns the number of unclaimed samples in a series.
func (s *Store) Pending(series string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM samples WHERE series = ? AND batch_id IS NULL`,
		series,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", series, err)
	}
	return n, nil
}

// Claim marks every unclaimed sample as belonging to batchID and
// returns them grouped by series in insertion order. An empty batch is
// returned when nothing is buffered.
func (s *Store) Claim(batchID string) (Batch, error) {
	b := Batch{ID: batchID, Series: make(map[string][]Sample)}

	tx, err := s.db.Begin()
	if err != nil {
		return b, fmt.Errorf("claim %s: %w", batchID, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE samples SET batch_id = ? WHERE batch_id IS NULL`, batchID); err != nil {
		return b, fmt.Errorf("claim %s: %w", batchID, err)
	}

	rows, err := tx.Query(`SELECT series, ts, value FROM samples WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return b, fmt.Errorf("claim %s: %w", batchID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var series string
		var sample Sample
		if err := rows.Scan(&series, &sample.Timestamp, &sample.Value); err != nil {
			return b, fmt.Errorf("scan %s: %w", batchID, err)
		}
		b.Series[series] = append(b.Series[series], sample)
	}
	if err := rows.Err(); err != nil {
		return b, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return b, fmt.Errorf("claim %s: %w", batchID, err)
	}
	return b, nil
}

// Ack deletes the samples of a delivered batch.
func (s *Store) Ack(batchID string) error {
	if _, err := s.db.Exec(`DELETE FROM samples WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("ack %s: %w", batchID, err)
	}
	return nil
}

// Release returns the samples of a failed batch to the buffer.
func (s *Store) Release(batchID string) error {
	if _, err := s.db.Exec(`UPDATE samples SET batch_id = NULL WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("release %s: %w", batchID, err)
	}
	return nil
}
