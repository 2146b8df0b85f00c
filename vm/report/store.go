package report

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrReportNotFound indicates the requested report doesn't exist
var ErrReportNotFound = errors.New("report not found")

// Store keeps reports in a SQLite database. Each row holds the CBOR
// encoding of one report plus the columns used to list them.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry is one stored report as returned by List.
type Entry struct {
	ID         int64
	VM         string
	Label      string
	Taken      time.Time
	Mode       string
	TotalBytes int64
}

// OpenStore opens (creating if needed) the report database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vm TEXT NOT NULL,
		label TEXT NOT NULL,
		taken INTEGER NOT NULL,
		mode TEXT NOT NULL,
		total_bytes INTEGER NOT NULL,
		data BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores r and returns its row id.
func (s *Store) Save(r *Report) (int64, error) {
	data, err := Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("encoding report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		"INSERT INTO reports (vm, label, taken, mode, total_bytes, data) VALUES (?, ?, ?, ?, ?, ?)",
		r.VM, r.Label, r.Taken.Unix(), r.Mode, r.TotalBytes, data,
	)
	if err != nil {
		return 0, fmt.Errorf("saving report: %w", err)
	}
	return res.LastInsertId()
}

// SaveAll stores a batch in one transaction.
func (s *Store) SaveAll(rs []*Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO reports (vm, label, taken, mode, total_bytes, data) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rs {
		data, err := Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		if _, err := stmt.Exec(r.VM, r.Label, r.Taken.Unix(), r.Mode, r.TotalBytes, data); err != nil {
			return fmt.Errorf("saving report: %w", err)
		}
	}
	return tx.Commit()
}

// Load retrieves the report with the given id.
func (s *Store) Load(id int64) (*Report, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM reports WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("querying report: %w", err)
	}
	return Unmarshal(data)
}

// List returns the stored reports of one VM, or of every VM when vmID is
// empty, oldest first.
func (s *Store) List(vmID string) ([]Entry, error) {
	q := "SELECT id, vm, label, taken, mode, total_bytes FROM reports"
	var args []any
	if vmID != "" {
		q += " WHERE vm = ?"
		args = append(args, vmID)
	}
	q += " ORDER BY id"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var taken int64
		if err := rows.Scan(&e.ID, &e.VM, &e.Label, &taken, &e.Mode, &e.TotalBytes); err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		e.Taken = time.Unix(taken, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
