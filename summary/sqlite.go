package summary

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metrics (
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	idx INTEGER NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (run_id, name, epoch, idx),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

// Run identifies one training run in the store
type Run struct {
	ID        string
	Model     string
	StartedAt time.Time
}

// SQLiteWriter appends the metrics of one run to a SQLite database.
// Rewriting a (name, epoch) pair replaces the earlier value, so a resumed
// run can repeat an epoch.
type SQLiteWriter struct {
	conn  *sql.DB
	runID string
}

func openDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return conn, nil
}

// NewSQLiteWriter opens (creating if needed) the store at path and starts a
// new run for model
func NewSQLiteWriter(path, model string) (*SQLiteWriter, error) {
	conn, err := openDB(path)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if _, err := conn.Exec("INSERT INTO runs (id, model, started_at) VALUES (?, ?, ?)", id, model, time.Now().UTC()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &SQLiteWriter{conn: conn, runID: id}, nil
}

// RunID is the uuid of the run being written
func (s *SQLiteWriter) RunID() string {
	return s.runID
}

func (s *SQLiteWriter) Scalar(name string, epoch int, value float32) error {
	return s.Vector(name, epoch, []float32{value})
}

func (s *SQLiteWriter) Vector(name string, epoch int, values []float32) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM metrics WHERE run_id = ? AND name = ? AND epoch = ?", s.runID, name, epoch); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	stmt, err := tx.Prepare("INSERT INTO metrics (run_id, name, epoch, idx, value) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer stmt.Close()
	for i, v := range values {
		if _, err := stmt.Exec(s.runID, name, epoch, i, float64(v)); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteWriter) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

// Store reads back what SQLiteWriter recorded
type Store struct {
	conn *sql.DB
}

// OpenStore opens the metrics database at path for reading
func OpenStore(path string) (*Store, error) {
	conn, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Runs lists runs, newest first, optionally filtered by model name
func (s *Store) Runs(model string) ([]Run, error) {
	query := "SELECT id, model, started_at FROM runs"
	var args []any
	if model != "" {
		query += " WHERE model = ?"
		args = append(args, model)
	}
	query += " ORDER BY started_at DESC, rowid DESC"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Model, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// History returns every point of a run ordered by epoch then name
func (s *Store) History(runID string) ([]Point, error) {
	rows, err := s.conn.Query(
		"SELECT name, epoch, idx, value FROM metrics WHERE run_id = ? ORDER BY epoch, name, idx", runID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			name       string
			epoch, idx int
			value      float64
		)
		if err := rows.Scan(&name, &epoch, &idx, &value); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		n := len(points)
		if idx == 0 || n == 0 || points[n-1].Name != name || points[n-1].Epoch != epoch {
			points = append(points, Point{Name: name, Epoch: epoch})
			n++
		}
		points[n-1].Values = append(points[n-1].Values, float32(value))
	}
	return points, rows.Err()
}
