// Package history records training runs and their per-epoch metrics in a
// SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/SPINLab/mrgcn/core/train"
)

const (
	// DefaultPath is where the history database lives when none is given.
	DefaultPath = ".mrgcn/history.db"

	schemaVersion = 1
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Store is the run-history database.
type Store struct {
	db   *sql.DB
	path string
}

// StoreConfig configures the store.
type StoreConfig struct {
	Path string // Path to SQLite database file
}

// NewStore opens or creates the history database.
func NewStore(cfg StoreConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// A single connection keeps in-memory databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		test_loss REAL,
		test_accuracy REAL
	);

	CREATE TABLE IF NOT EXISTS epochs (
		run_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		loss REAL,
		train_loss REAL,
		train_accuracy REAL,
		val_loss REAL,
		val_accuracy REAL,
		seconds REAL NOT NULL,
		PRIMARY KEY (run_id, epoch),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a run row in the running state. config is stored verbatim
// so the run can be reproduced.
func (s *Store) StartRun(ctx context.Context, name string, config []byte) (*Run, error) {
	r := &Run{store: s, ID: uuid.NewString(), Name: name}
	err := s.exec(ctx,
		"INSERT INTO runs (id, name, config, status, started_at) VALUES (?, ?, ?, ?, ?)",
		r.ID, name, string(config), StatusRunning, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return r, nil
}

// Run is one training run. It implements train.Recorder.
type Run struct {
	store *Store
	ID    string
	Name  string
}

// RecordEpoch stores the metrics of one epoch. Non-finite values and
// metrics that were not evaluated are stored as NULL.
func (r *Run) RecordEpoch(ctx context.Context, e train.EpochResult) error {
	var trainLoss, trainAcc, valLoss, valAcc sql.NullFloat64
	if e.Evaluated {
		trainLoss, trainAcc = nullable(e.TrainLoss), nullable(e.TrainAcc)
		valLoss, valAcc = nullable(e.ValLoss), nullable(e.ValAcc)
	}
	err := r.store.exec(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, loss, train_loss, train_accuracy, val_loss, val_accuracy, seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, e.Epoch, nullable(e.Loss), trainLoss, trainAcc, valLoss, valAcc, e.Duration.Seconds())
	if err != nil {
		return fmt.Errorf("failed to record epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// RecordTest stores the test result and marks the run completed.
func (r *Run) RecordTest(ctx context.Context, t train.TestResult) error {
	err := r.store.exec(ctx,
		"UPDATE runs SET test_loss = ?, test_accuracy = ?, status = ?, finished_at = ? WHERE id = ?",
		nullable(t.Loss), nullable(t.Accuracy), StatusCompleted, time.Now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("failed to record test result: %w", err)
	}
	return nil
}

// Fail marks the run failed unless it already completed.
func (r *Run) Fail(ctx context.Context) error {
	err := r.store.exec(ctx,
		"UPDATE runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?",
		StatusFailed, time.Now().UTC(), r.ID, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID           string
	Name         string
	Config       string
	Status       string
	StartedAt    time.Time
	TestLoss     float64
	TestAccuracy float64
}

// GetRun loads one run. Missing test metrics read back as NaN.
func (s *Store) GetRun(ctx context.Context, id string) (*RunSummary, error) {
	var (
		rs       RunSummary
		loss     sql.NullFloat64
		accuracy sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, config, status, started_at, test_loss, test_accuracy FROM runs WHERE id = ?", id).
		Scan(&rs.ID, &rs.Name, &rs.Config, &rs.Status, &rs.StartedAt, &loss, &accuracy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	rs.TestLoss, rs.TestAccuracy = valueOf(loss), valueOf(accuracy)
	return &rs, nil
}

// Epochs returns the recorded epochs of a run in order. Missing metrics read
// back as NaN.
func (s *Store) Epochs(ctx context.Context, runID string) ([]train.EpochResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, loss, train_loss, train_accuracy, val_loss, val_accuracy, seconds
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var out []train.EpochResult
	for rows.Next() {
		var (
			e                                          train.EpochResult
			loss, trainLoss, trainAcc, valLoss, valAcc sql.NullFloat64
			seconds                                    float64
		)
		if err := rows.Scan(&e.Epoch, &loss, &trainLoss, &trainAcc, &valLoss, &valAcc, &seconds); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		e.Loss = valueOf(loss)
		e.Evaluated = trainLoss.Valid || trainAcc.Valid || valLoss.Valid || valAcc.Valid
		e.TrainLoss, e.TrainAcc = valueOf(trainLoss), valueOf(trainAcc)
		e.ValLoss, e.ValAcc = valueOf(valLoss), valueOf(valAcc)
		e.Duration = time.Duration(seconds * float64(time.Second))
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func valueOf(n sql.NullFloat64) float64 {
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}
