// Package store persists analysis runs in a single-file SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"dcemri/pkg/aif"
	"dcemri/pkg/kinetics"
)

var log = logging.Logger("store")

var (
	// ErrNotFound is returned when a run does not exist
	ErrNotFound = errors.New("run not found")

	// ErrClosed is returned when the store is used after Close
	ErrClosed = errors.New("store is closed")
)

// Curve is a stored time course
type Curve struct {
	Timeline []float64 `json:"timeline"`
	Values   []float64 `json:"values"`
}

// AIFReport records how the arterial input function was selected
type AIFReport struct {
	PeakTimestep           int     `json:"peakTimestep"`
	PeakFound              bool    `json:"peakFound"`
	BestCost               float64 `json:"bestCost"`
	CostAfterMorphology    float64 `json:"costAfterMorphology"`
	CostAfterRegionGrowing float64 `json:"costAfterRegionGrowing"`
	ClusterSizes           []int   `json:"clusterSizes"`
	MaskVoxels             int     `json:"maskVoxels"`
}

// Run is one persisted analysis
type Run struct {
	ID        string
	PatientID string
	CreatedAt time.Time
	AIFMethod string

	AIF        Curve
	AIFReport  *AIFReport
	Candidates []aif.RegionCost

	Stats     []kinetics.ParameterStats
	RegionFit *kinetics.VoxelFit

	ConfigYAML string
}

// SQLiteStore stores runs with WAL journaling and transactional writes
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// Open creates or opens the database at path and migrates the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	log.Debugw("opened run store", "path", path)
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT NOT NULL PRIMARY KEY,
			patient_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			aif_method TEXT NOT NULL,
			aif TEXT NOT NULL,
			aif_report TEXT,
			candidates TEXT,
			region_fit TEXT,
			config TEXT NOT NULL DEFAULT ''
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_patient ON runs(patient_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_patient: %w", err)
	}

	// NULL statistics stand for parameters without converged voxels
	statsTable := `
		CREATE TABLE IF NOT EXISTS run_stats (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			n INTEGER NOT NULL,
			mean REAL,
			median REAL,
			std REAL,
			p10 REAL,
			p25 REAL,
			p75 REAL,
			p90 REAL,
			PRIMARY KEY (run_id, name)
		)
	`
	if _, err := s.db.ExecContext(ctx, statsTable); err != nil {
		return fmt.Errorf("failed to create run_stats table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveRun inserts run and its statistics in one transaction. An empty ID is
// replaced by a new UUID and a zero CreatedAt by the current time.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	aifJSON, err := json.Marshal(run.AIF)
	if err != nil {
		return fmt.Errorf("failed to marshal aif: %w", err)
	}
	reportJSON, err := marshalNullable(run.AIFReport)
	if err != nil {
		return fmt.Errorf("failed to marshal aif report: %w", err)
	}
	candidatesJSON, err := marshalNullable(run.Candidates)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}
	fitJSON, err := marshalNullable(run.RegionFit)
	if err != nil {
		return fmt.Errorf("failed to marshal region fit: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, patient_id, created_at, aif_method, aif, aif_report, candidates, region_fit, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.PatientID, run.CreatedAt.UnixNano(), run.AIFMethod, string(aifJSON),
		reportJSON, candidatesJSON, fitJSON, run.ConfigYAML)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for i, st := range run.Stats {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_stats (run_id, position, name, n, mean, median, std, p10, p25, p75, p90)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, i, st.Name, st.N, nullable(st.Mean), nullable(st.Median), nullable(st.Std),
			nullable(st.P10), nullable(st.P25), nullable(st.P75), nullable(st.P90))
		if err != nil {
			return fmt.Errorf("failed to save %s statistics: %w", st.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	log.Infow("saved run", "id", run.ID, "patient", run.PatientID)
	return nil
}

// GetRun loads a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, created_at, aif_method, aif, aif_report, candidates, region_fit, config
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run.Stats, err = s.loadStats(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, limited to patientID when it is not
// empty and to limit rows when limit is positive
func (s *SQLiteStore) ListRuns(ctx context.Context, patientID string, limit int) ([]*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, created_at, aif_method, aif, aif_report, candidates, region_fit, config
		FROM runs
		WHERE ? = '' OR patient_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, patientID, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Statistics are loaded after the cursor is released since the pool has one connection
	for _, run := range runs {
		if run.Stats, err = s.loadStats(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// DeleteRun removes a run and its statistics
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_stats WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete statistics: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) loadStats(ctx context.Context, runID string) ([]kinetics.ParameterStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, n, mean, median, std, p10, p25, p75, p90
		FROM run_stats WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load statistics: %w", err)
	}
	defer rows.Close()

	var stats []kinetics.ParameterStats
	for rows.Next() {
		var st kinetics.ParameterStats
		var mean, median, std, p10, p25, p75, p90 sql.NullFloat64
		if err := rows.Scan(&st.Name, &st.N, &mean, &median, &std, &p10, &p25, &p75, &p90); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		st.Mean, st.Median, st.Std = value(mean), value(median), value(std)
		st.P10, st.P25, st.P75, st.P90 = value(p10), value(p25), value(p75), value(p90)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var createdAt int64
	var aifJSON string
	var report, candidates, fit sql.NullString
	err := row.Scan(&run.ID, &run.PatientID, &createdAt, &run.AIFMethod, &aifJSON,
		&report, &candidates, &fit, &run.ConfigYAML)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := json.Unmarshal([]byte(aifJSON), &run.AIF); err != nil {
		return nil, fmt.Errorf("failed to unmarshal aif: %w", err)
	}
	if report.Valid {
		run.AIFReport = &AIFReport{}
		if err := json.Unmarshal([]byte(report.String), run.AIFReport); err != nil {
			return nil, fmt.Errorf("failed to unmarshal aif report: %w", err)
		}
	}
	if candidates.Valid {
		if err := json.Unmarshal([]byte(candidates.String), &run.Candidates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidates: %w", err)
		}
	}
	if fit.Valid {
		run.RegionFit = &kinetics.VoxelFit{}
		if err := json.Unmarshal([]byte(fit.String), run.RegionFit); err != nil {
			return nil, fmt.Errorf("failed to unmarshal region fit: %w", err)
		}
	}
	return &run, nil
}

// marshalNullable encodes v as JSON, or NULL when v is a nil pointer or slice
func marshalNullable[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func value(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
