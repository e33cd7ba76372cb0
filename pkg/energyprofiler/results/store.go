package results

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

// SessionRow is one completed session as kept in the history store
type SessionRow struct {
	ID             string
	Dir            string
	Framework      string
	Language       string
	EndpointName   string
	Runs           int
	Timestamp      time.Time
	EnergyMeanWh   float64
	EnergyStdDevWh float64
	EmissionsMean  float64
	DurationMeanS  float64
	Statistics     types.Statistics
}

// SQLiteStore keeps run and session history in SQLite
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// NewSQLiteStore opens or creates the history database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS energy_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_dir TEXT NOT NULL,
		run_index INTEGER NOT NULL,
		framework TEXT NOT NULL,
		language TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_s REAL NOT NULL,
		energy_wh REAL NOT NULL,
		cpu_wh REAL NOT NULL,
		ram_wh REAL NOT NULL,
		gpu_wh REAL NOT NULL,
		emissions_mg REAL NOT NULL,
		requests_per_sec REAL,
		metadata TEXT, -- JSON blob
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS energy_sessions (
		id TEXT PRIMARY KEY,
		session_dir TEXT NOT NULL,
		framework TEXT NOT NULL,
		language TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		runs INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		energy_mean_wh REAL NOT NULL,
		energy_stddev_wh REAL NOT NULL,
		emissions_mean_mg REAL NOT NULL,
		duration_mean_s REAL NOT NULL,
		statistics TEXT NOT NULL, -- JSON blob
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_session_index ON energy_runs(session_dir, run_index);
	CREATE INDEX IF NOT EXISTS idx_sessions_framework_ts ON energy_sessions(framework, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	statements := map[string]string{
		"insert_run": `
			INSERT OR REPLACE INTO energy_runs (
				session_dir, run_index, framework, language, endpoint, started_at,
				duration_s, energy_wh, cpu_wh, ram_wh, gpu_wh, emissions_mg,
				requests_per_sec, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"insert_session": `
			INSERT OR REPLACE INTO energy_sessions (
				id, session_dir, framework, language, endpoint, runs, timestamp,
				energy_mean_wh, energy_stddev_wh, emissions_mean_mg, duration_mean_s,
				statistics
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"select_sessions": `
			SELECT id, session_dir, framework, language, endpoint, runs, timestamp,
				   energy_mean_wh, energy_stddev_wh, emissions_mean_mg, duration_mean_s,
				   statistics
			FROM energy_sessions
			WHERE (? = '' OR framework = ?)
			ORDER BY timestamp DESC
			LIMIT ?
		`,
		"count_runs": `
			SELECT COUNT(*) FROM energy_runs WHERE session_dir = ?
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		s.prepared[name] = stmt
	}
	return nil
}

// WriteRun stores one run. Rewriting the same run index replaces it.
func (s *SQLiteStore) WriteRun(sessionDir string, index int, rec types.RunRecord, load *workload.Result) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}
	var rps sql.NullFloat64
	if load != nil {
		rps = sql.NullFloat64{Float64: load.RequestsPerSec, Valid: true}
	}

	_, err = s.prepared["insert_run"].Exec(
		sessionDir,
		index,
		rec.Framework,
		rec.Language,
		rec.EndpointName,
		rec.StartedAt.UTC(),
		rec.DurationSeconds,
		rec.EnergyWh,
		rec.CPUWattHours,
		rec.RAMWattHours,
		rec.GPUWattHours,
		rec.EmissionsMgCO2e,
		rps,
		string(metadata),
	)
	if err != nil {
		klog.V(2).InfoS("Failed to store run", "err", err, "framework", rec.Framework, "run", index)
		return fmt.Errorf("failed to store run %d: %w", index, err)
	}

	klog.V(3).InfoS("Stored run", "framework", rec.Framework, "run", index, "energyWh", rec.EnergyWh)
	return nil
}

// WriteSession stores the summary of a completed session
func (s *SQLiteStore) WriteSession(o SessionOutcome) error {
	if o.Summary == nil {
		return fmt.Errorf("session %s has no summary", o.ID)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sum := o.Summary
	statistics, err := json.Marshal(sum.Statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}

	_, err = s.prepared["insert_session"].Exec(
		o.ID,
		o.Dir,
		sum.Framework,
		sum.Language,
		sum.EndpointName,
		sum.RunCount,
		sum.Timestamp.UTC(),
		sum.Statistics.EnergyWh.Mean,
		sum.Statistics.EnergyWh.StdDev,
		sum.Statistics.EmissionsMgCO2e.Mean,
		sum.Statistics.DurationS.Mean,
		string(statistics),
	)
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", o.ID, err)
	}

	klog.V(2).InfoS("Stored session", "id", o.ID, "framework", sum.Framework, "runs", sum.RunCount)
	return nil
}

// RecentSessions returns the newest sessions first. An empty framework
// matches all frameworks.
func (s *SQLiteStore) RecentSessions(framework string, limit int) ([]SessionRow, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_sessions"].Query(framework, framework, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		var row SessionRow
		var statistics string
		err := rows.Scan(
			&row.ID,
			&row.Dir,
			&row.Framework,
			&row.Language,
			&row.EndpointName,
			&row.Runs,
			&row.Timestamp,
			&row.EnergyMeanWh,
			&row.EnergyStdDevWh,
			&row.EmissionsMean,
			&row.DurationMeanS,
			&statistics,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(statistics), &row.Statistics); err != nil {
			klog.V(2).InfoS("Failed to unmarshal session statistics", "id", row.ID, "err", err)
		}
		sessions = append(sessions, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return sessions, nil
}

// RunCount returns how many runs are stored for a session directory
func (s *SQLiteStore) RunCount(sessionDir string) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var n int
	if err := s.prepared["count_runs"].QueryRow(sessionDir).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}
	return s.db.Close()
}
