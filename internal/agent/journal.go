package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal records admitted jobs in a local SQLite database so that jobs
// interrupted by a process restart can be reported on the next connect.
// A nil *Journal is valid and records nothing.
//
// Each OpenJournal tags the rows it writes with a fresh run id, so rows
// left by an earlier process can be told apart from live ones.
type Journal struct {
	db     *sql.DB
	dbPath string
	runID  string
	mu     sync.Mutex
}

// JournalEntry is a job recorded in the journal.
type JournalEntry struct {
	ExecutionID string
	JobID       string
	WorkflowID  string
	Status      string
	Job         journalJob
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// journalJob is the subset of a job persisted as JSON.
type journalJob struct {
	DocumentPath string `json:"documentPath,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs"`
}

// OpenJournal opens (or creates) the journal in stateDir.
func OpenJournal(stateDir string) (*Journal, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, "journal.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := createJournalTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{
		db:     db,
		dbPath: dbPath,
		runID:  uuid.NewString(),
	}, nil
}

func createJournalTables(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			job_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addRunColumn(db)
}

// addRunColumn upgrades journals created before rows carried a run id.
func addRunColumn(db *sql.DB) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info('executions')")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == "run_id" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec("ALTER TABLE executions ADD COLUMN run_id TEXT NOT NULL DEFAULT ''")
	return err
}

// Record saves or updates a job.
func (j *Journal) Record(job *Job, status JobStatus) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	jobJSON, err := json.Marshal(journalJob{
		DocumentPath: job.DocumentPath,
		TimeoutMs:    job.Timeout.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	query := `
		INSERT INTO executions (execution_id, job_id, workflow_id, status, job_json, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			job_json = excluded.job_json,
			run_id = excluded.run_id,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := j.db.Exec(query, job.ExecutionID, job.JobID, job.WorkflowID, string(status), string(jobJSON), j.runID); err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}
	return nil
}

// Remove deletes a job from the journal.
func (j *Journal) Remove(executionID string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec("DELETE FROM executions WHERE execution_id = ?", executionID); err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

// Pending returns every recorded job, oldest first.
func (j *Journal) Pending() ([]JournalEntry, error) {
	return j.query("1 = 1")
}

// Orphaned returns the jobs recorded by an earlier process, oldest first.
// Jobs this process admitted never appear, even after they finish.
func (j *Journal) Orphaned() ([]JournalEntry, error) {
	if j == nil {
		return nil, nil
	}
	return j.query("run_id != ?", j.runID)
}

func (j *Journal) query(where string, args ...any) ([]JournalEntry, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	query := `
		SELECT execution_id, job_id, workflow_id, status, job_json, created_at, updated_at
		FROM executions
		WHERE ` + where + `
		ORDER BY created_at ASC, execution_id ASC
	`

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var jobJSON string

		if err := rows.Scan(&entry.ExecutionID, &entry.JobID, &entry.WorkflowID, &entry.Status, &jobJSON, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(jobJSON), &entry.Job); err != nil {
			return nil, fmt.Errorf("failed to deserialize job: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
