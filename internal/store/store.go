// Package store persists jobs, attempts, and attestations in SQLite so
// that idempotency lookups and terminal states survive a process restart.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"modforge/internal/buildtypes"
	"modforge/internal/logging"
)

// Store is the SQLite-backed persistence layer. One connection, guarded
// writes; SQLite serializes the rest.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	log    *logging.Logger
}

// JobRecord is the persisted view of a BuildJob.
type JobRecord struct {
	ID             string
	Module         string
	Intent         string
	Profile        string
	IdempotencyKey string
	Status         buildtypes.JobStatus
	StatusNote     string
	Attempts       int
	BundleDigest   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AttemptRecord is one persisted attempt: its bundle digest, failure
// fingerprint, and serialized validation report.
type AttemptRecord struct {
	JobID        string
	Attempt      int
	BundleDigest string
	Fingerprint  string
	Report       *buildtypes.ValidationReport
	CreatedAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	module_id       TEXT NOT NULL,
	intent          TEXT NOT NULL,
	profile         TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	status_note     TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	bundle_digest   TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency
	ON jobs(idempotency_key) WHERE idempotency_key != '';

CREATE TABLE IF NOT EXISTS attempts (
	job_id        TEXT NOT NULL,
	attempt       INTEGER NOT NULL,
	bundle_digest TEXT NOT NULL,
	fingerprint   TEXT NOT NULL DEFAULT '',
	report        TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	PRIMARY KEY (job_id, attempt)
);

CREATE TABLE IF NOT EXISTS attestations (
	job_id     TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// New opens (or creates) the store at path and applies the schema.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, dbPath: path, log: logging.Get(logging.CategoryStore)}
	s.log.Info("store opened at %s", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateJob inserts a new job row in PENDING state.
func (s *Store) CreateJob(rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, module_id, intent, profile, idempotency_key, status, status_note, attempts, bundle_digest, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Module, rec.Intent, rec.Profile, rec.IdempotencyKey,
		string(rec.Status), rec.StatusNote, rec.Attempts, rec.BundleDigest, ts, ts)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateJob records status progression for a job.
func (s *Store) UpdateJob(id string, status buildtypes.JobStatus, note string, attempts int, bundleDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, status_note = ?, attempts = ?, bundle_digest = ?, updated_at = ?
		WHERE id = ?`,
		string(status), note, attempts, bundleDigest, now(), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job %s: not found", id)
	}
	return nil
}

func scanJob(row interface{ Scan(...interface{}) error }) (JobRecord, error) {
	var rec JobRecord
	var status, created, updated string
	err := row.Scan(&rec.ID, &rec.Module, &rec.Intent, &rec.Profile, &rec.IdempotencyKey,
		&status, &rec.StatusNote, &rec.Attempts, &rec.BundleDigest, &created, &updated)
	if err != nil {
		return JobRecord{}, err
	}
	rec.Status = buildtypes.JobStatus(status)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

const jobColumns = `id, module_id, intent, profile, idempotency_key, status, status_note, attempts, bundle_digest, created_at, updated_at`

// GetJob loads one job by id.
func (s *Store) GetJob(id string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return JobRecord{}, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return rec, nil
}

// FindByIdempotencyKey returns the job previously submitted under key, if
// any. Empty keys never match.
func (s *Store) FindByIdempotencyKey(key string) (JobRecord, bool, error) {
	if key == "" {
		return JobRecord{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key))
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return rec, true, nil
}

// RecordAttempt persists one attempt. Attempts are immutable: re-inserting
// the same (job, attempt) pair is an error.
func (s *Store) RecordAttempt(rec AttemptRecord) error {
	reportJSON := []byte("{}")
	if rec.Report != nil {
		var err error
		reportJSON, err = json.Marshal(rec.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO attempts (job_id, attempt, bundle_digest, fingerprint, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Attempt, rec.BundleDigest, rec.Fingerprint, string(reportJSON), now())
	if err != nil {
		return fmt.Errorf("insert attempt %s/%d: %w", rec.JobID, rec.Attempt, err)
	}
	return nil
}

// ListAttempts returns a job's attempts in order.
func (s *Store) ListAttempts(jobID string) ([]AttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT job_id, attempt, bundle_digest, fingerprint, report, created_at
		FROM attempts WHERE job_id = ? ORDER BY attempt`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var reportJSON, created string
		if err := rows.Scan(&rec.JobID, &rec.Attempt, &rec.BundleDigest, &rec.Fingerprint, &reportJSON, &created); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.CreatedAt = parseTime(created)
		var report buildtypes.ValidationReport
		if err := json.Unmarshal([]byte(reportJSON), &report); err == nil {
			rec.Report = &report
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveAttestation stores the serialized attestation record for a job.
// Append-only: a second write for the same job is rejected.
func (s *Store) SaveAttestation(jobID string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO attestations (job_id, record, created_at) VALUES (?, ?, ?)`,
		jobID, string(record), now())
	if err != nil {
		return fmt.Errorf("insert attestation for %s: %w", jobID, err)
	}
	return nil
}

// GetAttestation loads a job's attestation record, if present.
func (s *Store) GetAttestation(jobID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var record string
	err := s.db.QueryRow(`SELECT record FROM attestations WHERE job_id = ?`, jobID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load attestation for %s: %w", jobID, err)
	}
	return []byte(record), true, nil
}
