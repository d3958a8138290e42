// Package scheduler drives an agent's autonomous activity: the
// fixed-interval heartbeat and the cron jobs (interval, expression,
// and one-shot), injecting turns into sessions behind the same busy
// gate user messages use.
package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

const jobSchema = `
CREATE TABLE IF NOT EXISTS cron_jobs (
	job_id      TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	config      TEXT,
	last_run    INTEGER,
	next_run    INTEGER,
	status      TEXT NOT NULL DEFAULT 'active',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
`

// JobStore persists dynamically created cron jobs so reminders survive
// restarts. Jobs declared in cron.toml are not stored; the file is
// their source of truth.
type JobStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenJobStore opens the job table in the agent database. WAL mode is
// already set by the session store sharing the file.
func OpenJobStore(dbPath string, logger *slog.Logger) (*JobStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	if _, err := db.Exec(jobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing job schema: %w", err)
	}
	return &JobStore{db: db, logger: logger.With("component", "job-store")}, nil
}

// Close closes the store.
func (js *JobStore) Close() error { return js.db.Close() }

// jobType maps a schedule variant to the stored type column.
func jobType(job *config.CronJob) string {
	if job.Schedule.Kind() == "at" {
		return "one-shot"
	}
	return "recurring"
}

// Save upserts a job row.
func (js *JobStore) Save(job *config.CronJob) error {
	cfg, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}
	var nextRun any
	if job.Schedule.Kind() == "at" {
		if at, err := job.Schedule.AtTime(); err == nil {
			nextRun = at.Unix()
		}
	}
	_, err = js.db.Exec(`
		INSERT INTO cron_jobs (job_id, type, config, next_run, status, created_at)
		VALUES (?, ?, ?, ?, 'active', ?)
		ON CONFLICT(job_id) DO UPDATE SET
			type = excluded.type,
			config = excluded.config,
			next_run = excluded.next_run,
			status = excluded.status`,
		job.ID, jobType(job), string(cfg), nextRun, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

// Delete removes a job row, e.g. after a one-shot fires.
func (js *JobStore) Delete(id string) error {
	if _, err := js.db.Exec(`DELETE FROM cron_jobs WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

// MarkRun records a firing of a recurring job.
func (js *JobStore) MarkRun(id string, at time.Time) {
	if _, err := js.db.Exec(`UPDATE cron_jobs SET last_run = ? WHERE job_id = ?`, at.Unix(), id); err != nil {
		js.logger.Warn("could not record job run", "job", id, "error", err)
	}
}

// LoadAll returns the persisted jobs. A malformed row is logged and
// skipped; one bad reminder must not take the agent down.
func (js *JobStore) LoadAll() ([]config.CronJob, error) {
	rows, err := js.db.Query(`SELECT job_id, config FROM cron_jobs WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []config.CronJob
	for rows.Next() {
		var id string
		var cfg sql.NullString
		if err := rows.Scan(&id, &cfg); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		var job config.CronJob
		if !cfg.Valid || json.Unmarshal([]byte(cfg.String), &job) != nil {
			js.logger.Warn("skipping malformed persisted job", "job", id)
			continue
		}
		if err := job.Validate(); err != nil {
			js.logger.Warn("skipping invalid persisted job", "job", id, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
