package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cireil/cireilclaw/pkg/cireilclaw/config"
)

func TestJobStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store, err := OpenJobStore(filepath.Join(t.TempDir(), "sessions.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	job := config.CronJob{
		ID: "remind-standup", Enabled: true,
		Schedule:  config.ScheduleSpec{At: time.Now().Add(time.Hour).UTC().Format(time.RFC3339)},
		Execution: "isolated", Delivery: "announce", Target: "last",
		Prompt: "remind the team about standup",
	}
	if err := store.Save(&job); err != nil {
		t.Fatal(err)
	}
	// Saving again is an upsert, not a duplicate.
	if err := store.Save(&job); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("loaded %d jobs, want 1", len(jobs))
	}
	got := jobs[0]
	if got.ID != job.ID || got.Prompt != job.Prompt || got.Schedule.At != job.Schedule.At {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	store.MarkRun(job.ID, time.Now())

	if err := store.Delete(job.ID); err != nil {
		t.Fatal(err)
	}
	jobs, err = store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("deleted job still loads: %d jobs", len(jobs))
	}
}

func TestJobStoreSkipsMalformedRow(t *testing.T) {
	t.Parallel()
	store, err := OpenJobStore(filepath.Join(t.TempDir(), "sessions.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.db.Exec(
		`INSERT INTO cron_jobs (job_id, type, config, created_at) VALUES (?, ?, ?, ?)`,
		"broken", "one-shot", "{not json", time.Now().Unix(),
	); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("malformed row surfaced as %d jobs", len(jobs))
	}
}
