// Package history records finished jobs in a local SQLite file so past
// runs stay reviewable. It stores outcomes only; live job state is never
// persisted and a recorded job cannot be resumed.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"media-alt-batcher/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	job_id      TEXT PRIMARY KEY,
	job_type    TEXT NOT NULL,
	status      TEXT NOT NULL,
	total       INTEGER NOT NULL,
	completed   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP,
	recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS item_results (
	job_id       TEXT NOT NULL,
	item_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	proposed_alt TEXT,
	error        TEXT,
	PRIMARY KEY (job_id, item_id),
	FOREIGN KEY (job_id) REFERENCES job_runs(job_id) ON DELETE CASCADE
);
`

// RunSummary is one row of the run listing.
type RunSummary struct {
	JobID      string     `json:"job_id"`
	JobType    string     `json:"job_type"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ItemResult is the stored outcome of one item.
type ItemResult struct {
	ItemID      string `json:"item_id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	ProposedAlt string `json:"proposed_alt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or migrates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordJob inserts a finished job and its item outcomes in one
// transaction. Re-recording the same job id replaces the previous rows.
func (s *Store) RecordJob(ctx context.Context, job *models.Job) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is not finished (status %s)", job.ID, job.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO job_runs
			(job_id, job_type, status, total, completed, failed, started_at, finished_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, string(job.Status), job.Total, job.Completed, job.Failed,
		job.StartedAt, job.FinishedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM item_results WHERE job_id = ?`, job.ID); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	for _, it := range job.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO item_results (job_id, item_id, status, attempts, proposed_alt, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			job.ID, it.ID, string(it.Status), it.Attempts, it.ProposedAlt, it.Error,
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", it.ID, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, job_type, status, total, completed, failed, started_at, finished_at
		FROM job_runs ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.JobID, &r.JobType, &r.Status, &r.Total, &r.Completed, &r.Failed, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ItemResults returns the stored outcomes for one run, item id order.
func (s *Store) ItemResults(ctx context.Context, jobID string) ([]ItemResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, status, attempts, proposed_alt, error
		FROM item_results WHERE job_id = ? ORDER BY item_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []ItemResult
	for rows.Next() {
		var it ItemResult
		var alt, errText sql.NullString
		if err := rows.Scan(&it.ItemID, &it.Status, &it.Attempts, &alt, &errText); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.ProposedAlt = alt.String
		it.Error = errText.String
		items = append(items, it)
	}
	return items, rows.Err()
}
