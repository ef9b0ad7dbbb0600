package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"media-alt-batcher/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func finishedJob(id string) *models.Job {
	started := time.Now().Add(-time.Minute).UTC()
	finished := time.Now().UTC()
	return &models.Job{
		ID:         id,
		Type:       "generate",
		Status:     models.JobCompletedWithErrors,
		Total:      2,
		Completed:  1,
		Failed:     1,
		StartedAt:  &started,
		FinishedAt: &finished,
		Items: []*models.Item{
			{ID: "a1", Status: models.ItemCompleted, Attempts: 1, ProposedAlt: "a red bicycle"},
			{ID: "a2", Status: models.ItemFailed, Attempts: 3, Error: "timeout"},
		},
	}
}

func TestRecordAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordJob(ctx, finishedJob("job-1")); err != nil {
		t.Fatalf("record job: %v", err)
	}
	if err := s.RecordJob(ctx, finishedJob("job-2")); err != nil {
		t.Fatalf("record job: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != "completed_with_errors" || run.Total != 2 || run.Completed != 1 || run.Failed != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Fatal("timestamps lost in round trip")
	}
}

func TestItemResultsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordJob(ctx, finishedJob("job-1")); err != nil {
		t.Fatalf("record job: %v", err)
	}

	items, err := s.ItemResults(ctx, "job-1")
	if err != nil {
		t.Fatalf("item results: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ItemID != "a1" || items[0].ProposedAlt != "a red bicycle" || items[0].Attempts != 1 {
		t.Fatalf("unexpected item: %+v", items[0])
	}
	if items[1].Status != "failed" || items[1].Error != "timeout" {
		t.Fatalf("unexpected item: %+v", items[1])
	}
}

func TestRecordJobRejectsRunning(t *testing.T) {
	s := openTestStore(t)

	job := finishedJob("job-1")
	job.Status = models.JobRunning
	if err := s.RecordJob(context.Background(), job); err == nil {
		t.Fatal("expected error for unfinished job")
	}
}

func TestReRecordReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordJob(ctx, finishedJob("job-1")); err != nil {
		t.Fatalf("record job: %v", err)
	}

	job := finishedJob("job-1")
	job.Status = models.JobCancelled
	job.Items = job.Items[:1]
	if err := s.RecordJob(ctx, job); err != nil {
		t.Fatalf("re-record job: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "cancelled" {
		t.Fatalf("re-record did not replace: %+v", runs)
	}
	items, err := s.ItemResults(ctx, "job-1")
	if err != nil {
		t.Fatalf("item results: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("stale item rows survived: %d", len(items))
	}
}

func TestItemResultsUnknownJob(t *testing.T) {
	s := openTestStore(t)

	items, err := s.ItemResults(context.Background(), "missing")
	if err != nil {
		t.Fatalf("item results: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}
}
