package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-alt-batcher/internal/models"
)

// captureSink records every snapshot in emission order.
type captureSink struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (s *captureSink) Publish(_ context.Context, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *captureSink) all() []models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Snapshot, len(s.snaps))
	copy(out, s.snaps)
	return out
}

// waitTerminal blocks until a terminal snapshot has been dispatched, so
// assertions on the captured sequence are race-free.
func (s *captureSink) waitTerminal(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, snap := range s.all() {
			if snap.Status.Terminal() {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("no terminal snapshot observed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func makeItems(ids ...string) []*models.Item {
	items := make([]*models.Item, len(ids))
	for i, id := range ids {
		items[i] = &models.Item{ID: id, Payload: map[string]any{"filename": id + ".jpg"}}
	}
	return items
}

func TestJobRunsToCompletion(t *testing.T) {
	sink := &captureSink{}
	q := New(Config{Concurrency: 2, MaxRetries: 3, BackoffBase: time.Millisecond}, sink)
	defer q.Close()

	handler := func(_ context.Context, item models.Item) (map[string]any, error) {
		return map[string]any{"altText": "alt for " + item.ID}, nil
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a", "b", "c", "d", "e"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := q.Start(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.Completed != 5 || job.Failed != 0 {
		t.Fatalf("expected 5/0, got %d/%d", job.Completed, job.Failed)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatal("timestamps not set")
	}
	if job.FinishedAt.Before(*job.StartedAt) {
		t.Fatalf("finishedAt %s before startedAt %s", job.FinishedAt, job.StartedAt)
	}
	for _, it := range job.Items {
		if it.Status != models.ItemCompleted {
			t.Fatalf("item %s: expected completed, got %s", it.ID, it.Status)
		}
		if it.ProposedAlt != "alt for "+it.ID {
			t.Fatalf("item %s: proposed alt not projected, got %q", it.ID, it.ProposedAlt)
		}
		if it.Attempts != 1 {
			t.Fatalf("item %s: expected 1 attempt, got %d", it.ID, it.Attempts)
		}
	}
}

func TestRetryExhaustion(t *testing.T) {
	sink := &captureSink{}
	q := New(Config{Concurrency: 1, MaxRetries: 3, BackoffBase: time.Millisecond}, sink)
	defer q.Close()

	handler := func(context.Context, models.Item) (map[string]any, error) {
		return nil, errors.New("boom")
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := q.Start(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if job.Status != models.JobCompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %s", job.Status)
	}
	it := job.Items[0]
	if it.Status != models.ItemFailed || it.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got %s after %d", it.Status, it.Attempts)
	}
	if it.Error != "boom" {
		t.Fatalf("error not recorded, got %q", it.Error)
	}

	// Consumers must see the live transition sequence, not only the end
	// state: processing, retry, processing, retry, processing, failed.
	sink.waitTerminal(t)
	want := []models.ItemStatus{
		models.ItemProcessing, models.ItemRetry,
		models.ItemProcessing, models.ItemRetry,
		models.ItemProcessing, models.ItemFailed,
	}
	var got []models.ItemStatus
	last := models.ItemPending
	for _, snap := range sink.all() {
		if len(snap.Items) == 0 {
			continue
		}
		if st := snap.Items[0].Status; st != last {
			got = append(got, st)
			last = st
		}
	}
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPermanentErrorFailsFast(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxRetries: 3, BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	handler := func(context.Context, models.Item) (map[string]any, error) {
		return nil, Permanent(errors.New("no source url"))
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := q.Start(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	it := job.Items[0]
	if it.Status != models.ItemFailed || it.Attempts != 1 {
		t.Fatalf("expected single failed attempt, got %s after %d", it.Status, it.Attempts)
	}
}

func TestConcurrencyCap(t *testing.T) {
	q := New(Config{Concurrency: 2, MaxRetries: 1, BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	var inFlight, maxSeen int32
	handler := func(context.Context, models.Item) (map[string]any, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxSeen)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxSeen, prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return map[string]any{}, nil
	}

	if _, err := q.CreateJob("job-1", "generate", makeItems("a", "b", "c", "d", "e", "f", "g", "h"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := q.Start(context.Background(), "job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := atomic.LoadInt32(&maxSeen); got > 2 {
		t.Fatalf("concurrency cap violated: %d items in flight", got)
	}
}

func TestCancelStopsAdmission(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxRetries: 3, BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	started := make(chan string, 3)
	gate := make(chan struct{})
	handler := func(_ context.Context, item models.Item) (map[string]any, error) {
		started <- item.ID
		<-gate
		return map[string]any{}, nil
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a", "b", "c"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}

	done := make(chan *models.Job, 1)
	go func() {
		job, _ := q.Start(context.Background(), "job-1")
		done <- job
	}()

	if id := <-started; id != "a" {
		t.Fatalf("expected item a admitted first, got %s", id)
	}
	if err := q.Cancel("job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// The in-flight item runs to completion; its outcome is still recorded.
	gate <- struct{}{}

	job := <-done
	if job.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.Items[0].Status != models.ItemCompleted {
		t.Fatalf("in-flight item should finish, got %s", job.Items[0].Status)
	}
	for _, it := range job.Items[1:] {
		if it.Status != models.ItemPending {
			t.Fatalf("item %s should stay pending, got %s", it.ID, it.Status)
		}
	}

	// Cancel is idempotent, on terminal jobs too.
	if err := q.Cancel("job-1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestPauseBlocksAdmissionAndResumeContinues(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxRetries: 3, BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	started := make(chan string, 3)
	gate := make(chan struct{})
	handler := func(_ context.Context, item models.Item) (map[string]any, error) {
		started <- item.ID
		<-gate
		return map[string]any{"altText": "x"}, nil
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a", "b", "c"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}

	done := make(chan *models.Job, 1)
	go func() {
		job, _ := q.Start(context.Background(), "job-1")
		done <- job
	}()

	<-started // a is in flight
	if err := q.Pause("job-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	gate <- struct{}{} // a finishes while paused

	select {
	case id := <-started:
		t.Fatalf("item %s admitted while paused", id)
	case <-time.After(100 * time.Millisecond):
	}

	job, err := q.Get("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.JobPaused || !job.Paused {
		t.Fatalf("expected paused, got %s", job.Status)
	}

	if err := q.Resume("job-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for i := 0; i < 2; i++ {
		<-started
		gate <- struct{}{}
	}

	final := <-done
	if final.Status != models.JobCompleted || final.Completed != 3 {
		t.Fatalf("pause/resume changed outcomes: %s %d/%d", final.Status, final.Completed, final.Failed)
	}
}

func TestCancelOverridesPause(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxRetries: 3, BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	started := make(chan string, 2)
	gate := make(chan struct{})
	handler := func(_ context.Context, item models.Item) (map[string]any, error) {
		started <- item.ID
		<-gate
		return map[string]any{}, nil
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a", "b"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}

	done := make(chan *models.Job, 1)
	go func() {
		job, _ := q.Start(context.Background(), "job-1")
		done <- job
	}()

	<-started
	if err := q.Pause("job-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := q.Cancel("job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	gate <- struct{}{}

	job := <-done
	if job.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.Paused {
		t.Fatal("cancel must clear the paused flag")
	}
}

func TestBackoffDelays(t *testing.T) {
	q := New(Config{BackoffBase: time.Second, BackoffMax: 5 * time.Second}, nil)
	defer q.Close()

	if got := q.backoff(1); got != 2*time.Second {
		t.Fatalf("attempt 1: expected 2s, got %s", got)
	}
	if got := q.backoff(2); got != 4*time.Second {
		t.Fatalf("attempt 2: expected 4s, got %s", got)
	}
	if got := q.backoff(3); got != 5*time.Second {
		t.Fatalf("attempt 3: expected cap 5s, got %s", got)
	}
}

func TestBackoffWaitBetweenAttempts(t *testing.T) {
	q := New(Config{Concurrency: 1, MaxRetries: 2, BackoffBase: 10 * time.Millisecond}, nil)
	defer q.Close()

	var times []time.Time
	var mu sync.Mutex
	handler := func(context.Context, models.Item) (map[string]any, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return nil, errors.New("boom")
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := q.Start(context.Background(), "job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(times) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(times))
	}
	// Delay before the retry is 2^1 * base = 20ms.
	if gap := times[1].Sub(times[0]); gap < 20*time.Millisecond {
		t.Fatalf("retry fired too early: %s", gap)
	}
}

func TestCounterInvariants(t *testing.T) {
	sink := &captureSink{}
	q := New(Config{Concurrency: 3, MaxRetries: 2, BackoffBase: time.Millisecond}, sink)
	defer q.Close()

	handler := func(_ context.Context, item models.Item) (map[string]any, error) {
		if item.ID == "b" || item.ID == "d" {
			return nil, errors.New("boom")
		}
		return map[string]any{}, nil
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a", "b", "c", "d", "e"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := q.Start(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Completed != 3 || job.Failed != 2 {
		t.Fatalf("expected 3/2, got %d/%d", job.Completed, job.Failed)
	}
	if job.Completed+job.Failed != job.Total {
		t.Fatalf("natural completion must account for every item")
	}

	sink.waitTerminal(t)
	for _, snap := range sink.all() {
		if snap.Completed+snap.Failed > snap.Total {
			t.Fatalf("invariant violated: %d+%d > %d", snap.Completed, snap.Failed, snap.Total)
		}
	}
	for _, it := range job.Items {
		if it.Attempts > 2 {
			t.Fatalf("item %s exceeded retry budget: %d attempts", it.ID, it.Attempts)
		}
	}
}

func TestCreateJobRejectsDuplicateID(t *testing.T) {
	q := New(Config{}, nil)
	defer q.Close()

	handler := func(context.Context, models.Item) (map[string]any, error) { return nil, nil }
	if _, err := q.CreateJob("job-1", "generate", makeItems("a"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("b"), handler); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
}

func TestUnknownJobOperations(t *testing.T) {
	q := New(Config{}, nil)
	defer q.Close()

	if _, err := q.Start(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("start: expected ErrJobNotFound, got %v", err)
	}
	if err := q.Pause("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("pause: expected ErrJobNotFound, got %v", err)
	}
	if err := q.Resume("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("resume: expected ErrJobNotFound, got %v", err)
	}
	if err := q.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cancel: expected ErrJobNotFound, got %v", err)
	}
	if _, err := q.Get("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("get: expected ErrJobNotFound, got %v", err)
	}
	// Clear is a no-op when absent.
	q.Clear("missing")
}

func TestStartTwiceRejected(t *testing.T) {
	q := New(Config{BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	handler := func(context.Context, models.Item) (map[string]any, error) {
		return map[string]any{}, nil
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := q.Start(context.Background(), "job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := q.Start(context.Background(), "job-1"); !errors.Is(err, ErrJobNotPending) {
		t.Fatalf("expected ErrJobNotPending, got %v", err)
	}
}

func TestStatsAndClear(t *testing.T) {
	q := New(Config{BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	handler := func(context.Context, models.Item) (map[string]any, error) {
		return map[string]any{}, nil
	}
	if _, err := q.CreateJob("done", "generate", makeItems("a"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := q.CreateJob("waiting", "generate", makeItems("b"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := q.Start(context.Background(), "done"); err != nil {
		t.Fatalf("start: %v", err)
	}

	stats := q.Stats()
	if stats.Total != 2 || stats.Pending != 1 || stats.Completed != 1 || stats.Running != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	q.Clear("done")
	if _, err := q.Get("done"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cleared job still present: %v", err)
	}
	if got := q.Stats().Total; got != 1 {
		t.Fatalf("expected 1 job after clear, got %d", got)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	q := New(Config{BackoffBase: time.Millisecond}, nil)
	defer q.Close()

	handler := func(context.Context, models.Item) (map[string]any, error) {
		t.Error("handler must not run for a cancelled job")
		return nil, nil
	}
	if _, err := q.CreateJob("job-1", "generate", makeItems("a", "b"), handler); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := q.Cancel("job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job, err := q.Start(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	for _, it := range job.Items {
		if it.Status != models.ItemPending || it.Attempts != 0 {
			t.Fatalf("item %s touched after cancel: %s/%d", it.ID, it.Status, it.Attempts)
		}
	}
}
