// Package batch implements the job queue at the heart of the tool: it owns
// batches of items, drives each item through an injected handler under a
// concurrency cap, retries failures with exponential backoff, and supports
// pause/resume/cancel while streaming full-job progress snapshots.
package batch

import (
	"context"
	"sync"
	"time"

	"media-alt-batcher/internal/models"
	"media-alt-batcher/internal/progress"
	"media-alt-batcher/internal/telemetry"
)

// Handler processes a single item and returns an opaque result map. A nil
// error marks the item completed; any other error is retried with backoff
// unless wrapped by Permanent.
type Handler func(ctx context.Context, item models.Item) (map[string]any, error)

// Config fixes queue behavior at construction time.
type Config struct {
	// Concurrency caps simultaneous in-flight handler calls per running job.
	Concurrency int
	// MaxRetries caps handler invocations per item.
	MaxRetries int
	// BackoffBase scales the retry delay: 2^attempts * BackoffBase.
	BackoffBase time.Duration
	// BackoffMax, when positive, caps the retry delay.
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	return c
}

// jobState pairs a job with its handler and control channels. The handler
// lives only here; it is never serialized or exposed.
type jobState struct {
	job     *models.Job
	handler Handler

	// cancelCh is closed exactly once when the job is cancelled.
	cancelCh chan struct{}
	// resumeCh is replaced on pause and closed by resume or cancel, waking
	// the admission loop.
	resumeCh chan struct{}
}

// Queue owns all jobs it creates. Callers interact only through its
// operations and receive copies; a single mutex guards job mutation so the
// per-item invariants hold under real goroutine concurrency.
type Queue struct {
	cfg  Config
	sink progress.Sink

	mu   sync.Mutex
	jobs map[string]*jobState

	events    chan models.Snapshot
	stopCh    chan struct{}
	closeOnce sync.Once
}

// New builds a queue. Snapshots are forwarded to sink by a dispatcher
// goroutine; pass progress.Nop() to discard them.
func New(cfg Config, sink progress.Sink) *Queue {
	if sink == nil {
		sink = progress.Nop()
	}
	q := &Queue{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		jobs:   make(map[string]*jobState),
		events: make(chan models.Snapshot, 1024),
		stopCh: make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Close stops the progress dispatcher. In-flight jobs are unaffected but
// further snapshots are dropped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.stopCh) })
}

// dispatch forwards snapshots to the sink outside the state lock so a slow
// sink cannot stall item processing.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.stopCh:
			return
		case snap := <-q.events:
			_ = q.sink.Publish(context.Background(), snap)
		}
	}
}

// emitLocked queues a snapshot of the job. Callers hold q.mu. If the buffer
// is full the snapshot is dropped; a later full snapshot supersedes it.
func (q *Queue) emitLocked(j *models.Job) {
	snap := models.NewSnapshot(j)
	select {
	case q.events <- snap:
	default:
		telemetry.ProgressDropped.Inc()
	}
}

// CreateJob registers a new job in pending status. Execution does not start
// until Start is called. Duplicate ids are rejected.
func (q *Queue) CreateJob(id, jobType string, items []*models.Item, handler Handler) (*models.Job, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[id]; exists {
		return nil, ErrJobExists
	}

	job := &models.Job{
		ID:     id,
		Type:   jobType,
		Status: models.JobPending,
		Total:  len(items),
		Items:  make([]*models.Item, len(items)),
	}
	for i, it := range items {
		job.Items[i] = &models.Item{
			ID:      it.ID,
			Payload: it.Payload,
			Status:  models.ItemPending,
		}
	}

	q.jobs[id] = &jobState{
		job:      job,
		handler:  handler,
		cancelCh: make(chan struct{}),
	}
	return job.Copy(), nil
}

// Start runs the job to a terminal status and returns the finished job.
// Handler failures never propagate; only an unknown or already-started job
// is an error. Callers wanting asynchrony run Start in a goroutine.
func (q *Queue) Start(ctx context.Context, jobID string) (*models.Job, error) {
	q.mu.Lock()
	js, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if js.job.Status != models.JobPending {
		q.mu.Unlock()
		return nil, ErrJobNotPending
	}
	now := time.Now()
	js.job.Status = models.JobRunning
	js.job.StartedAt = &now

	selected := make([]*models.Item, 0, len(js.job.Items))
	for _, it := range js.job.Items {
		if it.Status == models.ItemPending || it.Status == models.ItemRetry {
			selected = append(selected, it)
		}
	}
	q.emitLocked(js.job)
	q.mu.Unlock()

	telemetry.JobsRunning.Inc()
	defer telemetry.JobsRunning.Dec()

	// Sliding-window admission: a slot frees as soon as any in-flight item
	// finishes, and items are admitted in input order.
	slots := make(chan struct{}, q.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, it := range selected {
		if !q.admit(ctx, js, slots) {
			break
		}
		wg.Add(1)
		go func(it *models.Item) {
			defer wg.Done()
			defer func() { <-slots }()
			q.processItem(ctx, js, it)
		}(it)
	}
	wg.Wait()

	q.mu.Lock()
	if ctx.Err() != nil {
		// A dead caller context behaves like an explicit cancel.
		js.job.Cancelled = true
	}
	fin := time.Now()
	js.job.FinishedAt = &fin
	switch {
	case js.job.Cancelled:
		js.job.Status = models.JobCancelled
	case js.job.Failed > 0:
		js.job.Status = models.JobCompletedWithErrors
	default:
		js.job.Status = models.JobCompleted
	}
	q.emitLocked(js.job)
	out := js.job.Copy()
	q.mu.Unlock()
	return out, nil
}

// admit blocks until a concurrency slot is free and the job is neither
// paused nor cancelled. It returns false when no further items may be
// admitted; on true the caller owns one slot.
func (q *Queue) admit(ctx context.Context, js *jobState, slots chan struct{}) bool {
	for {
		// Wait out a pause. Resume and cancel both close resumeCh.
		for {
			q.mu.Lock()
			if js.job.Cancelled {
				q.mu.Unlock()
				return false
			}
			if !js.job.Paused {
				q.mu.Unlock()
				break
			}
			resume := js.resumeCh
			q.mu.Unlock()
			select {
			case <-resume:
			case <-js.cancelCh:
				return false
			case <-ctx.Done():
				return false
			}
		}

		select {
		case slots <- struct{}{}:
		case <-js.cancelCh:
			return false
		case <-ctx.Done():
			return false
		}

		// Control flags may have flipped while blocked on a slot.
		q.mu.Lock()
		cancelled, paused := js.job.Cancelled, js.job.Paused
		q.mu.Unlock()
		if cancelled {
			<-slots
			return false
		}
		if paused {
			<-slots
			continue
		}
		return true
	}
}

// processItem drives one item through processing, retry backoff, and a
// terminal completed/failed state, emitting progress on every transition.
func (q *Queue) processItem(ctx context.Context, js *jobState, it *models.Item) {
	for {
		q.mu.Lock()
		it.Status = models.ItemProcessing
		it.Attempts++
		attempts := it.Attempts
		arg := *it
		q.emitLocked(js.job)
		q.mu.Unlock()

		telemetry.ItemsInFlight.Inc()
		result, err := js.handler(ctx, arg)
		telemetry.ItemsInFlight.Dec()

		if err == nil {
			q.mu.Lock()
			it.Status = models.ItemCompleted
			it.Result = result
			it.Error = ""
			if alt, ok := result["altText"].(string); ok {
				it.ProposedAlt = alt
			}
			js.job.Completed++
			q.emitLocked(js.job)
			q.mu.Unlock()
			telemetry.ItemsCompleted.Inc()
			return
		}

		if isPermanent(err) || attempts >= q.cfg.MaxRetries {
			q.mu.Lock()
			it.Status = models.ItemFailed
			it.Error = err.Error()
			js.job.Failed++
			q.emitLocked(js.job)
			q.mu.Unlock()
			telemetry.ItemsFailed.Inc()
			return
		}

		q.mu.Lock()
		it.Status = models.ItemRetry
		q.emitLocked(js.job)
		q.mu.Unlock()
		telemetry.ItemRetries.Inc()

		// Backoff, then reprocess unless the job was cancelled meanwhile.
		// An item parked here by cancellation keeps its retry status.
		select {
		case <-time.After(q.backoff(attempts)):
		case <-js.cancelCh:
			return
		case <-ctx.Done():
			return
		}
		q.mu.Lock()
		cancelled := js.job.Cancelled
		q.mu.Unlock()
		if cancelled {
			return
		}
	}
}

// backoff computes the delay before the next attempt: 2^attempts * base.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BackoffBase * time.Duration(1<<uint(attempts))
	if q.cfg.BackoffMax > 0 && d > q.cfg.BackoffMax {
		d = q.cfg.BackoffMax
	}
	return d
}

// Pause suspends admission of new items. In-flight items run to completion.
// No-op unless the job is running.
func (q *Queue) Pause(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	js, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if js.job.Status != models.JobRunning || js.job.Paused {
		return nil
	}
	js.job.Paused = true
	js.job.Status = models.JobPaused
	js.resumeCh = make(chan struct{})
	q.emitLocked(js.job)
	return nil
}

// Resume lifts a pause. No-op unless the job is currently paused.
func (q *Queue) Resume(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	js, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !js.job.Paused {
		return nil
	}
	js.job.Paused = false
	js.job.Status = models.JobRunning
	close(js.resumeCh)
	q.emitLocked(js.job)
	return nil
}

// Cancel stops admission of new items and further retries. Cancellation is
// cooperative: in-flight handler calls run to completion and their outcomes
// are still recorded. Overrides pause; idempotent.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	js, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if js.job.Cancelled || js.job.Status.Terminal() {
		return nil
	}
	js.job.Cancelled = true
	if js.job.Paused {
		js.job.Paused = false
		js.job.Status = models.JobRunning
		close(js.resumeCh)
	}
	close(js.cancelCh)
	q.emitLocked(js.job)
	return nil
}

// Get returns a copy of the job.
func (q *Queue) Get(jobID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	js, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return js.job.Copy(), nil
}

// Clear removes the job and releases its memory. Jobs are never collected
// implicitly, so callers clear finished jobs to bound memory. No-op when
// absent.
func (q *Queue) Clear(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, jobID)
}

// Stats counts owned jobs by coarse state. Paused jobs count as running;
// every terminal status counts as completed.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := models.QueueStats{Total: len(q.jobs)}
	for _, js := range q.jobs {
		switch {
		case js.job.Status == models.JobPending:
			stats.Pending++
		case js.job.Status.Terminal():
			stats.Completed++
		default:
			stats.Running++
		}
	}
	return stats
}
