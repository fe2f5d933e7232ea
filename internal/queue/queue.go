// Package queue buffers outbound delivery jobs and drains them through a
// bounded worker pool with retry, backoff and per-device rate limiting.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// Config holds the recognized retry and throughput options.
type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	NumWorkers    int
	RatePerDevice rate.Limit
	RateBurst     int
	Retention     time.Duration
}

// WithDefaults fills unset options with conservative values.
func (c Config) WithDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.RatePerDevice <= 0 {
		c.RatePerDevice = 1
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// jobEntry wraps the public job with queue-internal ownership flags.
type jobEntry struct {
	job       notification.DeliveryJob
	inflight  bool
	cancelled bool
}

type schedEntry struct {
	key notification.JobKey
	at  time.Time
}

type schedHeap []schedEntry

func (h schedHeap) Len() int            { return len(h) }
func (h schedHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h schedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *schedHeap) Push(x any)         { *h = append(*h, x.(schedEntry)) }
func (h *schedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue owns the delivery job table and all job state transitions. A job is
// dispatched to exactly one worker at a time (it leaves the schedule while
// in flight), which serializes sends per (eventId, deviceId).
type Queue struct {
	cfg      Config
	gateway  dispatch.Gateway
	recorder dispatch.DeliveryRecorder
	logger   *slog.Logger

	mu       sync.Mutex
	jobs     map[notification.JobKey]*jobEntry
	byEvent  map[string][]notification.JobKey
	sched    schedHeap
	limiters map[string]*rate.Limiter

	work chan notification.JobKey
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, gateway dispatch.Gateway, recorder dispatch.DeliveryRecorder, logger *slog.Logger) *Queue {
	cfg = cfg.WithDefaults()
	return &Queue{
		cfg:      cfg,
		gateway:  gateway,
		recorder: recorder,
		logger:   logger.With("component", "DeliveryQueue"),
		jobs:     make(map[notification.JobKey]*jobEntry),
		byEvent:  make(map[string][]notification.JobKey),
		limiters: make(map[string]*rate.Limiter),
		work:     make(chan notification.JobKey),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the scheduler, the worker pool and the retention janitor.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.runScheduler()

	for i := 0; i < q.cfg.NumWorkers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}

	q.wg.Add(1)
	go q.runJanitor()

	q.logger.Info("Delivery queue started", "workers", q.cfg.NumWorkers, "max_attempts", q.cfg.MaxAttempts)
}

// Stop drains the pool. In-flight sends finish; nothing new is dispatched.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
	q.logger.Info("Delivery queue stopped")
}

// Enqueue adds one pending job per (event, device). Idempotent: a key that
// already exists, pending or terminal, is left untouched so an upstream
// event retry never causes duplicate delivery. Returns the number of jobs
// actually created.
func (q *Queue) Enqueue(jobs []notification.DeliveryJob) int {
	now := time.Now()
	created := 0

	q.mu.Lock()
	for _, job := range jobs {
		key := job.Key()
		if _, exists := q.jobs[key]; exists {
			continue
		}
		job.State = notification.JobPending
		job.AttemptCount = 0
		job.NextAttemptAt = now
		job.UpdatedAt = now
		q.jobs[key] = &jobEntry{job: job}
		q.byEvent[job.EventID] = append(q.byEvent[job.EventID], key)
		heap.Push(&q.sched, schedEntry{key: key, at: now})
		created++
	}
	q.mu.Unlock()

	if created > 0 {
		q.kick()
	}
	return created
}

// CancelEvent abandons every non-terminal job for the event without
// contacting the provider. Jobs already handed to a worker are flagged and
// abandoned when the worker reports back.
func (q *Queue) CancelEvent(ctx context.Context, eventID string) int {
	var abandoned []notification.DeliveryJob

	q.mu.Lock()
	cancelled := 0
	for _, key := range q.byEvent[eventID] {
		entry, ok := q.jobs[key]
		if !ok || entry.job.State.Terminal() {
			continue
		}
		entry.cancelled = true
		cancelled++
		if entry.inflight {
			continue // the worker finishes the transition
		}
		entry.job.State = notification.JobAbandoned
		entry.job.LastError = "event cancelled"
		entry.job.UpdatedAt = time.Now()
		abandoned = append(abandoned, entry.job)
	}
	q.mu.Unlock()

	for _, job := range abandoned {
		q.recorder.RecordAbandoned(ctx, job, "event cancelled")
	}
	return cancelled
}

// EventStatus returns the per-device status snapshots for an event.
func (q *Queue) EventStatus(eventID string) []notification.JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := q.byEvent[eventID]
	statuses := make([]notification.JobStatus, 0, len(keys))
	for _, key := range keys {
		if entry, ok := q.jobs[key]; ok {
			statuses = append(statuses, entry.job.Status())
		}
	}
	return statuses
}

// kick nudges the scheduler after the table changed.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// runScheduler pops due jobs off the heap and hands them to workers,
// deferring any job whose device is over its rate cap.
func (q *Queue) runScheduler() {
	defer q.wg.Done()

	for {
		due, next := q.collectDue()

		for _, key := range due {
			select {
			case q.work <- key:
			case <-q.stop:
				return
			}
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if next > 0 {
			timer = time.NewTimer(next)
			timerC = timer.C
		}
		select {
		case <-q.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// collectDue claims every schedulable job whose deadline has passed and
// returns the wait until the next deadline (0 when the heap is empty).
func (q *Queue) collectDue() (due []notification.JobKey, next time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for q.sched.Len() > 0 {
		top := q.sched[0]
		if top.at.After(now) {
			next = time.Until(top.at)
			return due, next
		}
		heap.Pop(&q.sched)

		entry, ok := q.jobs[top.key]
		if !ok || entry.inflight || entry.job.State.Terminal() {
			continue // stale heap entry
		}
		if entry.job.NextAttemptAt.After(now) {
			heap.Push(&q.sched, schedEntry{key: top.key, at: entry.job.NextAttemptAt})
			continue
		}

		// Per-device rate cap: defer, never fail.
		res := q.limiter(entry.job.Device.Key()).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			entry.job.NextAttemptAt = now.Add(delay)
			entry.job.UpdatedAt = now
			heap.Push(&q.sched, schedEntry{key: top.key, at: entry.job.NextAttemptAt})
			continue
		}

		entry.inflight = true
		entry.job.State = notification.JobPending
		entry.job.AttemptCount++
		entry.job.UpdatedAt = now
		due = append(due, top.key)
	}
	return due, 0
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case key := <-q.work:
			q.deliver(ctx, key)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, key notification.JobKey) {
	q.mu.Lock()
	entry, ok := q.jobs[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	snapshot := entry.job
	q.mu.Unlock()

	outcome := q.gateway.Send(ctx, snapshot.Device, snapshot.Message)
	disposition := q.recorder.RecordOutcome(ctx, snapshot, outcome)
	q.apply(ctx, key, disposition, outcome)
}

// apply writes the worker's result back onto the job. The queue is the only
// writer of job state; the recorder only decided what should happen.
func (q *Queue) apply(ctx context.Context, key notification.JobKey, disposition notification.Disposition, outcome notification.DeliveryOutcome) {
	var exhausted, cancelled bool
	var reported notification.DeliveryJob

	q.mu.Lock()
	entry, ok := q.jobs[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	entry.inflight = false
	entry.job.UpdatedAt = now

	switch {
	// A send that already happened beats a cancel that raced it: the
	// recorder has emitted the confirmation, so the job must end Sent.
	case disposition == notification.DispositionSent:
		entry.job.State = notification.JobSent
		entry.job.LastError = ""

	case entry.cancelled:
		entry.job.State = notification.JobAbandoned
		entry.job.LastError = "event cancelled"
		cancelled = true

	case disposition == notification.DispositionAbandon:
		entry.job.State = notification.JobAbandoned
		if outcome.Err != nil {
			entry.job.LastError = outcome.Err.Error()
		}

	default: // retry
		if outcome.Err != nil {
			entry.job.LastError = outcome.Err.Error()
		}
		if entry.job.AttemptCount >= q.cfg.MaxAttempts {
			entry.job.State = notification.JobAbandoned
			exhausted = true
		} else {
			entry.job.State = notification.JobFailed
			entry.job.NextAttemptAt = now.Add(backoff(q.cfg, entry.job.AttemptCount))
			heap.Push(&q.sched, schedEntry{key: key, at: entry.job.NextAttemptAt})
		}
	}
	reported = entry.job
	q.mu.Unlock()

	if exhausted {
		q.recorder.RecordAbandoned(ctx, reported, "retries exhausted")
	}
	if cancelled {
		q.recorder.RecordAbandoned(ctx, reported, "event cancelled")
	}
	q.kick()
}

func (q *Queue) limiter(deviceKey string) *rate.Limiter {
	lim, ok := q.limiters[deviceKey]
	if !ok {
		lim = rate.NewLimiter(q.cfg.RatePerDevice, q.cfg.RateBurst)
		q.limiters[deviceKey] = lim
	}
	return lim
}

// runJanitor garbage-collects terminal jobs after the retention window and
// drops rate limiters for devices with no remaining jobs.
func (q *Queue) runJanitor() {
	defer q.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.collectGarbage(time.Now())
		}
	}
}

func (q *Queue) collectGarbage(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for key, entry := range q.jobs {
		if entry.job.State.Terminal() && now.Sub(entry.job.UpdatedAt) > q.cfg.Retention {
			delete(q.jobs, key)
			removed++
		}
	}
	if removed == 0 {
		return
	}

	live := make(map[string]bool)
	for eventID, keys := range q.byEvent {
		kept := keys[:0]
		for _, key := range keys {
			if entry, ok := q.jobs[key]; ok {
				kept = append(kept, key)
				live[entry.job.Device.Key()] = true
			}
		}
		if len(kept) == 0 {
			delete(q.byEvent, eventID)
		} else {
			q.byEvent[eventID] = kept
		}
	}
	for deviceKey := range q.limiters {
		if !live[deviceKey] {
			delete(q.limiters, deviceKey)
		}
	}
	q.logger.Debug("Retention sweep complete", "removed", removed)
}
