package queue

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"golang.org/x/time/rate"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// --- Stubs ---

// stubGateway replays a fixed outcome sequence, one per Send call.
type stubGateway struct {
	mu       sync.Mutex
	outcomes []notification.DeliveryOutcome
	calls    int
}

func (g *stubGateway) Send(_ context.Context, _ notification.Device, _ notification.Message) notification.DeliveryOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	outcome := g.outcomes[len(g.outcomes)-1]
	if g.calls < len(g.outcomes) {
		outcome = g.outcomes[g.calls]
	}
	g.calls++
	return outcome
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// stubRecorder maps outcome kinds to dispositions the way the tracker does,
// without any of the tracker's side effects.
type stubRecorder struct {
	mu        sync.Mutex
	abandoned []string // reasons, in order
}

func (r *stubRecorder) RecordOutcome(_ context.Context, _ notification.DeliveryJob, outcome notification.DeliveryOutcome) notification.Disposition {
	switch outcome.Kind {
	case notification.OutcomeSent:
		return notification.DispositionSent
	case notification.OutcomeInvalidToken, notification.OutcomePermanent:
		return notification.DispositionAbandon
	default:
		return notification.DispositionRetry
	}
}

func (r *stubRecorder) RecordAbandoned(_ context.Context, _ notification.DeliveryJob, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, reason)
}

func (r *stubRecorder) abandonedReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.abandoned...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob(eventID, deviceID string) notification.DeliveryJob {
	user, _ := urn.Parse("urn:mh:user:alice")
	return notification.DeliveryJob{
		EventID: eventID,
		Device: notification.Device{
			UserID:   user,
			DeviceID: deviceID,
			Token:    "token-" + deviceID,
			Platform: notification.PlatformAndroid,
		},
		Message: notification.Message{Title: "Hello", Body: "World"},
	}
}

func fastConfig() Config {
	return Config{
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		MaxAttempts:   5,
		NumWorkers:    2,
		RatePerDevice: rate.Limit(10000),
		RateBurst:     100,
	}
}

// --- Tests ---

func TestEnqueue_Idempotent(t *testing.T) {
	q := New(fastConfig(), &stubGateway{}, &stubRecorder{}, newTestLogger())

	jobs := []notification.DeliveryJob{testJob("e1", "d1"), testJob("e1", "d2")}

	assert.Equal(t, 2, q.Enqueue(jobs))
	// Resubmitting the identical event creates nothing new.
	assert.Equal(t, 0, q.Enqueue(jobs))

	statuses := q.EventStatus("e1")
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Equal(t, notification.JobPending, s.State)
		assert.Equal(t, 0, s.AttemptCount)
	}
}

func TestCancelEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("Abandons pending jobs and reports them", func(t *testing.T) {
		recorder := &stubRecorder{}
		q := New(fastConfig(), &stubGateway{}, recorder, newTestLogger())
		q.Enqueue([]notification.DeliveryJob{testJob("e1", "d1"), testJob("e1", "d2")})

		cancelled := q.CancelEvent(ctx, "e1")

		assert.Equal(t, 2, cancelled)
		for _, s := range q.EventStatus("e1") {
			assert.Equal(t, notification.JobAbandoned, s.State)
		}
		assert.Equal(t, []string{"event cancelled", "event cancelled"}, recorder.abandonedReasons())
	})

	t.Run("Unknown event cancels nothing", func(t *testing.T) {
		q := New(fastConfig(), &stubGateway{}, &stubRecorder{}, newTestLogger())
		assert.Equal(t, 0, q.CancelEvent(ctx, "nope"))
	})

	t.Run("Terminal jobs are left alone", func(t *testing.T) {
		recorder := &stubRecorder{}
		q := New(fastConfig(), &stubGateway{}, recorder, newTestLogger())
		q.Enqueue([]notification.DeliveryJob{testJob("e1", "d1")})

		q.mu.Lock()
		for _, entry := range q.jobs {
			entry.job.State = notification.JobSent
		}
		q.mu.Unlock()

		assert.Equal(t, 0, q.CancelEvent(ctx, "e1"))
		assert.Empty(t, recorder.abandonedReasons())
	})
}

func TestCollectDue_RateLimitDefersNeverFails(t *testing.T) {
	cfg := fastConfig()
	cfg.RatePerDevice = rate.Limit(0.001) // effectively one send per device
	cfg.RateBurst = 1
	q := New(cfg, &stubGateway{}, &stubRecorder{}, newTestLogger())

	// Two jobs for the same device.
	q.Enqueue([]notification.DeliveryJob{testJob("e1", "d1"), testJob("e2", "d1")})

	due, next := q.collectDue()

	// Exactly one claimed; the other is rescheduled, not dropped.
	require.Len(t, due, 1)
	assert.Greater(t, next, time.Duration(0))

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.jobs, 2, "deferred job must survive in the table")
	for key, entry := range q.jobs {
		if key == due[0] {
			assert.True(t, entry.inflight)
			assert.Equal(t, 1, entry.job.AttemptCount)
		} else {
			assert.False(t, entry.inflight)
			assert.Equal(t, 0, entry.job.AttemptCount, "a rate deferral is not an attempt")
			assert.True(t, entry.job.NextAttemptAt.After(time.Now()))
		}
	}
}

func TestApply_RetryThenExhaust(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	recorder := &stubRecorder{}
	q := New(cfg, &stubGateway{}, recorder, newTestLogger())

	job := testJob("e1", "d1")
	q.Enqueue([]notification.DeliveryJob{job})
	key := job.Key()

	// Attempt 1 fails: job goes back on the schedule with backoff.
	due, _ := q.collectDue()
	require.Equal(t, []notification.JobKey{key}, due)
	q.apply(ctx, key, notification.DispositionRetry, notification.Retryable(errors.New("fcm unavailable")))

	status := q.EventStatus("e1")[0]
	assert.Equal(t, notification.JobFailed, status.State)
	assert.Equal(t, 1, status.AttemptCount)
	assert.Contains(t, status.LastError, "fcm unavailable")

	// Pull the retry forward so the scheduler sees it immediately.
	q.mu.Lock()
	q.jobs[key].job.NextAttemptAt = time.Now().Add(-time.Second)
	heap.Push(&q.sched, schedEntry{key: key, at: q.jobs[key].job.NextAttemptAt})
	q.mu.Unlock()

	// Attempt 2 fails: the budget is spent, the job is abandoned.
	due, _ = q.collectDue()
	require.Equal(t, []notification.JobKey{key}, due)
	q.apply(ctx, key, notification.DispositionRetry, notification.Retryable(errors.New("still down")))

	status = q.EventStatus("e1")[0]
	assert.Equal(t, notification.JobAbandoned, status.State)
	assert.Equal(t, 2, status.AttemptCount)
	assert.Equal(t, []string{"retries exhausted"}, recorder.abandonedReasons())
}

func TestApply_Sent(t *testing.T) {
	ctx := context.Background()
	q := New(fastConfig(), &stubGateway{}, &stubRecorder{}, newTestLogger())

	job := testJob("e1", "d1")
	q.Enqueue([]notification.DeliveryJob{job})

	due, _ := q.collectDue()
	require.Len(t, due, 1)
	q.apply(ctx, job.Key(), notification.DispositionSent, notification.Sent("receipt-1"))

	status := q.EventStatus("e1")[0]
	assert.Equal(t, notification.JobSent, status.State)
	assert.Empty(t, status.LastError)
}

func TestApply_SendWinsOverCancel(t *testing.T) {
	ctx := context.Background()
	recorder := &stubRecorder{}
	q := New(fastConfig(), &stubGateway{}, recorder, newTestLogger())

	job := testJob("e1", "d1")
	q.Enqueue([]notification.DeliveryJob{job})
	key := job.Key()

	// A worker claims the job, then the event is cancelled mid-flight.
	due, _ := q.collectDue()
	require.Equal(t, []notification.JobKey{key}, due)
	assert.Equal(t, 1, q.CancelEvent(ctx, "e1"), "the in-flight job is flagged, finished by the worker")

	// The send already happened and was confirmed, so it must win.
	q.apply(ctx, key, notification.DispositionSent, notification.Sent("receipt-1"))

	status := q.EventStatus("e1")[0]
	assert.Equal(t, notification.JobSent, status.State)
	assert.Empty(t, recorder.abandonedReasons(), "a delivered job must not also report abandonment")
}

func TestBackoff_Bounds(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(cfg, attempt)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond, "attempt %d below jitter floor", attempt)
		assert.LessOrEqual(t, d, time.Second, "attempt %d above cap", attempt)
	}

	// Early attempts stay near the base; the cap only binds later.
	assert.LessOrEqual(t, backoff(cfg, 1), 100*time.Millisecond)
}

func TestCollectGarbage(t *testing.T) {
	cfg := fastConfig()
	cfg.Retention = time.Minute
	q := New(cfg, &stubGateway{}, &stubRecorder{}, newTestLogger())

	job1 := testJob("e1", "d1")
	q.Enqueue([]notification.DeliveryJob{job1, testJob("e2", "d2")})

	// e1 finished an hour ago; e2 is still live.
	key1 := job1.Key()
	q.mu.Lock()
	q.jobs[key1].job.State = notification.JobSent
	q.jobs[key1].job.UpdatedAt = time.Now().Add(-time.Hour)
	q.limiter(testJob("e1", "d1").Device.Key())
	q.limiter(testJob("e2", "d2").Device.Key())
	q.mu.Unlock()

	q.collectGarbage(time.Now())

	assert.Empty(t, q.EventStatus("e1"))
	assert.Len(t, q.EventStatus("e2"), 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.jobs, 1)
	assert.Len(t, q.limiters, 1, "limiters for dead devices must be dropped")
}

func TestQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Delivers on first attempt", func(t *testing.T) {
		gateway := &stubGateway{outcomes: []notification.DeliveryOutcome{notification.Sent("r-1")}}
		q := New(fastConfig(), gateway, &stubRecorder{}, newTestLogger())
		q.Start(ctx)
		t.Cleanup(q.Stop)

		q.Enqueue([]notification.DeliveryJob{testJob("e1", "d1")})

		require.Eventually(t, func() bool {
			statuses := q.EventStatus("e1")
			return len(statuses) == 1 && statuses[0].State == notification.JobSent
		}, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, 1, gateway.callCount())
	})

	t.Run("Retries a transient failure then succeeds", func(t *testing.T) {
		gateway := &stubGateway{outcomes: []notification.DeliveryOutcome{
			notification.Retryable(errors.New("unavailable")),
			notification.Sent("r-2"),
		}}
		q := New(fastConfig(), gateway, &stubRecorder{}, newTestLogger())
		q.Start(ctx)
		t.Cleanup(q.Stop)

		q.Enqueue([]notification.DeliveryJob{testJob("e1", "d1")})

		require.Eventually(t, func() bool {
			statuses := q.EventStatus("e1")
			return len(statuses) == 1 && statuses[0].State == notification.JobSent
		}, 2*time.Second, 5*time.Millisecond)

		status := q.EventStatus("e1")[0]
		assert.Equal(t, 2, status.AttemptCount)
	})

	t.Run("Abandons after the attempt budget", func(t *testing.T) {
		cfg := fastConfig()
		cfg.MaxAttempts = 3
		gateway := &stubGateway{outcomes: []notification.DeliveryOutcome{
			notification.Retryable(errors.New("down")),
		}}
		recorder := &stubRecorder{}
		q := New(cfg, gateway, recorder, newTestLogger())
		q.Start(ctx)
		t.Cleanup(q.Stop)

		q.Enqueue([]notification.DeliveryJob{testJob("e1", "d1")})

		require.Eventually(t, func() bool {
			statuses := q.EventStatus("e1")
			return len(statuses) == 1 && statuses[0].State == notification.JobAbandoned
		}, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, 3, gateway.callCount())
		assert.Equal(t, []string{"retries exhausted"}, recorder.abandonedReasons())
	})
}
