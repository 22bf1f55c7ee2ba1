package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cinder/internal/model"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, nil), rdb
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	desc := JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs, TeamID: "team-1"}
	if err := q.Enqueue(ctx, desc, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	desc2 := desc
	desc2.URL = "https://other.example.com"
	if err := q.Enqueue(ctx, desc2, "job-1", 5); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	job, err := q.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job == nil {
		t.Fatal("job not found after enqueue")
	}
	if job.Descriptor.URL != "https://example.com" {
		t.Fatalf("duplicate enqueue overwrote descriptor: got %q", job.Descriptor.URL)
	}
	if job.Priority != 10 {
		t.Fatalf("duplicate enqueue changed priority: got %d", job.Priority)
	}

	n, err := rdb.ZCard(ctx, waitingKey).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 waiting entry, got %d", n)
	}
}

func TestGetSkipsUnparsablePriority(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	desc := JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs, TeamID: "team-1"}
	if err := q.Enqueue(ctx, desc, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A corrupted hash field must not poison the load.
	if err := rdb.HSet(ctx, jobKey("job-1"), "priority", "not-a-number").Err(); err != nil {
		t.Fatalf("hset: %v", err)
	}

	job, err := q.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Priority != 0 {
		t.Fatalf("priority = %d, want 0 for an unparsable field", job.Priority)
	}
	if job.Descriptor.URL != "https://example.com" {
		t.Fatalf("descriptor lost: got %q", job.Descriptor.URL)
	}
}

func TestStateReportsPrioritizedWhenThrottled(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	desc := JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs, TeamID: "team-1"}
	if err := q.Enqueue(ctx, desc, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	st, err := q.State(ctx, "job-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st != StateWaiting {
		t.Fatalf("expected waiting, got %s", st)
	}

	if err := q.AddThrottledJob(ctx, "team-1", "job-1"); err != nil {
		t.Fatalf("add throttled: %v", err)
	}
	st, err = q.State(ctx, "job-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st != StatePrioritized {
		t.Fatalf("expected prioritized, got %s", st)
	}

	if st, _ := q.State(ctx, "missing"); st != StateUnknown {
		t.Fatalf("expected unknown for missing job, got %s", st)
	}
}

func TestCompleteAndReturnValue(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	desc := JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs, TeamID: "team-1"}
	if err := q.Enqueue(ctx, desc, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.AddThrottledJob(ctx, "team-1", "job-1"); err != nil {
		t.Fatalf("add throttled: %v", err)
	}

	doc := &model.Document{Markdown: "# hi", Metadata: model.Metadata{SourceURL: "https://example.com"}}
	if err := q.Complete(ctx, "job-1", doc); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := q.ReturnValue(ctx, "job-1")
	if err != nil {
		t.Fatalf("return value: %v", err)
	}
	if got == nil || got.Markdown != "# hi" {
		t.Fatalf("unexpected return value: %+v", got)
	}

	// Completion releases team bookkeeping.
	if n, _ := rdb.SCard(ctx, teamJobsKey("team-1")).Result(); n != 0 {
		t.Fatalf("team set not cleared, %d entries remain", n)
	}
	if n, _ := rdb.SCard(ctx, throttledKey("team-1")).Result(); n != 0 {
		t.Fatalf("throttle set not cleared, %d entries remain", n)
	}
}

func TestReturnValueNilForNonCompleted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs}, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.ReturnValue(ctx, "job-1")
	if err != nil {
		t.Fatalf("return value: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil return value for waiting job, got %+v", got)
	}
}

func TestWaitForJobCompleted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs}, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = q.Complete(context.Background(), "job-1", &model.Document{Markdown: "done"})
	}()

	doc, err := q.WaitForJob(ctx, "job-1", 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if doc == nil || doc.Markdown != "done" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}

func TestWaitForJobFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs}, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Fail(ctx, "job-1", "fetch exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, err := q.WaitForJob(ctx, "job-1", time.Second)
	if err == nil || err.Error() != "fetch exploded" {
		t.Fatalf("expected failure reason, got %v", err)
	}
}

func TestWaitForJobTimeoutKeepsEntry(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs}, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err := q.WaitForJob(ctx, "job-1", 120*time.Millisecond)
	if err != ErrJobTimeout {
		t.Fatalf("expected ErrJobTimeout, got %v", err)
	}

	// A timed-out wait must not cancel the underlying job.
	exists, err := rdb.Exists(ctx, jobKey("job-1")).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists != 1 {
		t.Fatal("job entry removed after wait timeout")
	}
}

func TestJobPriorityScalesWithBacklog(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	p, err := q.JobPriority(ctx, "team-1", 10)
	if err != nil {
		t.Fatalf("priority: %v", err)
	}
	if p != 10 {
		t.Fatalf("expected base priority 10, got %d", p)
	}

	for i := 0; i < 25; i++ {
		desc := JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs, TeamID: "team-1"}
		if err := q.Enqueue(ctx, desc, "job-"+string(rune('a'+i)), 10); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	p, err = q.JobPriority(ctx, "team-1", 10)
	if err != nil {
		t.Fatalf("priority: %v", err)
	}
	if p != 12 {
		t.Fatalf("expected priority 12 with 25 queued jobs, got %d", p)
	}
}

func TestRemoveClearsAllArtifacts(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	desc := JobDescriptor{URL: "https://example.com", Mode: ModeSingleURLs, TeamID: "team-1"}
	if err := q.Enqueue(ctx, desc, "job-1", 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if exists, _ := rdb.Exists(ctx, jobKey("job-1")).Result(); exists != 0 {
		t.Fatal("job hash still present after remove")
	}
	if n, _ := rdb.ZCard(ctx, waitingKey).Result(); n != 0 {
		t.Fatal("waiting set still has entries after remove")
	}
	if n, _ := rdb.SCard(ctx, teamJobsKey("team-1")).Result(); n != 0 {
		t.Fatal("team set still has entries after remove")
	}
}
