package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"cinder/internal/metrics"
	"cinder/internal/model"
)

// Job modes accepted by the queue.
const (
	ModeSingleURLs = "single_urls"
	ModeKickoff    = "kickoff"
	ModeCrawl      = "crawl"
)

// State is a job's queue state. Lower-cased values match the wire
// format reported to streaming clients.
type State string

const (
	StateWaiting     State = "waiting"
	StateActive      State = "active"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateDelayed     State = "delayed"
	StatePrioritized State = "prioritized"
	StateUnknown     State = "unknown"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var (
	// ErrQueueUnavailable marks transport-level queue failures; callers
	// map it to a 500.
	ErrQueueUnavailable = errors.New("job queue unavailable")

	// ErrJobTimeout is returned by WaitForJob when the job does not
	// reach a terminal state within the deadline.
	ErrJobTimeout = errors.New("job wait timed out")
)

// JobDescriptor is the work submitted to the queue for one job.
type JobDescriptor struct {
	URL               string                 `json:"url"`
	Mode              string                 `json:"mode"`
	TeamID            string                 `json:"team_id"`
	ScrapeOptions     model.ScrapeOptions    `json:"scrapeOptions"`
	InternalOptions   model.InternalOptions  `json:"internalOptions"`
	CrawlerOptions    *model.CrawlerOptions  `json:"crawlerOptions,omitempty"`
	Origin            string                 `json:"origin,omitempty"`
	Integration       string                 `json:"integration,omitempty"`
	IsScrape          bool                   `json:"is_scrape"`
	StartTime         time.Time              `json:"startTime"`
	ZeroDataRetention bool                   `json:"zeroDataRetention,omitempty"`
	CrawlID           string                 `json:"crawl_id,omitempty"`
	Webhook           *model.Webhook         `json:"webhook,omitempty"`
}

// Job is a queue entry as read back from Redis.
type Job struct {
	ID           string
	Descriptor   JobDescriptor
	State        State
	Priority     int
	CreatedAt    time.Time
	ReturnValue  *model.Document
	FailedReason string
}

// Queue is the gateway to the Redis-backed priority job queue. Priority
// is an integer score; lower is higher priority.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func New(rdb *redis.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{rdb: rdb, logger: logger}
}

const waitingKey = "jobs:waiting"

func jobKey(id string) string         { return "job:" + id }
func teamJobsKey(team string) string  { return "team_jobs:" + team }
func throttledKey(team string) string { return "concurrency-limit-queue:" + team }

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrQueueUnavailable, op, err)
}

// Enqueue submits a job under a caller-supplied stable id. Retrying the
// same id is a no-op, which gives at-most-one-build-per-fingerprint
// semantics to upstream deduplication.
func (q *Queue) Enqueue(ctx context.Context, desc JobDescriptor, jobID string, priority int) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal job descriptor: %w", err)
	}

	created, err := q.rdb.HSetNX(ctx, jobKey(jobID), "data", payload).Result()
	if err != nil {
		return transportErr("enqueue", err)
	}
	if !created {
		// Duplicate id; the first enqueue won.
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID),
		"status", string(StateWaiting),
		"priority", priority,
		"team_id", desc.TeamID,
		"crawl_id", desc.CrawlID,
		"created_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, waitingKey, redis.Z{Score: float64(priority), Member: jobID})
	if desc.TeamID != "" {
		pipe.SAdd(ctx, teamJobsKey(desc.TeamID), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return transportErr("enqueue", err)
	}

	metrics.RecordEnqueue(desc.Mode)
	return nil
}

// State returns the queue state for jobID. Jobs held back by their
// team's concurrency cap report as prioritized; absent jobs report as
// unknown.
func (q *Queue) State(ctx context.Context, jobID string) (State, error) {
	fields, err := q.rdb.HMGet(ctx, jobKey(jobID), "status", "team_id").Result()
	if err != nil {
		return StateUnknown, transportErr("state", err)
	}
	raw, _ := fields[0].(string)
	if raw == "" {
		return StateUnknown, nil
	}
	st := State(raw)

	if st == StateWaiting {
		if team, _ := fields[1].(string); team != "" {
			throttled, err := q.rdb.SIsMember(ctx, throttledKey(team), jobID).Result()
			if err != nil {
				return StateUnknown, transportErr("state", err)
			}
			if throttled {
				return StatePrioritized, nil
			}
		}
	}
	return st, nil
}

// Get loads a single job. A nil job with nil error means not found.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, transportErr("get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return q.jobFromHash(jobID, fields)
}

// GetMany loads a batch of jobs, skipping ids that do not exist.
func (q *Queue) GetMany(ctx context.Context, ids []string) ([]*Job, error) {
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// ReturnValue loads the worker-produced document for a completed job.
// Nil without error when the job is not completed or has no payload.
func (q *Queue) ReturnValue(ctx context.Context, jobID string) (*model.Document, error) {
	fields, err := q.rdb.HMGet(ctx, jobKey(jobID), "status", "return").Result()
	if err != nil {
		return nil, transportErr("return value", err)
	}
	status, _ := fields[0].(string)
	raw, _ := fields[1].(string)
	if State(status) != StateCompleted || raw == "" {
		return nil, nil
	}
	var doc model.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode return value for job %s: %w", jobID, err)
	}
	return &doc, nil
}

// Remove deletes a terminal job's artifacts from the queue.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	team, err := q.rdb.HGet(ctx, jobKey(jobID), "team_id").Result()
	if err != nil && err != redis.Nil {
		return transportErr("remove", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.ZRem(ctx, waitingKey, jobID)
	if team != "" {
		pipe.SRem(ctx, teamJobsKey(team), jobID)
		pipe.SRem(ctx, throttledKey(team), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return transportErr("remove", err)
	}
	return nil
}

// Activate marks a job as picked up by a worker and drops it from the
// waiting set. Called from the worker side.
func (q *Queue) Activate(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(StateActive))
	pipe.ZRem(ctx, waitingKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return transportErr("activate", err)
	}
	return nil
}

// Complete stores the job's return value and transitions it to
// completed. Called from the worker side.
func (q *Queue) Complete(ctx context.Context, jobID string, doc *model.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal return value: %w", err)
	}
	return q.finish(ctx, jobID, StateCompleted, "return", string(payload))
}

// Fail transitions a job to failed with a reason. Called from the
// worker side.
func (q *Queue) Fail(ctx context.Context, jobID, reason string) error {
	return q.finish(ctx, jobID, StateFailed, "failed_reason", reason)
}

func (q *Queue) finish(ctx context.Context, jobID string, st State, field, value string) error {
	team, err := q.rdb.HGet(ctx, jobKey(jobID), "team_id").Result()
	if err != nil && err != redis.Nil {
		return transportErr("finish", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), "status", string(st), field, value)
	pipe.ZRem(ctx, waitingKey, jobID)
	if team != "" {
		pipe.SRem(ctx, teamJobsKey(team), jobID)
		pipe.SRem(ctx, throttledKey(team), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return transportErr("finish", err)
	}
	return nil
}

// waitBackoff is the poll ladder used by WaitForJob; the final interval
// repeats until the deadline.
var waitBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// WaitForJob blocks until jobID reaches a terminal state or timeout
// elapses. On completion it returns the job's return value; on failure
// it returns the worker's failure reason as an error; on deadline it
// returns ErrJobTimeout. A timeout does not cancel the underlying job.
func (q *Queue) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (*model.Document, error) {
	deadline := time.Now().Add(timeout)
	step := 0

	for {
		status, err := q.rdb.HGet(ctx, jobKey(jobID), "status").Result()
		if err != nil && err != redis.Nil {
			return nil, transportErr("wait", err)
		}

		switch State(status) {
		case StateCompleted:
			return q.ReturnValue(ctx, jobID)
		case StateFailed:
			reason, err := q.rdb.HGet(ctx, jobKey(jobID), "failed_reason").Result()
			if err != nil && err != redis.Nil {
				return nil, transportErr("wait", err)
			}
			if reason == "" {
				reason = "job failed"
			}
			return nil, errors.New(reason)
		}

		interval := waitBackoff[step]
		if step < len(waitBackoff)-1 {
			step++
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrJobTimeout
		}
		if interval > remaining {
			interval = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ThrottledJobs returns the ids currently held back by teamID's
// concurrency cap.
func (q *Queue) ThrottledJobs(ctx context.Context, teamID string) (map[string]struct{}, error) {
	members, err := q.rdb.SMembers(ctx, throttledKey(teamID)).Result()
	if err != nil {
		return nil, transportErr("throttled jobs", err)
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set, nil
}

// AddThrottledJob records a job as concurrency-limited for its team.
// Called from the worker-side scheduler.
func (q *Queue) AddThrottledJob(ctx context.Context, teamID, jobID string) error {
	if err := q.rdb.SAdd(ctx, throttledKey(teamID), jobID).Err(); err != nil {
		return transportErr("add throttled", err)
	}
	return nil
}

// RemoveThrottledJob releases a previously throttled job.
func (q *Queue) RemoveThrottledJob(ctx context.Context, teamID, jobID string) error {
	if err := q.rdb.SRem(ctx, throttledKey(teamID), jobID).Err(); err != nil {
		return transportErr("remove throttled", err)
	}
	return nil
}

// JobPriority derives an effective priority for a team from its current
// in-queue job count: every ten outstanding jobs push new work one
// notch down, bounded so bulk teams cannot starve completely.
func (q *Queue) JobPriority(ctx context.Context, teamID string, basePriority int) (int, error) {
	if teamID == "" {
		return basePriority, nil
	}
	count, err := q.rdb.SCard(ctx, teamJobsKey(teamID)).Result()
	if err != nil {
		return basePriority, transportErr("job priority", err)
	}
	offset := int(count / 10)
	if offset > 20 {
		offset = 20
	}
	return basePriority + offset, nil
}

func (q *Queue) jobFromHash(jobID string, fields map[string]string) (*Job, error) {
	job := &Job{ID: jobID, State: StateUnknown}

	if raw := fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Descriptor); err != nil {
			return nil, fmt.Errorf("decode descriptor for job %s: %w", jobID, err)
		}
	}
	if raw := fields["status"]; raw != "" {
		job.State = State(raw)
	}
	if raw := fields["priority"]; raw != "" {
		if p, err := strconv.Atoi(raw); err == nil {
			job.Priority = p
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			job.CreatedAt = t
		}
	}
	job.FailedReason = fields["failed_reason"]
	if raw := fields["return"]; raw != "" && job.State == StateCompleted {
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode return value for job %s: %w", jobID, err)
		}
		job.ReturnValue = &doc
	}
	return job, nil
}
