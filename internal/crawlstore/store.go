package crawlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cinder/internal/model"
)

// StoredCrawl is the per-crawl record shared between the edge, the
// kickoff worker, and streaming sessions.
type StoredCrawl struct {
	OriginURL         string                `json:"originUrl"`
	CrawlerOptions    model.CrawlerOptions  `json:"crawlerOptions"`
	ScrapeOptions     model.ScrapeOptions   `json:"scrapeOptions"`
	InternalOptions   model.InternalOptions `json:"internalOptions"`
	TeamID            string                `json:"team_id"`
	CreatedAt         time.Time             `json:"createdAt"`
	MaxConcurrency    int                   `json:"maxConcurrency,omitempty"`
	Robots            string                `json:"robots,omitempty"`
	Cancelled         bool                  `json:"cancelled,omitempty"`
	ZeroDataRetention bool                  `json:"zeroDataRetention,omitempty"`
}

// DefaultTTL governs how long crawl state survives after the last
// write touching it.
const DefaultTTL = 24 * time.Hour

// Store persists crawl metadata, child-job membership, and completion
// order in Redis.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

func crawlKey(id string) string    { return "crawl:" + id }
func jobsKey(id string) string     { return "crawl:" + id + ":jobs" }
func doneKey(id string) string     { return "crawl:" + id + ":jobs_done_ordered" }
func finishedKey(id string) string { return "crawl:" + id + ":finished" }

const teamsUsingV0Key = "teams_using_v0"

// SaveCrawl writes the crawl record and refreshes its TTL.
func (s *Store) SaveCrawl(ctx context.Context, id string, crawl *StoredCrawl) error {
	payload, err := json.Marshal(crawl)
	if err != nil {
		return fmt.Errorf("marshal crawl %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, crawlKey(id), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save crawl %s: %w", id, err)
	}
	return nil
}

// GetCrawl loads a crawl record; nil without error when absent or
// expired.
func (s *Store) GetCrawl(ctx context.Context, id string) (*StoredCrawl, error) {
	raw, err := s.rdb.Get(ctx, crawlKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl %s: %w", id, err)
	}
	var crawl StoredCrawl
	if err := json.Unmarshal([]byte(raw), &crawl); err != nil {
		return nil, fmt.Errorf("decode crawl %s: %w", id, err)
	}
	return &crawl, nil
}

// AddCrawlJob registers a child job id on the crawl.
func (s *Store) AddCrawlJob(ctx context.Context, crawlID, jobID string) error {
	return s.AddCrawlJobs(ctx, crawlID, []string{jobID})
}

// AddCrawlJobs registers a batch of child job ids and refreshes the
// crawl's TTL.
func (s *Store) AddCrawlJobs(ctx context.Context, crawlID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(jobIDs))
	for i, id := range jobIDs {
		members[i] = id
	}
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, jobsKey(crawlID), members...)
	pipe.Expire(ctx, jobsKey(crawlID), s.ttl)
	pipe.Expire(ctx, crawlKey(crawlID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add crawl jobs %s: %w", crawlID, err)
	}
	return nil
}

// GetCrawlJobs returns the crawl's child-job id set.
func (s *Store) GetCrawlJobs(ctx context.Context, crawlID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, jobsKey(crawlID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get crawl jobs %s: %w", crawlID, err)
	}
	return ids, nil
}

// PushDone appends a terminal job id to the crawl's completion-ordered
// list.
func (s *Store) PushDone(ctx context.Context, crawlID, jobID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, doneKey(crawlID), jobID)
	pipe.Expire(ctx, doneKey(crawlID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push done %s: %w", crawlID, err)
	}
	return nil
}

// GetDoneOrdered returns terminal job ids in completion order.
func (s *Store) GetDoneOrdered(ctx context.Context, crawlID string) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, doneKey(crawlID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get done jobs %s: %w", crawlID, err)
	}
	return ids, nil
}

// GetDoneLength returns the crawl's observable progress count.
func (s *Store) GetDoneLength(ctx context.Context, crawlID string) (int, error) {
	n, err := s.rdb.LLen(ctx, doneKey(crawlID)).Result()
	if err != nil {
		return 0, fmt.Errorf("done length %s: %w", crawlID, err)
	}
	return int(n), nil
}

// IsFinished reports whether every registered child job has reached a
// terminal state. A crawl with no registered jobs is not finished.
func (s *Store) IsFinished(ctx context.Context, crawlID string) (bool, error) {
	pipe := s.rdb.Pipeline()
	jobs := pipe.SCard(ctx, jobsKey(crawlID))
	done := pipe.LLen(ctx, doneKey(crawlID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("is finished %s: %w", crawlID, err)
	}
	return jobs.Val() > 0 && done.Val() >= jobs.Val(), nil
}

// IsFinishedLocked is IsFinished behind a one-shot advisory lock: it
// returns true exactly once per crawl so finalization hooks (webhooks,
// billing reconciliation) do not run twice.
func (s *Store) IsFinishedLocked(ctx context.Context, crawlID string) (bool, error) {
	finished, err := s.IsFinished(ctx, crawlID)
	if err != nil || !finished {
		return false, err
	}
	acquired, err := s.rdb.SetNX(ctx, finishedKey(crawlID), "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("finish lock %s: %w", crawlID, err)
	}
	return acquired, nil
}

// GetExpiry returns when the crawl record will expire.
func (s *Store) GetExpiry(ctx context.Context, crawlID string) (time.Time, error) {
	ttl, err := s.rdb.PTTL(ctx, crawlKey(crawlID)).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("get expiry %s: %w", crawlID, err)
	}
	if ttl < 0 {
		return time.Now().UTC(), nil
	}
	return time.Now().UTC().Add(ttl), nil
}

// Cancel marks the crawl cancelled. The kickoff worker and streaming
// sessions observe the flag on their next read.
func (s *Store) Cancel(ctx context.Context, crawlID string) error {
	crawl, err := s.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	if crawl == nil {
		return fmt.Errorf("cancel: crawl %s not found", crawlID)
	}
	crawl.Cancelled = true
	return s.SaveCrawl(ctx, crawlID, crawl)
}

// MarkTeamUsingV0 records that a team has hit a v0 endpoint; the set
// feeds deprecation outreach.
func (s *Store) MarkTeamUsingV0(ctx context.Context, teamID string) error {
	if teamID == "" {
		return nil
	}
	if err := s.rdb.SAdd(ctx, teamsUsingV0Key, teamID).Err(); err != nil {
		return fmt.Errorf("mark team using v0: %w", err)
	}
	return nil
}
