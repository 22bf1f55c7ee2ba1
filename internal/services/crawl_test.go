package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cinder/internal/credit"
	"cinder/internal/model"
	"cinder/internal/queue"
)

func TestCrawlRejectsZDRWithoutPermission(t *testing.T) {
	env := newTestEnv(t, true)

	chunk := &credit.Chunk{TeamID: "team-1", TotalCreditsSum: 100}
	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:               "https://example.com",
		TeamID:            "team-1",
		Chunk:             chunk,
		ZeroDataRetention: true,
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if outcome.Success || outcome.ReturnCode != 400 {
		t.Fatalf("expected 400, got %+v", outcome)
	}

	// No crawl record may be persisted on rejection.
	keys, _ := env.rdb.Keys(context.Background(), "crawl:*").Result()
	if len(keys) != 0 {
		t.Fatalf("crawl state persisted despite rejection: %v", keys)
	}
}

func TestCrawlForceZDRFlagOverridesRequest(t *testing.T) {
	env := newTestEnv(t, true)

	chunk := &credit.Chunk{
		TeamID:          "team-1",
		TotalCreditsSum: 100,
		Flags:           credit.FlagForceZDR | credit.FlagAllowZDR,
	}
	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:    "https://example.com",
		TeamID: "team-1",
		Chunk:  chunk,
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("crawl failed: %+v", outcome)
	}

	crawl, err := env.crawls.GetCrawl(context.Background(), outcome.ID)
	if err != nil {
		t.Fatalf("get crawl: %v", err)
	}
	if crawl == nil || !crawl.ZeroDataRetention {
		t.Fatalf("forced zdr not persisted: %+v", crawl)
	}
}

func TestCrawlRejectsInvalidIncludePattern(t *testing.T) {
	env := newTestEnv(t, false)

	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:    "https://example.com",
		TeamID: "preview",
		CrawlerOptions: model.CrawlerOptions{
			IncludePaths: []string{"/docs/.*", "[invalid"},
		},
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if outcome.Success || outcome.ReturnCode != 400 {
		t.Fatalf("expected 400, got %+v", outcome)
	}
	if !strings.Contains(outcome.Error, "includePaths") {
		t.Fatalf("message does not name the offending field: %q", outcome.Error)
	}
}

func TestCrawlClampsLimitToRemainingCredits(t *testing.T) {
	env := newTestEnv(t, true)

	chunk := &credit.Chunk{TeamID: "team-1", TotalCreditsSum: 100, RemainingCredits: 50}
	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:            "https://example.com",
		TeamID:         "team-1",
		Chunk:          chunk,
		CrawlerOptions: model.CrawlerOptions{Limit: 1000},
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("crawl failed: %+v", outcome)
	}

	crawl, err := env.crawls.GetCrawl(context.Background(), outcome.ID)
	if err != nil {
		t.Fatalf("get crawl: %v", err)
	}
	if crawl.CrawlerOptions.Limit != 50 {
		t.Fatalf("limit = %d, want 50", crawl.CrawlerOptions.Limit)
	}
}

func TestCrawlEnqueuesKickoffJob(t *testing.T) {
	env := newTestEnv(t, false)

	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:    "https://example.com",
		TeamID: "preview",
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if !outcome.Success || outcome.ID == "" {
		t.Fatalf("crawl failed: %+v", outcome)
	}

	ctx := context.Background()
	ids, err := env.rdb.ZRangeWithScores(ctx, "jobs:waiting", 0, -1).Result()
	if err != nil {
		t.Fatalf("zrange: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 kickoff job, got %d", len(ids))
	}
	if ids[0].Score != 10 {
		t.Fatalf("kickoff priority = %v, want 10", ids[0].Score)
	}

	job, err := env.queue.Get(ctx, ids[0].Member.(string))
	if err != nil || job == nil {
		t.Fatalf("get kickoff job: %v", err)
	}
	if job.Descriptor.Mode != queue.ModeKickoff {
		t.Fatalf("mode = %q, want kickoff", job.Descriptor.Mode)
	}
	if job.Descriptor.CrawlID != outcome.ID {
		t.Fatalf("kickoff job crawl id %q does not match %q", job.Descriptor.CrawlID, outcome.ID)
	}
	if !job.Descriptor.InternalOptions.DisableSmartWaitCache {
		t.Fatal("disableSmartWaitCache not set on kickoff job")
	}
}

func TestCrawlAdoptsRobotsDelayWhenUserHasNone(t *testing.T) {
	env := newTestEnv(t, false)
	env.disp.robots = &stubRobots{body: "User-agent: *\nCrawl-delay: 2\n"}

	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:    "https://example.com",
		TeamID: "preview",
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	crawl, err := env.crawls.GetCrawl(context.Background(), outcome.ID)
	if err != nil {
		t.Fatalf("get crawl: %v", err)
	}
	if crawl.CrawlerOptions.Delay == nil || *crawl.CrawlerOptions.Delay != 2 {
		t.Fatalf("robots delay not adopted: %+v", crawl.CrawlerOptions.Delay)
	}
	if crawl.Robots == "" {
		t.Fatal("robots body not stored on crawl")
	}
}

func TestCrawlKeepsUserDelayOverRobots(t *testing.T) {
	env := newTestEnv(t, false)
	env.disp.robots = &stubRobots{body: "User-agent: *\nCrawl-delay: 2\n"}

	userDelay := 5.0
	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:            "https://example.com",
		TeamID:         "preview",
		CrawlerOptions: model.CrawlerOptions{Delay: &userDelay},
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	crawl, err := env.crawls.GetCrawl(context.Background(), outcome.ID)
	if err != nil {
		t.Fatalf("get crawl: %v", err)
	}
	if crawl.CrawlerOptions.Delay == nil || *crawl.CrawlerOptions.Delay != 5 {
		t.Fatalf("user delay overwritten: %+v", crawl.CrawlerOptions.Delay)
	}
}

func TestCrawlRobotsFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t, false)
	env.disp.robots = &stubRobots{err: errors.New("connection refused")}

	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:    "https://example.com",
		TeamID: "preview",
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("robots failure aborted the crawl: %+v", outcome)
	}
}

func TestCrawlMaxConcurrencyTakesMinimum(t *testing.T) {
	env := newTestEnv(t, true)

	chunk := &credit.Chunk{TeamID: "team-1", TotalCreditsSum: 100, RemainingCredits: 100, Concurrency: 4}
	outcome, err := env.disp.Crawl(context.Background(), CrawlParams{
		URL:            "https://example.com",
		TeamID:         "team-1",
		Chunk:          chunk,
		MaxConcurrency: 16,
	})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	crawl, err := env.crawls.GetCrawl(context.Background(), outcome.ID)
	if err != nil {
		t.Fatalf("get crawl: %v", err)
	}
	if crawl.MaxConcurrency != 4 {
		t.Fatalf("maxConcurrency = %d, want 4", crawl.MaxConcurrency)
	}
}
