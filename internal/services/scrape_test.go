package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cinder/internal/blocklist"
	"cinder/internal/config"
	"cinder/internal/crawlstore"
	"cinder/internal/credit"
	"cinder/internal/model"
	"cinder/internal/queue"
)

type stubRobots struct {
	body string
	err  error
}

func (s *stubRobots) FetchRobots(context.Context, string, bool) (string, error) {
	return s.body, s.err
}

type capturingLedger struct {
	mu      sync.Mutex
	credits int
}

func (l *capturingLedger) RecordUsage(_ context.Context, events []credit.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		l.credits += ev.Credits
	}
	return nil
}

func (l *capturingLedger) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credits
}

type testEnv struct {
	cfg    *config.Config
	rdb    *redis.Client
	queue  *queue.Queue
	crawls *crawlstore.Store
	ledger *capturingLedger
	biller *credit.Biller
	disp   *Dispatcher
}

// newTestEnv wires a dispatcher against miniredis. dbAuth switches the
// credit gate into accounting mode.
func newTestEnv(t *testing.T, dbAuth bool) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Default()
	cfg.UseDBAuthentication = dbAuth

	ledger := &capturingLedger{}
	biller := credit.NewBiller(ledger, nil, 64, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	biller.Start(ctx)

	gate := credit.NewGate(rdb, nil, nil, nil, biller, nil, dbAuth, cfg.Credit.UpgradeURL)
	q := queue.New(rdb, nil)
	crawls := crawlstore.New(rdb, time.Hour, nil)
	disp := NewDispatcher(cfg, gate, q, crawls, &stubRobots{}, nil)

	return &testEnv{cfg: cfg, rdb: rdb, queue: q, crawls: crawls, ledger: ledger, biller: biller, disp: disp}
}

// runWorker polls the waiting set and resolves each job via resolve: a
// non-empty failReason fails the job, otherwise it completes with doc.
func (env *testEnv) runWorker(t *testing.T, resolve func(desc queue.JobDescriptor) (doc *model.Document, failReason string)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			ids, err := env.rdb.ZRange(ctx, "jobs:waiting", 0, -1).Result()
			if err != nil {
				continue
			}
			for _, id := range ids {
				job, err := env.queue.Get(ctx, id)
				if err != nil || job == nil {
					continue
				}
				_ = env.queue.Activate(ctx, id)
				doc, failReason := resolve(job.Descriptor)
				if failReason != "" {
					_ = env.queue.Fail(ctx, id, failReason)
				} else {
					_ = env.queue.Complete(ctx, id, doc)
				}
			}
		}
	}()
}

func (env *testEnv) flushedCredits(t *testing.T) int {
	t.Helper()
	env.biller.Close()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			return env.ledger.total()
		case <-time.After(10 * time.Millisecond):
		}
		if env.ledger.total() > 0 {
			return env.ledger.total()
		}
	}
}

func TestScrapeRejectsNonStringURL(t *testing.T) {
	env := newTestEnv(t, false)

	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{URL: 42, TeamID: "preview"})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if outcome.Success || outcome.ReturnCode != 400 {
		t.Fatalf("expected 400, got %+v", outcome)
	}
}

func TestScrapeRejectsBlocklistedURL(t *testing.T) {
	env := newTestEnv(t, false)

	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{URL: "https://facebook.com/some-page", TeamID: "preview"})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if outcome.ReturnCode != 403 {
		t.Fatalf("expected 403, got %d", outcome.ReturnCode)
	}
	if outcome.Error != blocklist.BlocklistedURLMessage {
		t.Fatalf("unexpected message: %q", outcome.Error)
	}

	// Rejected requests never reach the queue.
	if n, _ := env.rdb.ZCard(context.Background(), "jobs:waiting").Result(); n != 0 {
		t.Fatalf("blocklisted request was enqueued, %d waiting", n)
	}
}

func TestScrapeRejectsLLMModeWithoutObjectSchema(t *testing.T) {
	env := newTestEnv(t, false)

	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{
		URL:    "https://example.com",
		TeamID: "preview",
		ExtractorOptions: &model.ExtractorOptions{
			Mode:             model.ExtractorModeLLM,
			ExtractionSchema: "not-an-object",
		},
	})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if outcome.Success || outcome.ReturnCode != 400 {
		t.Fatalf("expected 400, got %+v", outcome)
	}
}

func TestScrapeDeniedWithoutCredits(t *testing.T) {
	env := newTestEnv(t, true)

	chunk := &credit.Chunk{TeamID: "team-1", AdjustedCreditsUsed: 100, TotalCreditsSum: 100}
	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{
		URL:    "https://example.com",
		TeamID: "team-1",
		Chunk:  chunk,
	})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if outcome.Success || outcome.ReturnCode != 402 {
		t.Fatalf("expected 402, got %+v", outcome)
	}
	if !strings.Contains(outcome.Error, "Insufficient credits") {
		t.Fatalf("unexpected denial message: %q", outcome.Error)
	}
}

func TestScrapeHappyPathElidesUnrequestedFields(t *testing.T) {
	env := newTestEnv(t, false)
	idx := 3
	env.runWorker(t, func(queue.JobDescriptor) (*model.Document, string) {
		return &model.Document{
			Markdown: "# Example",
			HTML:     "<h1>Example</h1>",
			RawHTML:  "<html><h1>Example</h1></html>",
			Index:    &idx,
			Provider: "fire-engine",
			Metadata: model.Metadata{SourceURL: "https://example.com", PageStatusCode: 200},
		}, ""
	})

	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{
		URL:         "https://example.com",
		TeamID:      "preview",
		PageOptions: &model.PageOptions{IncludeHTML: true},
	})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("scrape failed: %+v", outcome)
	}

	doc := outcome.Data
	if doc.Content != "# Example" || doc.Markdown != "# Example" {
		t.Fatalf("markdown missing: %+v", doc)
	}
	if doc.HTML == "" {
		t.Fatal("requested html was elided")
	}
	if doc.RawHTML != "" {
		t.Fatal("unrequested rawHtml survived elision")
	}

	// Terminal jobs are cleaned up after a successful wait.
	if n, _ := env.rdb.ZCard(context.Background(), "jobs:waiting").Result(); n != 0 {
		t.Fatalf("waiting set not empty after completion: %d", n)
	}
}

func TestScrapeLLMPathBillsExtraCredits(t *testing.T) {
	env := newTestEnv(t, true)
	env.runWorker(t, func(desc queue.JobDescriptor) (*model.Document, string) {
		if !desc.ScrapeOptions.PageOptions.OnlyMainContent {
			return nil, "expected onlyMainContent to be forced for llm extraction"
		}
		return &model.Document{
			Markdown: "# Example",
			Extract:  map[string]any{"title": "Example"},
			Metadata: model.Metadata{SourceURL: "https://example.com"},
		}, ""
	})

	chunk := &credit.Chunk{TeamID: "team-1", AdjustedCreditsUsed: 0, TotalCreditsSum: 100}
	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{
		URL:    "https://example.com",
		TeamID: "team-1",
		Chunk:  chunk,
		ExtractorOptions: &model.ExtractorOptions{
			Mode:             model.ExtractorModeLLM,
			ExtractionSchema: map[string]any{"type": "object"},
		},
	})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("scrape failed: %+v", outcome)
	}
	if outcome.Data.LLMExtraction["title"] != "Example" {
		t.Fatalf("extraction missing: %+v", outcome.Data)
	}
	if outcome.Data.Markdown != "" {
		t.Fatal("markdown should be stripped when only extraction was requested")
	}

	if got := env.flushedCredits(t); got != 5 {
		t.Fatalf("expected 5 credits billed for llm scrape, got %d", got)
	}
}

func TestScrapeTimeoutLeavesJobAndSkipsBilling(t *testing.T) {
	env := newTestEnv(t, true)
	// No worker: the job never completes.

	chunk := &credit.Chunk{TeamID: "team-1", AdjustedCreditsUsed: 0, TotalCreditsSum: 100}
	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{
		URL:       "https://example.com",
		TeamID:    "team-1",
		Chunk:     chunk,
		TimeoutMs: 150,
	})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if outcome.Success || outcome.ReturnCode != 408 {
		t.Fatalf("expected 408, got %+v", outcome)
	}
	if outcome.Error != "Request timed out" {
		t.Fatalf("unexpected timeout message: %q", outcome.Error)
	}

	// The job remains queued for the worker to finish later.
	if n, _ := env.rdb.ZCard(context.Background(), "jobs:waiting").Result(); n != 1 {
		t.Fatalf("expected job to remain queued, %d waiting", n)
	}

	env.biller.Close()
	time.Sleep(50 * time.Millisecond)
	if env.ledger.total() != 0 {
		t.Fatalf("timed-out request was billed %d credits", env.ledger.total())
	}
}

func TestScrapeLLMFailureIsRecovered(t *testing.T) {
	env := newTestEnv(t, false)
	env.runWorker(t, func(queue.JobDescriptor) (*model.Document, string) {
		return nil, "Error generating completions: model refused"
	})

	outcome, err := env.disp.Scrape(context.Background(), ScrapeParams{
		URL:    "https://example.com",
		TeamID: "preview",
		ExtractorOptions: &model.ExtractorOptions{
			Mode:             model.ExtractorModeLLM,
			ExtractionSchema: map[string]any{"type": "object"},
		},
	})
	if err != nil {
		t.Fatalf("expected recovered outcome, got error: %v", err)
	}
	if outcome.Success || outcome.ReturnCode != 500 {
		t.Fatalf("expected 500, got %+v", outcome)
	}
	if !strings.Contains(outcome.Error, "Error generating completions") {
		t.Fatalf("worker message lost: %q", outcome.Error)
	}
}

func TestScrapeWorkerFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, false)
	env.runWorker(t, func(queue.JobDescriptor) (*model.Document, string) {
		return nil, "browser pool exhausted"
	})

	_, err := env.disp.Scrape(context.Background(), ScrapeParams{
		URL:    "https://example.com",
		TeamID: "preview",
	})
	if err == nil {
		t.Fatal("expected non-llm worker failure to propagate")
	}
	if !strings.Contains(err.Error(), "browser pool exhausted") {
		t.Fatalf("failure reason lost: %v", err)
	}
}
