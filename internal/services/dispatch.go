package services

import (
	"log/slog"
	"time"

	"cinder/internal/config"
	"cinder/internal/crawlstore"
	"cinder/internal/credit"
	"cinder/internal/queue"
)

// crawlerUserAgent is the agent name workers identify as; robots.txt
// group matching uses the same token.
const crawlerUserAgent = "CinderBot"

// Dispatcher composes the credit gate, job queue, and crawl store into
// the two request-path operations: single-URL scrape and crawl kickoff.
type Dispatcher struct {
	cfg    *config.Config
	gate   *credit.Gate
	queue  *queue.Queue
	crawls *crawlstore.Store
	robots RobotsFetcher
	logger *slog.Logger
}

func NewDispatcher(cfg *config.Config, gate *credit.Gate, q *queue.Queue, crawls *crawlstore.Store, robots RobotsFetcher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if robots == nil {
		robots = &HTTPRobotsFetcher{Timeout: 10 * time.Second}
	}
	return &Dispatcher{
		cfg:    cfg,
		gate:   gate,
		queue:  q,
		crawls: crawls,
		robots: robots,
		logger: logger,
	}
}

func (d *Dispatcher) defaultTimeout() time.Duration {
	return time.Duration(d.cfg.Scrape.DefaultTimeoutMs) * time.Millisecond
}

func (d *Dispatcher) llmTimeout() time.Duration {
	return time.Duration(d.cfg.Scrape.LLMTimeoutMs) * time.Millisecond
}
