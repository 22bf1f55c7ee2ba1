package services

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"cinder/internal/blocklist"
	"cinder/internal/crawlstore"
	"cinder/internal/credit"
	"cinder/internal/model"
	"cinder/internal/queue"
)

// defaultCrawlLimit caps crawls whose request omits a limit.
const defaultCrawlLimit = 10000

// CrawlParams is a v1 crawl request after JSON decoding.
type CrawlParams struct {
	URL               string
	TeamID            string
	Chunk             *credit.Chunk
	ScrapeOptions     model.ScrapeOptions
	CrawlerOptions    model.CrawlerOptions
	MaxConcurrency    int
	Webhook           *model.Webhook
	ZeroDataRetention bool
	Origin            string
}

// CrawlOutcome reports the kickoff result; the handler composes the
// public status URL from ID.
type CrawlOutcome struct {
	Success    bool
	ID         string
	Error      string
	ReturnCode int
}

func crawlFailure(code int, msg string) (CrawlOutcome, error) {
	return CrawlOutcome{Error: msg, ReturnCode: code}, nil
}

// Crawl validates a crawl request, persists its record, and enqueues
// the kickoff job that expands it into child scrapes.
func (d *Dispatcher) Crawl(ctx context.Context, params CrawlParams) (CrawlOutcome, error) {
	targetURL, errMsg := normalizeURL(params.URL)
	if errMsg != "" {
		return crawlFailure(400, errMsg)
	}
	if blocklist.IsBlocked(targetURL) {
		return crawlFailure(403, blocklist.BlocklistedURLMessage)
	}

	zdr := params.ZeroDataRetention
	if params.Chunk != nil && params.Chunk.Flags.Has(credit.FlagForceZDR) {
		zdr = true
	} else if zdr && (params.Chunk == nil || !params.Chunk.Flags.Has(credit.FlagAllowZDR)) {
		return crawlFailure(400, "Zero data retention is not enabled for this team.")
	}

	remaining := credit.UnlimitedCredits
	if d.cfg.UseDBAuthentication && params.Chunk != nil {
		remaining = params.Chunk.RemainingCredits
	}

	for _, pattern := range params.CrawlerOptions.IncludePaths {
		if _, err := regexp.Compile(pattern); err != nil {
			return crawlFailure(400, fmt.Sprintf("Invalid includePaths pattern: %v", err))
		}
	}
	for _, pattern := range params.CrawlerOptions.ExcludePaths {
		if _, err := regexp.Compile(pattern); err != nil {
			return crawlFailure(400, fmt.Sprintf("Invalid excludePaths pattern: %v", err))
		}
	}

	crawlerOpts := params.CrawlerOptions
	if crawlerOpts.Limit <= 0 {
		crawlerOpts.Limit = defaultCrawlLimit
	}
	if remaining < crawlerOpts.Limit {
		crawlerOpts.Limit = remaining
	}

	crawl := &crawlstore.StoredCrawl{
		OriginURL:      targetURL,
		CrawlerOptions: crawlerOpts,
		ScrapeOptions:  params.ScrapeOptions,
		InternalOptions: model.InternalOptions{
			DisableSmartWaitCache: true,
			SaveScrapeResultToGCS: d.cfg.GCSBucket != "",
			ZeroDataRetention:     zdr,
			TeamID:                params.TeamID,
		},
		TeamID:            params.TeamID,
		CreatedAt:         time.Now().UTC(),
		ZeroDataRetention: zdr,
	}

	crawl.MaxConcurrency = params.MaxConcurrency
	if params.Chunk != nil && params.Chunk.Concurrency > 0 {
		if crawl.MaxConcurrency <= 0 || params.Chunk.Concurrency < crawl.MaxConcurrency {
			crawl.MaxConcurrency = params.Chunk.Concurrency
		}
	}

	// Robots failures never block a crawl; workers re-check per page.
	robotsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	body, err := d.robots.FetchRobots(robotsCtx, targetURL, params.ScrapeOptions.SkipTLSVerification)
	cancel()
	if err != nil {
		d.logger.Debug("robots.txt fetch failed", "url", targetURL, "error", err)
	} else {
		crawl.Robots = body
		if crawl.CrawlerOptions.Delay == nil {
			if delay := robotsCrawlDelay(body, crawlerUserAgent); delay > 0 {
				crawl.CrawlerOptions.Delay = &delay
			}
		}
	}

	crawlID := uuid.New().String()
	if err := d.crawls.SaveCrawl(ctx, crawlID, crawl); err != nil {
		return CrawlOutcome{}, err
	}

	desc := queue.JobDescriptor{
		URL:               targetURL,
		Mode:              queue.ModeKickoff,
		TeamID:            params.TeamID,
		ScrapeOptions:     params.ScrapeOptions,
		InternalOptions:   crawl.InternalOptions,
		CrawlerOptions:    &crawl.CrawlerOptions,
		Origin:            params.Origin,
		StartTime:         time.Now().UTC(),
		ZeroDataRetention: zdr,
		CrawlID:           crawlID,
		Webhook:           params.Webhook,
	}
	if err := d.queue.Enqueue(ctx, desc, uuid.New().String(), d.cfg.Scrape.BasePriority); err != nil {
		return CrawlOutcome{}, err
	}

	return CrawlOutcome{Success: true, ID: crawlID, ReturnCode: 200}, nil
}
