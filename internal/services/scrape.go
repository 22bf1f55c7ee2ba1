package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"cinder/internal/blocklist"
	"cinder/internal/credit"
	"cinder/internal/model"
	"cinder/internal/queue"
)

const (
	scrapeBaseCredits = 1
	llmExtraCredits   = 4
)

// ScrapeParams is a validated-enough v0 scrape request handed to the
// dispatcher. URL is kept untyped so a non-string body value can be
// rejected here with the right status instead of a JSON decode error.
type ScrapeParams struct {
	URL              any
	TeamID           string
	Chunk            *credit.Chunk
	PageOptions      *model.PageOptions
	ExtractorOptions *model.ExtractorOptions
	TimeoutMs        int
	Origin           string
	Integration      string
}

// ScrapeOutcome is the dispatch result. Recoverable failures come back
// as Success=false with a ReturnCode; only fatal conditions surface as
// a Go error from Scrape.
type ScrapeOutcome struct {
	Success    bool
	Data       *model.LegacyDocument
	Error      string
	ReturnCode int
}

func failure(code int, msg string) (ScrapeOutcome, error) {
	return ScrapeOutcome{Error: msg, ReturnCode: code}, nil
}

// Scrape runs the single-URL path: validate, gate, enqueue, wait for
// the worker, post-process, bill.
func (d *Dispatcher) Scrape(ctx context.Context, params ScrapeParams) (ScrapeOutcome, error) {
	targetURL, errMsg := normalizeURL(params.URL)
	if errMsg != "" {
		return failure(400, errMsg)
	}
	if blocklist.IsBlocked(targetURL) {
		return failure(403, blocklist.BlocklistedURLMessage)
	}

	opts := model.ScrapeOptions{
		TimeoutMs: params.TimeoutMs,
		Origin:    params.Origin,
	}
	if params.PageOptions != nil {
		opts.PageOptions = *params.PageOptions
	}
	if params.ExtractorOptions != nil {
		opts.Extractor = *params.ExtractorOptions
	} else {
		opts.Extractor.Mode = model.ExtractorModeMarkdown
	}

	timeout := d.defaultTimeout()
	if opts.Extractor.IsLLMExtraction() {
		if _, ok := opts.Extractor.ExtractionSchema.(map[string]any); !ok {
			return failure(400, "extractorOptions.extractionSchema must be an object if llm-extraction mode is specified")
		}
		// LLM extraction needs the cleaned article body, and completions
		// routinely outlast the plain-scrape deadline.
		opts.PageOptions.OnlyMainContent = true
		timeout = d.llmTimeout()
	}
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	priority, err := d.queue.JobPriority(ctx, params.TeamID, d.cfg.Scrape.BasePriority)
	if err != nil {
		d.logger.Warn("job priority lookup failed; using base", "team_id", params.TeamID, "error", err)
		priority = d.cfg.Scrape.BasePriority
	}

	check, err := d.gate.Check(ctx, params.TeamID, params.Chunk, scrapeBaseCredits)
	if err != nil {
		d.logger.Error("credit check failed", "team_id", params.TeamID, "error", err)
		return failure(500, "Error checking team credits. Please contact help@cinder.dev for help.")
	}
	if !check.Admitted {
		return failure(402, check.Message)
	}

	jobID := uuid.New().String()
	desc := queue.JobDescriptor{
		URL:           targetURL,
		Mode:          queue.ModeSingleURLs,
		TeamID:        params.TeamID,
		ScrapeOptions: opts,
		InternalOptions: model.InternalOptions{
			SaveScrapeResultToGCS: d.cfg.GCSBucket != "",
			TeamID:                params.TeamID,
		},
		Origin:      params.Origin,
		Integration: params.Integration,
		IsScrape:    true,
		StartTime:   time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, desc, jobID, priority); err != nil {
		return ScrapeOutcome{}, err
	}

	doc, err := d.queue.WaitForJob(ctx, jobID, timeout)
	if err == queue.ErrJobTimeout {
		// The job stays queued; it may still finish and be billed by its
		// completion hook.
		return failure(408, "Request timed out")
	}
	if err != nil {
		if isLLMRecoverable(err.Error()) {
			if rmErr := d.queue.Remove(ctx, jobID); rmErr != nil {
				d.logger.Warn("failed to remove terminal job", "job_id", jobID, "error", rmErr)
			}
			return failure(500, err.Error())
		}
		return ScrapeOutcome{}, fmt.Errorf("job %s: %w", jobID, err)
	}

	if err := d.queue.Remove(ctx, jobID); err != nil {
		d.logger.Warn("failed to remove terminal job", "job_id", jobID, "error", err)
	}

	elideFields(doc, opts)

	credits := scrapeBaseCredits
	if opts.Extractor.IsLLMExtraction() {
		credits += llmExtraCredits
	}
	var subID *string
	if check.Chunk != nil {
		subID = check.Chunk.SubID
	}
	d.gate.Bill(params.TeamID, subID, credits, false)

	return ScrapeOutcome{Success: true, Data: doc.ToLegacy(), ReturnCode: 200}, nil
}

// normalizeURL coerces the raw request url into a parseable http(s)
// URL, or returns the client-facing validation message.
func normalizeURL(raw any) (string, string) {
	s, ok := raw.(string)
	if !ok {
		return "", "Url is required"
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "Url is required"
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", "Invalid URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "Invalid URL"
	}
	return u.String(), ""
}

// elideFields strips internal and unrequested payload fields from a
// worker document before it leaves the service.
func elideFields(doc *model.Document, opts model.ScrapeOptions) {
	if doc == nil {
		return
	}
	doc.Index = nil
	doc.Provider = ""
	if !opts.PageOptions.IncludeRawHTML {
		doc.RawHTML = ""
	}
	if !opts.PageOptions.IncludeHTML {
		doc.HTML = ""
	}
	if opts.Extractor.IsLLMExtraction() {
		doc.Markdown = ""
	}
}
