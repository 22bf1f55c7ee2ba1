package http

import (
	"cinder/internal/model"
)

// ErrorResponse is the standard error payload for all endpoints.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

// ScrapeRequest is the v0 scrape body. URL stays untyped so a numeric
// or object url is rejected with a 400 instead of a decode error.
type ScrapeRequest struct {
	URL              any                     `json:"url"`
	PageOptions      *model.PageOptions      `json:"pageOptions,omitempty"`
	ExtractorOptions *model.ExtractorOptions `json:"extractorOptions,omitempty"`
	CrawlerOptions   *model.CrawlerOptions   `json:"crawlerOptions,omitempty"`
	Timeout          *int                    `json:"timeout,omitempty"`
	Origin           string                  `json:"origin,omitempty"`
	Integration      string                  `json:"integration,omitempty"`
}

// ScrapeResponse is the v0 scrape success payload.
type ScrapeResponse struct {
	Success    bool                  `json:"success"`
	Data       *model.LegacyDocument `json:"data,omitempty"`
	Error      string                `json:"error,omitempty"`
	ReturnCode int                   `json:"returnCode"`
}

// CrawlRequest is the v1 crawl body.
type CrawlRequest struct {
	URL               string               `json:"url"`
	ScrapeOptions     *model.ScrapeOptions `json:"scrapeOptions,omitempty"`
	IncludePaths      []string             `json:"includePaths,omitempty"`
	ExcludePaths      []string             `json:"excludePaths,omitempty"`
	Limit             int                  `json:"limit,omitempty"`
	MaxDepth          int                  `json:"maxDepth,omitempty"`
	Delay             *float64             `json:"delay,omitempty"`
	IgnoreSitemap     bool                 `json:"ignoreSitemap,omitempty"`
	MaxConcurrency    int                  `json:"maxConcurrency,omitempty"`
	Webhook           *model.Webhook       `json:"webhook,omitempty"`
	ZeroDataRetention bool                 `json:"zeroDataRetention,omitempty"`
	Origin            string               `json:"origin,omitempty"`
}

// CrawlResponse is the v1 crawl kickoff payload; URL is the crawl's
// status endpoint.
type CrawlResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
}
