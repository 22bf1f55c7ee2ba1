package model

// Metadata is the worker-reported metadata block attached to every Document.
type Metadata struct {
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	Language       string `json:"language,omitempty"`
	SourceURL      string `json:"sourceURL,omitempty"`
	PageStatusCode int    `json:"pageStatusCode,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Document is the worker-produced scrape result stored as a job's return
// value. The orchestration core treats it as opaque except for field
// elision on the response path and the legacy v0 transform.
type Document struct {
	Markdown string         `json:"markdown,omitempty"`
	HTML     string         `json:"html,omitempty"`
	RawHTML  string         `json:"rawHtml,omitempty"`
	Extract  map[string]any `json:"extract,omitempty"`
	Warning  string         `json:"warning,omitempty"`

	// Internal fields populated by the worker pipeline; stripped before
	// any document reaches an API client.
	Index    *int   `json:"index,omitempty"`
	Provider string `json:"provider,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// LegacyDocument is the v0 response document shape. Content mirrors
// Markdown for callers that predate the formats split.
type LegacyDocument struct {
	Content       string         `json:"content"`
	Markdown      string         `json:"markdown,omitempty"`
	HTML          string         `json:"html,omitempty"`
	RawHTML       string         `json:"rawHtml,omitempty"`
	LLMExtraction map[string]any `json:"llm_extraction,omitempty"`
	Warning       string         `json:"warning,omitempty"`
	Metadata      Metadata       `json:"metadata"`
}

// ToLegacy converts a worker Document into the v0 response shape.
func (d *Document) ToLegacy() *LegacyDocument {
	if d == nil {
		return nil
	}
	return &LegacyDocument{
		Content:       d.Markdown,
		Markdown:      d.Markdown,
		HTML:          d.HTML,
		RawHTML:       d.RawHTML,
		LLMExtraction: d.Extract,
		Warning:       d.Warning,
		Metadata:      d.Metadata,
	}
}

// PageOptions controls what the worker fetches and which payload fields
// the caller wants back.
type PageOptions struct {
	OnlyMainContent bool              `json:"onlyMainContent,omitempty"`
	IncludeHTML     bool              `json:"includeHtml,omitempty"`
	IncludeRawHTML  bool              `json:"includeRawHtml,omitempty"`
	WaitFor         int               `json:"waitFor,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ParsePDF        *bool             `json:"parsePDF,omitempty"`
}

// Extractor modes. Any mode containing "llm-extraction" routes the job
// through the LLM pipeline on the worker side.
const (
	ExtractorModeMarkdown        = "markdown"
	ExtractorModeLLM             = "llm-extraction"
	ExtractorModeLLMFromRawHTML  = "llm-extraction-from-raw-html"
	ExtractorModeLLMFromMarkdown = "llm-extraction-from-markdown"
)

// ExtractorOptions selects the extraction pipeline for a scrape.
type ExtractorOptions struct {
	Mode             string `json:"mode,omitempty"`
	ExtractionPrompt string `json:"extractionPrompt,omitempty"`
	ExtractionSchema any    `json:"extractionSchema,omitempty"`
}

// IsLLMExtraction reports whether the extractor mode routes through the
// LLM pipeline.
func (e ExtractorOptions) IsLLMExtraction() bool {
	switch e.Mode {
	case ExtractorModeLLM, ExtractorModeLLMFromRawHTML, ExtractorModeLLMFromMarkdown:
		return true
	}
	return false
}

// ScrapeOptions is the internal merged option set carried on job
// descriptors and stored crawls.
type ScrapeOptions struct {
	PageOptions         PageOptions      `json:"pageOptions"`
	Extractor           ExtractorOptions `json:"extractorOptions"`
	TimeoutMs           int              `json:"timeout,omitempty"`
	SkipTLSVerification bool             `json:"skipTlsVerification,omitempty"`
	Origin              string           `json:"origin,omitempty"`
}

// CrawlerOptions is the legacy-shaped crawl option block persisted on a
// stored crawl and consumed by the kickoff worker.
type CrawlerOptions struct {
	IncludePaths       []string `json:"includes,omitempty"`
	ExcludePaths       []string `json:"excludes,omitempty"`
	Limit              int      `json:"limit,omitempty"`
	MaxDepth           int      `json:"maxDepth,omitempty"`
	Delay              *float64 `json:"delay,omitempty"`
	IgnoreSitemap      bool     `json:"ignoreSitemap,omitempty"`
	AllowBackwardLinks bool     `json:"allowBackwardCrawling,omitempty"`
	AllowExternalLinks bool     `json:"allowExternalContentLinks,omitempty"`
}

// InternalOptions are orchestration flags the edge sets for workers;
// they never round-trip to API clients.
type InternalOptions struct {
	DisableSmartWaitCache bool   `json:"disableSmartWaitCache,omitempty"`
	SaveScrapeResultToGCS bool   `json:"saveScrapeResultToGCS,omitempty"`
	ZeroDataRetention     bool   `json:"zeroDataRetention,omitempty"`
	TeamID                string `json:"teamId,omitempty"`
}

// Webhook is an optional per-crawl callback registration forwarded to
// the kickoff job.
type Webhook struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	Events   []string          `json:"events,omitempty"`
}
