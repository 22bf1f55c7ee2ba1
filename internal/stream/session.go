package stream

import (
	"context"
	"log/slog"
	"time"

	"cinder/internal/crawlstore"
	"cinder/internal/metrics"
	"cinder/internal/model"
	"cinder/internal/queue"
)

// Frame types pushed to streaming clients.
const (
	FrameCatchup  = "catchup"
	FrameDocument = "document"
	FrameDone     = "done"
	FrameError    = "error"
)

// Frame is one server-to-client push message.
type Frame struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// CrawlStatus is the catchup payload summarizing crawl progress at
// session start.
type CrawlStatus struct {
	Status      string            `json:"status"`
	Total       int               `json:"total"`
	Completed   int               `json:"completed"`
	CreditsUsed int               `json:"creditsUsed"`
	ExpiresAt   string            `json:"expiresAt"`
	Data        []*model.Document `json:"data"`
}

// FrameWriter delivers frames to one client. The WebSocket handler
// adapts a connection to this; tests substitute an in-memory recorder.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// Session streams one crawl's progress to one client. The caller has
// already resolved the crawl and verified team ownership.
type Session struct {
	CrawlID string
	Crawl   *crawlstore.StoredCrawl

	store    *crawlstore.Store
	queue    *queue.Queue
	writer   FrameWriter
	interval time.Duration
	logger   *slog.Logger

	doneIDs  []string
	doneSet  map[string]struct{}
	finished bool
}

func NewSession(crawlID string, crawl *crawlstore.StoredCrawl, store *crawlstore.Store, q *queue.Queue, writer FrameWriter, interval time.Duration, logger *slog.Logger) *Session {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		CrawlID:  crawlID,
		Crawl:    crawl,
		store:    store,
		queue:    q,
		writer:   writer,
		interval: interval,
		logger:   logger,
		doneSet:  make(map[string]struct{}),
	}
}

// Run sends the catchup frame and then polls until the crawl finishes
// or ctx is cancelled. A nil return means the session ended with a done
// frame; the handler closes with 1000.
func (s *Session) Run(ctx context.Context) error {
	metrics.RecordStreamSession()

	if err := s.catchup(ctx); err != nil {
		return sessionErr(ctx, err)
	}
	if s.finished {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.interval):
		}
		if err := s.poll(ctx); err != nil {
			return sessionErr(ctx, err)
		}
		if s.finished {
			return nil
		}
	}
}

// sessionErr normalizes errors out of a poll iteration: a cancelled
// session reports the cancellation itself, not whichever store or
// queue call the cancellation happened to interrupt.
func sessionErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// catchup computes the crawl's current progress, sends it as the first
// frame, and finishes the session immediately when the crawl is already
// terminal.
func (s *Session) catchup(ctx context.Context) error {
	doneIDs, err := s.store.GetDoneOrdered(ctx, s.CrawlID)
	if err != nil {
		return err
	}
	jobIDs, err := s.store.GetCrawlJobs(ctx, s.CrawlID)
	if err != nil {
		return err
	}
	throttled, err := s.queue.ThrottledJobs(ctx, s.Crawl.TeamID)
	if err != nil {
		return err
	}

	included := 0
	completed := 0
	for _, id := range jobIDs {
		if _, ok := throttled[id]; ok {
			included++
			continue
		}
		st, err := s.queue.State(ctx, id)
		if err != nil {
			return err
		}
		switch st {
		case queue.StateFailed, queue.StateUnknown:
			// Dropped jobs do not count against completion.
		case queue.StateCompleted:
			included++
			completed++
		default:
			included++
		}
	}

	status := "scraping"
	if s.Crawl.Cancelled {
		status = "cancelled"
	} else if included > 0 && completed == included {
		status = "completed"
	}

	docs := make([]*model.Document, 0, len(doneIDs))
	for _, id := range doneIDs {
		doc, err := s.queue.ReturnValue(ctx, id)
		if err != nil {
			s.logger.Debug("catchup return value unreadable", "job_id", id, "error", err)
			continue
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}

	expiry, err := s.store.GetExpiry(ctx, s.CrawlID)
	if err != nil {
		return err
	}

	if err := s.send(Frame{Type: FrameCatchup, Data: CrawlStatus{
		Status:      status,
		Total:       included,
		Completed:   completed,
		CreditsUsed: included,
		ExpiresAt:   expiry.Format(time.RFC3339),
		Data:        docs,
	}}); err != nil {
		return err
	}

	for _, id := range doneIDs {
		s.markDone(id)
	}

	if status != "scraping" {
		return s.finish()
	}
	return nil
}

// poll runs one iteration of the progress loop: detect newly terminal
// child jobs, push their documents, and close when everything is done.
func (s *Session) poll(ctx context.Context) error {
	jobIDs, err := s.store.GetCrawlJobs(ctx, s.CrawlID)
	if err != nil {
		return err
	}
	if len(jobIDs) == len(s.doneIDs) {
		return s.finish()
	}

	var newlyDone []string
	for _, id := range jobIDs {
		if _, seen := s.doneSet[id]; seen {
			continue
		}
		st, err := s.queue.State(ctx, id)
		if err != nil {
			return err
		}
		if st == queue.StateCompleted || st == queue.StateFailed {
			newlyDone = append(newlyDone, id)
		}
	}

	for _, id := range newlyDone {
		doc, err := s.queue.ReturnValue(ctx, id)
		if err != nil || doc == nil {
			// Failed jobs and undecodable payloads are skipped silently.
			continue
		}
		if err := s.send(Frame{Type: FrameDocument, Data: doc}); err != nil {
			return err
		}
	}
	for _, id := range newlyDone {
		s.markDone(id)
	}
	return nil
}

func (s *Session) finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.send(Frame{Type: FrameDone})
}

func (s *Session) send(f Frame) error {
	metrics.RecordStreamFrame(f.Type)
	return s.writer.WriteFrame(f)
}

func (s *Session) markDone(id string) {
	if _, seen := s.doneSet[id]; seen {
		return
	}
	s.doneSet[id] = struct{}{}
	s.doneIDs = append(s.doneIDs, id)
}
