package http

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"cinder/internal/config"
	"cinder/internal/crawlstore"
	"cinder/internal/model"
	"cinder/internal/services"
)

// crawlHandler starts a crawl and returns its opaque id plus a status
// URL the client can poll or stream from.
func crawlHandler(c *fiber.Ctx) error {
	var reqBody CrawlRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}
	if reqBody.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Missing required field 'url'",
		})
	}

	principal := c.Locals("principal").(Principal)
	cfg := c.Locals("config").(*config.Config)
	disp := c.Locals("dispatcher").(*services.Dispatcher)
	logger, _ := c.Locals("logger").(*slog.Logger)
	if logger == nil {
		logger = slog.Default()
	}

	var scrapeOpts model.ScrapeOptions
	if reqBody.ScrapeOptions != nil {
		scrapeOpts = *reqBody.ScrapeOptions
	}

	outcome, err := disp.Crawl(c.Context(), services.CrawlParams{
		URL:           reqBody.URL,
		TeamID:        principal.TeamID,
		Chunk:         principal.Chunk,
		ScrapeOptions: scrapeOpts,
		CrawlerOptions: model.CrawlerOptions{
			IncludePaths:  reqBody.IncludePaths,
			ExcludePaths:  reqBody.ExcludePaths,
			Limit:         reqBody.Limit,
			MaxDepth:      reqBody.MaxDepth,
			Delay:         reqBody.Delay,
			IgnoreSitemap: reqBody.IgnoreSitemap,
		},
		MaxConcurrency:    reqBody.MaxConcurrency,
		Webhook:           reqBody.Webhook,
		ZeroDataRetention: reqBody.ZeroDataRetention,
		Origin:            reqBody.Origin,
	})
	if err != nil {
		exceptionID := uuid.New().String()
		logger.Error("unexpected crawl error", "exception_id", exceptionID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   "An unexpected error occurred. Please contact help@cinder.dev for help. Your exception ID is " + exceptionID,
		})
	}
	if !outcome.Success {
		return c.Status(outcome.ReturnCode).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   outcome.Error,
		})
	}

	return c.Status(fiber.StatusOK).JSON(CrawlResponse{
		Success: true,
		ID:      outcome.ID,
		URL:     statusURL(c, cfg, outcome.ID),
	})
}

// crawlCancelHandler marks a crawl cancelled; in-flight child jobs
// drain on their own.
func crawlCancelHandler(c *fiber.Ctx) error {
	principal := c.Locals("principal").(Principal)
	crawls := c.Locals("crawls").(*crawlstore.Store)
	crawlID := c.Params("jobId")

	crawl, err := crawls.GetCrawl(c.Context(), crawlID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	if crawl == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_FOUND",
			Error:   "Job not found",
		})
	}
	if crawl.TeamID != principal.TeamID {
		return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
			Success: false,
			Code:    "FORBIDDEN",
			Error:   "Forbidden",
		})
	}

	if err := crawls.Cancel(c.Context(), crawlID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	return c.JSON(fiber.Map{"success": true, "status": "cancelled"})
}

// statusURL composes the public crawl status URL. Outside local
// development the scheme is forced to https because the edge usually
// terminates TLS ahead of us.
func statusURL(c *fiber.Ctx, cfg *config.Config, crawlID string) string {
	protocol := "https"
	if cfg.Env == "local" {
		protocol = c.Protocol()
	}
	return fmt.Sprintf("%s://%s/v1/crawl/%s", protocol, c.Hostname(), crawlID)
}
