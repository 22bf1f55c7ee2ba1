package http

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"cinder/internal/crawlstore"
	"cinder/internal/queue"
	"cinder/internal/services"
)

// scrapeHandler implements the legacy v0 single-URL scrape endpoint.
// Recoverable failures carry their status in returnCode; only transport
// and unexpected errors produce a bare 500.
func scrapeHandler(c *fiber.Ctx) error {
	var reqBody ScrapeRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	principal := c.Locals("principal").(Principal)
	disp := c.Locals("dispatcher").(*services.Dispatcher)
	crawls := c.Locals("crawls").(*crawlstore.Store)
	logger, _ := c.Locals("logger").(*slog.Logger)
	if logger == nil {
		logger = slog.Default()
	}

	// Deprecation tracking only; never blocks the request.
	if err := crawls.MarkTeamUsingV0(c.Context(), principal.TeamID); err != nil {
		logger.Warn("failed to mark team as v0 user", "team_id", principal.TeamID, "error", err)
	}

	timeoutMs := 0
	if reqBody.Timeout != nil {
		timeoutMs = *reqBody.Timeout
	}

	outcome, err := disp.Scrape(c.Context(), services.ScrapeParams{
		URL:              reqBody.URL,
		TeamID:           principal.TeamID,
		Chunk:            principal.Chunk,
		PageOptions:      reqBody.PageOptions,
		ExtractorOptions: reqBody.ExtractorOptions,
		TimeoutMs:        timeoutMs,
		Origin:           reqBody.Origin,
		Integration:      reqBody.Integration,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueUnavailable) {
			logger.Error("scrape dispatch failed: queue unavailable", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(ScrapeResponse{
				Success:    false,
				Error:      "Internal server error",
				ReturnCode: 500,
			})
		}
		exceptionID := uuid.New().String()
		logger.Error("unexpected scrape error", "exception_id", exceptionID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ScrapeResponse{
			Success:    false,
			Error:      "An unexpected error occurred. Please contact help@cinder.dev for help. Your exception ID is " + exceptionID,
			ReturnCode: 500,
		})
	}

	if !outcome.Success {
		return c.Status(outcome.ReturnCode).JSON(ScrapeResponse{
			Success:    false,
			Error:      outcome.Error,
			ReturnCode: outcome.ReturnCode,
		})
	}

	return c.Status(fiber.StatusOK).JSON(ScrapeResponse{
		Success:    true,
		Data:       outcome.Data,
		ReturnCode: 200,
	})
}
