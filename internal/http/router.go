package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cinder/internal/config"
	"cinder/internal/crawlstore"
	"cinder/internal/metrics"
	"cinder/internal/queue"
	"cinder/internal/services"
	"cinder/internal/store"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

// NewServer assembles the Fiber app: middleware, health and metrics
// endpoints, and the v0/v1 API surface. teams is nil outside DB-auth
// mode.
func NewServer(cfg *config.Config, rdb *redis.Client, teams *store.Store, disp *services.Dispatcher, q *queue.Queue, crawls *crawlstore.Store, logger *slog.Logger) *Server {
	app := fiber.New()

	// Inject shared components into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("dispatcher", disp)
		c.Locals("queue", q)
		c.Locals("crawls", crawls)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		redisStatus := "ok"
		if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "error"
		}

		dbStatus := "disabled"
		if teams != nil {
			if err := teams.DB.PingContext(ctx); err != nil {
				dbStatus = "error"
			} else {
				dbStatus = "ok"
			}
		}

		status := "ok"
		if redisStatus != "ok" || dbStatus == "error" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status": status,
			"redis":  redisStatus,
			"db":     dbStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	authMw := authMiddleware(cfg, teams)

	v0 := app.Group("/v0", authMw)
	v0.Post("/scrape", scrapeHandler)

	v1 := app.Group("/v1")
	v1.Post("/crawl", authMw, crawlHandler)
	v1.Delete("/crawl/:jobId", authMw, crawlCancelHandler)

	// The WebSocket route authenticates inside the upgraded connection so
	// failures surface as close codes instead of HTTP statuses.
	v1.Use("/crawl/:jobId", wsUpgradeMiddleware(cfg, teams))
	v1.Get("/crawl/:jobId", websocket.New(crawlStreamHandler))

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
