package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"cinder/internal/config"
	"cinder/internal/crawlstore"
	"cinder/internal/queue"
	"cinder/internal/store"
	"cinder/internal/stream"
)

const wsWriteWait = 10 * time.Second

// wsUpgradeMiddleware gates the streaming route on a WebSocket upgrade
// and resolves the principal before the protocol switch. Auth failures
// are deferred into the upgraded connection so they surface as close
// codes.
func wsUpgradeMiddleware(cfg *config.Config, teams *store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		p, authErr := resolvePrincipal(c.Context(), cfg, teams, bearerToken(c))
		if authErr != nil {
			c.Locals("ws_auth_error", authErr)
		} else {
			c.Locals("principal", p)
		}
		return c.Next()
	}
}

type wsFrameWriter struct {
	conn *websocket.Conn
}

func (w *wsFrameWriter) WriteFrame(f stream.Frame) error {
	return w.conn.WriteJSON(f)
}

// crawlStreamHandler runs one progress-streaming session over an
// upgraded connection.
func crawlStreamHandler(conn *websocket.Conn) {
	defer conn.Close()

	logger, _ := conn.Locals("logger").(*slog.Logger)
	if logger == nil {
		logger = slog.Default()
	}

	if authErr, ok := conn.Locals("ws_auth_error").(*authError); ok && authErr != nil {
		closeWith(conn, 3000, authErr.Message)
		return
	}
	principal, ok := conn.Locals("principal").(Principal)
	if !ok {
		closeWith(conn, 3000, "Unauthenticated")
		return
	}

	cfg := conn.Locals("config").(*config.Config)
	crawls := conn.Locals("crawls").(*crawlstore.Store)
	q := conn.Locals("queue").(*queue.Queue)
	crawlID := conn.Params("jobId")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crawl, err := crawls.GetCrawl(ctx, crawlID)
	if err != nil {
		closeUnexpected(conn, logger, crawlID, err)
		return
	}
	if crawl == nil {
		sendErrorFrame(conn, "Job not found")
		closeWith(conn, 1008, "Job not found")
		return
	}
	if crawl.TeamID != principal.TeamID {
		sendErrorFrame(conn, "Forbidden")
		closeWith(conn, 3003, "Forbidden")
		return
	}

	// Cancel the poll loop as soon as the client goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := time.Duration(cfg.Crawl.PollIntervalMs) * time.Millisecond
	session := stream.NewSession(crawlID, crawl, crawls, q, &wsFrameWriter{conn: conn}, interval, logger)

	err = session.Run(ctx)
	switch {
	case err == nil:
		closeWith(conn, websocket.CloseNormalClosure, "done")
	case ctx.Err() != nil:
		// Client disconnected; nothing left to send.
	default:
		closeUnexpected(conn, logger, crawlID, err)
	}
}

func sendErrorFrame(conn *websocket.Conn, msg string) {
	_ = conn.WriteJSON(stream.Frame{Type: stream.FrameError, Error: msg})
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func closeUnexpected(conn *websocket.Conn, logger *slog.Logger, crawlID string, err error) {
	exceptionID := uuid.New().String()
	logger.Error("unexpected streaming error", "crawl_id", crawlID, "exception_id", exceptionID, "error", err)
	msg := "An unexpected error occurred. Exception ID: " + exceptionID
	sendErrorFrame(conn, msg)
	closeWith(conn, websocket.CloseInternalServerErr, msg)
}
