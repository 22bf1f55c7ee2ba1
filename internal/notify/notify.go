package notify

import (
	"context"
	"log/slog"
)

// Type identifies a credit-limit notification.
type Type string

const (
	TypeApproachingLimit Type = "APPROACHING_LIMIT"
	TypeLimitReached     Type = "LIMIT_REACHED"
)

// Sender delivers a notification to a team. Delivery (SMTP, dashboards)
// is external; implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, teamID string, t Type) error
}

// LogSender is the default Sender: it records the notification in the
// structured log and succeeds. Used when no delivery backend is wired.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, teamID string, t Type) error {
	if s.Logger != nil {
		s.Logger.Info("credit notification", "team_id", teamID, "type", string(t))
	}
	return nil
}
