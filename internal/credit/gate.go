package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"cinder/internal/metrics"
	"cinder/internal/notify"
)

// ErrNoChunk is returned when a DB-auth check arrives without a credit
// chunk; the auth layer should always have loaded one.
var ErrNoChunk = errors.New("credit chunk missing for authenticated team")

const (
	autoRechargeCacheTTL  = 5 * time.Minute
	notificationDedupTTL  = 15 * time.Minute
	approachingLimitRatio = 0.8
	maxBypassWarnings     = 5
)

// AutoRechargeConfig is a team's stored auto-recharge preference.
type AutoRechargeConfig struct {
	Enabled          bool `json:"enabled"`
	TriggerThreshold int  `json:"triggerThreshold"`
}

// AutoRechargeSource loads a team's auto-recharge preference from
// persistent storage. Results are cached by the gate.
type AutoRechargeSource interface {
	AutoRecharge(ctx context.Context, teamID string) (AutoRechargeConfig, error)
}

// Recharger executes an auto-recharge against the payment provider and
// returns the team's refreshed chunk on success.
type Recharger interface {
	Recharge(ctx context.Context, teamID string) (*Chunk, error)
}

// Gate admits or denies operations against per-team credit budgets.
type Gate struct {
	rdb        *redis.Client
	source     AutoRechargeSource
	recharger  Recharger
	notifier   notify.Sender
	biller     *Biller
	logger     *slog.Logger
	dbAuth     bool
	upgradeURL string

	bypassWarnings atomic.Int32
}

// NewGate constructs a credit gate. rdb, source, and recharger may be
// nil; the gate degrades to uncached lookups and no recharge attempts.
func NewGate(rdb *redis.Client, source AutoRechargeSource, recharger Recharger, notifier notify.Sender, biller *Biller, logger *slog.Logger, dbAuth bool, upgradeURL string) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &notify.LogSender{Logger: logger}
	}
	return &Gate{
		rdb:        rdb,
		source:     source,
		recharger:  recharger,
		notifier:   notifier,
		biller:     biller,
		logger:     logger,
		dbAuth:     dbAuth,
		upgradeURL: upgradeURL,
	}
}

// Check decides whether teamID may spend credits given its current
// chunk. chunk may be nil only outside DB-auth mode or for preview
// teams.
func (g *Gate) Check(ctx context.Context, teamID string, chunk *Chunk, credits int) (CheckResult, error) {
	if IsPreviewTeam(teamID) {
		metrics.RecordCreditCheck("bypassed")
		return CheckResult{Admitted: true, RemainingCredits: UnlimitedCredits}, nil
	}

	if !g.dbAuth {
		g.warnBypass()
		metrics.RecordCreditCheck("bypassed")
		return CheckResult{Admitted: true, RemainingCredits: UnlimitedCredits}, nil
	}

	if chunk == nil {
		return CheckResult{}, ErrNoChunk
	}

	willUse := chunk.AdjustedCreditsUsed + credits
	total := chunk.TotalCreditsSum

	// Auto-recharge runs before the deny decision. The refreshed chunk
	// replaces the stale one and the spend is re-evaluated against it; a
	// top-up that still leaves the team short does not admit.
	if cfg := g.autoRechargeConfig(ctx, teamID); cfg.Enabled &&
		chunk.RemainingCredits < cfg.TriggerThreshold && !chunk.IsExtract && g.recharger != nil {
		fresh, err := g.recharger.Recharge(ctx, teamID)
		if err != nil {
			g.logger.Warn("auto-recharge failed", "team_id", teamID, "error", err)
		} else if fresh != nil {
			chunk = fresh
			willUse = chunk.AdjustedCreditsUsed + credits
			total = chunk.TotalCreditsSum
		}
	}

	if willUse > total {
		if chunk.AdjustedCreditsUsed > total {
			g.notify(ctx, teamID, notify.TypeLimitReached)
		}
		metrics.RecordCreditCheck("denied")
		return CheckResult{
			Admitted:         false,
			RemainingCredits: chunk.RemainingCredits,
			Chunk:            chunk,
			Message: fmt.Sprintf(
				"Insufficient credits to perform this request. For more credits, you can upgrade your plan at %s.", g.upgradeURL),
		}, nil
	}

	if total > 0 {
		ratio := float64(chunk.AdjustedCreditsUsed) / float64(total)
		if ratio >= approachingLimitRatio && ratio < 1.0 {
			g.notify(ctx, teamID, notify.TypeApproachingLimit)
		}
	}

	metrics.RecordCreditCheck("admitted")
	return CheckResult{Admitted: true, RemainingCredits: total - willUse, Chunk: chunk}, nil
}

// Bill records credit usage asynchronously. It never blocks the request
// path and never returns an error; failures are logged by the
// aggregator.
func (g *Gate) Bill(teamID string, subID *string, credits int, isExtract bool) {
	if IsPreviewTeam(teamID) {
		return
	}
	if !g.dbAuth {
		g.warnBypass()
		return
	}
	if g.biller == nil {
		g.logger.Warn("billing aggregator not configured; usage not recorded", "team_id", teamID, "credits", credits)
		return
	}
	g.biller.Bill(teamID, subID, credits, isExtract)
}

// autoRechargeConfig returns the team's auto-recharge preference,
// reading through a 300 s Redis cache. Cache races between readers are
// tolerated; last writer wins.
func (g *Gate) autoRechargeConfig(ctx context.Context, teamID string) AutoRechargeConfig {
	if g.source == nil {
		return AutoRechargeConfig{}
	}

	key := "team_auto_recharge_" + teamID
	if g.rdb != nil {
		if raw, err := g.rdb.Get(ctx, key).Result(); err == nil {
			var cfg AutoRechargeConfig
			if json.Unmarshal([]byte(raw), &cfg) == nil {
				return cfg
			}
		}
	}

	cfg, err := g.source.AutoRecharge(ctx, teamID)
	if err != nil {
		g.logger.Warn("auto-recharge config lookup failed", "team_id", teamID, "error", err)
		return AutoRechargeConfig{}
	}

	if g.rdb != nil {
		if raw, err := json.Marshal(cfg); err == nil {
			_ = g.rdb.Set(ctx, key, raw, autoRechargeCacheTTL).Err()
		}
	}
	return cfg
}

// notify sends a credit notification, deduplicated per (team, type)
// within notificationDedupTTL. Send failures are logged only.
func (g *Gate) notify(ctx context.Context, teamID string, t notify.Type) {
	if g.rdb != nil {
		key := fmt.Sprintf("notification:%s:%s", t, teamID)
		set, err := g.rdb.SetNX(ctx, key, "1", notificationDedupTTL).Result()
		if err == nil && !set {
			return
		}
	}
	if err := g.notifier.Send(ctx, teamID, t); err != nil {
		g.logger.Warn("credit notification send failed", "team_id", teamID, "type", string(t), "error", err)
	}
}

func (g *Gate) warnBypass() {
	if n := g.bypassWarnings.Add(1); n <= maxBypassWarnings {
		g.logger.Warn("credit accounting disabled; allowing request without checks",
			"occurrence", n, "max_warnings", maxBypassWarnings)
	}
}
