package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cinder/internal/credit"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Team is a row from the teams table joined with its policy columns.
type Team struct {
	ID          string
	Name        string
	Flags       credit.Flags
	Concurrency int
}

// Store wraps access to the teams database. Used only in DB-auth mode;
// credit ledger writes stay external.
type Store struct {
	DB *sql.DB
}

// New creates a Store on a shared *sql.DB with pooling.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// hashAPIKey hashes a raw API key using SHA-256 and returns a hex string.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GetTeamByAPIKey resolves a raw API key to its team.
func (s *Store) GetTeamByAPIKey(ctx context.Context, rawKey string) (Team, error) {
	const q = `
		SELECT t.id, t.name, t.flags, t.concurrency
		FROM api_keys k
		JOIN teams t ON t.id = k.team_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL`

	var team Team
	err := s.DB.QueryRowContext(ctx, q, hashAPIKey(rawKey)).
		Scan(&team.ID, &team.Name, &team.Flags, &team.Concurrency)
	if err == sql.ErrNoRows {
		return Team{}, ErrNotFound
	}
	if err != nil {
		return Team{}, fmt.Errorf("team lookup: %w", err)
	}
	return team, nil
}

// GetCreditChunk loads a team's current billing snapshot: credits used
// in the current period, purchased totals, and subscription window.
func (s *Store) GetCreditChunk(ctx context.Context, teamID string) (*credit.Chunk, error) {
	const q = `
		SELECT
			t.id, t.flags, t.concurrency,
			t.sub_id, t.sub_current_period_start, t.sub_current_period_end,
			COALESCE(SUM(l.credits_used), 0) AS used,
			t.total_credits
		FROM teams t
		LEFT JOIN credit_ledger l
			ON l.team_id = t.id
			AND (t.sub_current_period_start IS NULL OR l.created_at >= t.sub_current_period_start)
		WHERE t.id = $1
		GROUP BY t.id`

	var (
		chunk credit.Chunk
		subID sql.NullString
		start sql.NullTime
		end   sql.NullTime
		used  int
		total int
	)
	err := s.DB.QueryRowContext(ctx, q, teamID).Scan(
		&chunk.TeamID, &chunk.Flags, &chunk.Concurrency,
		&subID, &start, &end, &used, &total,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit chunk lookup: %w", err)
	}

	if subID.Valid {
		chunk.SubID = &subID.String
	}
	if start.Valid {
		t := start.Time
		chunk.SubCurrentPeriodStart = &t
	}
	if end.Valid {
		t := end.Time
		chunk.SubCurrentPeriodEnd = &t
	}
	chunk.AdjustedCreditsUsed = used
	chunk.TotalCreditsSum = total
	chunk.RemainingCredits = total - used
	return &chunk, nil
}

// RecordUsage appends billing events to the credit ledger. Satisfies
// credit.Ledger; called from the aggregator's flush, never from the
// request path.
func (s *Store) RecordUsage(ctx context.Context, events []credit.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO credit_ledger (team_id, sub_id, credits_used, is_extract, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, q, ev.TeamID, ev.SubID, ev.Credits, ev.IsExtract, ev.OccurredAt); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage tx: %w", err)
	}
	return nil
}

// AutoRecharge loads a team's auto-recharge preference. Satisfies
// credit.AutoRechargeSource.
func (s *Store) AutoRecharge(ctx context.Context, teamID string) (credit.AutoRechargeConfig, error) {
	const q = `
		SELECT auto_recharge_enabled, auto_recharge_threshold
		FROM teams WHERE id = $1`

	var cfg credit.AutoRechargeConfig
	err := s.DB.QueryRowContext(ctx, q, teamID).Scan(&cfg.Enabled, &cfg.TriggerThreshold)
	if err == sql.ErrNoRows {
		return credit.AutoRechargeConfig{}, ErrNotFound
	}
	if err != nil {
		return credit.AutoRechargeConfig{}, fmt.Errorf("auto-recharge lookup: %w", err)
	}
	return cfg, nil
}
