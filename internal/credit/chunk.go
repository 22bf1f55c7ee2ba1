package credit

import (
	"math"
	"strings"
	"time"
)

// Flags is the per-team policy bitset carried on a credit chunk.
type Flags int64

const (
	FlagForceZDR Flags = 1 << iota
	FlagAllowZDR
)

// Has reports whether all bits in flag are set.
func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// Chunk is a snapshot of a team's billing state loaded at
// authentication time. It is immutable within one request; callers
// refresh it between requests.
type Chunk struct {
	TeamID                string     `json:"teamId"`
	AdjustedCreditsUsed   int        `json:"adjusted_credits_used"`
	RemainingCredits      int        `json:"remaining_credits"`
	TotalCreditsSum       int        `json:"total_credits_sum"`
	SubID                 *string    `json:"sub_id,omitempty"`
	SubCurrentPeriodStart *time.Time `json:"sub_current_period_start,omitempty"`
	SubCurrentPeriodEnd   *time.Time `json:"sub_current_period_end,omitempty"`
	IsExtract             bool       `json:"is_extract"`
	Flags                 Flags      `json:"flags"`
	Concurrency           int        `json:"concurrency"`
}

// UnlimitedCredits is the remaining-credit sentinel for preview teams
// and for deployments running without credit accounting.
const UnlimitedCredits = math.MaxInt32

// IsPreviewTeam reports whether teamID belongs to the always-admitted
// class of development identities.
func IsPreviewTeam(teamID string) bool {
	return teamID == "preview" ||
		strings.HasPrefix(teamID, "preview_") ||
		strings.HasPrefix(teamID, "env_")
}

// CheckResult is the outcome of a credit gate check.
type CheckResult struct {
	Admitted         bool
	RemainingCredits int
	Chunk            *Chunk
	Message          string
}
