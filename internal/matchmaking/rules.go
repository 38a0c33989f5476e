package matchmaking

import (
	"math"
	"time"

	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/models"
)

// Rules decide which queue entries may be paired.
type Rules struct {
	MinStake           int64
	LowestStakeTierMax int64
	FairSkillTiers     []string
	MaxWinRateDiff     float64
	MaxSkillRatingDiff int
	MaxWait            time.Duration
}

func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		MinStake:           cfg.MinStakeAmount,
		LowestStakeTierMax: cfg.LowestStakeTierMax,
		FairSkillTiers:     cfg.FairSkillTiers,
		MaxWinRateDiff:     cfg.MaxWinRateDiff,
		MaxSkillRatingDiff: cfg.MaxSkillRatingDiff,
		MaxWait:            cfg.QueueMaxWait,
	}
}

// LowestTier reports whether stake falls in the tier the skill-fairness rule guards.
func (r Rules) LowestTier(stake int64) bool {
	return stake <= r.LowestStakeTierMax
}

func (r Rules) fairTier(tier string) bool {
	for _, t := range r.FairSkillTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Compatible reports whether a and b may play each other. Balances are
// checked separately since they change between cycles.
func (r Rules) Compatible(a, b models.QueueEntry) bool {
	if a.UserID == b.UserID {
		return false
	}
	if a.GameID != b.GameID || a.Platform != b.Platform {
		return false
	}
	if a.StakeAmount != b.StakeAmount {
		return false
	}
	if !r.LowestTier(a.StakeAmount) {
		return true
	}
	if !r.fairTier(a.SkillTier) || !r.fairTier(b.SkillTier) {
		return false
	}
	// epsilon keeps 0.55 vs 0.35 inside a 0.20 limit despite float rounding
	if math.Abs(a.WinRate-b.WinRate) > r.MaxWinRateDiff+1e-9 {
		return false
	}
	diff := a.SkillRating - b.SkillRating
	if diff < 0 {
		diff = -diff
	}
	return diff <= r.MaxSkillRatingDiff
}
