package consensus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/playmatatu/arena/internal/models"
)

// Confidence signal weights. They sum to 100.
const (
	weightCompleteness = 30
	weightPlacement    = 25
	weightKDPlausible  = 25
	weightProof        = 20
)

// Outcome is what a stat line claims about the submitter's result.
type Outcome string

const (
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
	OutcomeUnknown Outcome = "unknown"
)

// Assessment is the scored reading of one stat submission.
type Assessment struct {
	Outcome    Outcome
	Confidence int
	// Metric ranks participants against each other; higher is better.
	Metric float64
}

// Scorer is one game family's reading of raw stats.
type Scorer interface {
	Name() string
	// Specialized scorers are trusted at the higher confidence threshold.
	Specialized() bool
	Score(raw json.RawMessage, corroborated bool) (Assessment, error)
}

var registry = map[string]Scorer{}

func register(s Scorer, games ...string) {
	for _, g := range games {
		registry[strings.ToLower(g)] = s
	}
}

func init() {
	register(battleRoyale{}, "fortnite", "warzone", "apex", "pubg")
	register(tacticalShooter{}, "valorant", "cs2", "rainbow6")
}

// ScorerFor returns the registered scorer for a game, or the generic scorer.
func ScorerFor(gameID string) Scorer {
	if s, ok := registry[strings.ToLower(gameID)]; ok {
		return s
	}
	return generic{}
}

// DefaultMode picks the verification mode for a game without explicit
// configuration: automated where a specialized scorer exists.
func DefaultMode(gameID string) models.VerificationMode {
	if ScorerFor(gameID).Specialized() {
		return models.VerificationAutomated
	}
	return models.VerificationHuman
}

// kdRatio guards against division by zero deaths.
func kdRatio(kills, deaths int) float64 {
	if deaths <= 0 {
		return float64(kills)
	}
	return float64(kills) / float64(deaths)
}

// kdPlausible rejects stat lines no real match produces.
func kdPlausible(kills, deaths, maxKills int) bool {
	if kills < 0 || deaths < 0 || kills > maxKills {
		return false
	}
	return kdRatio(kills, deaths) <= 30
}

func completeness(present, expected int) int {
	if expected == 0 {
		return 0
	}
	return weightCompleteness * present / expected
}

func countSet(fields ...bool) int {
	n := 0
	for _, f := range fields {
		if f {
			n++
		}
	}
	return n
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty stats")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}
	return nil
}

// BattleRoyaleStats is the stat line of a last-team-standing game.
type BattleRoyaleStats struct {
	Placement *int `json:"placement"`
	Kills     *int `json:"kills"`
	Deaths    *int `json:"deaths"`
	Damage    *int `json:"damage"`
}

type battleRoyale struct{}

func (battleRoyale) Name() string      { return "battle_royale" }
func (battleRoyale) Specialized() bool { return true }

func (battleRoyale) Score(raw json.RawMessage, corroborated bool) (Assessment, error) {
	var s BattleRoyaleStats
	if err := decode(raw, &s); err != nil {
		return Assessment{}, err
	}
	a := Assessment{Outcome: OutcomeUnknown}
	a.Confidence = completeness(countSet(s.Placement != nil, s.Kills != nil, s.Deaths != nil, s.Damage != nil), 4)

	if s.Placement != nil && *s.Placement >= 1 {
		a.Confidence += weightPlacement
		if *s.Placement == 1 {
			a.Outcome = OutcomeWin
		} else {
			a.Outcome = OutcomeLoss
		}
	}
	if s.Kills != nil && s.Deaths != nil {
		if kdPlausible(*s.Kills, *s.Deaths, 100) {
			a.Confidence += weightKDPlausible
		}
		a.Metric = kdRatio(*s.Kills, *s.Deaths)
	}
	if corroborated {
		a.Confidence += weightProof
	}
	return a, nil
}

// TacticalShooterStats is the stat line of a round-based shooter.
type TacticalShooterStats struct {
	Kills     *int  `json:"kills"`
	Deaths    *int  `json:"deaths"`
	Assists   *int  `json:"assists"`
	Score     *int  `json:"score"`
	RoundsWon *int  `json:"rounds_won"`
	Won       *bool `json:"won"`
}

type tacticalShooter struct{}

func (tacticalShooter) Name() string      { return "tactical_shooter" }
func (tacticalShooter) Specialized() bool { return true }

func (tacticalShooter) Score(raw json.RawMessage, corroborated bool) (Assessment, error) {
	var s TacticalShooterStats
	if err := decode(raw, &s); err != nil {
		return Assessment{}, err
	}
	a := Assessment{Outcome: OutcomeUnknown}
	a.Confidence = completeness(countSet(s.Kills != nil, s.Deaths != nil, s.Assists != nil, s.Score != nil, s.RoundsWon != nil), 5)

	if (s.Score != nil && *s.Score >= 0) || (s.RoundsWon != nil && *s.RoundsWon >= 0) {
		a.Confidence += weightPlacement
	}
	if s.Won != nil {
		a.Outcome = OutcomeLoss
		if *s.Won {
			a.Outcome = OutcomeWin
		}
	}
	if s.Kills != nil && s.Deaths != nil {
		if kdPlausible(*s.Kills, *s.Deaths, 80) {
			a.Confidence += weightKDPlausible
		}
		a.Metric = kdRatio(*s.Kills, *s.Deaths)
	}
	if corroborated {
		a.Confidence += weightProof
	}
	return a, nil
}

// GenericStats is accepted for any game without a specialized scorer.
type GenericStats struct {
	Kills     *int  `json:"kills"`
	Deaths    *int  `json:"deaths"`
	Score     *int  `json:"score"`
	Placement *int  `json:"placement"`
	Won       *bool `json:"won"`
}

type generic struct{}

func (generic) Name() string      { return "generic" }
func (generic) Specialized() bool { return false }

func (generic) Score(raw json.RawMessage, corroborated bool) (Assessment, error) {
	var s GenericStats
	if err := decode(raw, &s); err != nil {
		return Assessment{}, err
	}
	a := Assessment{Outcome: OutcomeUnknown}
	a.Confidence = completeness(countSet(s.Kills != nil, s.Deaths != nil, s.Score != nil || s.Placement != nil), 3)

	if s.Score != nil || (s.Placement != nil && *s.Placement >= 1) {
		a.Confidence += weightPlacement
	}
	switch {
	case s.Won != nil && *s.Won:
		a.Outcome = OutcomeWin
	case s.Won != nil:
		a.Outcome = OutcomeLoss
	case s.Placement != nil && *s.Placement == 1:
		a.Outcome = OutcomeWin
	}
	if s.Kills != nil && s.Deaths != nil {
		if kdPlausible(*s.Kills, *s.Deaths, 200) {
			a.Confidence += weightKDPlausible
		}
		a.Metric = kdRatio(*s.Kills, *s.Deaths)
	} else if s.Score != nil {
		a.Metric = float64(*s.Score)
	}
	if corroborated {
		a.Confidence += weightProof
	}
	return a, nil
}
