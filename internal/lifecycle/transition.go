// Package lifecycle moves matches and tournaments through their time driven
// states. Next decides; Controller applies.
package lifecycle

import (
	"time"

	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/models"
)

// Action is what the controller must do to a match.
type Action int

const (
	ActionNone Action = iota
	// ActionClose ends registration.
	ActionClose
	// ActionCancel refunds every stake and cancels the match.
	ActionCancel
	// ActionStart generates a tournament bracket if needed and starts play.
	ActionStart
	// ActionLaunch creates the lobby and waits for players to join.
	ActionLaunch
	// ActionGoLive starts play once the lobby filled.
	ActionGoLive
	// ActionFailLaunch refunds a lobby nobody joined.
	ActionFailLaunch
	// ActionTimeoutRound completes a round whose players did not all report.
	ActionTimeoutRound
	// ActionAdvance builds the next tournament round or crowns the champion.
	ActionAdvance
	// ActionResumeSettlement finishes a settlement interrupted mid-way.
	ActionResumeSettlement
)

func (a Action) String() string {
	switch a {
	case ActionClose:
		return "close"
	case ActionCancel:
		return "cancel"
	case ActionStart:
		return "start"
	case ActionLaunch:
		return "launch"
	case ActionGoLive:
		return "go_live"
	case ActionFailLaunch:
		return "fail_launch"
	case ActionTimeoutRound:
		return "timeout_round"
	case ActionAdvance:
		return "advance"
	case ActionResumeSettlement:
		return "resume_settlement"
	}
	return "none"
}

// Snapshot is everything Next needs to know about one match.
type Snapshot struct {
	Status               models.MatchStatus
	Kind                 models.MatchKind
	UsesLobby            bool
	StartTime            time.Time
	RegistrationClosesAt time.Time
	StatusChangedAt      time.Time
	// LastActivity is the latest update of the match or any of its sub-matches.
	LastActivity time.Time
	Participants int
	Joined       int
	// Submitters are participants with a stat submission, in submission order.
	Submitters []string
	// SubMatches and PendingSubMatches count the latest tournament round.
	SubMatches        int
	PendingSubMatches int
}

type Thresholds struct {
	InsufficientInterest time.Duration
	Stuck                time.Duration
	ReadyTimeout         time.Duration
	LaunchTimeout        time.Duration
	SettlementRecovery   time.Duration
}

func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		InsufficientInterest: cfg.InsufficientInterestAfter,
		Stuck:                cfg.StuckAfter,
		ReadyTimeout:         cfg.ReadyTimeout,
		LaunchTimeout:        cfg.LaunchTimeout,
		SettlementRecovery:   cfg.SettlementRecoveryAfter,
	}
}

// Decision is the outcome of Next.
type Decision struct {
	Action Action
	// To is the status the action ends in.
	To       models.MatchStatus
	Reason   string
	WinnerID *string
}

// Refund reasons
const (
	ReasonInsufficientInterest = "insufficient interest"
	ReasonLaunchFailure        = "launch failure"
	ReasonStuck                = "stuck without activity"
	ReasonNoRoundWinners       = "no round winners"
)

var none = Decision{Action: ActionNone}

// Next is the whole transition table. It is pure: the same snapshot and
// clock always give the same decision.
func Next(s Snapshot, th Thresholds, now time.Time) Decision {
	if s.Status.Terminal() {
		return none
	}
	insufficient := s.Participants < 2 && !now.Before(s.StartTime.Add(th.InsufficientInterest))
	stuck := !now.Before(s.LastActivity.Add(th.Stuck))
	// overdue bounds the pre-start states by the clock alone, so a start
	// that keeps failing still ends.
	overdue := !now.Before(s.StartTime.Add(th.Stuck))

	switch s.Status {
	case models.StatusRegistrationOpen:
		if insufficient {
			return Decision{Action: ActionCancel, To: models.StatusCancelled, Reason: ReasonInsufficientInterest}
		}
		if overdue {
			return Decision{Action: ActionCancel, To: models.StatusCancelled, Reason: ReasonStuck}
		}
		if !now.Before(s.RegistrationClosesAt) {
			return Decision{Action: ActionClose, To: models.StatusRegistrationClosed}
		}

	case models.StatusRegistrationClosed:
		if insufficient {
			return Decision{Action: ActionCancel, To: models.StatusCancelled, Reason: ReasonInsufficientInterest}
		}
		if overdue {
			return Decision{Action: ActionCancel, To: models.StatusCancelled, Reason: ReasonStuck}
		}
		if s.Participants >= 2 && !now.Before(s.StartTime) {
			if s.UsesLobby {
				return Decision{Action: ActionLaunch, To: models.StatusLaunching}
			}
			return Decision{Action: ActionStart, To: models.StatusInProgress}
		}

	case models.StatusLaunching:
		if s.Joined >= 2 {
			return Decision{Action: ActionGoLive, To: models.StatusInProgress}
		}
		if s.Joined == 0 && !now.Before(s.StatusChangedAt.Add(th.LaunchTimeout)) {
			return Decision{Action: ActionFailLaunch, To: models.StatusFailedToLaunch, Reason: ReasonLaunchFailure}
		}
		if stuck {
			return Decision{Action: ActionCancel, To: models.StatusCancelled, Reason: ReasonStuck}
		}

	case models.StatusInProgress:
		if stuck {
			return Decision{Action: ActionCancel, To: models.StatusCancelled, Reason: ReasonStuck}
		}
		if s.Kind == models.KindTournament && s.SubMatches > 0 && s.PendingSubMatches == 0 {
			return Decision{Action: ActionAdvance, To: models.StatusInProgress}
		}

	case models.StatusReady:
		if stuck {
			return Decision{Action: ActionCancel, To: models.StatusCancelled, Reason: ReasonStuck}
		}
		if !now.Before(s.StatusChangedAt.Add(th.ReadyTimeout)) {
			switch len(s.Submitters) {
			case 0:
				return Decision{Action: ActionTimeoutRound, To: models.StatusCompleted, Reason: models.ReasonTimeout}
			case 1:
				return Decision{Action: ActionTimeoutRound, To: models.StatusCompleted, Reason: models.ReasonForfeit,
					WinnerID: models.StringPtr(s.Submitters[0])}
			}
		}

	case models.StatusSettling:
		if !now.Before(s.StatusChangedAt.Add(th.SettlementRecovery)) {
			return Decision{Action: ActionResumeSettlement, To: models.StatusCompleted}
		}
	}
	return none
}
