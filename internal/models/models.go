package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// MatchStatus is the lifecycle state of a match
type MatchStatus string

const (
	StatusRegistrationOpen   MatchStatus = "registration_open"
	StatusRegistrationClosed MatchStatus = "registration_closed"
	StatusLaunching          MatchStatus = "launching"
	StatusInProgress         MatchStatus = "in_progress"
	StatusReady              MatchStatus = "ready"
	StatusSettling           MatchStatus = "settling"
	StatusCompleted          MatchStatus = "completed"
	StatusCancelled          MatchStatus = "cancelled"
	StatusFailedToLaunch     MatchStatus = "failed_to_launch"
	StatusRefunded           MatchStatus = "refunded"
)

// Terminal reports whether no further transition is possible from s.
func (s MatchStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailedToLaunch, StatusRefunded:
		return true
	}
	return false
}

// NonTerminalStatuses lists every status a match can still leave.
var NonTerminalStatuses = []MatchStatus{
	StatusRegistrationOpen,
	StatusRegistrationClosed,
	StatusLaunching,
	StatusInProgress,
	StatusReady,
	StatusSettling,
}

// MatchKind separates head-to-head wagers, tournaments and the round sub-matches of a tournament
type MatchKind string

const (
	KindWager      MatchKind = "wager"
	KindTournament MatchKind = "tournament"
	KindRound      MatchKind = "round"
)

// VerificationMode selects how the outcome of a match is decided
type VerificationMode string

const (
	VerificationAutomated VerificationMode = "automated"
	VerificationHuman     VerificationMode = "human"
)

// Completion reasons recorded on a match
const (
	ReasonVerified  = "verified"
	ReasonConsensus = "consensus"
	ReasonTimeout   = "timeout"
	ReasonForfeit   = "forfeit"
	ReasonOverride  = "admin_override"
	ReasonAdvanced  = "round_winner"
	ReasonChampion  = "champion"
	ReasonBye       = "bye"
)

// Queue entry statuses
const (
	QueueSearching = "searching"
	QueueMatched   = "matched"
	QueueExpired   = "expired"
)

// Lobby statuses
const (
	LobbyOpen      = "open"
	LobbyClosed    = "closed"
	LobbyCancelled = "cancelled"
)

// Transaction types
const (
	TxDeposit     = "deposit"
	TxPayout      = "payout"
	TxRefund      = "refund"
	TxPlatformFee = "platform_fee"
	TxStake       = "stake"
)

// Transaction statuses. Only completed rows move the balance projection.
const (
	TxStatusCompleted = "completed"
	TxStatusExternal  = "external"
	TxStatusAudit     = "audit"
)

// User owns a balance projection and a win/loss record
type User struct {
	ID                string    `db:"id" json:"id"`
	DisplayName       string    `db:"display_name" json:"display_name"`
	Phone             string    `db:"phone" json:"phone,omitempty"`
	PayoutDestination string    `db:"payout_destination" json:"payout_destination,omitempty"`
	BalanceCents      int64     `db:"balance_cents" json:"balance_cents"`
	Wins              int       `db:"wins" json:"wins"`
	Losses            int       `db:"losses" json:"losses"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// QueueEntry represents a player waiting for a match
type QueueEntry struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	GameID      string    `db:"game_id" json:"game_id"`
	Platform    string    `db:"platform" json:"platform"`
	StakeAmount int64     `db:"stake_amount" json:"stake_amount"`
	SkillTier   string    `db:"skill_tier" json:"skill_tier"`
	SkillRating int       `db:"skill_rating" json:"skill_rating"`
	WinRate     float64   `db:"win_rate" json:"win_rate"`
	QueuedAt    time.Time `db:"queued_at" json:"queued_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
	Status      string    `db:"status" json:"status"`
	MatchID     *string   `db:"match_id" json:"match_id,omitempty"`
}

// Match is a wager, a tournament or one round pairing inside a tournament
type Match struct {
	ID                   string           `db:"id" json:"id"`
	Kind                 MatchKind        `db:"kind" json:"kind"`
	ParentID             *string          `db:"parent_id" json:"parent_id,omitempty"`
	Round                int              `db:"round" json:"round"`
	Slot                 int              `db:"slot" json:"slot"`
	GameID               string           `db:"game_id" json:"game_id"`
	Platform             string           `db:"platform" json:"platform"`
	StakeAmount          int64            `db:"stake_amount" json:"stake_amount"`
	TotalPot             int64            `db:"total_pot" json:"total_pot"`
	VerificationMode     VerificationMode `db:"verification_mode" json:"verification_mode"`
	UsesLobby            bool             `db:"uses_lobby" json:"uses_lobby"`
	LobbyID              *string          `db:"lobby_id" json:"lobby_id,omitempty"`
	Status               MatchStatus      `db:"status" json:"status"`
	CreatedAt            time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
	StatusChangedAt      time.Time        `db:"status_changed_at" json:"status_changed_at"`
	StartTime            time.Time        `db:"start_time" json:"start_time"`
	RegistrationClosesAt time.Time        `db:"registration_closes_at" json:"registration_closes_at"`
	WinnerID             *string          `db:"winner_id" json:"winner_id,omitempty"`
	CompletionReason     *string          `db:"completion_reason" json:"completion_reason,omitempty"`
	LastError            *string          `db:"last_error" json:"last_error,omitempty"`
	// SettleAttempt fences settlement: only the attempt that holds the
	// current number may write the outcome.
	SettleAttempt int `db:"settle_attempt" json:"-"`
}

// Participant links a user to a match together with the stake they paid
type Participant struct {
	MatchID   string     `db:"match_id" json:"match_id"`
	UserID    string     `db:"user_id" json:"user_id"`
	StakePaid int64      `db:"stake_paid" json:"stake_paid"`
	JoinedAt  *time.Time `db:"joined_at" json:"joined_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// StatSubmission is the self-reported or imported performance of a participant
type StatSubmission struct {
	MatchID    string          `db:"match_id" json:"match_id"`
	UserID     string          `db:"user_id" json:"user_id"`
	GameID     string          `db:"game_id" json:"game_id"`
	RawStats   json.RawMessage `db:"raw_stats" json:"raw_stats"`
	ProofRef   *string         `db:"proof_ref" json:"proof_ref,omitempty"`
	Confidence int             `db:"confidence" json:"confidence"`
	Verified   bool            `db:"verified" json:"verified"`
	VerifiedBy string          `db:"verified_by" json:"verified_by,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ResultReport is one participant's claim of who won
type ResultReport struct {
	MatchID         string    `db:"match_id" json:"match_id"`
	ReportedBy      string    `db:"reported_by" json:"reported_by"`
	ClaimedWinnerID string    `db:"claimed_winner_id" json:"claimed_winner_id"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Lobby is the external game room created for lobby matches
type Lobby struct {
	ID        string    `db:"id" json:"id"`
	MatchID   string    `db:"match_id" json:"match_id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Transaction represents a money movement in the append-only ledger
type Transaction struct {
	ID             string    `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Type           string    `db:"type" json:"type"`
	Amount         int64     `db:"amount" json:"amount"`
	Status         string    `db:"status" json:"status"`
	RelatedMatchID *string   `db:"related_match_id" json:"related_match_id,omitempty"`
	ReferenceID    *string   `db:"reference_id" json:"reference_id,omitempty"`
	Description    string    `db:"description" json:"description,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// AdminAccount is an operator allowed to use the admin surface
type AdminAccount struct {
	Username    string         `db:"username" json:"username"`
	DisplayName string         `db:"display_name" json:"display_name"`
	TokenHash   string         `db:"token_hash" json:"-"`
	Roles       pq.StringArray `db:"roles" json:"roles"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// AuditEntry records one operator action
type AuditEntry struct {
	ID            string          `db:"id" json:"id"`
	AdminUsername string          `db:"admin_username" json:"admin_username"`
	Action        string          `db:"action" json:"action"`
	MatchID       *string         `db:"match_id" json:"match_id,omitempty"`
	Details       json.RawMessage `db:"details" json:"details"`
	Success       bool            `db:"success" json:"success"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
