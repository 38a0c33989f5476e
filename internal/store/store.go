// Package store defines the transactional persistence boundary shared by the
// matchmaker, lifecycle controller, consensus engine and settlement engine.
//
// Every read and write runs inside WithTx. A failed unit of work leaves no
// partial state behind.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/playmatatu/arena/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("status changed concurrently")
	ErrAlreadyClaimed = errors.New("queue entry already claimed")
	ErrDuplicate      = errors.New("duplicate record")
)

// Store opens units of work.
type Store interface {
	// WithTx runs fn inside one atomic unit of work. If fn returns an error
	// every write made through tx is discarded.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	UserTx
	LedgerTx
	QueueTx
	MatchTx
	EvidenceTx
	AdminTx
}

type UserTx interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	// GetUserForUpdate locks the user row until the unit of work ends.
	GetUserForUpdate(ctx context.Context, id string) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error
	SetUserBalance(ctx context.Context, id string, balance int64, now time.Time) error
	IncrementRecord(ctx context.Context, id string, wins, losses int, now time.Time) error
}

type LedgerTx interface {
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error)
	ListMatchTransactions(ctx context.Context, matchID string) ([]models.Transaction, error)
}

type QueueTx interface {
	InsertQueueEntry(ctx context.Context, e *models.QueueEntry) error
	// ExpireQueueEntries flips searching entries past their expiry to expired and returns them.
	ExpireQueueEntries(ctx context.Context, now time.Time) ([]models.QueueEntry, error)
	// ListSearchingEntries returns searching entries oldest first.
	ListSearchingEntries(ctx context.Context) ([]models.QueueEntry, error)
	// ClaimQueueEntry marks a searching entry matched. ErrAlreadyClaimed if it is no longer searching.
	ClaimQueueEntry(ctx context.Context, id, matchID string) error
	HasSearchingEntry(ctx context.Context, userID, gameID string) (bool, error)
}

type MatchTx interface {
	InsertMatch(ctx context.Context, m *models.Match) error
	GetMatch(ctx context.Context, id string) (*models.Match, error)
	GetMatchForUpdate(ctx context.Context, id string) (*models.Match, error)
	// UpdateMatchStatus moves a match to `to` only if its current status is one of `from`.
	// ErrStatusConflict otherwise.
	UpdateMatchStatus(ctx context.Context, id string, from []models.MatchStatus, to models.MatchStatus, now time.Time) error
	SetMatchOutcome(ctx context.Context, id string, winnerID *string, reason string, now time.Time) error
	TouchMatch(ctx context.Context, id string, now time.Time) error
	// SetMatchError records the last transition failure without touching updated_at.
	SetMatchError(ctx context.Context, id string, msg *string) error
	// BumpSettleAttempt takes ownership of a settling match. It succeeds only if
	// the match is settling at attempt `expected`, and resets status_changed_at.
	BumpSettleAttempt(ctx context.Context, id string, expected int, now time.Time) error
	SetMatchLobby(ctx context.Context, id, lobbyID string, now time.Time) error
	// AddToPot raises total_pot by amount as a registration is funded.
	AddToPot(ctx context.Context, id string, amount int64, now time.Time) error
	ListMatchesByStatus(ctx context.Context, statuses ...models.MatchStatus) ([]models.Match, error)
	ListSubMatches(ctx context.Context, parentID string) ([]models.Match, error)
	// CancelSubMatches cancels every non-terminal child of parentID.
	CancelSubMatches(ctx context.Context, parentID string, now time.Time) (int, error)

	InsertParticipant(ctx context.Context, p *models.Participant) error
	// ListParticipants returns participants in registration order.
	ListParticipants(ctx context.Context, matchID string) ([]models.Participant, error)
	MarkJoined(ctx context.Context, matchID, userID string, now time.Time) error

	InsertLobby(ctx context.Context, l *models.Lobby) error
	GetLobbyByMatch(ctx context.Context, matchID string) (*models.Lobby, error)
	// CancelLobbies cancels open lobbies of a match.
	CancelLobbies(ctx context.Context, matchID string) (int, error)
	// CloseLobbies closes open lobbies of a match once play has started.
	CloseLobbies(ctx context.Context, matchID string) (int, error)
}

type EvidenceTx interface {
	// InsertStatSubmission fails with ErrDuplicate on a second submission by the same user.
	InsertStatSubmission(ctx context.Context, s *models.StatSubmission) error
	ListStatSubmissions(ctx context.Context, matchID string) ([]models.StatSubmission, error)
	MarkSubmissionVerified(ctx context.Context, matchID, userID, verifiedBy string, confidence int) error

	// InsertResultReport fails with ErrDuplicate on a second report by the same user.
	InsertResultReport(ctx context.Context, r *models.ResultReport) error
	ListResultReports(ctx context.Context, matchID string) ([]models.ResultReport, error)
}

type AdminTx interface {
	GetAdminAccount(ctx context.Context, username string) (*models.AdminAccount, error)
	UpsertAdminAccount(ctx context.Context, a *models.AdminAccount) error
	InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, limit, offset int) ([]models.AuditEntry, error)
}
