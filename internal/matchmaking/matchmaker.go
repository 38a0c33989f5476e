// Package matchmaking pairs queue entries into funded wager matches.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/consensus"
	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/metrics"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/notify"
	"github.com/playmatatu/arena/internal/store"
)

var (
	ErrStakeTooLow    = errors.New("stake below minimum")
	ErrAlreadyQueued  = errors.New("already searching for this game")
	ErrUnknownUser    = errors.New("unknown user")
	ErrInvalidRequest = errors.New("invalid queue request")
)

type Matchmaker struct {
	store store.Store
	sink  notify.Sink
	rules Rules
	log   *zap.Logger
	now   func() time.Time
}

func New(s store.Store, sink notify.Sink, rules Rules, log *zap.Logger) *Matchmaker {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Matchmaker{
		store: s,
		sink:  sink,
		rules: rules,
		log:   log.Named("matchmaker"),
		now:   time.Now,
	}
}

type EnqueueRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	GameID      string  `json:"game_id" binding:"required"`
	Platform    string  `json:"platform" binding:"required"`
	StakeAmount int64   `json:"stake_amount" binding:"required"`
	SkillTier   string  `json:"skill_tier"`
	SkillRating int     `json:"skill_rating"`
	WinRate     float64 `json:"win_rate"`
}

// Enqueue opts a player into auto-matching.
func (m *Matchmaker) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueEntry, error) {
	if req.UserID == "" || req.GameID == "" || req.Platform == "" {
		return nil, ErrInvalidRequest
	}
	if req.WinRate < 0 || req.WinRate > 1 {
		return nil, fmt.Errorf("win rate %v: %w", req.WinRate, ErrInvalidRequest)
	}
	if req.StakeAmount < m.rules.MinStake {
		return nil, fmt.Errorf("stake %d, minimum %d: %w", req.StakeAmount, m.rules.MinStake, ErrStakeTooLow)
	}

	now := m.now().UTC()
	entry := &models.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		GameID:      req.GameID,
		Platform:    req.Platform,
		StakeAmount: req.StakeAmount,
		SkillTier:   req.SkillTier,
		SkillRating: req.SkillRating,
		WinRate:     req.WinRate,
		QueuedAt:    now,
		ExpiresAt:   now.Add(m.rules.MaxWait),
		Status:      models.QueueSearching,
	}

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, req.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownUser
			}
			return err
		}
		queued, err := tx.HasSearchingEntry(ctx, req.UserID, req.GameID)
		if err != nil {
			return err
		}
		if queued {
			return ErrAlreadyQueued
		}
		if err := tx.InsertQueueEntry(ctx, entry); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadyQueued
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("player queued",
		zap.String("entry_id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.String("game_id", entry.GameID),
		zap.Int64("stake", entry.StakeAmount),
	)
	return entry, nil
}

// CycleReport summarises one matching cycle.
type CycleReport struct {
	Expired  int
	Searched int
	Matched  []string
	Aborted  int
}

// RunMatchingCycle expires stale entries and pairs the rest, oldest first.
// It is safe to run repeatedly and concurrently: a pairing only commits if
// both entries are still searching when it is applied.
func (m *Matchmaker) RunMatchingCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	now := m.now().UTC()

	var expired []models.QueueEntry
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.ExpireQueueEntries(ctx, now)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("expire queue entries: %w", err)
	}
	report.Expired = len(expired)
	for _, e := range expired {
		metrics.QueueExpired.Inc()
		m.sink.Emit(ctx, notify.Event{Type: notify.QueueExpired, UserID: e.UserID, At: now,
			Payload: map[string]any{"entry_id": e.ID, "game_id": e.GameID}})
	}

	var entries []models.QueueEntry
	balances := make(map[string]int64)
	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListSearchingEntries(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, ok := balances[e.UserID]; ok {
				continue
			}
			u, err := tx.GetUser(ctx, e.UserID)
			if err != nil {
				return fmt.Errorf("load user %s: %w", e.UserID, err)
			}
			balances[e.UserID] = u.BalanceCents
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("load searching entries: %w", err)
	}
	report.Searched = len(entries)

	// taken covers entries paired this cycle and entries whose claim or debit
	// failed; the latter wait for the next cycle.
	taken := make(map[string]bool, len(entries))
	for i := 0; i < len(entries); i++ {
		a := entries[i]
		if taken[a.ID] {
			continue
		}
		if balances[a.UserID] < a.StakeAmount {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			b := entries[j]
			if taken[b.ID] || balances[b.UserID] < b.StakeAmount {
				continue
			}
			if !m.rules.Compatible(a, b) {
				continue
			}

			match, err := m.fund(ctx, a, b)
			if err != nil {
				report.Aborted++
				m.logAbort(a, b, err)
				var ee *entryError
				switch {
				case errors.As(err, &ee) && ee.entry.ID == b.ID:
					// only b is unusable; a keeps looking
					taken[b.ID] = true
					continue
				case ee != nil:
					taken[a.ID] = true
				default:
					taken[a.ID] = true
					taken[b.ID] = true
				}
				break
			}

			taken[a.ID] = true
			taken[b.ID] = true
			balances[a.UserID] -= a.StakeAmount
			balances[b.UserID] -= b.StakeAmount
			report.Matched = append(report.Matched, match.ID)
			metrics.MatchesCreated.Inc()

			payload := map[string]any{"stake_amount": match.StakeAmount, "total_pot": match.TotalPot, "game_id": match.GameID}
			notify.EmitAll(ctx, m.sink, notify.MatchFound, match.ID, []string{a.UserID, b.UserID}, payload)
			break
		}
	}

	if len(report.Matched) > 0 || report.Expired > 0 {
		m.log.Info("matching cycle",
			zap.Int("expired", report.Expired),
			zap.Int("searching", report.Searched),
			zap.Int("matched", len(report.Matched)),
			zap.Int("aborted", report.Aborted),
		)
	}
	return report, nil
}

// entryError names the queue entry a failed pairing tripped over.
type entryError struct {
	entry models.QueueEntry
	err   error
}

func (e *entryError) Error() string { return fmt.Sprintf("entry %s: %v", e.entry.ID, e.err) }
func (e *entryError) Unwrap() error { return e.err }

// fund claims both entries, opens the match and debits both stakes as one
// unit of work.
func (m *Matchmaker) fund(ctx context.Context, a, b models.QueueEntry) (*models.Match, error) {
	now := m.now().UTC()
	match := &models.Match{
		ID:                   uuid.NewString(),
		Kind:                 models.KindWager,
		GameID:               a.GameID,
		Platform:             a.Platform,
		StakeAmount:          a.StakeAmount,
		TotalPot:             a.StakeAmount + b.StakeAmount,
		VerificationMode:     consensus.DefaultMode(a.GameID),
		Status:               models.StatusInProgress,
		CreatedAt:            now,
		UpdatedAt:            now,
		StatusChangedAt:      now,
		StartTime:            now,
		RegistrationClosesAt: now,
	}

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertMatch(ctx, match); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
		for _, e := range []models.QueueEntry{a, b} {
			if err := tx.ClaimQueueEntry(ctx, e.ID, match.ID); err != nil {
				return &entryError{entry: e, err: fmt.Errorf("claim: %w", err)}
			}
			if err := tx.InsertParticipant(ctx, &models.Participant{
				MatchID:   match.ID,
				UserID:    e.UserID,
				StakePaid: e.StakeAmount,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("insert participant %s: %w", e.UserID, err)
			}
			if _, err := ledger.Debit(ctx, tx, e.UserID, match.ID, e.StakeAmount, "matchmaking stake", now); err != nil {
				return &entryError{entry: e, err: err}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("match created",
		zap.String("match_id", match.ID),
		zap.String("player1", a.UserID),
		zap.String("player2", b.UserID),
		zap.Int64("stake", match.StakeAmount),
		zap.Int64("pot", match.TotalPot),
	)
	return match, nil
}

func (m *Matchmaker) logAbort(a, b models.QueueEntry, err error) {
	cause := "store"
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed):
		cause = "already_claimed"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		cause = "insufficient_funds"
	}
	metrics.PairingAborted.WithLabelValues(cause).Inc()

	fields := []zap.Field{
		zap.String("entry_a", a.ID),
		zap.String("entry_b", b.ID),
		zap.String("cause", cause),
		zap.Error(err),
	}
	if cause == "store" {
		m.log.Error("pairing aborted", fields...)
		return
	}
	m.log.Warn("pairing aborted", fields...)
}
