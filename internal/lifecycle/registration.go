package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/consensus"
	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

var (
	ErrRegistrationClosed = errors.New("registration is closed")
	ErrAlreadyRegistered  = errors.New("already registered")
	ErrNotLaunching       = errors.New("match lobby is not open")
	ErrNotParticipant     = errors.New("not a participant of this match")
	ErrInvalidSchedule    = errors.New("invalid match schedule")
)

// OpenRequest describes a scheduled match players register for.
type OpenRequest struct {
	Kind                 models.MatchKind        `json:"kind" binding:"required,oneof=wager tournament"`
	GameID               string                  `json:"game_id" binding:"required"`
	Platform             string                  `json:"platform" binding:"required"`
	StakeAmount          int64                   `json:"stake_amount" binding:"min=0"`
	UsesLobby            bool                    `json:"uses_lobby"`
	VerificationMode     models.VerificationMode `json:"verification_mode" binding:"omitempty,oneof=automated human"`
	StartTime            time.Time               `json:"start_time" binding:"required"`
	RegistrationClosesAt time.Time               `json:"registration_closes_at" binding:"required"`
}

// Open schedules a match in registration_open.
func (c *Controller) Open(ctx context.Context, req OpenRequest) (*models.Match, error) {
	if req.Kind != models.KindWager && req.Kind != models.KindTournament {
		return nil, fmt.Errorf("kind %q: %w", req.Kind, ErrInvalidSchedule)
	}
	if req.StakeAmount < 0 {
		return nil, fmt.Errorf("negative stake: %w", ErrInvalidSchedule)
	}
	if req.RegistrationClosesAt.After(req.StartTime) {
		return nil, fmt.Errorf("registration closes after start: %w", ErrInvalidSchedule)
	}
	mode := req.VerificationMode
	if mode == "" {
		mode = consensus.DefaultMode(req.GameID)
	}

	now := c.now().UTC()
	m := &models.Match{
		ID:                   uuid.NewString(),
		Kind:                 req.Kind,
		GameID:               req.GameID,
		Platform:             req.Platform,
		StakeAmount:          req.StakeAmount,
		VerificationMode:     mode,
		UsesLobby:            req.UsesLobby,
		Status:               models.StatusRegistrationOpen,
		CreatedAt:            now,
		UpdatedAt:            now,
		StatusChangedAt:      now,
		StartTime:            req.StartTime.UTC(),
		RegistrationClosesAt: req.RegistrationClosesAt.UTC(),
	}
	if err := c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertMatch(ctx, m)
	}); err != nil {
		return nil, err
	}
	c.log.Info("match opened",
		zap.String("match_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.Time("start_time", m.StartTime),
	)
	return m, nil
}

// Register debits the stake and adds userID while registration is open.
func (c *Controller) Register(ctx context.Context, matchID, userID string) (*models.Participant, error) {
	now := c.now().UTC()
	var p *models.Participant
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Status != models.StatusRegistrationOpen || !now.Before(m.RegistrationClosesAt) {
			return ErrRegistrationClosed
		}
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		p = &models.Participant{MatchID: matchID, UserID: userID, StakePaid: m.StakeAmount, CreatedAt: now}
		if err := tx.InsertParticipant(ctx, p); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadyRegistered
			}
			return err
		}
		if m.StakeAmount > 0 {
			if _, err := ledger.Debit(ctx, tx, userID, matchID, m.StakeAmount, "registration stake", now); err != nil {
				return err
			}
			if err := tx.AddToPot(ctx, matchID, m.StakeAmount, now); err != nil {
				return err
			}
		}
		return tx.TouchMatch(ctx, matchID, now)
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("player registered", zap.String("match_id", matchID), zap.String("user_id", userID))
	return p, nil
}

// JoinLobby marks a registered player present in the match lobby.
func (c *Controller) JoinLobby(ctx context.Context, matchID, userID string) error {
	now := c.now().UTC()
	return c.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Status != models.StatusLaunching {
			return ErrNotLaunching
		}
		if err := tx.MarkJoined(ctx, matchID, userID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotParticipant
			}
			return err
		}
		return tx.TouchMatch(ctx, matchID, now)
	})
}
