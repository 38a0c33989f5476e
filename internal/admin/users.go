package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

var (
	ErrUserExists       = errors.New("user already exists")
	ErrDuplicateDeposit = errors.New("deposit already recorded")
)

type CreateUserRequest struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name" binding:"required"`
	Phone             string `json:"phone"`
	PayoutDestination string `json:"payout_destination"`
}

// CreateUser registers a player with a zero balance. Funds only arrive
// through Deposit.
func (s *Service) CreateUser(ctx context.Context, operator string, req CreateUserRequest) (*models.User, error) {
	now := s.now().UTC()
	u := &models.User{
		ID:                req.ID,
		DisplayName:       req.DisplayName,
		Phone:             req.Phone,
		PayoutDestination: req.PayoutDestination,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetUser(ctx, u.ID)
		switch {
		case err == nil:
			return fmt.Errorf("%s: %w", u.ID, ErrUserExists)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return tx.UpsertUser(ctx, u)
	})
	s.Audit(ctx, operator, "user_create", nil, map[string]any{"user_id": u.ID, "display_name": u.DisplayName}, err == nil)
	if err != nil {
		return nil, err
	}
	s.log.Info("user created", zap.String("user_id", u.ID), zap.String("operator", operator))
	return u, nil
}

// DepositRequest credits a confirmed inbound payment. Reference is the
// provider's transaction id and makes the credit idempotent.
type DepositRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required,gt=0"`
	Reference   string `json:"reference" binding:"required"`
	Description string `json:"description"`
}

// Deposit credits userID through the ledger. A reference seen before for the
// same user is rejected with ErrDuplicateDeposit.
func (s *Service) Deposit(ctx context.Context, operator, userID string, req DepositRequest) (*models.Transaction, int64, error) {
	now := s.now().UTC()
	desc := req.Description
	if desc == "" {
		desc = "deposit"
	}

	var (
		t   *models.Transaction
		bal int64
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUserForUpdate(ctx, userID); err != nil {
			return err
		}
		prior, err := tx.ListTransactions(ctx, userID)
		if err != nil {
			return err
		}
		for _, p := range prior {
			if p.Type == models.TxDeposit && p.ReferenceID != nil && *p.ReferenceID == req.Reference {
				return fmt.Errorf("%s: %w", req.Reference, ErrDuplicateDeposit)
			}
		}
		t, err = ledger.Apply(ctx, tx, ledger.Entry{
			UserID:      userID,
			Type:        models.TxDeposit,
			Amount:      req.AmountCents,
			ReferenceID: req.Reference,
			Description: desc,
		}, now)
		if err != nil {
			return err
		}
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		bal = u.BalanceCents
		return nil
	})

	details := map[string]any{"user_id": userID, "amount_cents": req.AmountCents, "reference": req.Reference}
	if err != nil {
		details["error"] = err.Error()
	}
	s.Audit(ctx, operator, "deposit", nil, details, err == nil)
	if err != nil {
		s.log.Warn("deposit rejected", zap.String("user_id", userID), zap.String("reference", req.Reference), zap.Error(err))
		return nil, 0, err
	}
	s.log.Info("deposit credited",
		zap.String("user_id", userID),
		zap.Int64("amount", req.AmountCents),
		zap.String("reference", req.Reference),
		zap.String("operator", operator),
	)
	return t, bal, nil
}
