// Package ledger owns the append-only transaction log. Apply is the only code
// path that changes a user's balance projection.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Entry describes one money movement to record.
type Entry struct {
	UserID      string
	Type        string
	Amount      int64
	Status      string
	MatchID     string
	ReferenceID string
	Description string
}

// Apply records e inside tx. Completed entries move the balance in the same
// unit of work; a debit that would take the balance negative is rejected
// before anything is written.
func Apply(ctx context.Context, tx store.Tx, e Entry, now time.Time) (*models.Transaction, error) {
	if e.UserID == "" {
		return nil, fmt.Errorf("ledger entry without user: %w", ErrInvalidAmount)
	}
	if e.Status == "" {
		e.Status = models.TxStatusCompleted
	}
	if err := checkSign(e); err != nil {
		return nil, err
	}

	if e.Status == models.TxStatusCompleted {
		u, err := tx.GetUserForUpdate(ctx, e.UserID)
		if err != nil {
			return nil, fmt.Errorf("lock user %s: %w", e.UserID, err)
		}
		next := u.BalanceCents + e.Amount
		if next < 0 {
			return nil, fmt.Errorf("user %s balance %d, amount %d: %w", e.UserID, u.BalanceCents, e.Amount, ErrInsufficientFunds)
		}
		if err := tx.SetUserBalance(ctx, e.UserID, next, now); err != nil {
			return nil, fmt.Errorf("set balance for %s: %w", e.UserID, err)
		}
	}

	t := &models.Transaction{
		ID:          uuid.NewString(),
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      e.Amount,
		Status:      e.Status,
		Description: e.Description,
		CreatedAt:   now,
	}
	if e.MatchID != "" {
		t.RelatedMatchID = models.StringPtr(e.MatchID)
	}
	if e.ReferenceID != "" {
		t.ReferenceID = models.StringPtr(e.ReferenceID)
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert %s transaction: %w", e.Type, err)
	}
	return t, nil
}

// checkSign enforces the direction each transaction type moves money in.
func checkSign(e Entry) error {
	switch e.Type {
	case models.TxDeposit, models.TxRefund, models.TxPayout:
		if e.Amount <= 0 {
			return fmt.Errorf("%s of %d: %w", e.Type, e.Amount, ErrInvalidAmount)
		}
	case models.TxStake, models.TxPlatformFee:
		if e.Amount > 0 {
			return fmt.Errorf("%s of %d: %w", e.Type, e.Amount, ErrInvalidAmount)
		}
	default:
		return fmt.Errorf("unknown transaction type %q: %w", e.Type, ErrInvalidAmount)
	}
	return nil
}

// Debit is a convenience for a completed stake debit.
func Debit(ctx context.Context, tx store.Tx, userID, matchID string, amount int64, description string, now time.Time) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit of %d: %w", amount, ErrInvalidAmount)
	}
	return Apply(ctx, tx, Entry{
		UserID:      userID,
		Type:        models.TxStake,
		Amount:      -amount,
		MatchID:     matchID,
		Description: description,
	}, now)
}

// Balance recomputes a user's balance from completed transactions.
func Balance(txs []models.Transaction) int64 {
	var sum int64
	for _, t := range txs {
		if t.Status == models.TxStatusCompleted {
			sum += t.Amount
		}
	}
	return sum
}

// Reconcile compares the stored projection against the ledger for one user.
func Reconcile(ctx context.Context, tx store.Tx, userID string) (projected, derived int64, err error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	txs, err := tx.ListTransactions(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return u.BalanceCents, Balance(txs), nil
}
