// Package settlement moves the money of a decided match exactly once.
//
// A win settles in two units of work. The first claims the match by moving
// it to settling; the payout rail is then called outside any transaction;
// the second records the ledger entries and is guarded on settling and on
// the attempt number taken with the claim, so a retried or resumed
// settlement can never pay twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/metrics"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/notify"
	"github.com/playmatatu/arena/internal/payment"
	"github.com/playmatatu/arena/internal/store"
)

var (
	ErrSettlementInProgress = errors.New("settlement in progress")
	ErrNoParticipants       = errors.New("match has no participants")
	ErrInvalidWinner        = errors.New("winner is not a participant")
	ErrInvalidStatus        = errors.New("not a refund status")
)

// claimable are the statuses a settlement or refund may start from.
var claimable = []models.MatchStatus{
	models.StatusRegistrationOpen,
	models.StatusRegistrationClosed,
	models.StatusLaunching,
	models.StatusInProgress,
	models.StatusReady,
}

// Result describes a settled match.
type Result struct {
	MatchID        string             `json:"match_id"`
	Status         models.MatchStatus `json:"status"`
	WinnerID       *string            `json:"winner_id,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	TotalPot       int64              `json:"total_pot"`
	PlatformFee    int64              `json:"platform_fee"`
	NetPayout      int64              `json:"net_payout"`
	Refunded       int64              `json:"refunded"`
	PaidViaRail    bool               `json:"paid_via_rail"`
	RailReference  string             `json:"rail_reference,omitempty"`
	AlreadySettled bool               `json:"already_settled"`
}

// RailResult is the outcome of one payout rail attempt.
type RailResult struct {
	OK        bool
	Reference string
	Err       error
}

type Engine struct {
	store       store.Store
	rail        payment.Rail
	sink        notify.Sink
	feeRate     decimal.Decimal
	railTimeout time.Duration
	log         *zap.Logger
	now         func() time.Time
}

func New(s store.Store, rail payment.Rail, sink notify.Sink, feeRate decimal.Decimal, railTimeout time.Duration, log *zap.Logger) *Engine {
	if rail == nil {
		rail = payment.Unconfigured{}
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if railTimeout <= 0 {
		railTimeout = 15 * time.Second
	}
	return &Engine{
		store:       s,
		rail:        rail,
		sink:        sink,
		feeRate:     feeRate,
		railTimeout: railTimeout,
		log:         log.Named("settlement"),
		now:         time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ParseFeeRate reads a fee rate such as "0.06".
func ParseFeeRate(s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse fee rate %q: %w", s, err)
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fee rate %s out of range [0, 1)", r)
	}
	return r, nil
}

// PlatformFee rounds totalPot*rate to the nearest minor unit, half away from zero.
func PlatformFee(totalPot int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(totalPot).Mul(rate).Round(0).IntPart()
}

// Settle finalizes matchID. A nil winner refunds every stake, except for
// tournament rounds which complete without moving money either way.
func (e *Engine) Settle(ctx context.Context, matchID string, winnerID *string, reason string) (*Result, error) {
	now := e.now().UTC()

	var (
		m        *models.Match
		parts    []models.Participant
		dest     string
		existing *Result
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			existing, err = loadResult(ctx, tx, m)
			return err
		}
		if m.Status == models.StatusSettling {
			return ErrSettlementInProgress
		}
		if winnerID == nil || m.Kind == models.KindRound {
			return nil
		}

		parts, err = tx.ListParticipants(ctx, matchID)
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			return ErrNoParticipants
		}
		if !isParticipant(parts, *winnerID) {
			return fmt.Errorf("%s: %w", *winnerID, ErrInvalidWinner)
		}
		if err := tx.UpdateMatchStatus(ctx, matchID, claimable, models.StatusSettling, now); err != nil {
			return err
		}
		if err := tx.SetMatchOutcome(ctx, matchID, winnerID, reason, now); err != nil {
			return err
		}
		if err := tx.BumpSettleAttempt(ctx, matchID, m.SettleAttempt, now); err != nil {
			return err
		}
		dest, err = payoutDestination(ctx, tx, *winnerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim match %s: %w", matchID, err)
	}

	switch {
	case existing != nil:
		return existing, nil
	case m.Kind == models.KindRound:
		return e.completeRound(ctx, matchID, winnerID, reason)
	case winnerID == nil:
		if reason == "" {
			reason = "no winner"
		}
		return e.Refund(ctx, matchID, reason, models.StatusRefunded)
	}

	m.WinnerID = winnerID
	m.CompletionReason = models.StringPtr(reason)
	return e.finish(ctx, m, parts, dest, m.SettleAttempt+1)
}

// Resume completes a match left in settling, for instance after a crash
// between the rail call and the ledger write. It takes over only a claim
// that has sat in settling for at least olderThan, and never sooner than
// the rail timeout, so an attempt still inside its rail call is left alone.
// Taking over fences the older attempt out of the ledger write.
func (e *Engine) Resume(ctx context.Context, matchID string, olderThan time.Duration) (*Result, error) {
	if olderThan < e.railTimeout {
		olderThan = e.railTimeout
	}
	now := e.now().UTC()
	var (
		m        *models.Match
		parts    []models.Participant
		dest     string
		existing *Result
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			existing, err = loadResult(ctx, tx, m)
			return err
		}
		if m.Status != models.StatusSettling {
			return fmt.Errorf("resume from %s: %w", m.Status, store.ErrStatusConflict)
		}
		if m.WinnerID == nil {
			return fmt.Errorf("settling without a winner: %w", ErrInvalidWinner)
		}
		if now.Sub(m.StatusChangedAt) < olderThan {
			return ErrSettlementInProgress
		}
		if err := tx.BumpSettleAttempt(ctx, matchID, m.SettleAttempt, now); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				return ErrSettlementInProgress
			}
			return err
		}
		parts, err = tx.ListParticipants(ctx, matchID)
		if err != nil {
			return err
		}
		dest, err = payoutDestination(ctx, tx, *m.WinnerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resume match %s: %w", matchID, err)
	}
	if existing != nil {
		return existing, nil
	}

	e.log.Info("resuming settlement", zap.String("match_id", matchID), zap.Int("attempt", m.SettleAttempt+1))
	return e.finish(ctx, m, parts, dest, m.SettleAttempt+1)
}

// finish pays the winner of a claimed match and closes it. attempt is the
// settle attempt the caller holds; a newer attempt wins the ledger write.
func (e *Engine) finish(ctx context.Context, m *models.Match, parts []models.Participant, dest string, attempt int) (*Result, error) {
	winner := *m.WinnerID
	fee := PlatformFee(m.TotalPot, e.feeRate)
	net := m.TotalPot - fee

	var rr RailResult
	if net > 0 {
		rr = e.TryPrimaryRail(ctx, payment.PayoutRequest{
			Destination:    dest,
			AmountCents:    net,
			IdempotencyKey: m.ID,
			Description:    "Arena winnings",
			Metadata:       map[string]string{"match_id": m.ID, "user_id": winner},
		})
	}

	res := &Result{
		MatchID:     m.ID,
		Status:      models.StatusCompleted,
		WinnerID:    m.WinnerID,
		TotalPot:    m.TotalPot,
		PlatformFee: fee,
		NetPayout:   net,
	}
	if m.CompletionReason != nil {
		res.Reason = *m.CompletionReason
	}

	var existing *Result
	now := e.now().UTC()
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetMatchForUpdate(ctx, m.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusSettling {
			if cur.Status.Terminal() {
				existing, err = loadResult(ctx, tx, cur)
				return err
			}
			return fmt.Errorf("finish from %s: %w", cur.Status, store.ErrStatusConflict)
		}
		if cur.SettleAttempt != attempt {
			return fmt.Errorf("attempt %d superseded by %d: %w", attempt, cur.SettleAttempt, ErrSettlementInProgress)
		}

		if net > 0 {
			entry := ledger.Entry{
				UserID:      winner,
				Amount:      net,
				MatchID:     m.ID,
				Description: "winnings",
			}
			if rr.OK {
				entry.Type = models.TxPayout
				entry.Status = models.TxStatusExternal
				entry.ReferenceID = rr.Reference
			} else {
				entry.Type = models.TxDeposit
				entry.Description = "winnings credited to balance"
			}
			if _, err := ledger.Apply(ctx, tx, entry, now); err != nil {
				return err
			}
		}
		if fee > 0 {
			if _, err := ledger.Apply(ctx, tx, ledger.Entry{
				UserID:      winner,
				Type:        models.TxPlatformFee,
				Amount:      -fee,
				Status:      models.TxStatusAudit,
				MatchID:     m.ID,
				Description: fmt.Sprintf("platform fee %s", e.feeRate.String()),
			}, now); err != nil {
				return err
			}
		}

		for _, p := range parts {
			wins, losses := 0, 1
			if p.UserID == winner {
				wins, losses = 1, 0
			}
			if err := tx.IncrementRecord(ctx, p.UserID, wins, losses, now); err != nil {
				return err
			}
		}
		if _, err := tx.CloseLobbies(ctx, m.ID); err != nil {
			return err
		}
		return tx.UpdateMatchStatus(ctx, m.ID, []models.MatchStatus{models.StatusSettling}, models.StatusCompleted, now)
	})
	if err != nil {
		e.log.Error("settlement write failed", zap.String("match_id", m.ID), zap.Bool("rail_ok", rr.OK), zap.Error(err))
		return nil, fmt.Errorf("finish match %s: %w", m.ID, err)
	}
	if existing != nil {
		return existing, nil
	}

	res.PaidViaRail = rr.OK
	res.RailReference = rr.Reference
	outcome := "ledger_credit"
	if rr.OK {
		outcome = "rail_payout"
	}
	metrics.Settlements.WithLabelValues(outcome).Inc()

	e.log.Info("match settled",
		zap.String("match_id", m.ID),
		zap.String("winner_id", winner),
		zap.Int64("pot", m.TotalPot),
		zap.Int64("fee", fee),
		zap.Int64("net", net),
		zap.String("outcome", outcome),
	)
	for _, p := range parts {
		e.sink.Emit(ctx, notify.Event{
			Type:    notify.MatchSettled,
			UserID:  p.UserID,
			MatchID: m.ID,
			At:      now,
			Payload: map[string]any{"won": p.UserID == winner, "net_payout": net, "winner_id": winner},
		})
	}
	return res, nil
}

// TryPrimaryRail makes one bounded payout attempt. A failed attempt is a
// normal outcome; the caller falls back to a ledger credit.
func (e *Engine) TryPrimaryRail(ctx context.Context, req payment.PayoutRequest) RailResult {
	if req.Destination == "" {
		return RailResult{Err: errors.New("winner has no payout destination")}
	}
	ctx, cancel := context.WithTimeout(ctx, e.railTimeout)
	defer cancel()

	resp, err := e.rail.Payout(ctx, req)
	if err == nil && !resp.Success() {
		err = errors.New("payout not accepted")
	}
	if err != nil {
		if !errors.Is(err, payment.ErrNotConfigured) {
			metrics.RailFailures.Inc()
			e.log.Warn("payout rail failed, crediting balance",
				zap.String("match_id", req.IdempotencyKey),
				zap.Error(err),
			)
		}
		return RailResult{Err: err}
	}
	return RailResult{OK: true, Reference: resp.TransactionID}
}

// Refund returns every stake of matchID and moves it to terminal in one unit
// of work. Sub-matches and open lobbies are cancelled alongside.
func (e *Engine) Refund(ctx context.Context, matchID, reason string, terminal models.MatchStatus) (*Result, error) {
	switch terminal {
	case models.StatusCancelled, models.StatusFailedToLaunch, models.StatusRefunded:
	default:
		return nil, fmt.Errorf("%s: %w", terminal, ErrInvalidStatus)
	}
	now := e.now().UTC()

	var (
		parts    []models.Participant
		existing *Result
		res      = &Result{MatchID: matchID, Status: terminal, Reason: reason}
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			existing, err = loadResult(ctx, tx, m)
			return err
		}
		if m.Status == models.StatusSettling {
			return ErrSettlementInProgress
		}
		res.TotalPot = m.TotalPot

		parts, err = tx.ListParticipants(ctx, matchID)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if p.StakePaid <= 0 {
				continue
			}
			if _, err := ledger.Apply(ctx, tx, ledger.Entry{
				UserID:      p.UserID,
				Type:        models.TxRefund,
				Amount:      p.StakePaid,
				MatchID:     matchID,
				Description: "refund: " + reason,
			}, now); err != nil {
				return err
			}
			res.Refunded += p.StakePaid
		}
		if _, err := tx.CancelSubMatches(ctx, matchID, now); err != nil {
			return err
		}
		if _, err := tx.CancelLobbies(ctx, matchID); err != nil {
			return err
		}
		if err := tx.UpdateMatchStatus(ctx, matchID, claimable, terminal, now); err != nil {
			return err
		}
		return tx.SetMatchOutcome(ctx, matchID, nil, reason, now)
	})
	if err != nil {
		return nil, fmt.Errorf("refund match %s: %w", matchID, err)
	}
	if existing != nil {
		return existing, nil
	}

	metrics.Settlements.WithLabelValues("refund").Inc()
	e.log.Info("match refunded",
		zap.String("match_id", matchID),
		zap.String("status", string(terminal)),
		zap.String("reason", reason),
		zap.Int64("refunded", res.Refunded),
	)
	users := make([]string, 0, len(parts))
	for _, p := range parts {
		users = append(users, p.UserID)
	}
	notify.EmitAll(ctx, e.sink, notify.MatchRefunded, matchID, users, map[string]any{"reason": reason})
	return res, nil
}

// completeRound closes a tournament round. Rounds hold no money.
func (e *Engine) completeRound(ctx context.Context, matchID string, winnerID *string, reason string) (*Result, error) {
	now := e.now().UTC()
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if winnerID != nil {
			parts, err := tx.ListParticipants(ctx, matchID)
			if err != nil {
				return err
			}
			if !isParticipant(parts, *winnerID) {
				return fmt.Errorf("%s: %w", *winnerID, ErrInvalidWinner)
			}
		}
		if err := tx.UpdateMatchStatus(ctx, matchID, claimable, models.StatusCompleted, now); err != nil {
			return err
		}
		return tx.SetMatchOutcome(ctx, matchID, winnerID, reason, now)
	})
	if err != nil {
		return nil, fmt.Errorf("complete round %s: %w", matchID, err)
	}
	metrics.Settlements.WithLabelValues("round").Inc()
	return &Result{MatchID: matchID, Status: models.StatusCompleted, WinnerID: winnerID, Reason: reason}, nil
}

// loadResult rebuilds the result of a terminal match from its ledger rows.
func loadResult(ctx context.Context, tx store.Tx, m *models.Match) (*Result, error) {
	res := &Result{
		MatchID:        m.ID,
		Status:         m.Status,
		WinnerID:       m.WinnerID,
		TotalPot:       m.TotalPot,
		AlreadySettled: true,
	}
	if m.CompletionReason != nil {
		res.Reason = *m.CompletionReason
	}
	txs, err := tx.ListMatchTransactions(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		switch t.Type {
		case models.TxPlatformFee:
			res.PlatformFee += -t.Amount
		case models.TxPayout:
			res.NetPayout += t.Amount
			res.PaidViaRail = true
			if t.ReferenceID != nil {
				res.RailReference = *t.ReferenceID
			}
		case models.TxDeposit:
			res.NetPayout += t.Amount
		case models.TxRefund:
			res.Refunded += t.Amount
		}
	}
	return res, nil
}

func payoutDestination(ctx context.Context, tx store.Tx, userID string) (string, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load winner %s: %w", userID, err)
	}
	if u.PayoutDestination != "" {
		return u.PayoutDestination, nil
	}
	return u.Phone, nil
}

func isParticipant(parts []models.Participant, userID string) bool {
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
