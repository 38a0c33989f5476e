package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/playmatatu/arena/internal/metrics"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/notify"
	"github.com/playmatatu/arena/internal/settlement"
	"github.com/playmatatu/arena/internal/store"
)

// Settler is the money side of a transition.
type Settler interface {
	Settle(ctx context.Context, matchID string, winnerID *string, reason string) (*settlement.Result, error)
	Refund(ctx context.Context, matchID, reason string, terminal models.MatchStatus) (*settlement.Result, error)
	Resume(ctx context.Context, matchID string, olderThan time.Duration) (*settlement.Result, error)
}

type Controller struct {
	store       store.Store
	settler     Settler
	gen         Generator
	sink        notify.Sink
	th          Thresholds
	parallelism int
	log         *zap.Logger
	now         func() time.Time
}

func New(s store.Store, settler Settler, gen Generator, sink notify.Sink, th Thresholds, parallelism int, log *zap.Logger) *Controller {
	if sink == nil {
		sink = notify.Nop{}
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &Controller{
		store:       s,
		settler:     settler,
		gen:         gen,
		sink:        sink,
		th:          th,
		parallelism: parallelism,
		log:         log.Named("lifecycle"),
		now:         time.Now,
	}
}

type SweepReport struct {
	Checked     int
	Transitions int
	Errors      int
}

// Sweep evaluates every non-terminal match once. A failing match is logged,
// counted and left for the next sweep; it never stops the others.
func (c *Controller) Sweep(ctx context.Context) (SweepReport, error) {
	var ids []string
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		ms, err := tx.ListMatchesByStatus(ctx, models.NonTerminalStatuses...)
		if err != nil {
			return err
		}
		for _, m := range ms {
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("list open matches: %w", err)
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Checked: len(ids)}
		g      errgroup.Group
	)
	g.SetLimit(c.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			changed, err := c.Step(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
			} else if changed {
				report.Transitions++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Transitions > 0 || report.Errors > 0 {
		c.log.Info("lifecycle sweep",
			zap.Int("checked", report.Checked),
			zap.Int("transitions", report.Transitions),
			zap.Int("errors", report.Errors),
		)
	}
	return report, ctx.Err()
}

// Step evaluates and applies the next transition of one match.
func (c *Controller) Step(ctx context.Context, matchID string) (bool, error) {
	m, snap, err := c.snapshot(ctx, matchID)
	if err != nil {
		return false, err
	}
	d := Next(snap, c.th, c.now().UTC())
	if d.Action == ActionNone {
		return false, nil
	}

	log := c.log.With(
		zap.String("match_id", matchID),
		zap.String("action", d.Action.String()),
		zap.String("from", string(snap.Status)),
	)
	if err := c.apply(ctx, m, d); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Debug("match changed during transition", zap.Error(err))
			return false, nil
		}
		metrics.LifecycleErrors.Inc()
		log.Error("transition failed", zap.Error(err))
		c.recordError(ctx, matchID, err)
		return false, err
	}

	if m.LastError != nil {
		c.recordError(ctx, matchID, nil)
	}
	metrics.Transitions.WithLabelValues(string(snap.Status), string(d.To)).Inc()
	log.Info("transition applied", zap.String("to", string(d.To)), zap.String("reason", d.Reason))
	return true, nil
}

func (c *Controller) snapshot(ctx context.Context, matchID string) (*models.Match, Snapshot, error) {
	var (
		m    *models.Match
		snap Snapshot
	)
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		snap = Snapshot{
			Status:               m.Status,
			Kind:                 m.Kind,
			UsesLobby:            m.UsesLobby,
			StartTime:            m.StartTime,
			RegistrationClosesAt: m.RegistrationClosesAt,
			StatusChangedAt:      m.StatusChangedAt,
			LastActivity:         m.UpdatedAt,
		}

		parts, err := tx.ListParticipants(ctx, matchID)
		if err != nil {
			return err
		}
		snap.Participants = len(parts)
		for _, p := range parts {
			if p.JoinedAt != nil {
				snap.Joined++
			}
		}

		subs, err := tx.ListStatSubmissions(ctx, matchID)
		if err != nil {
			return err
		}
		for _, s := range subs {
			snap.Submitters = append(snap.Submitters, s.UserID)
		}

		if m.Kind != models.KindTournament {
			return nil
		}
		rounds, err := tx.ListSubMatches(ctx, matchID)
		if err != nil {
			return err
		}
		latest := 0
		for _, r := range rounds {
			if r.UpdatedAt.After(snap.LastActivity) {
				snap.LastActivity = r.UpdatedAt
			}
			latest = max(latest, r.Round)
		}
		for _, r := range rounds {
			if r.Round != latest {
				continue
			}
			snap.SubMatches++
			if !r.Status.Terminal() {
				snap.PendingSubMatches++
			}
		}
		return nil
	})
	return m, snap, err
}

func (c *Controller) apply(ctx context.Context, m *models.Match, d Decision) error {
	switch d.Action {
	case ActionClose:
		return c.setStatus(ctx, m.ID, models.StatusRegistrationOpen, models.StatusRegistrationClosed, false)

	case ActionCancel, ActionFailLaunch:
		_, err := c.settler.Refund(ctx, m.ID, d.Reason, d.To)
		return err

	case ActionStart:
		if m.Kind == models.KindTournament {
			if _, err := c.gen.GenerateBracket(ctx, m.ID); err != nil {
				return fmt.Errorf("generate bracket: %w", err)
			}
		}
		if err := c.setStatus(ctx, m.ID, models.StatusRegistrationClosed, models.StatusInProgress, false); err != nil {
			return err
		}
		c.emit(ctx, m.ID, notify.MatchStarted, nil)
		return nil

	case ActionLaunch:
		lobbyID, err := c.gen.CreateLobby(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("create lobby: %w", err)
		}
		if err := c.setStatus(ctx, m.ID, models.StatusRegistrationClosed, models.StatusLaunching, false); err != nil {
			return err
		}
		c.emit(ctx, m.ID, notify.LobbyReady, map[string]any{"lobby_id": lobbyID})
		return nil

	case ActionGoLive:
		if m.Kind == models.KindTournament {
			if _, err := c.gen.GenerateBracket(ctx, m.ID); err != nil {
				return fmt.Errorf("generate bracket: %w", err)
			}
		}
		if err := c.setStatus(ctx, m.ID, models.StatusLaunching, models.StatusInProgress, true); err != nil {
			return err
		}
		c.emit(ctx, m.ID, notify.MatchStarted, nil)
		return nil

	case ActionTimeoutRound:
		_, err := c.settler.Settle(ctx, m.ID, d.WinnerID, d.Reason)
		return err

	case ActionAdvance:
		adv, err := c.gen.AdvanceTournament(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("advance tournament: %w", err)
		}
		switch {
		case adv.Champion != nil:
			_, err = c.settler.Settle(ctx, m.ID, adv.Champion, models.ReasonChampion)
		case adv.Exhausted:
			_, err = c.settler.Refund(ctx, m.ID, ReasonNoRoundWinners, models.StatusRefunded)
		default:
			c.log.Info("tournament advanced",
				zap.String("match_id", m.ID),
				zap.Int("round", adv.NextRound),
				zap.Int("matches", adv.Created),
			)
		}
		return err

	case ActionResumeSettlement:
		_, err := c.settler.Resume(ctx, m.ID, c.th.SettlementRecovery)
		return err
	}
	return nil
}

func (c *Controller) setStatus(ctx context.Context, matchID string, from, to models.MatchStatus, closeLobbies bool) error {
	return c.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateMatchStatus(ctx, matchID, []models.MatchStatus{from}, to, c.now().UTC()); err != nil {
			return err
		}
		if closeLobbies {
			_, err := tx.CloseLobbies(ctx, matchID)
			return err
		}
		return nil
	})
}

// recordError stores err as the match's last error, or clears it when nil.
func (c *Controller) recordError(ctx context.Context, matchID string, cause error) {
	var msg *string
	if cause != nil {
		msg = models.StringPtr(cause.Error())
	}
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetMatchError(ctx, matchID, msg)
	})
	if err != nil {
		c.log.Warn("record match error failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

func (c *Controller) emit(ctx context.Context, matchID, typ string, payload map[string]any) {
	var users []string
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		parts, err := tx.ListParticipants(ctx, matchID)
		for _, p := range parts {
			users = append(users, p.UserID)
		}
		return err
	})
	if err != nil {
		c.log.Warn("load participants for event", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	notify.EmitAll(ctx, c.sink, typ, matchID, users, payload)
}
