package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

var ErrRoundPending = errors.New("round still in play")

// Generator builds tournament brackets and game lobbies.
type Generator interface {
	// GenerateBracket seeds round one. Calling it again returns 0 and creates nothing.
	GenerateBracket(ctx context.Context, matchID string) (int, error)
	AdvanceTournament(ctx context.Context, matchID string) (Advancement, error)
	// CreateLobby returns the existing lobby on retry.
	CreateLobby(ctx context.Context, matchID string) (string, error)
}

// Advancement is the result of closing a tournament round.
type Advancement struct {
	Champion  *string
	NextRound int
	Created   int
	// Exhausted is set when the finished round produced no winner at all.
	Exhausted bool
}

// StoreGenerator keeps brackets as round sub-matches in the store.
type StoreGenerator struct {
	store store.Store
	now   func() time.Time
}

func NewStoreGenerator(s store.Store) *StoreGenerator {
	return &StoreGenerator{store: s, now: time.Now}
}

func (g *StoreGenerator) GenerateBracket(ctx context.Context, matchID string) (int, error) {
	created := 0
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		parent, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if parent.Kind != models.KindTournament {
			return fmt.Errorf("bracket for %s match", parent.Kind)
		}
		subs, err := tx.ListSubMatches(ctx, matchID)
		if err != nil {
			return err
		}
		if len(subs) > 0 {
			return nil
		}
		parts, err := tx.ListParticipants(ctx, matchID)
		if err != nil {
			return err
		}
		if len(parts) < 2 {
			return fmt.Errorf("bracket needs 2 players, have %d", len(parts))
		}
		players := make([]string, len(parts))
		for i, p := range parts {
			players[i] = p.UserID
		}
		created, err = createRound(ctx, tx, parent, 1, players, g.now().UTC())
		return err
	})
	return created, err
}

func (g *StoreGenerator) AdvanceTournament(ctx context.Context, matchID string) (Advancement, error) {
	var adv Advancement
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		parent, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		subs, err := tx.ListSubMatches(ctx, matchID)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return fmt.Errorf("tournament %s has no bracket", matchID)
		}

		round := subs[len(subs)-1].Round
		var winners []string
		for _, s := range subs {
			if s.Round != round {
				continue
			}
			if !s.Status.Terminal() {
				return ErrRoundPending
			}
			if s.Status == models.StatusCompleted && s.WinnerID != nil {
				winners = append(winners, *s.WinnerID)
			}
		}

		switch len(winners) {
		case 0:
			adv.Exhausted = true
			return nil
		case 1:
			adv.Champion = models.StringPtr(winners[0])
			return nil
		}
		adv.NextRound = round + 1
		adv.Created, err = createRound(ctx, tx, parent, round+1, winners, g.now().UTC())
		return err
	})
	return adv, err
}

// createRound pairs the first player with the last, the second with the
// second to last and so on. An odd player out gets a bye, recorded as a
// round they already won.
func createRound(ctx context.Context, tx store.Tx, parent *models.Match, round int, players []string, now time.Time) (int, error) {
	n := len(players)
	slot := 0
	add := func(users ...string) error {
		m := &models.Match{
			ID:               uuid.NewString(),
			Kind:             models.KindRound,
			ParentID:         models.StringPtr(parent.ID),
			Round:            round,
			Slot:             slot,
			GameID:           parent.GameID,
			Platform:         parent.Platform,
			VerificationMode: parent.VerificationMode,
			Status:           models.StatusReady,
			CreatedAt:        now,
			UpdatedAt:        now,
			StatusChangedAt:  now,
			StartTime:        now,
		}
		if len(users) == 1 {
			m.Status = models.StatusCompleted
			m.WinnerID = models.StringPtr(users[0])
			m.CompletionReason = models.StringPtr(models.ReasonBye)
		}
		if err := tx.InsertMatch(ctx, m); err != nil {
			return fmt.Errorf("insert round %d slot %d: %w", round, slot, err)
		}
		for _, u := range users {
			if err := tx.InsertParticipant(ctx, &models.Participant{MatchID: m.ID, UserID: u, CreatedAt: now}); err != nil {
				return err
			}
		}
		slot++
		return nil
	}

	for i := 0; i < n/2; i++ {
		if err := add(players[i], players[n-1-i]); err != nil {
			return 0, err
		}
	}
	if n%2 == 1 {
		if err := add(players[n/2]); err != nil {
			return 0, err
		}
	}
	return slot, nil
}

func (g *StoreGenerator) CreateLobby(ctx context.Context, matchID string) (string, error) {
	var id string
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.GetLobbyByMatch(ctx, matchID)
		if err == nil {
			id = l.ID
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		now := g.now().UTC()
		l = &models.Lobby{ID: uuid.NewString(), MatchID: matchID, Status: models.LobbyOpen, CreatedAt: now}
		if err := tx.InsertLobby(ctx, l); err != nil {
			return err
		}
		id = l.ID
		return tx.SetMatchLobby(ctx, matchID, l.ID, now)
	})
	return id, err
}
