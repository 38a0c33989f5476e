package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/notify"
	"github.com/playmatatu/arena/internal/settlement"
	"github.com/playmatatu/arena/internal/store"
	"github.com/playmatatu/arena/internal/store/memory"
)

type harness struct {
	c      *Controller
	s      *memory.Store
	gen    *StoreGenerator
	engine *settlement.Engine
	rec    *notify.Recorder
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := memory.New()
	rec := &notify.Recorder{}
	engine := settlement.New(s, nil, rec, decimal.RequireFromString("0.06"), time.Second, zap.NewNop())
	gen := NewStoreGenerator(s)
	h := &harness{s: s, gen: gen, engine: engine, rec: rec, clock: time.Now().UTC().Truncate(time.Second)}
	h.c = New(s, engine, gen, rec, defaultThresholds(), 4, zap.NewNop())
	h.c.now = func() time.Time { return h.clock }
	gen.now = h.c.now
	engine.SetClock(h.c.now)
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) fund(t *testing.T, users ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.s.WithTx(ctx, func(tx store.Tx) error {
		for _, u := range users {
			if err := tx.UpsertUser(ctx, &models.User{ID: u, DisplayName: u, Phone: "0772000000", CreatedAt: h.clock}); err != nil {
				return err
			}
			if _, err := ledger.Apply(ctx, tx, ledger.Entry{UserID: u, Type: models.TxDeposit, Amount: 1000}, h.clock); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (h *harness) match(t *testing.T, id string) *models.Match {
	t.Helper()
	var m *models.Match
	require.NoError(t, h.s.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		m, err = tx.GetMatch(context.Background(), id)
		return err
	}))
	return m
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	var bal int64
	require.NoError(t, h.s.WithTx(context.Background(), func(tx store.Tx) error {
		projected, derived, err := ledger.Reconcile(context.Background(), tx, userID)
		assert.Equal(t, derived, projected, "projection drifted for %s", userID)
		bal = projected
		return err
	}))
	return bal
}

func (h *harness) subs(t *testing.T, parentID string) []models.Match {
	t.Helper()
	var out []models.Match
	require.NoError(t, h.s.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.ListSubMatches(context.Background(), parentID)
		return err
	}))
	return out
}

func (h *harness) open(t *testing.T, kind models.MatchKind, stake int64, lobby bool, players ...string) *models.Match {
	t.Helper()
	h.fund(t, players...)
	m, err := h.c.Open(context.Background(), OpenRequest{
		Kind:                 kind,
		GameID:               "valorant",
		Platform:             "pc",
		StakeAmount:          stake,
		UsesLobby:            lobby,
		VerificationMode:     models.VerificationHuman,
		StartTime:            h.clock.Add(10 * time.Minute),
		RegistrationClosesAt: h.clock.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	for _, p := range players {
		_, err := h.c.Register(context.Background(), m.ID, p)
		require.NoError(t, err)
	}
	return m
}

func (h *harness) sweep(t *testing.T) SweepReport {
	t.Helper()
	r, err := h.c.Sweep(context.Background())
	require.NoError(t, err)
	return r
}

func TestLaunchTimeoutWithNobodyJoined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertMatch(ctx, &models.Match{
			ID: "m1", Kind: models.KindWager, GameID: "valorant", Platform: "pc",
			UsesLobby: true, Status: models.StatusLaunching,
			CreatedAt: h.clock, UpdatedAt: h.clock, StatusChangedAt: h.clock, StartTime: h.clock,
		})
	}))

	h.advance(11 * time.Minute)
	r := h.sweep(t)
	assert.Equal(t, SweepReport{Checked: 1, Transitions: 1}, r)

	m := h.match(t, "m1")
	assert.Equal(t, models.StatusFailedToLaunch, m.Status)
	require.NotNil(t, m.CompletionReason)
	assert.Equal(t, ReasonLaunchFailure, *m.CompletionReason)

	require.NoError(t, h.s.WithTx(ctx, func(tx store.Tx) error {
		txs, err := tx.ListMatchTransactions(ctx, "m1")
		assert.Empty(t, txs)
		return err
	}))
}

func TestInsufficientInterestRefundsStake(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, models.KindWager, 500, false, "alice")
	assert.Equal(t, int64(500), h.balance(t, "alice"))

	h.advance(6 * time.Minute)
	h.sweep(t)
	assert.Equal(t, models.StatusRegistrationClosed, h.match(t, m.ID).Status)

	h.advance(20 * time.Minute)
	h.sweep(t)
	got := h.match(t, m.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, int64(1000), h.balance(t, "alice"))
	assert.Equal(t, 1, h.rec.Count(notify.MatchRefunded))

	// a second sweep finds nothing left to do
	r := h.sweep(t)
	assert.Zero(t, r.Checked)
}

type failingGenerator struct {
	Generator
	err error
}

func (f failingGenerator) GenerateBracket(context.Context, string) (int, error) {
	return 0, f.err
}

func TestTransitionFailureKeepsStatusAndRecordsError(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, models.KindTournament, 100, false, "a", "b")
	h.advance(6 * time.Minute)
	h.sweep(t)

	h.c.gen = failingGenerator{Generator: h.gen, err: errors.New("bracket service down")}
	h.advance(5 * time.Minute)
	changed, err := h.c.Step(context.Background(), m.ID)
	require.Error(t, err)
	assert.False(t, changed)

	got := h.match(t, m.ID)
	assert.Equal(t, models.StatusRegistrationClosed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "bracket service down")

	h.c.gen = h.gen
	changed, err = h.c.Step(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	got = h.match(t, m.ID)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Nil(t, got.LastError)
}

func TestRepeatedStartFailureStillEnds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.open(t, models.KindTournament, 100, false, "a", "b")
	h.advance(6 * time.Minute)
	h.sweep(t)
	before := h.match(t, m.ID).UpdatedAt

	h.c.gen = failingGenerator{Generator: h.gen, err: errors.New("bracket service down")}
	for i := 0; i < 12; i++ {
		h.advance(10 * time.Minute)
		_, err := h.c.Step(ctx, m.ID)
		require.Error(t, err)
	}
	got := h.match(t, m.ID)
	assert.Equal(t, models.StatusRegistrationClosed, got.Status)
	assert.Equal(t, before, got.UpdatedAt, "recording an error is not activity")

	// two hours past the start time the match is cancelled without a bracket
	h.advance(10 * time.Minute)
	changed, err := h.c.Step(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	got = h.match(t, m.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, ReasonStuck, *got.CompletionReason)
	assert.Equal(t, int64(1000), h.balance(t, "a"))
	assert.Equal(t, int64(1000), h.balance(t, "b"))
}

func TestSweepIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	bad := h.open(t, models.KindTournament, 100, false, "a", "b")
	good := h.open(t, models.KindWager, 100, false, "c", "d")
	h.advance(6 * time.Minute)
	h.sweep(t)

	h.c.gen = failingGenerator{Generator: h.gen, err: errors.New("boom")}
	h.advance(5 * time.Minute)
	r := h.sweep(t)
	assert.Equal(t, 2, r.Checked)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, 1, r.Transitions)
	assert.Equal(t, models.StatusRegistrationClosed, h.match(t, bad.ID).Status)
	assert.Equal(t, models.StatusInProgress, h.match(t, good.ID).Status)
}

func TestTournamentRunsToChampion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.open(t, models.KindTournament, 100, false, "a", "b", "c")

	h.advance(10 * time.Minute)
	h.sweep(t) // close
	h.sweep(t) // start
	require.Equal(t, models.StatusInProgress, h.match(t, m.ID).Status)
	assert.Equal(t, 3, h.rec.Count(notify.MatchStarted))

	round1 := h.subs(t, m.ID)
	require.Len(t, round1, 2)
	assert.Equal(t, models.StatusReady, round1[0].Status)
	assert.Equal(t, models.StatusCompleted, round1[1].Status)
	require.NotNil(t, round1[1].WinnerID)
	assert.Equal(t, "b", *round1[1].WinnerID)

	_, err := h.engine.Settle(ctx, round1[0].ID, models.StringPtr("a"), models.ReasonConsensus)
	require.NoError(t, err)

	h.advance(time.Minute)
	h.sweep(t)
	all := h.subs(t, m.ID)
	require.Len(t, all, 3)
	final := all[2]
	assert.Equal(t, 2, final.Round)
	assert.Equal(t, models.StatusReady, final.Status)

	_, err = h.engine.Settle(ctx, final.ID, models.StringPtr("b"), models.ReasonConsensus)
	require.NoError(t, err)

	h.advance(time.Minute)
	h.sweep(t)
	got := h.match(t, m.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.WinnerID)
	assert.Equal(t, "b", *got.WinnerID)
	require.NotNil(t, got.CompletionReason)
	assert.Equal(t, models.ReasonChampion, *got.CompletionReason)

	// pot 300, fee 18
	assert.Equal(t, int64(1182), h.balance(t, "b"))
	assert.Equal(t, int64(900), h.balance(t, "a"))
	assert.Equal(t, int64(900), h.balance(t, "c"))
}

func TestStuckTournamentCancelsRounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.open(t, models.KindTournament, 100, false, "a", "b")
	h.advance(10 * time.Minute)
	h.sweep(t)
	h.sweep(t)

	round := h.subs(t, m.ID)[0]
	require.NoError(t, h.s.WithTx(ctx, func(tx store.Tx) error {
		for _, u := range []string{"a", "b"} {
			if err := tx.InsertStatSubmission(ctx, &models.StatSubmission{
				MatchID: round.ID, UserID: u, GameID: "valorant", RawStats: []byte(`{}`), CreatedAt: h.clock,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	h.advance(2*time.Hour + time.Minute)
	changed, err := h.c.Step(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, models.StatusCancelled, h.match(t, m.ID).Status)
	assert.Equal(t, models.StatusCancelled, h.subs(t, m.ID)[0].Status)
	assert.Equal(t, int64(1000), h.balance(t, "a"))
	assert.Equal(t, int64(1000), h.balance(t, "b"))
}

func TestRoundTimeouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.s.WithTx(ctx, func(tx store.Tx) error {
		for _, id := range []string{"r-empty", "r-forfeit"} {
			if err := tx.InsertMatch(ctx, &models.Match{
				ID: id, Kind: models.KindRound, GameID: "valorant", Platform: "pc", Round: 1,
				Status: models.StatusReady, CreatedAt: h.clock, UpdatedAt: h.clock, StatusChangedAt: h.clock, StartTime: h.clock,
			}); err != nil {
				return err
			}
			for _, u := range []string{"x", "y"} {
				if err := tx.InsertParticipant(ctx, &models.Participant{MatchID: id, UserID: u, CreatedAt: h.clock}); err != nil {
					return err
				}
			}
		}
		return tx.InsertStatSubmission(ctx, &models.StatSubmission{
			MatchID: "r-forfeit", UserID: "x", GameID: "valorant", RawStats: []byte(`{}`), CreatedAt: h.clock,
		})
	}))

	h.advance(29 * time.Minute)
	assert.Zero(t, h.sweep(t).Transitions)

	h.advance(2 * time.Minute)
	assert.Equal(t, 2, h.sweep(t).Transitions)

	empty := h.match(t, "r-empty")
	assert.Equal(t, models.StatusCompleted, empty.Status)
	assert.Nil(t, empty.WinnerID)
	assert.Equal(t, models.ReasonTimeout, *empty.CompletionReason)

	forfeit := h.match(t, "r-forfeit")
	assert.Equal(t, models.StatusCompleted, forfeit.Status)
	require.NotNil(t, forfeit.WinnerID)
	assert.Equal(t, "x", *forfeit.WinnerID)
	assert.Equal(t, models.ReasonForfeit, *forfeit.CompletionReason)
}

func TestLobbyLaunchAndJoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.open(t, models.KindWager, 200, true, "a", "b")

	assert.ErrorIs(t, h.c.JoinLobby(ctx, m.ID, "a"), ErrNotLaunching)

	h.advance(10 * time.Minute)
	h.sweep(t)
	h.sweep(t)
	got := h.match(t, m.ID)
	require.Equal(t, models.StatusLaunching, got.Status)
	require.NotNil(t, got.LobbyID)
	assert.Equal(t, 2, h.rec.Count(notify.LobbyReady))

	// a retry reuses the lobby
	id, err := h.gen.CreateLobby(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, *got.LobbyID, id)

	require.NoError(t, h.c.JoinLobby(ctx, m.ID, "a"))
	require.NoError(t, h.c.JoinLobby(ctx, m.ID, "a"))
	assert.ErrorIs(t, h.c.JoinLobby(ctx, m.ID, "mallory"), ErrNotParticipant)
	assert.Zero(t, h.sweep(t).Transitions)

	require.NoError(t, h.c.JoinLobby(ctx, m.ID, "b"))
	h.sweep(t)
	assert.Equal(t, models.StatusInProgress, h.match(t, m.ID).Status)

	require.NoError(t, h.s.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.GetLobbyByMatch(ctx, m.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, models.LobbyClosed, l.Status)
		return nil
	}))
}

func TestRegisterRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.open(t, models.KindWager, 300, false, "a")
	h.fund(t, "b")

	_, err := h.c.Register(ctx, m.ID, "a")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, int64(700), h.balance(t, "a"))

	_, err = h.c.Register(ctx, m.ID, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.advance(5 * time.Minute)
	_, err = h.c.Register(ctx, m.ID, "b")
	assert.ErrorIs(t, err, ErrRegistrationClosed)
	assert.Equal(t, int64(1000), h.balance(t, "b"))
	assert.Equal(t, int64(300), h.match(t, m.ID).TotalPot)
}

func TestRegisterRejectsUnfundedPlayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.open(t, models.KindWager, 5000, false)
	h.fund(t, "a")

	_, err := h.c.Register(ctx, m.ID, "a")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, int64(1000), h.balance(t, "a"))
	assert.Zero(t, h.match(t, m.ID).TotalPot)
}

func TestOpenValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Add(time.Hour)

	_, err := h.c.Open(ctx, OpenRequest{Kind: models.KindRound, GameID: "valorant", Platform: "pc", StartTime: start, RegistrationClosesAt: start})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = h.c.Open(ctx, OpenRequest{Kind: models.KindWager, GameID: "valorant", Platform: "pc", StartTime: start, RegistrationClosesAt: start.Add(time.Minute)})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	m, err := h.c.Open(ctx, OpenRequest{Kind: models.KindWager, GameID: "fifa", Platform: "ps5", StartTime: start, RegistrationClosesAt: start})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRegistrationOpen, m.Status)
	assert.NotEmpty(t, m.VerificationMode)
}

func TestSettlingMatchIsResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.open(t, models.KindWager, 500, false, "a", "b")
	require.NoError(t, h.s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateMatchStatus(ctx, m.ID, []models.MatchStatus{models.StatusRegistrationOpen}, models.StatusSettling, h.clock); err != nil {
			return err
		}
		return tx.SetMatchOutcome(ctx, m.ID, models.StringPtr("a"), models.ReasonConsensus, h.clock)
	}))

	h.advance(4 * time.Minute)
	assert.Zero(t, h.sweep(t).Transitions)

	h.advance(time.Minute)
	assert.Equal(t, 1, h.sweep(t).Transitions)
	assert.Equal(t, models.StatusCompleted, h.match(t, m.ID).Status)
	// pot 1000, fee 60
	assert.Equal(t, int64(1440), h.balance(t, "a"))
}
