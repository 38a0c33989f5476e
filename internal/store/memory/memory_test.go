package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedMatch(t *testing.T, s *Store, id string, status models.MatchStatus) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertMatch(context.Background(), &models.Match{
			ID: id, Kind: models.KindWager, GameID: "valorant", Status: status,
			CreatedAt: now, UpdatedAt: now, StatusChangedAt: now,
		})
	}))
}

func getMatch(t *testing.T, s *Store, id string) *models.Match {
	t.Helper()
	var m *models.Match
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		m, err = tx.GetMatch(context.Background(), id)
		return err
	}))
	return m
}

func TestFailedUnitOfWorkLeavesNoTrace(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedMatch(t, s, "m1", models.StatusInProgress)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.UpdateMatchStatus(ctx, "m1", []models.MatchStatus{models.StatusInProgress}, models.StatusSettling, now))
		require.NoError(t, tx.UpsertUser(ctx, &models.User{ID: "alice", CreatedAt: now}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, models.StatusInProgress, getMatch(t, s, "m1").Status)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetUser(ctx, "alice")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelledContextDiscardsWork(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	seedMatch(t, s, "m1", models.StatusInProgress)

	err := s.WithTx(ctx, func(tx store.Tx) error {
		cancel()
		return tx.UpdateMatchStatus(ctx, "m1", []models.MatchStatus{models.StatusInProgress}, models.StatusReady, now)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusInProgress, getMatch(t, s, "m1").Status)
}

func TestStatusGuard(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedMatch(t, s, "m1", models.StatusReady)
	later := now.Add(time.Minute)

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateMatchStatus(ctx, "m1", []models.MatchStatus{models.StatusInProgress}, models.StatusSettling, later)
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateMatchStatus(ctx, "m1", []models.MatchStatus{models.StatusInProgress, models.StatusReady}, models.StatusSettling, later)
	}))
	m := getMatch(t, s, "m1")
	assert.Equal(t, models.StatusSettling, m.Status)
	assert.Equal(t, later, m.StatusChangedAt)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateMatchStatus(ctx, "nope", nil, models.StatusSettling, later)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSettleAttemptFence(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedMatch(t, s, "m1", models.StatusInProgress)
	later := now.Add(time.Minute)

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.BumpSettleAttempt(ctx, "m1", 0, later)
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict, "only settling matches take attempts")

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.UpdateMatchStatus(ctx, "m1", []models.MatchStatus{models.StatusInProgress}, models.StatusSettling, now))
		return tx.BumpSettleAttempt(ctx, "m1", 0, later)
	}))
	m := getMatch(t, s, "m1")
	assert.Equal(t, 1, m.SettleAttempt)
	assert.Equal(t, later, m.StatusChangedAt)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.BumpSettleAttempt(ctx, "m1", 0, later)
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)
	assert.Equal(t, 1, getMatch(t, s, "m1").SettleAttempt)
}

func TestMatchErrorIsNotActivity(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedMatch(t, s, "m1", models.StatusRegistrationClosed)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetMatchError(ctx, "m1", models.StringPtr("generator down"))
	}))
	m := getMatch(t, s, "m1")
	require.NotNil(t, m.LastError)
	assert.Equal(t, now, m.UpdatedAt)
}

func TestQueueClaimIsExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	entry := models.QueueEntry{ID: "q1", UserID: "alice", GameID: "valorant", Status: models.QueueSearching, QueuedAt: now, ExpiresAt: now.Add(time.Minute)}

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertQueueEntry(ctx, &entry))
		dup := entry
		dup.ID = "q2"
		assert.ErrorIs(t, tx.InsertQueueEntry(ctx, &dup), store.ErrDuplicate)

		require.NoError(t, tx.ClaimQueueEntry(ctx, "q1", "m1"))
		assert.ErrorIs(t, tx.ClaimQueueEntry(ctx, "q1", "m2"), store.ErrAlreadyClaimed)
		assert.ErrorIs(t, tx.ClaimQueueEntry(ctx, "missing", "m2"), store.ErrNotFound)

		searching, err := tx.HasSearchingEntry(ctx, "alice", "valorant")
		require.NoError(t, err)
		assert.False(t, searching)
		return nil
	}))
}

func TestQueueExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for i, id := range []string{"q1", "q2"} {
			require.NoError(t, tx.InsertQueueEntry(ctx, &models.QueueEntry{
				ID: id, UserID: id, GameID: "valorant", Status: models.QueueSearching,
				QueuedAt: now, ExpiresAt: now.Add(time.Duration(i+1) * time.Minute),
			}))
		}
		expired, err := tx.ExpireQueueEntries(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "q1", expired[0].ID)

		left, err := tx.ListSearchingEntries(ctx)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "q2", left[0].ID)
		return nil
	}))
}

func TestAuditEntriesNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for i, action := range []string{"first", "second", "third"} {
			require.NoError(t, tx.InsertAuditEntry(ctx, &models.AuditEntry{
				ID: action, AdminUsername: "ops", Action: action, Success: true,
				CreatedAt: now.Add(time.Duration(i) * time.Second),
			}))
		}
		page, err := tx.ListAuditEntries(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "third", page[0].Action)
		assert.Equal(t, "second", page[1].Action)

		page, err = tx.ListAuditEntries(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "first", page[0].Action)
		return nil
	}))
}
