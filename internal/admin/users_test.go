package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

func TestCreateUserStartsEmpty(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "ops", CreateUserRequest{ID: "carol", DisplayName: "Carol", Phone: "0772000001"})
	require.NoError(t, err)
	assert.Equal(t, "carol", u.ID)
	assert.Zero(t, balance(t, s, "carol"))

	_, err = svc.CreateUser(ctx, "ops", CreateUserRequest{ID: "carol", DisplayName: "Other"})
	assert.ErrorIs(t, err, ErrUserExists)

	anon, err := svc.CreateUser(ctx, "ops", CreateUserRequest{DisplayName: "Anon"})
	require.NoError(t, err)
	assert.NotEmpty(t, anon.ID)

	entries, err := svc.AuditLog(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "user_create", entries[0].Action)
}

func TestDepositGoesThroughLedger(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, "ops", CreateUserRequest{ID: "carol", DisplayName: "Carol"})
	require.NoError(t, err)

	tr, bal, err := svc.Deposit(ctx, "ops", "carol", DepositRequest{AmountCents: 2500, Reference: "mm-1"})
	require.NoError(t, err)
	assert.Equal(t, models.TxDeposit, tr.Type)
	assert.Equal(t, int64(2500), bal)

	_, bal, err = svc.Deposit(ctx, "ops", "carol", DepositRequest{AmountCents: 500, Reference: "mm-2", Description: "top up"})
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bal)

	_, _, err = svc.Deposit(ctx, "ops", "carol", DepositRequest{AmountCents: 2500, Reference: "mm-1"})
	assert.ErrorIs(t, err, ErrDuplicateDeposit)
	_, _, err = svc.Deposit(ctx, "ops", "ghost", DepositRequest{AmountCents: 100, Reference: "mm-3"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = svc.Deposit(ctx, "ops", "carol", DepositRequest{AmountCents: -5, Reference: "mm-4"})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		projected, derived, err := ledger.Reconcile(ctx, tx, "carol")
		assert.Equal(t, int64(3000), projected)
		assert.Equal(t, derived, projected)
		return err
	}))

	entries, err := svc.AuditLog(ctx, 10, 0)
	require.NoError(t, err)
	failed := 0
	for _, e := range entries {
		if e.Action == "deposit" && !e.Success {
			failed++
		}
	}
	assert.Equal(t, 3, failed)
}
