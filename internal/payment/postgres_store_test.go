//go:build integration

package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fianza-mx/escrow-engine/internal/testutil"
)

func newPGPayment() *Payment {
	return &Payment{
		Amount:         decimal.NewFromInt(2000),
		Currency:       "MXN",
		Status:         StatusPendingDeposit,
		PayerEmail:     "payer@example.com",
		PayeeEmail:     "payee@example.com",
		DepositCLABE:   "646180111111111111",
		Flow:           FlowSimple,
		CustodyPercent: decimal.NewFromInt(50),
		CustodyEnd:     time.Now().Add(24 * time.Hour),
	}
}

func TestPostgresCreateGetRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	p := newPGPayment()
	p.PayerCLABE = "002180000000000001"
	legs := []*CommissionRecipient{
		{Email: "broker@example.com", Percent: decimal.NewFromInt(10), Amount: decimal.NewFromInt(200)},
	}
	require.NoError(t, store.Create(ctx, p, legs))
	require.NotZero(t, p.ID)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(p.Amount))
	assert.Equal(t, StatusPendingDeposit, got.Status)
	assert.Equal(t, "002180000000000001", got.PayerCLABE)
	assert.Equal(t, FlowSimple, got.Flow)

	gotLegs, err := store.Commissions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, gotLegs, 1)
	assert.True(t, gotLegs[0].Amount.Equal(decimal.NewFromInt(200)))

	_, err = store.Get(ctx, 99999)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPostgresFundDepositUniqueRef(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	p1 := newPGPayment()
	p2 := newPGPayment()
	require.NoError(t, store.Create(ctx, p1, nil))
	require.NoError(t, store.Create(ctx, p2, nil))

	require.NoError(t, store.FundDeposit(ctx, p1.ID, "dep-unique-1", "tx-1"))

	// Same reference against the same payment: duplicate, not conflict.
	assert.ErrorIs(t, store.FundDeposit(ctx, p1.ID, "dep-unique-1", "tx-1"), ErrDuplicateDeposit)

	// Same reference against another payment: rejected by the unique index.
	assert.ErrorIs(t, store.FundDeposit(ctx, p2.ID, "dep-unique-1", "tx-1"), ErrDuplicateDeposit)

	got, err := store.Get(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeposit, got.Status)

	events, err := store.ListEvents(ctx, p1.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDepositDetected, events[0].Type)
	assert.True(t, events[0].Automatic)
}

func TestPostgresFundDepositConcurrent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	p := newPGPayment()
	require.NoError(t, store.Create(ctx, p, nil))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.FundDeposit(ctx, p.ID, "dep-race", "tx-race")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent funding must win")

	events, err := store.ListEvents(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPostgresTransitionGuard(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	p := newPGPayment()
	p.Status = StatusReleased
	require.NoError(t, store.Create(ctx, p, nil))

	require.NoError(t, store.Transition(ctx, p.ID, StatusReleased, StatusProcessing, EventPayoutLeg, "claim", true))
	assert.ErrorIs(t,
		store.Transition(ctx, p.ID, StatusReleased, StatusProcessing, EventPayoutLeg, "claim", true),
		ErrStatusConflict)

	assert.ErrorIs(t,
		store.Transition(ctx, 99999, StatusReleased, StatusProcessing, EventPayoutLeg, "claim", true),
		ErrPaymentNotFound)
}

func TestPostgresMarkCommissionPaidIdempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	p := newPGPayment()
	legs := []*CommissionRecipient{
		{Email: "broker@example.com", Percent: decimal.NewFromInt(10), Amount: decimal.NewFromInt(200)},
	}
	require.NoError(t, store.Create(ctx, p, legs))

	require.NoError(t, store.MarkCommissionPaid(ctx, legs[0].ID, "tx-1", "payout-1-custody"))
	// Second mark is a no-op, not an error, and keeps the first tx id.
	require.NoError(t, store.MarkCommissionPaid(ctx, legs[0].ID, "tx-2", "payout-1-custody"))

	got, err := store.Commissions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Paid)
	assert.Equal(t, "tx-1", got[0].PayoutTxID)

	assert.ErrorIs(t, store.MarkCommissionPaid(ctx, 99999, "tx", "payout-1-custody"), ErrCommissionNotFound)
}
