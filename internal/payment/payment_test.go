package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment() *Payment {
	return &Payment{
		Amount:         decimal.NewFromInt(1000),
		Currency:       "MXN",
		Status:         StatusPendingDeposit,
		PayerEmail:     "payer@example.com",
		PayeeEmail:     "payee@example.com",
		DepositCLABE:   "646180111111111111",
		Flow:           FlowSimple,
		CustodyPercent: decimal.NewFromInt(100),
		CustodyEnd:     time.Now().Add(5 * 24 * time.Hour),
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusPaid.IsTerminal())
	assert.True(t, StatusRefunded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusEscrowed.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPendingDeposit, StatusFunded))
	assert.True(t, CanTransition(StatusFunded, StatusEscrowed))
	assert.True(t, CanTransition(StatusEscrowed, StatusDisputed))
	assert.True(t, CanTransition(StatusReleased, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusPaid))

	// No transitions out of terminal states.
	assert.False(t, CanTransition(StatusPaid, StatusProcessing))
	assert.False(t, CanTransition(StatusRefunded, StatusEscrowed))
	assert.False(t, CanTransition(StatusFailed, StatusFunded))

	// No skipping the deposit.
	assert.False(t, CanTransition(StatusPendingDeposit, StatusEscrowed))
	assert.False(t, CanTransition(StatusCreated, StatusFunded))
}

func TestMemoryStoreCreateAssignsIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newTestPayment()
	commissions := []*CommissionRecipient{
		{Email: "broker@example.com", Percent: decimal.NewFromInt(10), Amount: decimal.NewFromInt(100)},
	}
	require.NoError(t, store.Create(ctx, p, commissions))
	assert.NotZero(t, p.ID)
	assert.NotZero(t, commissions[0].ID)
	assert.Equal(t, p.ID, commissions[0].PaymentID)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeposit, got.Status)

	legs, err := store.Commissions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.False(t, legs[0].Paid)
}

func TestFundDepositIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newTestPayment()
	require.NoError(t, store.Create(ctx, p, nil))

	require.NoError(t, store.FundDeposit(ctx, p.ID, "dep-1", "tx-1"))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	assert.Equal(t, "dep-1", got.DepositRef)

	// Second application of the same deposit fails cleanly.
	err = store.FundDeposit(ctx, p.ID, "dep-1", "tx-1")
	assert.ErrorIs(t, err, ErrDuplicateDeposit)

	// Exactly one deposit_detected event.
	events, err := store.ListEvents(ctx, p.ID)
	require.NoError(t, err)
	count := 0
	for _, e := range events {
		if e.Type == EventDepositDetected {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestFundDepositRefusedForSecondPayment(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p1 := newTestPayment()
	p2 := newTestPayment()
	require.NoError(t, store.Create(ctx, p1, nil))
	require.NoError(t, store.Create(ctx, p2, nil))

	require.NoError(t, store.FundDeposit(ctx, p1.ID, "dep-shared", "tx-1"))
	err := store.FundDeposit(ctx, p2.ID, "dep-shared", "tx-1")
	assert.ErrorIs(t, err, ErrDuplicateDeposit)

	got, err := store.Get(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeposit, got.Status)
}

func TestFundDepositConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newTestPayment()
	require.NoError(t, store.Create(ctx, p, nil))

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.FundDeposit(ctx, p.ID, "dep-1", "tx-1")
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
}

func TestTransitionGuard(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newTestPayment()
	p.Status = StatusReleased
	require.NoError(t, store.Create(ctx, p, nil))

	// Claim released → processing.
	require.NoError(t, store.Transition(ctx, p.ID, StatusReleased, StatusProcessing, EventPayoutLeg, "payout claim", true))

	// A second claim loses the race.
	err := store.Transition(ctx, p.ID, StatusReleased, StatusProcessing, EventPayoutLeg, "payout claim", true)
	assert.ErrorIs(t, err, ErrStatusConflict)

	// Disallowed edges are rejected outright.
	err = store.Transition(ctx, p.ID, StatusProcessing, StatusPendingDeposit, EventRollback, "", false)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkCommissionPaid(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newTestPayment()
	legs := []*CommissionRecipient{
		{Email: "broker@example.com", Percent: decimal.NewFromInt(10), Amount: decimal.NewFromInt(200)},
	}
	require.NoError(t, store.Create(ctx, p, legs))

	require.NoError(t, store.MarkCommissionPaid(ctx, legs[0].ID, "tx-comm-1", "payout-1-immediate"))

	got, err := store.Commissions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Paid)
	assert.Equal(t, "tx-comm-1", got[0].PayoutTxID)
	require.NotNil(t, got[0].PaidAt)

	assert.ErrorIs(t, store.MarkCommissionPaid(ctx, 999, "tx", "payout-1-immediate"), ErrCommissionNotFound)
}

func TestBothApproved(t *testing.T) {
	p := newTestPayment()
	assert.False(t, p.BothApproved())
	p.PayerApproval = true
	assert.False(t, p.BothApproved())
	p.PayeeApproval = true
	assert.True(t, p.BothApproved())
}
