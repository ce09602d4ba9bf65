package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fianza-mx/escrow-engine/internal/bankrail"
	"github.com/fianza-mx/escrow-engine/internal/payment"
)

type fakeLedger struct {
	mu       sync.Mutex
	deposits []bankrail.Deposit
	err      error
	calls    int
}

func (f *fakeLedger) ListDeposits(ctx context.Context) ([]bankrail.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.deposits, nil
}

type fakeTrigger struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeTrigger) ProcessPayment(ctx context.Context, paymentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, paymentID)
	return nil
}

func newPendingPayment(amount, clabe string) *payment.Payment {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		panic(err)
	}
	return &payment.Payment{
		Amount:         amt,
		Currency:       "MXN",
		Status:         payment.StatusPendingDeposit,
		PayerEmail:     "payer@example.com",
		PayeeEmail:     "payee@example.com",
		DepositCLABE:   clabe,
		Flow:           payment.FlowSimple,
		CustodyPercent: decimal.NewFromInt(100),
		CustodyEnd:     time.Now().Add(time.Hour),
	}
}

func deposit(fid, amount, clabe, status string) bankrail.Deposit {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		panic(err)
	}
	return bankrail.Deposit{
		FID:           fid,
		DepositID:     "dep-" + fid,
		Amount:        amt,
		Status:        status,
		ReceiverCLABE: clabe,
	}
}

func TestReconcilerMatchesExactDeposit(t *testing.T) {
	store := payment.NewMemoryStore()
	ledger := &fakeLedger{deposits: []bankrail.Deposit{
		deposit("fid-1", "1000.00", "710969000000351083", bankrail.DepositStatusComplete),
	}}
	trigger := &fakeTrigger{}
	r := New(store, ledger, trigger, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	p := newPendingPayment("1000.00", "710969000000351083")
	require.NoError(t, store.Create(ctx, p, nil))

	require.NoError(t, r.Run(ctx))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFunded, got.Status)
	assert.Equal(t, "fid-1", got.DepositRef)
	assert.Equal(t, "dep-fid-1", got.DepositTxID)
	assert.Equal(t, []int64{p.ID}, trigger.ids)

	events, err := store.ListEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, payment.EventDepositDetected, events[0].Type)
}

func TestReconcilerIgnoresWrongAmountAndCLABE(t *testing.T) {
	store := payment.NewMemoryStore()
	ledger := &fakeLedger{deposits: []bankrail.Deposit{
		deposit("fid-1", "999.99", "710969000000351083", bankrail.DepositStatusComplete),
		deposit("fid-2", "1000.00", "710969000000999999", bankrail.DepositStatusComplete),
		deposit("fid-3", "1000.00", "710969000000351083", "pending"),
	}}
	r := New(store, ledger, nil, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	p := newPendingPayment("1000.00", "710969000000351083")
	require.NoError(t, store.Create(ctx, p, nil))

	require.NoError(t, r.Run(ctx))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPendingDeposit, got.Status)
}

func TestReconcilerRunIsIdempotent(t *testing.T) {
	store := payment.NewMemoryStore()
	ledger := &fakeLedger{deposits: []bankrail.Deposit{
		deposit("fid-1", "1000.00", "710969000000351083", bankrail.DepositStatusComplete),
	}}
	r := New(store, ledger, nil, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	p := newPendingPayment("1000.00", "710969000000351083")
	require.NoError(t, store.Create(ctx, p, nil))

	require.NoError(t, r.Run(ctx))
	// The same ledger page again: the deposit ref is already consumed.
	require.NoError(t, r.Run(ctx))

	events, err := store.ListEvents(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReconcilerOneDepositFundsOnePayment(t *testing.T) {
	store := payment.NewMemoryStore()
	ledger := &fakeLedger{deposits: []bankrail.Deposit{
		deposit("fid-1", "1000.00", "710969000000351083", bankrail.DepositStatusComplete),
	}}
	r := New(store, ledger, nil, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	// Two payments share a CLABE and amount; only one gets the deposit.
	p1 := newPendingPayment("1000.00", "710969000000351083")
	p2 := newPendingPayment("1000.00", "710969000000351083")
	require.NoError(t, store.Create(ctx, p1, nil))
	require.NoError(t, store.Create(ctx, p2, nil))

	require.NoError(t, r.Run(ctx))

	funded, err := store.ListByStatus(ctx, payment.StatusFunded, 10)
	require.NoError(t, err)
	assert.Len(t, funded, 1)
	pending, err := store.ListByStatus(ctx, payment.StatusPendingDeposit, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReconcilerSkipsLedgerCallWhenNothingPending(t *testing.T) {
	store := payment.NewMemoryStore()
	ledger := &fakeLedger{}
	r := New(store, ledger, nil, slog.New(slog.DiscardHandler))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 0, ledger.calls)
}

func TestReconcilerMultipleCandidates(t *testing.T) {
	store := payment.NewMemoryStore()
	ledger := &fakeLedger{deposits: []bankrail.Deposit{
		deposit("fid-1", "1000.00", "710969000000351083", bankrail.DepositStatusComplete),
		deposit("fid-2", "1000.00", "710969000000351083", bankrail.DepositStatusComplete),
	}}
	r := New(store, ledger, nil, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	p1 := newPendingPayment("1000.00", "710969000000351083")
	p2 := newPendingPayment("1000.00", "710969000000351083")
	require.NoError(t, store.Create(ctx, p1, nil))
	require.NoError(t, store.Create(ctx, p2, nil))

	require.NoError(t, r.Run(ctx))

	// Two distinct deposits fund the two payments, one each.
	funded, err := store.ListByStatus(ctx, payment.StatusFunded, 10)
	require.NoError(t, err)
	assert.Len(t, funded, 2)
	refs := map[string]bool{}
	for _, p := range funded {
		refs[p.DepositRef] = true
	}
	assert.Len(t, refs, 2)
}
