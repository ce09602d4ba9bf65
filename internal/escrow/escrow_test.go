package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fianza-mx/escrow-engine/internal/bankrail"
	"github.com/fianza-mx/escrow-engine/internal/custody"
	"github.com/fianza-mx/escrow-engine/internal/errkind"
	"github.com/fianza-mx/escrow-engine/internal/payment"
)

const (
	testBridgeWallet     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testSettlementWallet = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

// fakeBank is an in-memory ledger that honors idempotency keys the way
// the real one does: a repeated key returns the original movement.
type fakeBank struct {
	mu sync.Mutex

	withdrawals   map[string]*bankrail.Withdrawal // by idempotency key
	redemptions   map[string]*bankrail.Redemption // by idempotency key
	redeemCalls   map[string]int
	txStatus      map[string]string // withdrawal id -> summary status
	failRedeem    map[string]bool   // keys that fail with a transient error
	ambiguousOnce bool              // next Withdraw records the movement but errors
	nextID        int
}

func newFakeBank() *fakeBank {
	return &fakeBank{
		withdrawals: make(map[string]*bankrail.Withdrawal),
		redemptions: make(map[string]*bankrail.Redemption),
		redeemCalls: make(map[string]int),
		txStatus:    make(map[string]string),
		failRedeem:  make(map[string]bool),
	}
}

func (b *fakeBank) Withdraw(ctx context.Context, amount decimal.Decimal, address, idempotencyKey string) (*bankrail.Withdrawal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.withdrawals[idempotencyKey]; ok {
		return w, nil
	}
	b.nextID++
	w := &bankrail.Withdrawal{ID: fmt.Sprintf("wd-%d", b.nextID), Amount: amount, Status: "PENDING"}
	b.withdrawals[idempotencyKey] = w

	if b.ambiguousOnce {
		b.ambiguousOnce = false
		return nil, errkind.New(errkind.Transient, "bankrail.Withdraw", "connection reset")
	}
	return w, nil
}

func (b *fakeBank) Redeem(ctx context.Context, amount decimal.Decimal, bankAccountID, idempotencyKey string) (*bankrail.Redemption, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.redeemCalls[idempotencyKey]++
	if b.failRedeem[idempotencyKey] {
		return nil, errkind.New(errkind.Transient, "bankrail.Redeem", "gateway timeout")
	}
	if r, ok := b.redemptions[idempotencyKey]; ok {
		return r, nil
	}
	b.nextID++
	r := &bankrail.Redemption{ID: fmt.Sprintf("rd-%d", b.nextID), Amount: amount, Status: "COMPLETED"}
	b.redemptions[idempotencyKey] = r
	return r, nil
}

func (b *fakeBank) RegisterBankAccount(ctx context.Context, clabe, holderName string) (*bankrail.BankAccount, error) {
	return &bankrail.BankAccount{ID: "acct-" + clabe, CLABE: clabe}, nil
}

func (b *fakeBank) GetTransaction(ctx context.Context, id string) (*bankrail.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	status, ok := b.txStatus[id]
	if !ok {
		status = bankrail.TxStatusCompleted
	}
	return &bankrail.Transaction{ID: id, Status: status}, nil
}

// fakeChain is an in-memory escrow contract.
type fakeChain struct {
	mu           sync.Mutex
	nextID       int64
	escrows      map[string]*custody.OnChainEscrow
	releaseCalls int
	releaseErr   error
	transfers    []string
}

func newFakeChain() *fakeChain {
	return &fakeChain{escrows: make(map[string]*custody.OnChainEscrow)}
}

func (c *fakeChain) CreateEscrow(ctx context.Context, p custody.CreateParams) (*custody.CreateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := big.NewInt(c.nextID)
	c.escrows[id.String()] = &custody.OnChainEscrow{
		Payer:    p.Payer,
		Payee:    p.Payee,
		Amount:   p.Amount,
		Deadline: big.NewInt(p.Deadline.Unix()),
		Status:   custody.StateActive,
	}
	return &custody.CreateResult{EscrowID: id, TxHash: "0xcreate" + id.String()}, nil
}

func (c *fakeChain) Release(ctx context.Context, escrowID *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.releaseErr != nil {
		return "", c.releaseErr
	}
	c.releaseCalls++
	if e, ok := c.escrows[escrowID.String()]; ok {
		e.Status = custody.StateReleased
	}
	return "0xrelease" + escrowID.String(), nil
}

func (c *fakeChain) Dispute(ctx context.Context, escrowID *big.Int, reason string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.escrows[escrowID.String()]; ok {
		e.Status = custody.StateDisputed
	}
	return "0xdispute" + escrowID.String(), nil
}

func (c *fakeChain) ResolveDispute(ctx context.Context, escrowID *big.Int, inFavorOfSeller bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.escrows[escrowID.String()]; ok {
		if inFavorOfSeller {
			e.Status = custody.StateReleased
		} else {
			e.Status = custody.StateRefunded
		}
	}
	return "0xresolve" + escrowID.String(), nil
}

func (c *fakeChain) GetEscrow(ctx context.Context, escrowID *big.Int) (*custody.OnChainEscrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.escrows[escrowID.String()]
	if !ok {
		return nil, errors.New("escrow not found on chain")
	}
	cp := *e
	return &cp, nil
}

func (c *fakeChain) TransferToken(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transfers = append(c.transfers, to.Hex())
	return "0xtransfer", nil
}

type engine struct {
	payments *payment.MemoryStore
	escrows  *MemoryStore
	bank     *fakeBank
	chain    *fakeChain
	payouts  *PayoutProcessor
	orch     *Orchestrator
	releaser *Releaser
	disputes *DisputeService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	e := &engine{
		payments: payment.NewMemoryStore(),
		escrows:  NewMemoryStore(),
		bank:     newFakeBank(),
		chain:    newFakeChain(),
	}
	e.payouts = NewPayoutProcessor(e.payments, e.escrows, e.bank, e.chain, testSettlementWallet, logger)
	e.orch = NewOrchestrator(e.payments, e.escrows, e.bank, e.chain, e.payouts, testBridgeWallet, 3, logger)
	e.releaser = NewReleaser(e.payments, e.escrows, e.chain, e.payouts, ApprovalExpiryHold, 0, 3, logger)
	e.disputes = NewDisputeService(e.payments, e.escrows, e.chain, e.payouts, RuleBasedAnalyzer{}, logger)
	return e
}

func newFundedPayment(amount string, custodyPercent int64) *payment.Payment {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		panic(err)
	}
	return &payment.Payment{
		Amount:              amt,
		Currency:            "MXN",
		Status:              payment.StatusFunded,
		PayerEmail:          "payer@example.com",
		PayeeEmail:          "payee@example.com",
		PayerCLABE:          "002010077777777771",
		DepositCLABE:        "710969000000351083",
		PayoutBankAccountID: "acct-payee",
		Flow:                payment.FlowSimple,
		CustodyPercent:      decimal.NewFromInt(custodyPercent),
		CustodyEnd:          time.Now().Add(-time.Hour),
	}
}

func TestFullCustodyLifecycle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))

	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)
	assert.True(t, esc.CustodyAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, esc.ReleaseAmount.IsZero())
	assert.NotEmpty(t, esc.ContractEscrowID)
	assert.NotEmpty(t, esc.FundingTxHash)
	assert.NotEmpty(t, esc.FundingWithdrawalID)

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusEscrowed, got.Status)

	// The full amount went to the bridge wallet, in token units.
	onChain, err := e.chain.GetEscrow(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, 0, onChain.Amount.Cmp(big.NewInt(1000_000000)))

	// Custody end is in the past, so the release pass fires.
	require.NoError(t, e.releaser.Run(ctx))

	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, esc.Status)
	assert.NotEmpty(t, esc.ReleaseTxHash)

	// Released tokens were swept to the settlement wallet before the
	// redemption drew on them.
	assert.NotEmpty(t, esc.SweepTxHash)
	assert.Contains(t, e.chain.transfers, testSettlementWallet)

	got, err = e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)

	// Payee got the custodied amount over SPEI.
	key := fmt.Sprintf("payout-%d-custody-payee", p.ID)
	require.Contains(t, e.bank.redemptions, key)
	assert.True(t, e.bank.redemptions[key].Amount.Equal(decimal.NewFromInt(1000)))
}

func TestSplitCustodyWithCommissions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("2000.00", 50)
	legs := []*payment.CommissionRecipient{
		{Email: "broker@example.com", BankAccountID: "acct-broker",
			Percent: decimal.NewFromInt(10), Amount: decimal.NewFromInt(200)},
	}
	require.NoError(t, e.payments.Create(ctx, p, legs))

	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	// Immediate portion: 200 commission + 800 payee remainder.
	immediate := fmt.Sprintf("payout-%d-immediate", p.ID)
	require.Contains(t, e.bank.redemptions, immediate+"-comm-1")
	assert.True(t, e.bank.redemptions[immediate+"-comm-1"].Amount.Equal(decimal.NewFromInt(200)))
	require.Contains(t, e.bank.redemptions, immediate+"-payee")
	assert.True(t, e.bank.redemptions[immediate+"-payee"].Amount.Equal(decimal.NewFromInt(800)))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, esc.ImmediatePaid)
	assert.Equal(t, StatusActive, esc.Status)
	assert.True(t, esc.CustodyAmount.Equal(decimal.NewFromInt(1000)))

	require.NoError(t, e.releaser.Run(ctx))

	// The commission was already paid from the immediate portion, so the
	// whole custodied amount goes to the payee.
	custodyKey := fmt.Sprintf("payout-%d-custody-payee", p.ID)
	require.Contains(t, e.bank.redemptions, custodyKey)
	assert.True(t, e.bank.redemptions[custodyKey].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, e.bank.redeemCalls[immediate+"-comm-1"])

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
}

func TestZeroCustodySettlesImmediately(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("500.00", 0)
	require.NoError(t, e.payments.Create(ctx, p, nil))

	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, esc.Status)
	assert.Empty(t, e.chain.escrows)
	assert.Empty(t, e.bank.withdrawals)
}

func TestAmbiguousWithdrawalIsVerifiedNotRepeated(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))

	// The withdrawal lands on the ledger but the response is lost.
	e.bank.ambiguousOnce = true
	require.Error(t, e.orch.ProcessPayment(ctx, p.ID))

	// The retry reuses the stable funding key: the ledger returns the
	// original movement instead of creating a second one.
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	assert.Len(t, e.bank.withdrawals, 1)
	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)
}

func TestFundingWaitsForWithdrawalSettlement(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))

	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))
	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)

	// Flip the recorded withdrawal to in-flight and re-run: nothing moves.
	e.bank.txStatus[esc.FundingWithdrawalID] = "IN_PROGRESS"
	e.chain.escrows = map[string]*custody.OnChainEscrow{}
	esc.Status = StatusFunding
	esc.ContractEscrowID = ""
	require.NoError(t, e.escrows.Update(ctx, esc))

	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))
	esc, err = e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunding, esc.Status)
	assert.Empty(t, e.chain.escrows)

	// Once the ledger reports completion, funding proceeds.
	e.bank.txStatus[esc.FundingWithdrawalID] = bankrail.TxStatusCompleted
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))
	esc, err = e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)
}

func TestNoDoubleRelease(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.releaser.Release(ctx, esc.ID, "expiry", true)
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, e.chain.releaseCalls)
}

func TestReleaseFailureRevertsClaim(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)

	e.chain.releaseErr = errors.New("rpc unavailable")
	require.Error(t, e.releaser.Release(ctx, esc.ID, "expiry", true))

	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)
	assert.Equal(t, 1, esc.RetryCount)
	assert.Empty(t, esc.ReleaseTxHash)

	e.chain.releaseErr = nil
	require.NoError(t, e.releaser.Release(ctx, esc.ID, "expiry", true))

	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, esc.Status)
}

func TestDualApprovalGatesRelease(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	p.Flow = payment.FlowDualApproval
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	// Deadline is past, but under the hold policy nothing releases
	// without both approvals.
	require.NoError(t, e.releaser.Run(ctx))
	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	got.PayerApproval = true
	require.NoError(t, e.payments.Update(ctx, got))
	require.NoError(t, e.releaser.Run(ctx))
	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)

	got.PayeeApproval = true
	require.NoError(t, e.payments.Update(ctx, got))
	require.NoError(t, e.releaser.Run(ctx))
	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, esc.Status)
}

func TestApprovalExpiryFlagPolicy(t *testing.T) {
	e := newEngine(t)
	logger := slog.New(slog.DiscardHandler)
	e.releaser = NewReleaser(e.payments, e.escrows, e.chain, e.payouts, ApprovalExpiryFlag, 0, 3, logger)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	p.Flow = payment.FlowDualApproval
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	require.NoError(t, e.releaser.Run(ctx))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)
	assert.True(t, esc.RequiresIntervention)
}

func TestDisputeFreezesRelease(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)

	d, err := e.disputes.Raise(ctx, esc.ID, RaiseRequest{
		RaisedBy: "payer@example.com", Reason: "goods not delivered",
	})
	require.NoError(t, err)
	assert.Equal(t, DisputeStatusPending, d.Status)

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusDisputed, got.Status)

	// A second dispute on the same escrow is rejected.
	_, err = e.disputes.Raise(ctx, esc.ID, RaiseRequest{RaisedBy: "x", Reason: "y"})
	assert.ErrorIs(t, err, ErrDisputePending)

	// The release pass skips the frozen escrow even past its deadline.
	require.NoError(t, e.releaser.Run(ctx))
	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, esc.Status)
	assert.Equal(t, 0, e.chain.releaseCalls)
}

func TestDisputeDismissedResumesRelease(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	d, err := e.disputes.Raise(ctx, esc.ID, RaiseRequest{RaisedBy: "payer", Reason: "slow delivery"})
	require.NoError(t, err)

	_, err = e.disputes.Resolve(ctx, d.ID, false, "delivery confirmed by carrier")
	require.NoError(t, err)

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusEscrowed, got.Status)

	// Resolution is terminal.
	_, err = e.disputes.Resolve(ctx, d.ID, true, "")
	assert.ErrorIs(t, err, ErrDisputeResolved)

	require.NoError(t, e.releaser.Run(ctx))
	got, err = e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)
}

func TestDisputeApprovedRefundsPayer(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)
	d, err := e.disputes.Raise(ctx, esc.ID, RaiseRequest{RaisedBy: "payer", Reason: "fraudulent listing"})
	require.NoError(t, err)

	_, err = e.disputes.Resolve(ctx, d.ID, true, "evidence supports the payer")
	require.NoError(t, err)

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, got.Status)

	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, esc.Status)
	assert.Equal(t, DisputeResolved, esc.DisputeStatus)

	key := fmt.Sprintf("refund-%d", p.ID)
	require.Contains(t, e.bank.redemptions, key)
	assert.True(t, e.bank.redemptions[key].Amount.Equal(decimal.NewFromInt(1000)))

	// The refund is terminal: the release pass leaves the escrow alone.
	require.NoError(t, e.releaser.Run(ctx))
	assert.Equal(t, 0, e.chain.releaseCalls)
}

func TestPayoutRetryKeepsPaidLegs(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 0)
	legs := []*payment.CommissionRecipient{
		{Email: "broker@example.com", BankAccountID: "acct-broker",
			Percent: decimal.NewFromInt(20), Amount: decimal.NewFromInt(200)},
	}
	require.NoError(t, e.payments.Create(ctx, p, legs))

	payeeKey := fmt.Sprintf("payout-%d-immediate-payee", p.ID)
	e.bank.failRedeem[payeeKey] = true

	require.Error(t, e.orch.ProcessPayment(ctx, p.ID))

	// The commission leg stuck; the payment reverted for a retry.
	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFunded, got.Status)
	commissions, err := e.payments.Commissions(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, commissions[0].Paid)

	e.bank.failRedeem[payeeKey] = false
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	got, err = e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)

	// The commission moved exactly once; the payee got the remainder.
	commKey := fmt.Sprintf("payout-%d-immediate-comm-1", p.ID)
	assert.Equal(t, 1, e.bank.redeemCalls[commKey])
	assert.True(t, e.bank.redemptions[payeeKey].Amount.Equal(decimal.NewFromInt(800)))
}

func TestWalletToWalletPayout(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	p.Flow = payment.FlowWalletToWallet
	p.PayeeWallet = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	require.NoError(t, e.releaser.Run(ctx))

	got, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, got.Status)

	// The payee leg went on-chain, not over SPEI.
	require.Len(t, e.chain.transfers, 1)
	assert.Equal(t, p.PayeeWallet, e.chain.transfers[0])
	assert.NotContains(t, e.bank.redemptions, fmt.Sprintf("payout-%d-custody-payee", p.ID))
}

func TestRetryCeilingFlagsIntervention(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	p := newFundedPayment("1000.00", 100)
	require.NoError(t, e.payments.Create(ctx, p, nil))
	require.NoError(t, e.orch.ProcessPayment(ctx, p.ID))

	esc, err := e.escrows.GetByPaymentID(ctx, p.ID)
	require.NoError(t, err)

	e.chain.releaseErr = errors.New("rpc unavailable")
	for i := 0; i < 3; i++ {
		require.Error(t, e.releaser.Release(ctx, esc.ID, "expiry", true))
	}

	esc, err = e.escrows.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, esc.RequiresIntervention)
	assert.Equal(t, 3, esc.RetryCount)

	// Flagged escrows are skipped by the automatic pass.
	e.chain.releaseErr = nil
	require.NoError(t, e.releaser.Run(ctx))
	assert.Equal(t, 0, e.chain.releaseCalls)
}

func TestClaimReleaseGuards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	esc := &Escrow{
		PaymentID:     1,
		Status:        StatusActive,
		DisputeStatus: DisputeNone,
		CustodyAmount: decimal.NewFromInt(100),
		CustodyEnd:    time.Now(),
	}
	require.NoError(t, store.Create(ctx, esc))

	require.NoError(t, store.ClaimRelease(ctx, esc.ID))
	assert.ErrorIs(t, store.ClaimRelease(ctx, esc.ID), ErrAlreadyClaimed)

	frozen := &Escrow{
		PaymentID:     2,
		Status:        StatusActive,
		DisputeStatus: DisputePending,
		CustodyEnd:    time.Now(),
	}
	require.NoError(t, store.Create(ctx, frozen))
	assert.ErrorIs(t, store.ClaimRelease(ctx, frozen.ID), ErrDisputePending)

	assert.ErrorIs(t, store.ClaimRelease(ctx, 999), ErrEscrowNotFound)
}

func TestRuleBasedAnalyzer(t *testing.T) {
	a := RuleBasedAnalyzer{}
	ctx := context.Background()

	low, err := a.Analyze(ctx, DisputeContext{
		Amount:         decimal.NewFromInt(500),
		AccountAgeDays: 400,
		KYCApproved:    true,
		HasEvidence:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 30, low.Score)
	assert.Equal(t, RecommendationApprove, low.Recommendation)

	high, err := a.Analyze(ctx, DisputeContext{
		Amount:         decimal.NewFromInt(50000),
		AccountAgeDays: 3,
		KYCApproved:    false,
		HasEvidence:    false,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, high.Score)
	assert.Equal(t, RecommendationInvestigate, high.Recommendation)
	assert.Len(t, high.Factors, 4)
}
