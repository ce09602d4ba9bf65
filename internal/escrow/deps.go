package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/fianza-mx/escrow-engine/internal/bankrail"
	"github.com/fianza-mx/escrow-engine/internal/custody"
)

// BankRail is the SPEI ledger surface the funding and payout paths use.
// *bankrail.Client satisfies it.
type BankRail interface {
	Withdraw(ctx context.Context, amount decimal.Decimal, address, idempotencyKey string) (*bankrail.Withdrawal, error)
	Redeem(ctx context.Context, amount decimal.Decimal, bankAccountID, idempotencyKey string) (*bankrail.Redemption, error)
	RegisterBankAccount(ctx context.Context, clabe, holderName string) (*bankrail.BankAccount, error)
	GetTransaction(ctx context.Context, id string) (*bankrail.Transaction, error)
}

// CustodyClient is the on-chain escrow contract surface. *custody.Client
// satisfies it.
type CustodyClient interface {
	CreateEscrow(ctx context.Context, p custody.CreateParams) (*custody.CreateResult, error)
	Release(ctx context.Context, escrowID *big.Int) (string, error)
	Dispute(ctx context.Context, escrowID *big.Int, reason string) (string, error)
	ResolveDispute(ctx context.Context, escrowID *big.Int, inFavorOfSeller bool) (string, error)
	GetEscrow(ctx context.Context, escrowID *big.Int) (*custody.OnChainEscrow, error)
	TransferToken(ctx context.Context, to common.Address, amount *big.Int) (string, error)
}
