// Package custody handles all on-chain interactions with the escrow
// contract and the custody token.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fianza-mx/escrow-engine/internal/metrics"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("custody: invalid private key")
	ErrInvalidAddress    = errors.New("custody: invalid address")
	ErrTransactionFailed = errors.New("custody: transaction reverted")
	ErrTimeout           = errors.New("custody: operation timed out")
	ErrRPCConnection     = errors.New("custody: RPC connection failed")
	ErrNoEscrowEvent     = errors.New("custody: EscrowCreated event not found in receipt")
)

// CallError wraps contract call failures with context
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("custody: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("custody: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// escrowABI covers the escrow contract surface the engine uses.
const escrowABI = `[
	{"inputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"vertical","type":"string"},{"name":"clabe","type":"string"},{"name":"conditions","type":"string"}],"name":"createEscrow","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"},{"name":"reason","type":"string"}],"name":"dispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"},{"name":"inFavorOfSeller","type":"bool"}],"name":"resolveDispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"","type":"uint256"}],"name":"escrows","outputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"status","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"payer","type":"address"},{"indexed":true,"name":"payee","type":"address"}],"name":"EscrowCreated","type":"event"}
]`

// erc20ABI is the minimal token surface: transfers plus the allowance
// dance required before escrow creation.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for contract calls when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new custody client
type Config struct {
	RPCURL         string
	PrivateKey     string // Hex string, with or without 0x prefix
	ChainID        int64
	EscrowContract string
	TokenContract  string
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// CreateParams are the escrow creation arguments. Amount is in the
// token's smallest unit. Deadline is a unix timestamp; the contract
// rejects deadlines in the past.
type CreateParams struct {
	Payer      common.Address
	Payee      common.Address
	Amount     *big.Int
	Deadline   time.Time
	Vertical   string
	CLABE      string
	Conditions string
}

// CreateResult is the outcome of an escrow creation.
type CreateResult struct {
	EscrowID *big.Int
	TxHash   string
}

// Contract escrow states as returned in OnChainEscrow.Status.
const (
	StateCreated uint8 = iota
	StateActive
	StateReleased
	StateDisputed
	StateRefunded
)

// OnChainEscrow mirrors the contract's escrow record.
type OnChainEscrow struct {
	Payer    common.Address
	Payee    common.Address
	Amount   *big.Int
	Deadline *big.Int
	Status   uint8
}

// Client signs and submits escrow-contract and token transactions from
// the bridge wallet.
type Client struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	escrowContract common.Address
	tokenContract  common.Address
	escrowABI      abi.ABI
	tokenABI       abi.ABI
	confirmTimeout time.Duration
}

// New creates a custody client
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedEscrowABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	parsedTokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	c := &Client{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		escrowContract: common.HexToAddress(cfg.EscrowContract),
		tokenContract:  common.HexToAddress(cfg.TokenContract),
		escrowABI:      parsedEscrowABI,
		tokenABI:       parsedTokenABI,
		confirmTimeout: DefaultConfirmationTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return fmt.Errorf("%w: escrow contract address required", ErrInvalidAddress)
	}
	if cfg.TokenContract == "" {
		return fmt.Errorf("%w: token contract address required", ErrInvalidAddress)
	}
	return nil
}

// Address returns the bridge wallet's address
func (c *Client) Address() string {
	return c.address.Hex()
}

// CreateEscrow approves the token spend if needed, submits createEscrow,
// waits for the receipt, and extracts the contract-assigned escrow id
// from the EscrowCreated event.
func (c *Client) CreateEscrow(ctx context.Context, p CreateParams) (*CreateResult, error) {
	start := time.Now()
	defer metrics.ObserveExternalCall("custody", "create_escrow", start)

	if err := c.ensureAllowance(ctx, p.Amount); err != nil {
		return nil, err
	}

	data, err := c.escrowABI.Pack("createEscrow",
		p.Payer,
		p.Payee,
		c.tokenContract,
		p.Amount,
		big.NewInt(p.Deadline.Unix()),
		p.Vertical,
		p.CLABE,
		p.Conditions,
	)
	if err != nil {
		return nil, &CallError{Op: "create_escrow.pack", Err: err}
	}

	tx, err := c.send(ctx, c.escrowContract, data)
	if err != nil {
		return nil, &CallError{Op: "create_escrow.send", Err: err}
	}

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, &CallError{Op: "create_escrow.confirm", TxHash: tx.Hash().Hex(), Err: err}
	}

	escrowID, err := c.escrowIDFromReceipt(receipt)
	if err != nil {
		return nil, &CallError{Op: "create_escrow.event", TxHash: tx.Hash().Hex(), Err: err}
	}

	return &CreateResult{EscrowID: escrowID, TxHash: tx.Hash().Hex()}, nil
}

// Release moves the escrowed amount to the payee side of the contract.
func (c *Client) Release(ctx context.Context, escrowID *big.Int) (string, error) {
	return c.escrowWrite(ctx, "release", escrowID)
}

// Dispute freezes the escrow on-chain with the given reason.
func (c *Client) Dispute(ctx context.Context, escrowID *big.Int, reason string) (string, error) {
	return c.escrowWrite(ctx, "dispute", escrowID, reason)
}

// ResolveDispute settles a disputed escrow. inFavorOfSeller true releases
// to the payee; false returns custody to the payer.
func (c *Client) ResolveDispute(ctx context.Context, escrowID *big.Int, inFavorOfSeller bool) (string, error) {
	return c.escrowWrite(ctx, "resolveDispute", escrowID, inFavorOfSeller)
}

func (c *Client) escrowWrite(ctx context.Context, method string, args ...any) (string, error) {
	start := time.Now()
	defer metrics.ObserveExternalCall("custody", method, start)

	data, err := c.escrowABI.Pack(method, args...)
	if err != nil {
		return "", &CallError{Op: method + ".pack", Err: err}
	}

	tx, err := c.send(ctx, c.escrowContract, data)
	if err != nil {
		return "", &CallError{Op: method + ".send", Err: err}
	}

	if _, err := c.waitMined(ctx, tx.Hash()); err != nil {
		return tx.Hash().Hex(), &CallError{Op: method + ".confirm", TxHash: tx.Hash().Hex(), Err: err}
	}
	return tx.Hash().Hex(), nil
}

// GetEscrow reads the contract's escrow record. Used by the consistency
// check to compare on-chain state against the database.
func (c *Client) GetEscrow(ctx context.Context, escrowID *big.Int) (*OnChainEscrow, error) {
	data, err := c.escrowABI.Pack("escrows", escrowID)
	if err != nil {
		return nil, &CallError{Op: "escrows.pack", Err: err}
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.escrowContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, &CallError{Op: "escrows.call", Err: err}
	}

	out, err := c.escrowABI.Unpack("escrows", result)
	if err != nil {
		return nil, &CallError{Op: "escrows.unpack", Err: err}
	}
	if len(out) != 5 {
		return nil, &CallError{Op: "escrows.unpack", Err: fmt.Errorf("expected 5 outputs, got %d", len(out))}
	}

	esc := &OnChainEscrow{
		Payer:    out[0].(common.Address),
		Payee:    out[1].(common.Address),
		Amount:   out[2].(*big.Int),
		Deadline: out[3].(*big.Int),
		Status:   out[4].(uint8),
	}
	return esc, nil
}

// TransferToken sends amount of the custody token from the bridge wallet
// to any address. Used for the bridge-to-settlement legs of payouts.
func (c *Client) TransferToken(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	start := time.Now()
	defer metrics.ObserveExternalCall("custody", "transfer_token", start)

	data, err := c.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return "", &CallError{Op: "transfer.pack", Err: err}
	}

	tx, err := c.send(ctx, c.tokenContract, data)
	if err != nil {
		return "", &CallError{Op: "transfer.send", Err: err}
	}

	if _, err := c.waitMined(ctx, tx.Hash()); err != nil {
		return tx.Hash().Hex(), &CallError{Op: "transfer.confirm", TxHash: tx.Hash().Hex(), Err: err}
	}
	return tx.Hash().Hex(), nil
}

// BalanceOf returns the custody token balance of any address
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.tokenContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

// ensureAllowance makes sure the escrow contract can pull amount from
// the bridge wallet. Some tokens reject approve on a non-zero allowance,
// so an existing allowance is reset to zero first.
func (c *Client) ensureAllowance(ctx context.Context, amount *big.Int) error {
	data, err := c.tokenABI.Pack("allowance", c.address, c.escrowContract)
	if err != nil {
		return &CallError{Op: "allowance.pack", Err: err}
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.tokenContract,
		Data: data,
	}, nil)
	if err != nil {
		return &CallError{Op: "allowance.call", Err: err}
	}

	current := new(big.Int).SetBytes(result)
	if current.Cmp(amount) >= 0 {
		return nil
	}

	if current.Sign() != 0 {
		if err := c.approve(ctx, big.NewInt(0)); err != nil {
			return err
		}
	}
	return c.approve(ctx, amount)
}

func (c *Client) approve(ctx context.Context, amount *big.Int) error {
	data, err := c.tokenABI.Pack("approve", c.escrowContract, amount)
	if err != nil {
		return &CallError{Op: "approve.pack", Err: err}
	}

	tx, err := c.send(ctx, c.tokenContract, data)
	if err != nil {
		return &CallError{Op: "approve.send", Err: err}
	}

	if _, err := c.waitMined(ctx, tx.Hash()); err != nil {
		return &CallError{Op: "approve.confirm", TxHash: tx.Hash().Hex(), Err: err}
	}
	return nil
}

// send signs and submits one transaction to the given contract.
func (c *Client) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return signedTx, nil
}

// waitMined polls for the transaction receipt until mined or timeout.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		// Check immediately, then on each tick.
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status == 0 {
				return nil, ErrTransactionFailed
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// escrowIDFromReceipt extracts the escrow id from the EscrowCreated event.
func (c *Client) escrowIDFromReceipt(receipt *types.Receipt) (*big.Int, error) {
	eventID := c.escrowABI.Events["EscrowCreated"].ID
	for _, log := range receipt.Logs {
		if log.Address != c.escrowContract {
			continue
		}
		if len(log.Topics) < 2 || log.Topics[0] != eventID {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[1].Bytes()), nil
	}
	return nil, ErrNoEscrowEvent
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
