// Package bankrail implements the SPEI ledger client.
//
// The ledger exposes an HMAC-authenticated REST API: every request is
// signed with SHA-256 over nonce+method+path+body and carries an
// `Authorization: Bitso <key>:<nonce>:<signature>` header. Responses are
// wrapped in a {success, payload} envelope. Fund-moving calls carry an
// X-Idempotency-Key header so retries after ambiguous failures cannot move
// money twice.
package bankrail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fianza-mx/escrow-engine/internal/errkind"
	"github.com/fianza-mx/escrow-engine/internal/metrics"
)

// DepositStatusComplete is the ledger status of a settled SPEI deposit.
// Only complete deposits are eligible for matching.
const DepositStatusComplete = "complete"

// Transaction summary statuses returned by GetTransaction. Anything else
// means the transaction is still in flight.
const (
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
)

// Deposit is one inbound SPEI deposit as reported by the ledger.
type Deposit struct {
	FID           string          `json:"fid"`
	DepositID     string          `json:"deposit_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	ReceiverCLABE string          `json:"receiver_clabe"`
	ReceiverName  string          `json:"receiver_name"`
	SenderCLABE   string          `json:"sender_clabe"`
	SenderName    string          `json:"sender_name"`
	CreatedAt     string          `json:"created_at"`
}

// Transaction is a ledger transaction record, used to verify whether an
// ambiguous fund movement actually settled.
type Transaction struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
	Category  string          `json:"category"`
	Status    string          `json:"summary_status"`
	CreatedAt string          `json:"created_at"`
}

// Redemption is the result of a token-to-MXN redemption (SPEI payout).
type Redemption struct {
	ID      string          `json:"id"`
	Amount  decimal.Decimal `json:"amount"`
	Status  string          `json:"summary_status"`
	Created string          `json:"created_at"`
}

// Withdrawal is the result of a token withdrawal to an on-chain wallet.
type Withdrawal struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

// BankAccount is a CLABE registered with the ledger for redemptions.
type BankAccount struct {
	ID                string `json:"id"`
	CLABE             string `json:"clabe"`
	AccountHolderName string `json:"account_holder_name"`
	Currency          string `json:"currency"`
}

// Client talks to the SPEI ledger.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger
	nonce      func() string
}

// New creates a ledger client. Fund-moving calls use a 15 second timeout;
// an ambiguous timeout is resolved later by GetTransaction, never by a
// blind retry.
func New(baseURL, apiKey, apiSecret string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With("component", "bankrail"),
		nonce: func() string {
			return strconv.FormatInt(time.Now().UnixMilli(), 10)
		},
	}
}

// ListDeposits returns all SPEI deposits visible on the ledger, settled or
// not. Callers filter by DepositStatusComplete.
func (c *Client) ListDeposits(ctx context.Context) ([]Deposit, error) {
	const op = "bankrail.ListDeposits"

	var payload struct {
		Response []Deposit `json:"response"`
	}
	if err := c.do(ctx, http.MethodGet, "/spei/v1/deposits", nil, "", &payload); err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, err)
	}
	return payload.Response, nil
}

// Redeem converts amount of the custody asset to MXN and pays it out over
// SPEI to a registered bank account. idempotencyKey must be stable across
// retries of the same logical payout leg.
func (c *Client) Redeem(ctx context.Context, amount decimal.Decimal, bankAccountID, idempotencyKey string) (*Redemption, error) {
	const op = "bankrail.Redeem"

	// The ledger requires amount as a bare JSON number.
	body := map[string]any{
		"amount":                      json.Number(amount.String()),
		"destination_bank_account_id": bankAccountID,
		"asset":                       "mxn",
	}
	var out Redemption
	if err := c.do(ctx, http.MethodPost, "/mint_platform/v1/redemptions", body, idempotencyKey, &out); err != nil {
		return nil, wrapCallErr(op, err)
	}
	return &out, nil
}

// Withdraw moves amount of the custody asset from the platform's ledger
// balance to an on-chain wallet address.
func (c *Client) Withdraw(ctx context.Context, amount decimal.Decimal, address, idempotencyKey string) (*Withdrawal, error) {
	const op = "bankrail.Withdraw"

	body := map[string]any{
		"amount":     json.Number(amount.String()),
		"asset":      "MXNB",
		"blockchain": "ARBITRUM",
		"address":    address,
	}
	var out Withdrawal
	if err := c.do(ctx, http.MethodPost, "/mint_platform/v1/withdrawals", body, idempotencyKey, &out); err != nil {
		return nil, wrapCallErr(op, err)
	}
	return &out, nil
}

// RegisterBankAccount registers a CLABE with the ledger so redemptions can
// target it. Returns the ledger-assigned account id.
func (c *Client) RegisterBankAccount(ctx context.Context, clabe, holderName string) (*BankAccount, error) {
	const op = "bankrail.RegisterBankAccount"

	body := map[string]any{
		"clabe":               clabe,
		"account_holder_name": holderName,
		"currency":            "MXN",
		"ownership":           "INDIVIDUAL_OWNED",
	}
	var out BankAccount
	if err := c.do(ctx, http.MethodPost, "/mint_platform/v1/accounts/banks", body, newIdempotencyKey(), &out); err != nil {
		return nil, wrapCallErr(op, err)
	}
	return &out, nil
}

// BankAccounts returns the CLABEs registered for redemptions.
func (c *Client) BankAccounts(ctx context.Context) ([]BankAccount, error) {
	const op = "bankrail.BankAccounts"

	var out []BankAccount
	if err := c.do(ctx, http.MethodGet, "/mint_platform/v1/accounts/banks", nil, "", &out); err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, err)
	}
	return out, nil
}

// GetTransaction looks up a single ledger transaction. Used to verify
// whether a fund movement that returned an ambiguous error actually
// settled before classifying it as failed.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	const op = "bankrail.GetTransaction"

	var out Transaction
	if err := c.do(ctx, http.MethodGet, "/mint_platform/v1/transactions/"+id, nil, "", &out); err != nil {
		return nil, errkind.Wrap(errkind.Transient, op, err)
	}
	return &out, nil
}

// apiError is a non-2xx or success=false response from the ledger.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ledger returned status %d: %s", e.StatusCode, e.Body)
}

// wrapCallErr classifies a fund-moving call error. Client errors (4xx) are
// validation failures that must not be retried; everything else is
// transient and subject to verify-then-decide.
func wrapCallErr(op string, err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return errkind.Wrap(errkind.Validation, op, err)
	}
	return errkind.Wrap(errkind.Transient, op, err)
}

// newIdempotencyKey generates a fresh key for calls that are not retried
// as part of a payout leg.
func newIdempotencyKey() string {
	return uuid.NewString()
}

// do signs and executes one request, unwrapping the {success, payload}
// envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	start := time.Now()
	defer metrics.ObserveExternalCall("bankrail", method+" "+path, start)

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	nonce := c.nonce()
	sig := c.sign(nonce, method, path, string(raw))

	var reqBody io.Reader
	if raw != nil {
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bitso %s:%s:%s", c.apiKey, nonce, sig))
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var envelope struct {
		Success bool            `json:"success"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !envelope.Success {
		return &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, out); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	return nil
}

// sign computes the request signature over nonce+method+path+body.
func (c *Client) sign(nonce, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(nonce + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}
