// Package types defines the entities, request parameters and result shapes
// shared by the web3pay payment and wallet services.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle state of a payment request.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusFailed    PaymentStatus = "failed"
	StatusExpired   PaymentStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// PaymentExpiry is how long a quote stays payable after creation.
const PaymentExpiry = 30 * time.Minute

// AmountTolerance is the permitted relative deviation between the quoted
// and the received amount, accommodating gas and rounding artifacts.
var AmountTolerance = decimal.NewFromFloat(0.01)

// PaymentRequest is a fiat order quoted in a cryptocurrency, awaiting an
// on-chain transaction to the recipient address. CryptoAmount is computed
// once at creation and never recomputed; a stale quote is accepted business
// risk. Records are never deleted, they remain as an audit trail.
type PaymentRequest struct {
	PaymentID             string          `json:"paymentId"`
	OrderID               string          `json:"orderId"`
	FiatAmount            decimal.Decimal `json:"fiatAmount"`
	FiatCurrency          string          `json:"fiatCurrency"`
	CryptoAmount          string          `json:"cryptoAmount"`
	CryptoCurrency        string          `json:"cryptoCurrency"`
	ChainID               int64           `json:"chainId"`
	RecipientAddress      string          `json:"recipientAddress"`
	TxHash                string          `json:"txHash,omitempty"`
	Confirmations         uint64          `json:"confirmations"`
	RequiredConfirmations uint64          `json:"requiredConfirmations"`
	Status                PaymentStatus   `json:"status"`
	ExpiresAt             time.Time       `json:"expiresAt"`
	ConfirmedAt           *time.Time      `json:"confirmedAt,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`

	// Version is bumped on every persisted mutation. Writers must present
	// the version they read; a stale version aborts the write.
	Version int64 `json:"-"`
}

// PaymentURI renders the request as a wallet-scannable payment link.
func (p *PaymentRequest) PaymentURI() string {
	scheme := "ethereum"
	if p.CryptoCurrency == "BTC" {
		scheme = "bitcoin"
	}
	return fmt.Sprintf("%s:%s?value=%s", scheme, p.RecipientAddress, p.CryptoAmount)
}

// Clone returns a deep copy safe to mutate independently.
func (p *PaymentRequest) Clone() *PaymentRequest {
	cp := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// CreatePaymentParams are the caller-supplied inputs for a new payment.
type CreatePaymentParams struct {
	OrderID        string          `json:"orderId" validate:"required"`
	FiatAmount     decimal.Decimal `json:"fiatAmount"`
	FiatCurrency   string          `json:"fiatCurrency" validate:"omitempty,uppercase"`
	CryptoCurrency string          `json:"cryptoCurrency" validate:"omitempty,uppercase"`
	ChainID        int64           `json:"chainId" validate:"omitempty,gt=0"`
}

// WalletChallenge is a single-use authentication challenge keyed by the
// canonical wallet address. Issuing a new challenge for the same address
// supersedes the old one.
type WalletChallenge struct {
	WalletAddress string    `json:"walletAddress"`
	Nonce         string    `json:"nonce"`
	Message       string    `json:"message"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// LinkedWallet records the wallet-to-user linkage. At most one user per
// wallet at a time.
type LinkedWallet struct {
	WalletAddress string    `json:"walletAddress"`
	UserID        string    `json:"userId,omitempty"`
	ChainID       int64     `json:"chainId"`
	IsVerified    bool      `json:"isVerified"`
	LinkedAt      time.Time `json:"linkedAt"`
	LastUsed      time.Time `json:"lastUsed"`
}

// NonceChallenge is returned by RequestNonce: the message is the exact
// string the wallet must sign.
type NonceChallenge struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// WalletSession is the credential issued after a successful wallet
// authentication.
type WalletSession struct {
	Wallet *LinkedWallet `json:"wallet"`
	Token  string        `json:"token"`
}

// WalletBalance is a chain-denominated balance snapshot.
type WalletBalance struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	ChainID   int64  `json:"chainId"`
	ChainName string `json:"chainName"`
}

// VerificationResult is the tagged outcome of checking a transaction
// against a payment. Business failures (wrong recipient, amount mismatch,
// missing transaction) are reported here rather than as errors: they are
// expected, retryable outcomes.
type VerificationResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"` // error code when !OK

	// Amount mismatch detail.
	Expected string `json:"expected,omitempty"`
	Received string `json:"received,omitempty"`

	Confirmations uint64 `json:"confirmations"`
	Required      uint64 `json:"required"`
}

// ConfirmationsMet reports whether the confirmation threshold was reached.
func (r *VerificationResult) ConfirmationsMet() bool {
	return r.OK && r.Confirmations >= r.Required
}

// PaymentOutcome is what VerifyPayment returns to the caller.
type PaymentOutcome struct {
	PaymentID             string        `json:"paymentId"`
	Status                PaymentStatus `json:"status"`
	TxHash                string        `json:"txHash,omitempty"`
	Confirmations         uint64        `json:"confirmations"`
	RequiredConfirmations uint64        `json:"requiredConfirmations"`
	Confirmed             bool          `json:"confirmed"`
	Reason                string        `json:"reason,omitempty"`
	Expected              string        `json:"expected,omitempty"`
	Received              string        `json:"received,omitempty"`
}

// PaymentStatusView is the GetPaymentStatus response: the current record
// plus derived presentation fields. Warning is set when a chain read failed
// and the snapshot may be stale.
type PaymentStatusView struct {
	*PaymentRequest
	ChainName string `json:"chainName"`
	Warning   string `json:"warning,omitempty"`
}

// ChainTx is the subset of an on-chain transaction the verifier needs.
type ChainTx struct {
	Hash  string          `json:"hash"`
	To    string          `json:"to"`    // lower-cased, empty for contract creation
	Value decimal.Decimal `json:"value"` // chain base unit (ether-equivalent)
}

// TxReceipt carries the mined-transaction data the verifier needs.
// Confirmations is derived from the current head at read time.
type TxReceipt struct {
	TxHash        string `json:"txHash"`
	BlockNumber   uint64 `json:"blockNumber"`
	Confirmations uint64 `json:"confirmations"`
}

// CryptoInfo describes a supported payment currency.
type CryptoInfo struct {
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Chains      []int64 `json:"chains"`
	Stable      bool    `json:"stable,omitempty"`
	Recommended bool    `json:"recommended,omitempty"`
}

// GasEstimate prices a standard native transfer on a chain.
type GasEstimate struct {
	ChainID      int64  `json:"chainId"`
	ChainName    string `json:"chainName"`
	GasPriceGwei string `json:"gasPrice"`
	EstimatedGas uint64 `json:"estimatedGas"`
	GasCostEth   string `json:"gasCostEth"`
	GasCostUsd   string `json:"gasCostUsd"`
	NativeToken  string `json:"nativeToken"`
}

// RequiredConfirmationsFor applies the per-currency confirmation rule.
func RequiredConfirmationsFor(cryptoCurrency string) uint64 {
	if cryptoCurrency == "BTC" {
		return 6
	}
	return 3
}
