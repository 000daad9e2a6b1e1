// Package verification decides whether an on-chain transaction satisfies a
// payment request. Outcomes that a payer can fix by resubmitting (wrong
// recipient, amount mismatch, transaction not yet visible) are tagged
// results, not errors; only infrastructure failures surface as errors.
package verification

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openmart/web3pay/logger"
	"github.com/openmart/web3pay/metrics"
	"github.com/openmart/web3pay/types"
)

// ChainReader is the subset of the chain client pool the verifier needs.
type ChainReader interface {
	GetTransaction(ctx context.Context, txHash string, chainID int64) (*types.ChainTx, error)
	GetTransactionReceipt(ctx context.Context, txHash string, chainID int64) (*types.TxReceipt, error)
}

// Verifier checks claimed payments against chain state.
type Verifier struct {
	chain   ChainReader
	timeout time.Duration
	now     func() time.Time
	log     logger.Logger
	rec     metrics.Recorder
}

// NewVerifier creates a verifier over the given chain reader.
func NewVerifier(chain ChainReader, timeout time.Duration, now func() time.Time, log logger.Logger, rec metrics.Recorder) *Verifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Verifier{chain: chain, timeout: timeout, now: now, log: log, rec: rec}
}

// Verify checks the transaction against the payment's recipient, amount
// and confirmation requirements. It never mutates the payment; the caller
// applies the resulting transition. Re-invocation on a still-pending,
// already-matching payment just refreshes the confirmation count.
func (v *Verifier) Verify(ctx context.Context, payment *types.PaymentRequest, txHash string) (*types.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if payment.Status == types.StatusConfirmed {
		return v.reject(payment, types.ErrAlreadySettled), nil
	}
	if v.now().After(payment.ExpiresAt) {
		return v.reject(payment, types.ErrPaymentExpired), nil
	}

	receipt, err := v.chain.GetTransactionReceipt(ctx, txHash, payment.ChainID)
	if err != nil {
		return v.rejectOnNotFound(payment, err)
	}

	tx, err := v.chain.GetTransaction(ctx, txHash, payment.ChainID)
	if err != nil {
		return v.rejectOnNotFound(payment, err)
	}

	if !strings.EqualFold(tx.To, payment.RecipientAddress) {
		return v.reject(payment, types.ErrWrongRecipient), nil
	}

	expected, err := decimal.NewFromString(payment.CryptoAmount)
	if err != nil {
		return nil, types.Wrap(types.ErrValidation, err, "payment %s has a corrupt crypto amount", payment.PaymentID)
	}

	tolerance := expected.Mul(types.AmountTolerance)
	if tx.Value.Sub(expected).Abs().GreaterThan(tolerance) {
		result := v.reject(payment, types.ErrAmountMismatch)
		result.Expected = expected.String()
		result.Received = tx.Value.String()
		return result, nil
	}

	// Confirmation counts never move backward, whatever the RPC returns.
	confirmations := receipt.Confirmations
	if payment.Confirmations > confirmations {
		confirmations = payment.Confirmations
	}

	return &types.VerificationResult{
		OK:            true,
		Confirmations: confirmations,
		Required:      payment.RequiredConfirmations,
	}, nil
}

// RefreshConfirmations re-reads the receipt for a payment whose
// transaction already passed the recipient and amount checks. Used by
// status polling.
func (v *Verifier) RefreshConfirmations(ctx context.Context, payment *types.PaymentRequest) (*types.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if payment.Status == types.StatusConfirmed {
		return v.reject(payment, types.ErrAlreadySettled), nil
	}
	if v.now().After(payment.ExpiresAt) {
		return v.reject(payment, types.ErrPaymentExpired), nil
	}

	receipt, err := v.chain.GetTransactionReceipt(ctx, payment.TxHash, payment.ChainID)
	if err != nil {
		return v.rejectOnNotFound(payment, err)
	}

	confirmations := receipt.Confirmations
	if payment.Confirmations > confirmations {
		confirmations = payment.Confirmations
	}

	return &types.VerificationResult{
		OK:            true,
		Confirmations: confirmations,
		Required:      payment.RequiredConfirmations,
	}, nil
}

func (v *Verifier) reject(payment *types.PaymentRequest, reason string) *types.VerificationResult {
	v.rec.IncCounter(metrics.EventVerifyRejected, map[string]string{"chain": types.ChainName(payment.ChainID)})
	return &types.VerificationResult{
		Reason:        reason,
		Confirmations: payment.Confirmations,
		Required:      payment.RequiredConfirmations,
	}
}

// rejectOnNotFound maps a missing transaction to a retryable outcome and
// passes infrastructure failures through.
func (v *Verifier) rejectOnNotFound(payment *types.PaymentRequest, err error) (*types.VerificationResult, error) {
	if types.HasCode(err, types.ErrTransactionNotFound) {
		return v.reject(payment, types.ErrTransactionNotFound), nil
	}
	return nil, err
}
