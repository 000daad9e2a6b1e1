// Package ledger owns the payment-request state machine: quotes are
// created against the price oracle, advanced by the transaction verifier,
// and expired by the clock. All transitions are one-way; confirmed,
// failed and expired are terminal.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openmart/web3pay/logger"
	"github.com/openmart/web3pay/metrics"
	"github.com/openmart/web3pay/store"
	"github.com/openmart/web3pay/types"
)

// maxWriteAttempts bounds the optimistic-concurrency retry loop. A writer
// that keeps losing the race re-reads and serves the winner's state.
const maxWriteAttempts = 3

// standardTransferGas is the gas used by a plain native transfer.
const standardTransferGas = 21000

// PriceQuoter is the slice of the oracle the ledger needs.
type PriceQuoter interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	CalculateCryptoAmount(ctx context.Context, fiatAmount decimal.Decimal, symbol string) (string, error)
}

// PaymentVerifier checks transactions against payments.
type PaymentVerifier interface {
	Verify(ctx context.Context, payment *types.PaymentRequest, txHash string) (*types.VerificationResult, error)
	RefreshConfirmations(ctx context.Context, payment *types.PaymentRequest) (*types.VerificationResult, error)
}

// ChainAccess is the slice of the chain client pool the ledger needs.
type ChainAccess interface {
	RecipientAddress(chainID int64) (string, error)
	GetGasPrice(ctx context.Context, chainID int64) (string, error)
}

// Ledger coordinates payment creation, verification and status checks.
type Ledger struct {
	store          store.PaymentStore
	quoter         PriceQuoter
	verifier       PaymentVerifier
	chain          ChainAccess
	defaultChainID int64
	now            func() time.Time
	log            logger.Logger
	rec            metrics.Recorder
}

// New wires a Ledger from its collaborators.
func New(ps store.PaymentStore, quoter PriceQuoter, verifier PaymentVerifier, chain ChainAccess, defaultChainID int64, now func() time.Time, log logger.Logger, rec metrics.Recorder) *Ledger {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Ledger{
		store:          ps,
		quoter:         quoter,
		verifier:       verifier,
		chain:          chain,
		defaultChainID: defaultChainID,
		now:            now,
		log:            log,
		rec:            rec,
	}
}

// CreatePayment quotes the fiat amount in the requested cryptocurrency and
// persists a pending payment. The quote is computed once; later price
// drift is accepted business risk.
func (l *Ledger) CreatePayment(ctx context.Context, params types.CreatePaymentParams) (*types.PaymentRequest, error) {
	if params.FiatCurrency == "" {
		params.FiatCurrency = "USD"
	}
	if params.CryptoCurrency == "" {
		params.CryptoCurrency = "MATIC"
	}
	if params.ChainID == 0 {
		params.ChainID = l.defaultChainID
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	recipient, err := l.chain.RecipientAddress(params.ChainID)
	if err != nil {
		return nil, err
	}

	cryptoAmount, err := l.quoter.CalculateCryptoAmount(ctx, params.FiatAmount, params.CryptoCurrency)
	if err != nil {
		return nil, err
	}

	now := l.now()
	payment := &types.PaymentRequest{
		PaymentID:             uuid.NewString(),
		OrderID:               params.OrderID,
		FiatAmount:            params.FiatAmount,
		FiatCurrency:          params.FiatCurrency,
		CryptoAmount:          cryptoAmount,
		CryptoCurrency:        params.CryptoCurrency,
		ChainID:               params.ChainID,
		RecipientAddress:      strings.ToLower(recipient),
		RequiredConfirmations: types.RequiredConfirmationsFor(params.CryptoCurrency),
		Status:                types.StatusPending,
		ExpiresAt:             now.Add(types.PaymentExpiry),
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := l.store.CreatePayment(ctx, payment); err != nil {
		return nil, types.Wrap(types.ErrValidation, err, "failed to persist payment")
	}

	l.rec.IncCounter(metrics.EventPaymentCreated, map[string]string{"chain": types.ChainName(payment.ChainID)})
	l.log.Info("payment created", map[string]any{
		"payment": payment.PaymentID,
		"order":   payment.OrderID,
		"amount":  payment.CryptoAmount,
		"crypto":  payment.CryptoCurrency,
	})

	return payment, nil
}

// VerifyPayment checks the submitted transaction and advances the payment.
// Verification failures are returned in the outcome and leave the payment
// pending and retryable. Concurrent verifications are serialized by the
// store's version check: a losing writer re-reads and either retries or,
// when the winner already reached a terminal state, serves that state.
func (l *Ledger) VerifyPayment(ctx context.Context, paymentID, txHash string) (*types.PaymentOutcome, error) {
	txHash = strings.ToLower(txHash)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		payment, err := l.getPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}

		result, err := l.verifier.Verify(ctx, payment, txHash)
		if err != nil {
			return nil, err
		}

		outcome, _, err := l.apply(ctx, payment, result, txHash)
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		l.log.Info("payment verified", map[string]any{
			"payment":       paymentID,
			"status":        outcome.Status,
			"confirmations": outcome.Confirmations,
			"reason":        outcome.Reason,
		})
		return outcome, nil
	}

	// Lost the write race repeatedly; serve whatever the winner left.
	payment, err := l.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return outcomeFrom(payment, ""), nil
}

// apply folds a verification result into the payment record, persisting
// any transition. The bool reports whether a write happened.
func (l *Ledger) apply(ctx context.Context, payment *types.PaymentRequest, result *types.VerificationResult, txHash string) (*types.PaymentOutcome, bool, error) {
	if result.OK {
		payment.TxHash = txHash
		payment.Confirmations = result.Confirmations
		if result.ConfirmationsMet() && payment.Status == types.StatusPending {
			payment.Status = types.StatusConfirmed
			t := l.now()
			payment.ConfirmedAt = &t
			l.rec.IncCounter(metrics.EventPaymentConfirmed, map[string]string{"chain": types.ChainName(payment.ChainID)})
		}
		payment.UpdatedAt = l.now()
		if err := l.store.UpdatePayment(ctx, payment); err != nil {
			return nil, false, err
		}
		return outcomeFrom(payment, ""), true, nil
	}

	switch result.Reason {
	case types.ErrPaymentExpired:
		if payment.Status == types.StatusPending {
			payment.Status = types.StatusExpired
			payment.UpdatedAt = l.now()
			if err := l.store.UpdatePayment(ctx, payment); err != nil {
				return nil, false, err
			}
			l.rec.IncCounter(metrics.EventPaymentExpired, map[string]string{"chain": types.ChainName(payment.ChainID)})
		}
		return outcomeFrom(payment, types.ErrPaymentExpired), true, nil

	case types.ErrAlreadySettled:
		return outcomeFrom(payment, types.ErrAlreadySettled), false, nil

	default:
		// Wrong recipient, amount mismatch, transaction not found: the
		// payment stays pending so a corrected hash can be resubmitted.
		outcome := outcomeFrom(payment, result.Reason)
		outcome.Expected = result.Expected
		outcome.Received = result.Received
		return outcome, false, nil
	}
}

// GetStatus returns the current record, opportunistically refreshing the
// confirmation count when a transaction is pending and expiring quotes
// whose window has passed. A chain failure during the refresh never fails
// the read: the last known state is returned with a warning attached.
func (l *Ledger) GetStatus(ctx context.Context, paymentID string) (*types.PaymentStatusView, error) {
	payment, err := l.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	view := &types.PaymentStatusView{
		PaymentRequest: payment,
		ChainName:      types.ChainName(payment.ChainID),
	}

	if payment.Status != types.StatusPending {
		return view, nil
	}

	if payment.TxHash != "" {
		result, err := l.verifier.RefreshConfirmations(ctx, payment)
		if err != nil {
			view.Warning = "chain unavailable, confirmation count may be stale"
			l.log.Warn("status refresh failed", map[string]any{"payment": paymentID, "error": err.Error()})
			return view, nil
		}
		if _, _, err := l.apply(ctx, payment, result, payment.TxHash); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				// A concurrent writer advanced the record; serve its state.
				if fresh, err := l.getPayment(ctx, paymentID); err == nil {
					view.PaymentRequest = fresh
				}
				return view, nil
			}
			return nil, err
		}
		return view, nil
	}

	if l.now().After(payment.ExpiresAt) {
		payment.Status = types.StatusExpired
		payment.UpdatedAt = l.now()
		if err := l.store.UpdatePayment(ctx, payment); err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		l.rec.IncCounter(metrics.EventPaymentExpired, map[string]string{"chain": types.ChainName(payment.ChainID)})
	}

	return view, nil
}

// ListPaymentsForOrder returns every payment attempt made for an order.
func (l *Ledger) ListPaymentsForOrder(ctx context.Context, orderID string) ([]*types.PaymentRequest, error) {
	return l.store.ListPaymentsByOrder(ctx, orderID)
}

// EstimateGasCost prices a standard native transfer on the chain, in both
// the native token and USD.
func (l *Ledger) EstimateGasCost(ctx context.Context, chainID int64) (*types.GasEstimate, error) {
	if chainID == 0 {
		chainID = l.defaultChainID
	}

	gasPriceGwei, err := l.chain.GetGasPrice(ctx, chainID)
	if err != nil {
		return nil, err
	}
	gwei, err := decimal.NewFromString(gasPriceGwei)
	if err != nil {
		return nil, types.Wrap(types.ErrChainUnavailable, err, "malformed gas price %q", gasPriceGwei)
	}

	costEth := gwei.Mul(decimal.NewFromInt(standardTransferGas)).Shift(-9)

	nativeToken := types.NativeToken(chainID)
	price, err := l.quoter.GetPrice(ctx, nativeToken)
	if err != nil {
		return nil, err
	}

	return &types.GasEstimate{
		ChainID:      chainID,
		ChainName:    types.ChainName(chainID),
		GasPriceGwei: gasPriceGwei,
		EstimatedGas: standardTransferGas,
		GasCostEth:   costEth.StringFixed(6),
		GasCostUsd:   costEth.Mul(price).StringFixed(2),
		NativeToken:  nativeToken,
	}, nil
}

// SupportedCryptos lists the currencies buyers can pay with.
func (l *Ledger) SupportedCryptos() []types.CryptoInfo {
	return types.SupportedCryptos()
}

func (l *Ledger) getPayment(ctx context.Context, paymentID string) (*types.PaymentRequest, error) {
	payment, err := l.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.E(types.ErrPaymentNotFound, "payment %s not found", paymentID)
		}
		return nil, err
	}
	return payment, nil
}

func outcomeFrom(p *types.PaymentRequest, reason string) *types.PaymentOutcome {
	return &types.PaymentOutcome{
		PaymentID:             p.PaymentID,
		Status:                p.Status,
		TxHash:                p.TxHash,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: p.RequiredConfirmations,
		Confirmed:             p.Status == types.StatusConfirmed,
		Reason:                reason,
	}
}
