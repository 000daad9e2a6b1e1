package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openmart/web3pay/store"
	"github.com/openmart/web3pay/types"
)

const (
	recipient = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testHash  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeQuoter struct {
	price  decimal.Decimal
	amount string
	err    error
}

func (f *fakeQuoter) GetPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.price, f.err
}

func (f *fakeQuoter) CalculateCryptoAmount(_ context.Context, _ decimal.Decimal, _ string) (string, error) {
	return f.amount, f.err
}

// fakeVerifier serves queued results, repeating the last one.
type fakeVerifier struct {
	results []*types.VerificationResult
	err     error
	calls   int
}

func (f *fakeVerifier) next() *types.VerificationResult {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i]
}

func (f *fakeVerifier) Verify(_ context.Context, _ *types.PaymentRequest, _ string) (*types.VerificationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.next(), nil
}

func (f *fakeVerifier) RefreshConfirmations(_ context.Context, _ *types.PaymentRequest) (*types.VerificationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.next(), nil
}

type fakeChain struct {
	gasPrice string
	err      error
}

func (f *fakeChain) RecipientAddress(_ int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return recipient, nil
}

func (f *fakeChain) GetGasPrice(_ context.Context, _ int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.gasPrice, nil
}

func ok(confirmations, required uint64) *types.VerificationResult {
	return &types.VerificationResult{OK: true, Confirmations: confirmations, Required: required}
}

func rejected(reason string) *types.VerificationResult {
	return &types.VerificationResult{Reason: reason}
}

func newTestLedger(t *testing.T, verifier PaymentVerifier, clock *fakeClock) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	quoter := &fakeQuoter{price: decimal.NewFromFloat(0.8), amount: "125.00000000"}
	l := New(st, quoter, verifier, &fakeChain{gasPrice: "30"}, types.ChainPolygon, clock.Now, nil, nil)
	return l, st
}

func createPayment(t *testing.T, l *Ledger) *types.PaymentRequest {
	t.Helper()
	p, err := l.CreatePayment(context.Background(), types.CreatePaymentParams{
		OrderID:    "order-1",
		FiatAmount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	return p
}

func TestCreatePaymentDefaults(t *testing.T) {
	clock := newFakeClock()
	l, _ := newTestLedger(t, &fakeVerifier{}, clock)

	p := createPayment(t, l)

	require.NotEmpty(t, p.PaymentID)
	require.Equal(t, "USD", p.FiatCurrency)
	require.Equal(t, "MATIC", p.CryptoCurrency)
	require.Equal(t, int64(types.ChainPolygon), p.ChainID)
	require.Equal(t, "125.00000000", p.CryptoAmount)
	require.Equal(t, recipient, p.RecipientAddress)
	require.Equal(t, uint64(3), p.RequiredConfirmations)
	require.Equal(t, types.StatusPending, p.Status)
	require.Equal(t, clock.Now().Add(types.PaymentExpiry), p.ExpiresAt)
}

func TestCreatePaymentBitcoinConfirmations(t *testing.T) {
	l, _ := newTestLedger(t, &fakeVerifier{}, newFakeClock())

	p, err := l.CreatePayment(context.Background(), types.CreatePaymentParams{
		OrderID:        "order-btc",
		FiatAmount:     decimal.NewFromInt(50),
		CryptoCurrency: "BTC",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(6), p.RequiredConfirmations)
}

func TestCreatePaymentRejectsBadParams(t *testing.T) {
	l, _ := newTestLedger(t, &fakeVerifier{}, newFakeClock())

	_, err := l.CreatePayment(context.Background(), types.CreatePaymentParams{
		FiatAmount: decimal.NewFromInt(100),
	})
	require.Error(t, err, "missing order id")

	_, err = l.CreatePayment(context.Background(), types.CreatePaymentParams{
		OrderID:    "order-1",
		FiatAmount: decimal.Zero,
	})
	require.Error(t, err, "non-positive fiat amount")
}

func TestVerifyPaymentConfirms(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(3, 3)}}
	l, _ := newTestLedger(t, verifier, newFakeClock())
	p := createPayment(t, l)

	outcome, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.True(t, outcome.Confirmed)
	require.Equal(t, types.StatusConfirmed, outcome.Status)
	require.Equal(t, testHash, outcome.TxHash)

	stored, err := l.getPayment(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.StatusConfirmed, stored.Status)
	require.NotNil(t, stored.ConfirmedAt)
}

func TestVerifyPaymentBelowThresholdStaysPending(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(2, 3)}}
	l, _ := newTestLedger(t, verifier, newFakeClock())
	p := createPayment(t, l)

	outcome, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.False(t, outcome.Confirmed)
	require.Equal(t, types.StatusPending, outcome.Status)
	require.Equal(t, uint64(2), outcome.Confirmations)

	// The transaction hash is recorded so status polling can track it.
	stored, err := l.getPayment(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, testHash, stored.TxHash)
}

func TestVerifyPaymentThirdConfirmationSettles(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(2, 3), ok(3, 3)}}
	clock := newFakeClock()
	l, _ := newTestLedger(t, verifier, clock)
	p := createPayment(t, l)

	outcome, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.False(t, outcome.Confirmed)

	outcome, err = l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.True(t, outcome.Confirmed)

	stored, err := l.getPayment(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, stored.ConfirmedAt)
	confirmedAt := *stored.ConfirmedAt

	// Re-verification of a settled payment reports the state without
	// touching the record.
	verifier.results = []*types.VerificationResult{rejected(types.ErrAlreadySettled)}
	verifier.calls = 0

	outcome, err = l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.True(t, outcome.Confirmed)
	require.Equal(t, types.ErrAlreadySettled, outcome.Reason)

	stored, err = l.getPayment(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, confirmedAt, *stored.ConfirmedAt)
}

func TestVerifyPaymentMismatchIsRetryable(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{
		{Reason: types.ErrAmountMismatch, Expected: "125", Received: "120"},
		ok(3, 3),
	}}
	l, _ := newTestLedger(t, verifier, newFakeClock())
	p := createPayment(t, l)

	outcome, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, outcome.Status)
	require.Equal(t, types.ErrAmountMismatch, outcome.Reason)
	require.Equal(t, "125", outcome.Expected)
	require.Equal(t, "120", outcome.Received)

	// A corrected transaction succeeds on the same payment.
	outcome, err = l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.True(t, outcome.Confirmed)
}

func TestVerifyPaymentExpires(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{rejected(types.ErrPaymentExpired)}}
	l, _ := newTestLedger(t, verifier, newFakeClock())
	p := createPayment(t, l)

	outcome, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, outcome.Status)
	require.Equal(t, types.ErrPaymentExpired, outcome.Reason)

	stored, err := l.getPayment(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, stored.Status)
}

func TestVerifyPaymentUnknownID(t *testing.T) {
	l, _ := newTestLedger(t, &fakeVerifier{}, newFakeClock())

	_, err := l.VerifyPayment(context.Background(), "missing", testHash)
	require.Error(t, err)
	require.True(t, types.HasCode(err, types.ErrPaymentNotFound))
}

// contendedStore simulates a concurrent writer that wins the race a fixed
// number of times before yielding.
type contendedStore struct {
	*store.MemoryStore
	conflicts int
	winner    func(p *types.PaymentRequest)
}

func (c *contendedStore) UpdatePayment(ctx context.Context, p *types.PaymentRequest) error {
	if c.conflicts > 0 {
		c.conflicts--
		fresh, err := c.MemoryStore.GetPayment(ctx, p.PaymentID)
		if err != nil {
			return err
		}
		if c.winner != nil {
			c.winner(fresh)
		}
		fresh.UpdatedAt = fresh.UpdatedAt.Add(time.Second)
		if err := c.MemoryStore.UpdatePayment(ctx, fresh); err != nil {
			return err
		}
		return store.ErrVersionConflict
	}
	return c.MemoryStore.UpdatePayment(ctx, p)
}

func TestVerifyPaymentRetriesOnVersionConflict(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(3, 3)}}
	st := &contendedStore{MemoryStore: store.NewMemoryStore(), conflicts: 1}
	quoter := &fakeQuoter{amount: "125.00000000"}
	l := New(st, quoter, verifier, &fakeChain{gasPrice: "30"}, types.ChainPolygon, newFakeClock().Now, nil, nil)
	p := createPayment(t, l)

	outcome, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.True(t, outcome.Confirmed)
	require.Equal(t, 2, verifier.calls, "losing writer must re-read and re-verify")
}

func TestVerifyPaymentServesWinnerAfterExhaustion(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(3, 3)}}
	st := &contendedStore{
		MemoryStore: store.NewMemoryStore(),
		conflicts:   maxWriteAttempts,
		winner: func(p *types.PaymentRequest) {
			p.Status = types.StatusConfirmed
			p.TxHash = testHash
			p.Confirmations = 3
		},
	}
	quoter := &fakeQuoter{amount: "125.00000000"}
	l := New(st, quoter, verifier, &fakeChain{gasPrice: "30"}, types.ChainPolygon, newFakeClock().Now, nil, nil)
	p := createPayment(t, l)

	outcome, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)
	require.Equal(t, types.StatusConfirmed, outcome.Status, "exhausted writer serves the winner's state")
}

func TestGetStatusRefreshesConfirmations(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(2, 3), ok(3, 3)}}
	l, _ := newTestLedger(t, verifier, newFakeClock())
	p := createPayment(t, l)

	_, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)

	view, err := l.GetStatus(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.StatusConfirmed, view.Status)
	require.Equal(t, "Polygon", view.ChainName)
	require.Empty(t, view.Warning)
}

func TestGetStatusChainFailureReturnsStaleSnapshot(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(2, 3)}}
	l, _ := newTestLedger(t, verifier, newFakeClock())
	p := createPayment(t, l)

	_, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)

	verifier.err = types.E(types.ErrChainUnavailable, "rpc down")

	view, err := l.GetStatus(context.Background(), p.PaymentID)
	require.NoError(t, err, "a chain outage must not fail the read")
	require.Equal(t, types.StatusPending, view.Status)
	require.Equal(t, uint64(2), view.Confirmations)
	require.NotEmpty(t, view.Warning)
}

func TestGetStatusExpiresStaleQuote(t *testing.T) {
	clock := newFakeClock()
	l, _ := newTestLedger(t, &fakeVerifier{}, clock)
	p := createPayment(t, l)

	clock.Advance(types.PaymentExpiry + time.Minute)

	view, err := l.GetStatus(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, view.Status)

	stored, err := l.getPayment(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, stored.Status)
}

func TestGetStatusTerminalStateIsStable(t *testing.T) {
	verifier := &fakeVerifier{results: []*types.VerificationResult{ok(3, 3)}}
	clock := newFakeClock()
	l, _ := newTestLedger(t, verifier, clock)
	p := createPayment(t, l)

	_, err := l.VerifyPayment(context.Background(), p.PaymentID, testHash)
	require.NoError(t, err)

	// Expiry never demotes a confirmed payment.
	clock.Advance(2 * types.PaymentExpiry)

	view, err := l.GetStatus(context.Background(), p.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.StatusConfirmed, view.Status)
	require.Equal(t, 1, verifier.calls, "terminal payments skip the chain entirely")
}

func TestListPaymentsForOrder(t *testing.T) {
	clock := newFakeClock()
	l, _ := newTestLedger(t, &fakeVerifier{}, clock)

	first := createPayment(t, l)
	clock.Advance(time.Minute)
	second := createPayment(t, l)

	payments, err := l.ListPaymentsForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.Equal(t, second.PaymentID, payments[0].PaymentID)
	require.Equal(t, first.PaymentID, payments[1].PaymentID)
}

func TestEstimateGasCost(t *testing.T) {
	quoter := &fakeQuoter{price: decimal.NewFromFloat(0.8), amount: "125.00000000"}
	st := store.NewMemoryStore()
	l := New(st, quoter, &fakeVerifier{}, &fakeChain{gasPrice: "30"}, types.ChainPolygon, newFakeClock().Now, nil, nil)

	est, err := l.EstimateGasCost(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(types.ChainPolygon), est.ChainID)
	require.Equal(t, "MATIC", est.NativeToken)
	require.Equal(t, uint64(21000), est.EstimatedGas)
	// 30 gwei * 21000 gas = 0.00063 native units, at $0.80 each.
	require.Equal(t, "0.000630", est.GasCostEth)
	require.Equal(t, "0.00", est.GasCostUsd)
}

func TestSupportedCryptos(t *testing.T) {
	l, _ := newTestLedger(t, &fakeVerifier{}, newFakeClock())

	cryptos := l.SupportedCryptos()
	require.NotEmpty(t, cryptos)

	symbols := make(map[string]bool, len(cryptos))
	for _, c := range cryptos {
		symbols[c.Symbol] = true
	}
	require.True(t, symbols["MATIC"])
	require.True(t, symbols["ETH"])
}
