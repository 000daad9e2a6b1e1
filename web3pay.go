// Package web3pay implements crypto payment verification and wallet
// authentication for the platform: fiat orders are quoted in a volatile
// cryptocurrency, on-chain transactions are reconciled against the quoted
// payment, and users authenticate by signing single-use wallet challenges.
package web3pay

import (
	"context"
	"net/http"
	"time"

	"github.com/openmart/web3pay/clients"
	"github.com/openmart/web3pay/config"
	"github.com/openmart/web3pay/ledger"
	"github.com/openmart/web3pay/logger"
	"github.com/openmart/web3pay/metrics"
	"github.com/openmart/web3pay/oracle"
	"github.com/openmart/web3pay/store"
	"github.com/openmart/web3pay/types"
	"github.com/openmart/web3pay/verification"
	"github.com/openmart/web3pay/wallet"
)

// Service is the facade over the payment ledger, the wallet challenge
// service and their shared chain client pool.
type Service struct {
	cfg *config.Config

	pool   *clients.Pool
	oracle *oracle.Oracle
	ledger *ledger.Ledger
	wallet *wallet.Service

	paymentStore store.PaymentStore
	walletStore  store.WalletStore
	sqlite       *store.SQLiteStore

	log        logger.Logger
	rec        metrics.Recorder
	now        func() time.Time
	httpClient *http.Client
	timeout    time.Duration
}

// New constructs the Service from configuration. A bad chain or signer
// configuration fails here, at startup, never per request.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, now: time.Now, timeout: cfg.RequestTimeout}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logger.NewZapLogger(cfg.LogLevel)
	}
	if s.rec == nil {
		s.rec = metrics.NoopRecorder{}
	}

	pool, err := clients.NewPool(clients.PoolConfig{
		Chains:         cfg.Chains,
		DefaultChainID: cfg.DefaultChainID,
		SignerKey:      cfg.SignerKey,
		AllowEphemeral: !cfg.Production(),
		Timeout:        s.timeout,
	}, s.log, s.rec)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	if s.paymentStore == nil || s.walletStore == nil {
		if cfg.DatabasePath != "" {
			sqlite, err := store.NewSQLiteStore(cfg.DatabasePath)
			if err != nil {
				pool.Close()
				return nil, types.Wrap(types.ErrConfigError, err, "failed to open payment database")
			}
			s.sqlite = sqlite
			s.paymentStore = sqlite
			s.walletStore = sqlite
		} else {
			mem := store.NewMemoryStore()
			s.paymentStore = mem
			s.walletStore = mem
		}
	}

	s.oracle = oracle.New(cfg.PriceFeedURL, s.httpClient, s.now, s.log, s.rec)

	verifier := verification.NewVerifier(pool, 3*s.timeout, s.now, s.log, s.rec)
	s.ledger = ledger.New(s.paymentStore, s.oracle, verifier, pool, cfg.DefaultChainID, s.now, s.log, s.rec)

	tokens := wallet.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, 24*time.Hour, s.now)
	s.wallet = wallet.NewService(s.walletStore, pool, tokens, cfg.DefaultChainID, s.now, s.log, s.rec)

	return s, nil
}

// NewWithDefaults constructs the Service from environment configuration,
// suitable for local development.
func NewWithDefaults(opts ...Option) (*Service, error) {
	return New(config.FromEnv(), opts...)
}

// CreatePayment quotes and persists a new pending payment for an order.
func (s *Service) CreatePayment(ctx context.Context, params types.CreatePaymentParams) (*types.PaymentRequest, error) {
	return s.ledger.CreatePayment(ctx, params)
}

// VerifyPayment checks a submitted transaction hash against a payment.
func (s *Service) VerifyPayment(ctx context.Context, paymentID, txHash string) (*types.PaymentOutcome, error) {
	return s.ledger.VerifyPayment(ctx, paymentID, txHash)
}

// GetPaymentStatus returns the payment's current state, refreshing
// confirmations and applying expiry where due.
func (s *Service) GetPaymentStatus(ctx context.Context, paymentID string) (*types.PaymentStatusView, error) {
	return s.ledger.GetStatus(ctx, paymentID)
}

// ListPaymentsForOrder returns every payment attempt for an order.
func (s *Service) ListPaymentsForOrder(ctx context.Context, orderID string) ([]*types.PaymentRequest, error) {
	return s.ledger.ListPaymentsForOrder(ctx, orderID)
}

// SupportedCryptos lists the currencies buyers can pay with.
func (s *Service) SupportedCryptos() []types.CryptoInfo {
	return s.ledger.SupportedCryptos()
}

// EstimateGasCost prices a standard transfer on the chain.
func (s *Service) EstimateGasCost(ctx context.Context, chainID int64) (*types.GasEstimate, error) {
	return s.ledger.EstimateGasCost(ctx, chainID)
}

// RequestNonce issues a wallet authentication challenge.
func (s *Service) RequestNonce(ctx context.Context, walletAddress string) (*types.NonceChallenge, error) {
	return s.wallet.RequestNonce(ctx, walletAddress)
}

// VerifyWallet authenticates a wallet by challenge signature.
func (s *Service) VerifyWallet(ctx context.Context, walletAddress, signature, message string) (*types.WalletSession, error) {
	return s.wallet.VerifyAndAuthenticate(ctx, walletAddress, signature, message)
}

// LinkWallet associates a wallet with a user account.
func (s *Service) LinkWallet(ctx context.Context, walletAddress, userID string, chainID int64) (*types.LinkedWallet, error) {
	return s.wallet.LinkWalletToUser(ctx, walletAddress, userID, chainID)
}

// UnlinkWallet removes a wallet-to-user association.
func (s *Service) UnlinkWallet(ctx context.Context, walletAddress, userID string) error {
	return s.wallet.UnlinkWallet(ctx, walletAddress, userID)
}

// GetWalletBalance reads a wallet's native balance.
func (s *Service) GetWalletBalance(ctx context.Context, walletAddress string, chainID int64) (*types.WalletBalance, error) {
	return s.wallet.GetWalletBalance(ctx, walletAddress, chainID)
}

// UserWallets lists a user's linked wallets.
func (s *Service) UserWallets(ctx context.Context, userID string) ([]*types.LinkedWallet, error) {
	return s.wallet.UserWallets(ctx, userID)
}

// SupportedChains lists the configured chain ids.
func (s *Service) SupportedChains() []int64 {
	return s.pool.SupportedChains()
}

// Close releases chain connections and the database handle.
func (s *Service) Close() {
	s.pool.Close()
	if s.sqlite != nil {
		s.sqlite.Close()
	}
}
