package web3pay

import (
	"net/http"
	"time"

	"github.com/openmart/web3pay/logger"
	"github.com/openmart/web3pay/metrics"
	"github.com/openmart/web3pay/store"
)

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Service) {
		s.rec = r
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTimeout overrides the per-call timeout for chain RPC reads.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithHTTPClient overrides the price feed HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.httpClient = c
	}
}

// WithStores overrides the persistence backends.
func WithStores(ps store.PaymentStore, ws store.WalletStore) Option {
	return func(s *Service) {
		s.paymentStore = ps
		s.walletStore = ws
	}
}
