package metrics

import "time"

// Event names recorded by the services.
const (
	EventPaymentCreated   = "payment_created"
	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentExpired   = "payment_expired"
	EventVerifyRejected   = "verify_rejected"
	EventPriceCacheHit    = "price_cache_hit"
	EventPriceFetched     = "price_fetched"
	EventPriceFallback    = "price_fallback"
	EventNonceIssued      = "nonce_issued"
	EventWalletAuthOK     = "wallet_auth_ok"
	EventWalletAuthFailed = "wallet_auth_failed"

	OpChainRead  = "chain_read"
	OpPriceFetch = "price_fetch"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
