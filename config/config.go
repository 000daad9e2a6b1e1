// Package config loads web3pay configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/openmart/web3pay/types"
)

// Config holds everything needed to construct a web3pay Service.
type Config struct {
	// Environment is "production", "staging" or "development". Ephemeral
	// recipient wallets are only permitted outside production.
	Environment string

	// Chains maps chain id to its JSON-RPC endpoint.
	Chains map[int64]string

	// DefaultChainID is the platform's primary chain, used when a read
	// operation does not name one.
	DefaultChainID int64

	// SignerKey is the hex-encoded private key of the platform's receiving
	// wallet, shared across chains. Optional outside production.
	SignerKey string

	// PriceFeedURL is the base URL of the fiat price feed.
	PriceFeedURL string

	JWTSecret string
	JWTIssuer string

	// DatabasePath is the SQLite file backing the payment and wallet
	// stores. Empty selects the in-memory stores.
	DatabasePath string

	LogLevel string

	// RequestTimeout bounds each outbound chain RPC or feed call.
	RequestTimeout time.Duration
}

// Production reports whether the config is for a production deployment.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// Validate checks that the config can support the default chain.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return types.E(types.ErrConfigError, "no chains configured")
	}
	if _, ok := c.Chains[c.DefaultChainID]; !ok {
		return types.E(types.ErrConfigError, "default chain %d has no RPC endpoint", c.DefaultChainID)
	}
	if c.Production() && c.SignerKey == "" {
		return types.E(types.ErrConfigError, "production requires a configured signer key")
	}
	return nil
}

// FromEnv builds a Config from environment variables, loading .env first if
// present. Unset values fall back to the public endpoints used in
// development.
func FromEnv() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getenv("WEB3PAY_ENV", "development"),
		Chains: map[int64]string{
			types.ChainEthereum:      getenv("ETH_RPC", "https://eth.llamarpc.com"),
			types.ChainPolygon:       getenv("POLYGON_RPC", "https://polygon-rpc.com"),
			types.ChainPolygonMumbai: getenv("POLYGON_MUMBAI_RPC", "https://rpc-mumbai.maticvigil.com"),
			types.ChainBase:          getenv("BASE_RPC", "https://mainnet.base.org"),
		},
		DefaultChainID: types.ChainPolygon,
		SignerKey:      os.Getenv("WEB3_PRIVATE_KEY"),
		PriceFeedURL:   getenv("PRICE_FEED_URL", "https://api.coingecko.com/api/v3"),
		JWTSecret:      getenv("JWT_SECRET", "web3pay-dev-secret"),
		JWTIssuer:      getenv("JWT_ISSUER", "web3pay"),
		DatabasePath:   os.Getenv("WEB3PAY_DB"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		RequestTimeout: 5 * time.Second,
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
