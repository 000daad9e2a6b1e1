package types

import "fmt"

// Chain ids the platform knows by name. Unknown ids are still usable for
// reads, they just render a generic name.
const (
	ChainEthereum      int64 = 1
	ChainPolygon       int64 = 137
	ChainPolygonMumbai int64 = 80001
	ChainBase          int64 = 8453
)

var chainNames = map[int64]string{
	ChainEthereum:      "Ethereum",
	ChainPolygon:       "Polygon",
	ChainPolygonMumbai: "Polygon Mumbai",
	ChainBase:          "Base",
}

// ChainName returns the human-readable name for a chain id.
func ChainName(chainID int64) string {
	if name, ok := chainNames[chainID]; ok {
		return name
	}
	return fmt.Sprintf("Chain %d", chainID)
}

// NativeToken returns the symbol of the chain's native currency.
func NativeToken(chainID int64) string {
	switch chainID {
	case ChainPolygon, ChainPolygonMumbai:
		return "MATIC"
	default:
		return "ETH"
	}
}

// SupportedCryptos is the static catalog of payment currencies offered to
// buyers.
func SupportedCryptos() []CryptoInfo {
	return []CryptoInfo{
		{Symbol: "ETH", Name: "Ethereum", Chains: []int64{ChainEthereum}},
		{Symbol: "MATIC", Name: "Polygon", Chains: []int64{ChainPolygon, ChainPolygonMumbai}, Recommended: true},
		{Symbol: "USDC", Name: "USD Coin", Chains: []int64{ChainEthereum, ChainPolygon, ChainBase}, Stable: true},
		{Symbol: "USDT", Name: "Tether", Chains: []int64{ChainEthereum, ChainPolygon}, Stable: true},
	}
}
