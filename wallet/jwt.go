package wallet

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the claims carried by a wallet session token.
type SessionClaims struct {
	WalletAddress string `json:"wallet_address"`
	UserID        string `json:"user_id,omitempty"`
	ChainID       int64  `json:"chain_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates wallet session credentials.
type TokenManager struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenManager creates a token manager with an HS256 secret.
func NewTokenManager(secretKey, issuer string, ttl time.Duration, now func() time.Time) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		ttl:       ttl,
		now:       now,
	}
}

// Issue creates a signed session token for an authenticated wallet.
func (tm *TokenManager) Issue(walletAddress, userID string, chainID int64) (string, error) {
	now := tm.now()

	claims := SessionClaims{
		WalletAddress: walletAddress,
		UserID:        userID,
		ChainID:       chainID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

// Validate parses a session token and returns its claims.
func (tm *TokenManager) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
