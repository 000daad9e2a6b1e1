// Package wallet authenticates users by wallet signature. A challenge
// nonce is issued per address, the wallet signs the challenge message, and
// the recovered signer is checked against the claimed address.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmart/web3pay/logger"
	"github.com/openmart/web3pay/metrics"
	"github.com/openmart/web3pay/store"
	"github.com/openmart/web3pay/types"
)

// authMessageTemplate is the exact text wallets sign. The address, nonce
// and issuance timestamp are embedded so the signature binds to all three.
const authMessageTemplate = "Welcome to OpenMart!\n\nSign this message to authenticate your wallet.\n\nWallet: %s\nNonce: %s\nTimestamp: %s"

// ChainVerifier is the slice of the chain client pool the wallet service
// needs.
type ChainVerifier interface {
	VerifySignature(message, signature string) (string, error)
	IsValidAddress(address string) bool
	GetBalance(ctx context.Context, address string, chainID int64) (string, error)
}

// Service issues wallet challenges, verifies signatures and manages the
// wallet-to-user linkage.
type Service struct {
	store          store.WalletStore
	chain          ChainVerifier
	tokens         *TokenManager
	defaultChainID int64
	now            func() time.Time
	log            logger.Logger
	rec            metrics.Recorder
}

// NewService wires a wallet Service from its collaborators.
func NewService(ws store.WalletStore, chain ChainVerifier, tokens *TokenManager, defaultChainID int64, now func() time.Time, log logger.Logger, rec metrics.Recorder) *Service {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Service{
		store:          ws,
		chain:          chain,
		tokens:         tokens,
		defaultChainID: defaultChainID,
		now:            now,
		log:            log,
		rec:            rec,
	}
}

// RequestNonce issues a fresh challenge for the address, superseding any
// outstanding one.
func (s *Service) RequestNonce(ctx context.Context, walletAddress string) (*types.NonceChallenge, error) {
	address := strings.ToLower(walletAddress)
	if !s.chain.IsValidAddress(address) {
		return nil, types.E(types.ErrInvalidAddress, "invalid wallet address %q", walletAddress)
	}

	nonce := uuid.NewString()
	issuedAt := s.now()
	message := fmt.Sprintf(authMessageTemplate, address, nonce, issuedAt.UTC().Format(time.RFC3339))

	challenge := &types.WalletChallenge{
		WalletAddress: address,
		Nonce:         nonce,
		Message:       message,
		IssuedAt:      issuedAt,
	}
	if err := s.store.UpsertChallenge(ctx, challenge); err != nil {
		return nil, err
	}

	s.rec.IncCounter(metrics.EventNonceIssued, nil)
	return &types.NonceChallenge{Nonce: nonce, Message: message}, nil
}

// VerifyAndAuthenticate recovers the signer of the presented message and,
// when it matches the claimed address and the stored challenge, marks the
// wallet verified and issues a session token.
//
// The challenge stays live until a new nonce is requested for the address;
// it is not consumed by a successful verification.
func (s *Service) VerifyAndAuthenticate(ctx context.Context, walletAddress, signature, message string) (*types.WalletSession, error) {
	address := strings.ToLower(walletAddress)

	recovered, err := s.chain.VerifySignature(message, signature)
	if err != nil {
		s.rec.IncCounter(metrics.EventWalletAuthFailed, nil)
		return nil, err
	}
	if recovered != address {
		s.rec.IncCounter(metrics.EventWalletAuthFailed, nil)
		return nil, types.E(types.ErrSignatureMismatch, "signature was made by %s, not %s", recovered, address)
	}

	challenge, err := s.store.GetChallenge(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.rec.IncCounter(metrics.EventWalletAuthFailed, nil)
			return nil, types.E(types.ErrChallengeNotFound, "no challenge issued for %s, request a nonce first", address)
		}
		return nil, err
	}

	if !strings.Contains(message, challenge.Nonce) {
		s.rec.IncCounter(metrics.EventWalletAuthFailed, nil)
		return nil, types.E(types.ErrInvalidNonce, "message does not contain the issued nonce")
	}

	linked, err := s.store.GetLinkedWallet(ctx, address)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		linked = &types.LinkedWallet{
			WalletAddress: address,
			ChainID:       s.defaultChainID,
			LinkedAt:      s.now(),
		}
	}
	linked.IsVerified = true
	linked.LastUsed = s.now()
	if err := s.store.UpsertLinkedWallet(ctx, linked); err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(address, linked.UserID, linked.ChainID)
	if err != nil {
		return nil, err
	}

	s.rec.IncCounter(metrics.EventWalletAuthOK, nil)
	s.log.Info("wallet authenticated", map[string]any{"address": address})

	return &types.WalletSession{Wallet: linked, Token: token}, nil
}

// LinkWalletToUser records the wallet-to-user linkage. A wallet already
// linked to a different user is rejected without touching state.
func (s *Service) LinkWalletToUser(ctx context.Context, walletAddress, userID string, chainID int64) (*types.LinkedWallet, error) {
	address := strings.ToLower(walletAddress)
	if !s.chain.IsValidAddress(address) {
		return nil, types.E(types.ErrInvalidAddress, "invalid wallet address %q", walletAddress)
	}
	if chainID == 0 {
		chainID = s.defaultChainID
	}

	existing, err := s.store.GetLinkedWallet(ctx, address)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.UserID != "" && existing.UserID != userID {
		return nil, types.E(types.ErrWalletAlreadyLinked, "wallet %s is already linked to another account", address)
	}

	now := s.now()
	linked := &types.LinkedWallet{
		WalletAddress: address,
		UserID:        userID,
		ChainID:       chainID,
		IsVerified:    true,
		LinkedAt:      now,
		LastUsed:      now,
	}
	if err := s.store.UpsertLinkedWallet(ctx, linked); err != nil {
		return nil, err
	}

	s.log.Info("wallet linked", map[string]any{"address": address, "user": userID})
	return linked, nil
}

// UnlinkWallet removes the linkage, but only for the exact address and
// user pair.
func (s *Service) UnlinkWallet(ctx context.Context, walletAddress, userID string) error {
	address := strings.ToLower(walletAddress)

	if err := s.store.DeleteLinkedWallet(ctx, address, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.E(types.ErrNotFound, "wallet %s is not linked to this user", address)
		}
		return err
	}

	s.log.Info("wallet unlinked", map[string]any{"address": address, "user": userID})
	return nil
}

// GetWalletBalance reads the wallet's native balance on the chain.
func (s *Service) GetWalletBalance(ctx context.Context, walletAddress string, chainID int64) (*types.WalletBalance, error) {
	address := strings.ToLower(walletAddress)
	if !s.chain.IsValidAddress(address) {
		return nil, types.E(types.ErrInvalidAddress, "invalid wallet address %q", walletAddress)
	}
	if chainID == 0 {
		chainID = s.defaultChainID
	}

	balance, err := s.chain.GetBalance(ctx, address, chainID)
	if err != nil {
		return nil, err
	}

	return &types.WalletBalance{
		Address:   address,
		Balance:   balance,
		ChainID:   chainID,
		ChainName: types.ChainName(chainID),
	}, nil
}

// UserWallets lists the wallets linked to a user.
func (s *Service) UserWallets(ctx context.Context, userID string) ([]*types.LinkedWallet, error) {
	return s.store.ListWalletsByUser(ctx, userID)
}
