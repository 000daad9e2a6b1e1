// Package store persists payment requests and wallet records. Two
// implementations are provided: an in-memory store for tests and demos,
// and a SQLite store for durable deployments. Both enforce the same
// optimistic-versioning contract on payment writes.
package store

import (
	"context"
	"errors"

	"github.com/openmart/web3pay/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a payment write presents a stale
	// version. The writer must re-read and retry or abort.
	ErrVersionConflict = errors.New("payment version conflict")

	// ErrDuplicate is returned when a create collides with an existing key.
	ErrDuplicate = errors.New("record already exists")
)

// PaymentStore owns PaymentRequest records. Payments are never deleted.
type PaymentStore interface {
	// CreatePayment persists a new record and initializes its version.
	CreatePayment(ctx context.Context, p *types.PaymentRequest) error

	// GetPayment loads a record by payment id.
	GetPayment(ctx context.Context, paymentID string) (*types.PaymentRequest, error)

	// UpdatePayment writes the record if and only if the stored version
	// matches p.Version, then bumps the version on both sides.
	UpdatePayment(ctx context.Context, p *types.PaymentRequest) error

	// ListPaymentsByOrder returns all attempts for an order, newest first.
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]*types.PaymentRequest, error)
}

// WalletStore owns challenge and linkage records, keyed by lower-cased
// wallet address.
type WalletStore interface {
	// UpsertChallenge stores a challenge, superseding any prior one for
	// the same address.
	UpsertChallenge(ctx context.Context, c *types.WalletChallenge) error

	// GetChallenge loads the live challenge for an address.
	GetChallenge(ctx context.Context, address string) (*types.WalletChallenge, error)

	// GetLinkedWallet loads the linkage record for an address.
	GetLinkedWallet(ctx context.Context, address string) (*types.LinkedWallet, error)

	// UpsertLinkedWallet creates or replaces the linkage record.
	UpsertLinkedWallet(ctx context.Context, w *types.LinkedWallet) error

	// DeleteLinkedWallet removes the record only when it matches the exact
	// (address, userID) pair; otherwise ErrNotFound.
	DeleteLinkedWallet(ctx context.Context, address, userID string) error

	// ListWalletsByUser returns a user's wallets, most recently linked
	// first.
	ListWalletsByUser(ctx context.Context, userID string) ([]*types.LinkedWallet, error)
}
