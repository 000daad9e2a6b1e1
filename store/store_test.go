package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openmart/web3pay/types"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// testStore bundles both interfaces for the contract tests.
type testStore interface {
	PaymentStore
	WalletStore
}

// forEachStore runs the same contract against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s testStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "web3pay.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func testPayment(paymentID, orderID string, createdAt time.Time) *types.PaymentRequest {
	return &types.PaymentRequest{
		PaymentID:             paymentID,
		OrderID:               orderID,
		FiatAmount:            decimal.NewFromInt(100),
		FiatCurrency:          "USD",
		CryptoAmount:          "125.00000000",
		CryptoCurrency:        "MATIC",
		ChainID:               types.ChainPolygon,
		RecipientAddress:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		RequiredConfirmations: 3,
		Status:                types.StatusPending,
		ExpiresAt:             createdAt.Add(types.PaymentExpiry),
		CreatedAt:             createdAt,
		UpdatedAt:             createdAt,
	}
}

func TestPaymentCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		p := testPayment("pay-1", "order-1", testNow)

		require.NoError(t, s.CreatePayment(ctx, p))
		require.Equal(t, int64(1), p.Version)

		got, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		require.Equal(t, "order-1", got.OrderID)
		require.Equal(t, "125.00000000", got.CryptoAmount)
		require.Equal(t, types.StatusPending, got.Status)
		require.Equal(t, int64(1), got.Version)
		require.True(t, decimal.NewFromInt(100).Equal(got.FiatAmount))

		_, err = s.GetPayment(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPaymentDuplicateCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()

		require.NoError(t, s.CreatePayment(ctx, testPayment("pay-1", "order-1", testNow)))
		err := s.CreatePayment(ctx, testPayment("pay-1", "order-2", testNow))
		require.ErrorIs(t, err, ErrDuplicate)
	})
}

func TestPaymentUpdateBumpsVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		p := testPayment("pay-1", "order-1", testNow)
		require.NoError(t, s.CreatePayment(ctx, p))

		p.TxHash = "0xdead"
		p.Confirmations = 2
		p.UpdatedAt = testNow.Add(time.Minute)
		require.NoError(t, s.UpdatePayment(ctx, p))
		require.Equal(t, int64(2), p.Version)

		got, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		require.Equal(t, "0xdead", got.TxHash)
		require.Equal(t, uint64(2), got.Confirmations)
		require.Equal(t, int64(2), got.Version)
	})
}

func TestPaymentUpdateRejectsStaleVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		p := testPayment("pay-1", "order-1", testNow)
		require.NoError(t, s.CreatePayment(ctx, p))

		// Two writers read the same version; the second write must fail.
		first, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		second, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)

		first.Status = types.StatusConfirmed
		require.NoError(t, s.UpdatePayment(ctx, first))

		second.Status = types.StatusExpired
		err = s.UpdatePayment(ctx, second)
		require.ErrorIs(t, err, ErrVersionConflict)

		// The winner's write stands.
		got, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusConfirmed, got.Status)
	})
}

func TestPaymentUpdateMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		p := testPayment("pay-1", "order-1", testNow)
		p.Version = 1
		err := s.UpdatePayment(context.Background(), p)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListPaymentsByOrderNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()

		require.NoError(t, s.CreatePayment(ctx, testPayment("pay-1", "order-1", testNow)))
		require.NoError(t, s.CreatePayment(ctx, testPayment("pay-2", "order-1", testNow.Add(time.Minute))))
		require.NoError(t, s.CreatePayment(ctx, testPayment("pay-3", "order-2", testNow)))

		payments, err := s.ListPaymentsByOrder(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, payments, 2)
		require.Equal(t, "pay-2", payments[0].PaymentID)
		require.Equal(t, "pay-1", payments[1].PaymentID)
	})
}

func TestChallengeUpsertSupersedes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		address := "0xAbCdEF0123456789abcdef0123456789ABCDEF01"

		require.NoError(t, s.UpsertChallenge(ctx, &types.WalletChallenge{
			WalletAddress: address,
			Nonce:         "nonce-1",
			Message:       "message-1",
			IssuedAt:      testNow,
		}))
		require.NoError(t, s.UpsertChallenge(ctx, &types.WalletChallenge{
			WalletAddress: address,
			Nonce:         "nonce-2",
			Message:       "message-2",
			IssuedAt:      testNow.Add(time.Minute),
		}))

		// Lookups are case-insensitive and only the latest challenge lives.
		got, err := s.GetChallenge(ctx, address)
		require.NoError(t, err)
		require.Equal(t, "nonce-2", got.Nonce)

		_, err = s.GetChallenge(ctx, "0x0000000000000000000000000000000000000000")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLinkedWalletLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		address := "0x1111111111111111111111111111111111111111"

		require.NoError(t, s.UpsertLinkedWallet(ctx, &types.LinkedWallet{
			WalletAddress: address,
			UserID:        "user-1",
			ChainID:       types.ChainPolygon,
			IsVerified:    true,
			LinkedAt:      testNow,
			LastUsed:      testNow,
		}))

		got, err := s.GetLinkedWallet(ctx, address)
		require.NoError(t, err)
		require.Equal(t, "user-1", got.UserID)
		require.True(t, got.IsVerified)

		// Deletion requires the exact (address, user) pair.
		err = s.DeleteLinkedWallet(ctx, address, "user-2")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.DeleteLinkedWallet(ctx, address, "user-1"))
		_, err = s.GetLinkedWallet(ctx, address)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListWalletsByUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()

		require.NoError(t, s.UpsertLinkedWallet(ctx, &types.LinkedWallet{
			WalletAddress: "0x1111111111111111111111111111111111111111",
			UserID:        "user-1",
			ChainID:       types.ChainPolygon,
			LinkedAt:      testNow,
			LastUsed:      testNow,
		}))
		require.NoError(t, s.UpsertLinkedWallet(ctx, &types.LinkedWallet{
			WalletAddress: "0x2222222222222222222222222222222222222222",
			UserID:        "user-1",
			ChainID:       types.ChainEthereum,
			LinkedAt:      testNow.Add(time.Minute),
			LastUsed:      testNow.Add(time.Minute),
		}))
		require.NoError(t, s.UpsertLinkedWallet(ctx, &types.LinkedWallet{
			WalletAddress: "0x3333333333333333333333333333333333333333",
			UserID:        "user-2",
			ChainID:       types.ChainPolygon,
			LinkedAt:      testNow,
			LastUsed:      testNow,
		}))

		wallets, err := s.ListWalletsByUser(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, wallets, 2)
		require.Equal(t, "0x2222222222222222222222222222222222222222", wallets[0].WalletAddress)
	})
}

func TestPaymentGetReturnsCopy(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		require.NoError(t, s.CreatePayment(ctx, testPayment("pay-1", "order-1", testNow)))

		got, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		got.Status = types.StatusConfirmed

		// Mutating the returned record must not leak into the store.
		fresh, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusPending, fresh.Status)
	})
}
