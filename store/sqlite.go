package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/openmart/web3pay/types"
)

// SQLiteStore is a durable implementation of PaymentStore and WalletStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and initializes the
// schema. WAL journaling and a busy timeout keep concurrent request
// handlers from tripping over each other.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_synchronous=NORMAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payment_id TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL,
		fiat_amount TEXT NOT NULL,
		fiat_currency TEXT NOT NULL,
		crypto_amount TEXT NOT NULL,
		crypto_currency TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		recipient_address TEXT NOT NULL,
		tx_hash TEXT,
		confirmations INTEGER NOT NULL DEFAULT 0,
		required_confirmations INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		expires_at INTEGER NOT NULL,
		confirmed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id);
	CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);

	CREATE TABLE IF NOT EXISTS wallet_challenges (
		wallet_address TEXT PRIMARY KEY,
		nonce TEXT NOT NULL,
		message TEXT NOT NULL,
		issued_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS linked_wallets (
		wallet_address TEXT PRIMARY KEY,
		user_id TEXT,
		chain_id INTEGER NOT NULL,
		is_verified INTEGER NOT NULL DEFAULT 0,
		linked_at INTEGER NOT NULL,
		last_used INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_user ON linked_wallets(user_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreatePayment(ctx context.Context, p *types.PaymentRequest) error {
	query := `
	INSERT INTO payments (
		payment_id, order_id, fiat_amount, fiat_currency, crypto_amount,
		crypto_currency, chain_id, recipient_address, tx_hash, confirmations,
		required_confirmations, status, expires_at, confirmed_at, created_at,
		updated_at, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`

	p.Version = 1
	_, err := s.db.ExecContext(ctx, query,
		p.PaymentID,
		p.OrderID,
		p.FiatAmount.String(),
		p.FiatCurrency,
		p.CryptoAmount,
		p.CryptoCurrency,
		p.ChainID,
		p.RecipientAddress,
		nullString(p.TxHash),
		p.Confirmations,
		p.RequiredConfirmations,
		string(p.Status),
		p.ExpiresAt.Unix(),
		timeToUnix(p.ConfirmedAt),
		p.CreatedAt.Unix(),
		p.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

const paymentColumns = `payment_id, order_id, fiat_amount, fiat_currency,
	crypto_amount, crypto_currency, chain_id, recipient_address, tx_hash,
	confirmations, required_confirmations, status, expires_at, confirmed_at,
	created_at, updated_at, version`

func (s *SQLiteStore) GetPayment(ctx context.Context, paymentID string) (*types.PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_id = ?`, paymentID)
	return scanPayment(row)
}

func (s *SQLiteStore) UpdatePayment(ctx context.Context, p *types.PaymentRequest) error {
	query := `
	UPDATE payments SET
		tx_hash = ?, confirmations = ?, status = ?, confirmed_at = ?,
		updated_at = ?, version = version + 1
	WHERE payment_id = ? AND version = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		nullString(p.TxHash),
		p.Confirmations,
		string(p.Status),
		timeToUnix(p.ConfirmedAt),
		p.UpdatedAt.Unix(),
		p.PaymentID,
		p.Version,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetPayment(ctx, p.PaymentID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	p.Version++
	return nil
}

func (s *SQLiteStore) ListPaymentsByOrder(ctx context.Context, orderID string) ([]*types.PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = ? ORDER BY created_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*types.PaymentRequest, error) {
	var (
		p           types.PaymentRequest
		fiatAmount  string
		status      string
		txHash      sql.NullString
		expiresAt   int64
		confirmedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(
		&p.PaymentID, &p.OrderID, &fiatAmount, &p.FiatCurrency,
		&p.CryptoAmount, &p.CryptoCurrency, &p.ChainID, &p.RecipientAddress,
		&txHash, &p.Confirmations, &p.RequiredConfirmations, &status,
		&expiresAt, &confirmedAt, &createdAt, &updatedAt, &p.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.FiatAmount, err = decimal.NewFromString(fiatAmount)
	if err != nil {
		return nil, fmt.Errorf("corrupt fiat amount %q: %w", fiatAmount, err)
	}
	p.Status = types.PaymentStatus(status)
	p.TxHash = txHash.String
	p.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if confirmedAt.Valid {
		t := time.Unix(confirmedAt.Int64, 0).UTC()
		p.ConfirmedAt = &t
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertChallenge(ctx context.Context, c *types.WalletChallenge) error {
	query := `
	INSERT INTO wallet_challenges (wallet_address, nonce, message, issued_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(wallet_address) DO UPDATE SET
		nonce = excluded.nonce,
		message = excluded.message,
		issued_at = excluded.issued_at
	`
	_, err := s.db.ExecContext(ctx, query,
		strings.ToLower(c.WalletAddress), c.Nonce, c.Message, c.IssuedAt.Unix())
	return err
}

func (s *SQLiteStore) GetChallenge(ctx context.Context, address string) (*types.WalletChallenge, error) {
	var (
		c        types.WalletChallenge
		issuedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet_address, nonce, message, issued_at FROM wallet_challenges WHERE wallet_address = ?`,
		strings.ToLower(address),
	).Scan(&c.WalletAddress, &c.Nonce, &c.Message, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.IssuedAt = time.Unix(issuedAt, 0).UTC()
	return &c, nil
}

func (s *SQLiteStore) GetLinkedWallet(ctx context.Context, address string) (*types.LinkedWallet, error) {
	var (
		w          types.LinkedWallet
		userID     sql.NullString
		isVerified int64
		linkedAt   int64
		lastUsed   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet_address, user_id, chain_id, is_verified, linked_at, last_used
		 FROM linked_wallets WHERE wallet_address = ?`,
		strings.ToLower(address),
	).Scan(&w.WalletAddress, &userID, &w.ChainID, &isVerified, &linkedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.UserID = userID.String
	w.IsVerified = isVerified != 0
	w.LinkedAt = time.Unix(linkedAt, 0).UTC()
	w.LastUsed = time.Unix(lastUsed, 0).UTC()
	return &w, nil
}

func (s *SQLiteStore) UpsertLinkedWallet(ctx context.Context, w *types.LinkedWallet) error {
	query := `
	INSERT INTO linked_wallets (wallet_address, user_id, chain_id, is_verified, linked_at, last_used)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(wallet_address) DO UPDATE SET
		user_id = excluded.user_id,
		chain_id = excluded.chain_id,
		is_verified = excluded.is_verified,
		linked_at = excluded.linked_at,
		last_used = excluded.last_used
	`
	_, err := s.db.ExecContext(ctx, query,
		strings.ToLower(w.WalletAddress), nullString(w.UserID), w.ChainID,
		boolToInt(w.IsVerified), w.LinkedAt.Unix(), w.LastUsed.Unix())
	return err
}

func (s *SQLiteStore) DeleteLinkedWallet(ctx context.Context, address, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM linked_wallets WHERE wallet_address = ? AND user_id = ?`,
		strings.ToLower(address), userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListWalletsByUser(ctx context.Context, userID string) ([]*types.LinkedWallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT wallet_address, user_id, chain_id, is_verified, linked_at, last_used
		 FROM linked_wallets WHERE user_id = ? ORDER BY linked_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.LinkedWallet
	for rows.Next() {
		var (
			w          types.LinkedWallet
			uid        sql.NullString
			isVerified int64
			linkedAt   int64
			lastUsed   int64
		)
		if err := rows.Scan(&w.WalletAddress, &uid, &w.ChainID, &isVerified, &linkedAt, &lastUsed); err != nil {
			return nil, err
		}
		w.UserID = uid.String
		w.IsVerified = isVerified != 0
		w.LinkedAt = time.Unix(linkedAt, 0).UTC()
		w.LastUsed = time.Unix(lastUsed, 0).UTC()
		out = append(out, &w)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeToUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
