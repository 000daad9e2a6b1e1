package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/openmart/web3pay/types"
)

// MemoryStore is a concurrency-safe in-memory implementation of both
// PaymentStore and WalletStore.
type MemoryStore struct {
	mu         sync.RWMutex
	payments   map[string]*types.PaymentRequest
	challenges map[string]*types.WalletChallenge
	wallets    map[string]*types.LinkedWallet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*types.PaymentRequest),
		challenges: make(map[string]*types.WalletChallenge),
		wallets:    make(map[string]*types.LinkedWallet),
	}
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *types.PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.PaymentID]; exists {
		return ErrDuplicate
	}
	p.Version = 1
	m.payments[p.PaymentID] = p.Clone()
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, paymentID string) (*types.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, p *types.PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.payments[p.PaymentID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	m.payments[p.PaymentID] = p.Clone()
	return nil
}

func (m *MemoryStore) ListPaymentsByOrder(_ context.Context, orderID string) ([]*types.PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.PaymentRequest
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpsertChallenge(_ context.Context, c *types.WalletChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.challenges[strings.ToLower(c.WalletAddress)] = &cp
	return nil
}

func (m *MemoryStore) GetChallenge(_ context.Context, address string) (*types.WalletChallenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetLinkedWallet(_ context.Context, address string) (*types.LinkedWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) UpsertLinkedWallet(_ context.Context, w *types.LinkedWallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.wallets[strings.ToLower(w.WalletAddress)] = &cp
	return nil
}

func (m *MemoryStore) DeleteLinkedWallet(_ context.Context, address, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(address)
	w, ok := m.wallets[key]
	if !ok || w.UserID != userID {
		return ErrNotFound
	}
	delete(m.wallets, key)
	return nil
}

func (m *MemoryStore) ListWalletsByUser(_ context.Context, userID string) ([]*types.LinkedWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.LinkedWallet
	for _, w := range m.wallets {
		if w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LinkedAt.After(out[j].LinkedAt)
	})
	return out, nil
}
