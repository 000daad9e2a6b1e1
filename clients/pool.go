// Package clients holds the long-lived chain RPC clients. The pool performs
// reads and signature recovery only; it carries no payment state.
package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/openmart/web3pay/logger"
	"github.com/openmart/web3pay/metrics"
	"github.com/openmart/web3pay/types"
)

// PoolConfig configures the chain client pool.
type PoolConfig struct {
	// Chains maps chain id to its JSON-RPC endpoint.
	Chains map[int64]string

	// DefaultChainID is used when a read operation passes chain id 0.
	DefaultChainID int64

	// SignerKey is the hex private key of the platform's receiving wallet.
	SignerKey string

	// AllowEphemeral permits generating a throwaway recipient wallet when
	// no signer is configured. Never enabled in production.
	AllowEphemeral bool

	// Timeout bounds each outbound RPC call.
	Timeout time.Duration
}

// Pool resolves one connected client per supported chain id.
type Pool struct {
	clients        map[int64]*ethclient.Client
	defaultChainID int64
	signer         *ecdsa.PrivateKey
	allowEphemeral bool
	timeout        time.Duration
	log            logger.Logger
	rec            metrics.Recorder
}

// NewPool dials every configured chain. A missing or undialable default
// chain is a configuration error: the pool refuses to start rather than
// failing per request.
func NewPool(cfg PoolConfig, log logger.Logger, rec metrics.Recorder) (*Pool, error) {
	if len(cfg.Chains) == 0 {
		return nil, types.E(types.ErrConfigError, "no chains configured")
	}
	if _, ok := cfg.Chains[cfg.DefaultChainID]; !ok {
		return nil, types.E(types.ErrConfigError, "default chain %d has no RPC endpoint", cfg.DefaultChainID)
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	p := &Pool{
		clients:        make(map[int64]*ethclient.Client, len(cfg.Chains)),
		defaultChainID: cfg.DefaultChainID,
		allowEphemeral: cfg.AllowEphemeral,
		timeout:        timeout,
		log:            log,
		rec:            rec,
	}

	for chainID, rpcURL := range cfg.Chains {
		client, err := ethclient.Dial(rpcURL)
		if err != nil {
			p.Close()
			return nil, types.Wrap(types.ErrConfigError, err, "failed to connect to chain %d RPC", chainID)
		}
		p.clients[chainID] = client
		log.Info("chain client initialized", map[string]any{"chain": chainID, "rpc": rpcURL})
	}

	if cfg.SignerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			p.Close()
			return nil, types.Wrap(types.ErrConfigError, err, "invalid signer key")
		}
		p.signer = key
		log.Info("platform signer initialized", map[string]any{
			"address": strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		})
	}

	return p, nil
}

// resolve returns the client for a chain id, defaulting to the primary
// chain when zero.
func (p *Pool) resolve(chainID int64) (*ethclient.Client, int64, error) {
	if chainID == 0 {
		chainID = p.defaultChainID
	}
	client, ok := p.clients[chainID]
	if !ok {
		return nil, chainID, types.E(types.ErrConfigError, "no client configured for chain %d", chainID)
	}
	return client, chainID, nil
}

// GetBalance returns the address's native balance in ether-equivalent
// units.
func (p *Pool) GetBalance(ctx context.Context, address string, chainID int64) (string, error) {
	client, chainID, err := p.resolve(chainID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	balance, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	p.observe(chainID, start)
	if err != nil {
		return "", types.Wrap(types.ErrChainUnavailable, err, "balance query failed on chain %d", chainID)
	}

	return decimal.NewFromBigInt(balance, -18).String(), nil
}

// GetGasPrice returns the suggested gas price in gwei.
func (p *Pool) GetGasPrice(ctx context.Context, chainID int64) (string, error) {
	client, chainID, err := p.resolve(chainID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	price, err := client.SuggestGasPrice(ctx)
	p.observe(chainID, start)
	if err != nil {
		return "", types.Wrap(types.ErrChainUnavailable, err, "gas price query failed on chain %d", chainID)
	}

	return decimal.NewFromBigInt(price, -9).String(), nil
}

// GetBlockNumber returns the current head height.
func (p *Pool) GetBlockNumber(ctx context.Context, chainID int64) (uint64, error) {
	client, chainID, err := p.resolve(chainID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	head, err := client.BlockNumber(ctx)
	p.observe(chainID, start)
	if err != nil {
		return 0, types.Wrap(types.ErrChainUnavailable, err, "block number query failed on chain %d", chainID)
	}
	return head, nil
}

// GetTransaction fetches a transaction by hash. A transaction the chain
// does not know yields TRANSACTION_NOT_FOUND.
func (p *Pool) GetTransaction(ctx context.Context, txHash string, chainID int64) (*types.ChainTx, error) {
	client, chainID, err := p.resolve(chainID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	tx, _, err := client.TransactionByHash(ctx, common.HexToHash(txHash))
	p.observe(chainID, start)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, types.E(types.ErrTransactionNotFound, "transaction %s not found on chain %d", txHash, chainID)
		}
		return nil, types.Wrap(types.ErrChainUnavailable, err, "transaction query failed on chain %d", chainID)
	}

	to := ""
	if tx.To() != nil {
		to = strings.ToLower(tx.To().Hex())
	}

	return &types.ChainTx{
		Hash:  strings.ToLower(tx.Hash().Hex()),
		To:    to,
		Value: decimal.NewFromBigInt(tx.Value(), -18),
	}, nil
}

// GetTransactionReceipt fetches a mined transaction's receipt and derives
// its confirmation count from the current head, floored at zero.
func (p *Pool) GetTransactionReceipt(ctx context.Context, txHash string, chainID int64) (*types.TxReceipt, error) {
	client, chainID, err := p.resolve(chainID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		p.observe(chainID, start)
		if err == ethereum.NotFound {
			return nil, types.E(types.ErrTransactionNotFound, "no receipt for %s on chain %d", txHash, chainID)
		}
		return nil, types.Wrap(types.ErrChainUnavailable, err, "receipt query failed on chain %d", chainID)
	}

	head, err := client.BlockNumber(ctx)
	p.observe(chainID, start)
	if err != nil {
		return nil, types.Wrap(types.ErrChainUnavailable, err, "block number query failed on chain %d", chainID)
	}

	blockNum := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head > blockNum {
		confirmations = head - blockNum
	}

	return &types.TxReceipt{
		TxHash:        strings.ToLower(receipt.TxHash.Hex()),
		BlockNumber:   blockNum,
		Confirmations: confirmations,
	}, nil
}

// RecipientAddress resolves the platform's receiving wallet for a chain.
// Without a configured signer it generates a throwaway wallet, which is
// only acceptable in non-production configurations.
func (p *Pool) RecipientAddress(chainID int64) (string, error) {
	if _, _, err := p.resolve(chainID); err != nil {
		return "", err
	}

	if p.signer != nil {
		return strings.ToLower(crypto.PubkeyToAddress(p.signer.PublicKey).Hex()), nil
	}

	if !p.allowEphemeral {
		return "", types.E(types.ErrConfigError, "no payment wallet configured for chain %d", chainID)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", types.Wrap(types.ErrConfigError, err, "failed to generate ephemeral wallet")
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	p.log.Warn("no payment wallet configured, using ephemeral wallet", map[string]any{
		"chain":   chainID,
		"address": addr,
	})
	return addr, nil
}

// SupportedChains lists the configured chain ids.
func (p *Pool) SupportedChains() []int64 {
	chains := make([]int64, 0, len(p.clients))
	for chainID := range p.clients {
		chains = append(chains, chainID)
	}
	return chains
}

// Close releases all RPC connections.
func (p *Pool) Close() {
	for _, client := range p.clients {
		client.Close()
	}
}

func (p *Pool) observe(chainID int64, start time.Time) {
	p.rec.ObserveLatency(metrics.OpChainRead, time.Since(start), map[string]string{
		"chain": fmt.Sprintf("%d", chainID),
	})
}
