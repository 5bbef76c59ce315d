// Copyright 2025 The envelop-relayer Authors
// This file is part of the envelop-relayer library.
//
// The envelop-relayer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The envelop-relayer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the envelop-relayer library. If not, see <http://www.gnu.org/licenses/>.

package wallet

import (
	"context"
	"math/big"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/envelop-finance/relayer/batch"
	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/metrics"
)

// MaxWalletsPerChain caps the pool size per chain.
const MaxWalletsPerChain = 2

const transferGasLimit = 21000

// Nominal per-wallet service rate used for the stability gauge.
const stablePerWalletRate = 8

// Backend is the chain surface the pool needs. *ethclient.Client satisfies
// it; tests substitute a fake.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds the pool's execution knobs.
type Config struct {
	// TipMultiplier scales the suggested priority fee.
	TipMultiplier float64
	// FeeMultiplier scales the computed fee cap.
	FeeMultiplier float64
	// Retries bounds nonce-conflict resubmissions per item.
	Retries int
	// RetryBase is the initial backoff between resubmissions.
	RetryBase time.Duration
	// ReceiptInterval is the receipt poll cadence.
	ReceiptInterval time.Duration
	// ReceiptTimeout bounds the wait for one confirmation.
	ReceiptTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.TipMultiplier <= 0 {
		c.TipMultiplier = 1.0
	}
	if c.FeeMultiplier <= 0 {
		c.FeeMultiplier = 1.0
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.ReceiptInterval <= 0 {
		c.ReceiptInterval = time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
}

// ExecutionResult is the terminal outcome of one batch item.
type ExecutionResult struct {
	RequestID string
	Success   bool
	TxHash    common.Hash
	Nonce     uint64
	Err       error
}

// Pool distributes batch items across the chain's signer wallets.
type Pool struct {
	chainID *big.Int
	backend Backend
	signer  types.Signer
	cfg     Config
	clock   mclock.Clock
	log     log.Logger
	wallets []*Wallet

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPool constructs a pool of up to MaxWalletsPerChain wallets from hex
// private keys and seeds each nonce counter from the provider's pending
// nonce.
func NewPool(ctx context.Context, chainID uint64, backend Backend, hexKeys []string, cfg Config, clock mclock.Clock) (*Pool, error) {
	if len(hexKeys) == 0 {
		return nil, core.NewError(core.KindInvalidArgument, "chain %d has no signer keys", chainID)
	}
	if len(hexKeys) > MaxWalletsPerChain {
		return nil, core.NewError(core.KindInvalidArgument,
			"chain %d configures %d signer keys, max %d", chainID, len(hexKeys), MaxWalletsPerChain)
	}
	cfg.withDefaults()
	if clock == nil {
		clock = mclock.System{}
	}
	p := &Pool{
		chainID: new(big.Int).SetUint64(chainID),
		backend: backend,
		signer:  types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
		cfg:     cfg,
		clock:   clock,
		log:     log.New("component", "wallet-pool", "chain", chainID),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, core.WrapError(core.KindInvalidArgument, err, "chain %d signer key %d", chainID, i)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		nonce, err := backend.PendingNonceAt(ctx, addr)
		if err != nil {
			return nil, core.WrapError(core.KindUpstreamError, err, "chain %d pending nonce", chainID)
		}
		p.wallets = append(p.wallets, newWallet(key, addr, nonce))
	}
	p.log.Info("Wallet pool ready", "wallets", len(p.wallets))
	return p, nil
}

// Size returns the number of wallets in the pool.
func (p *Pool) Size() int {
	return len(p.wallets)
}

// Stable reports whether the queue depth is below the pool's observed
// service capacity. Informational only, nothing throttles on it.
func (p *Pool) Stable(queueDepth int, perWalletRate float64) bool {
	return float64(queueDepth) < float64(len(p.wallets))*perWalletRate
}

// ExecuteBatch dispatches every item of the batch concurrently, one task per
// item, each picking its own wallet. Results are positional with the batch's
// items; item failures are carried in the result, never as a group error.
func (p *Pool) ExecuteBatch(ctx context.Context, b *batch.Batch) []ExecutionResult {
	stable := 0.0
	if p.Stable(len(b.Items), stablePerWalletRate) {
		stable = 1
	}
	metrics.PoolStable.WithLabelValues(p.chainID.String()).Set(stable)

	results := make([]ExecutionResult, len(b.Items))
	g, ctx := errgroup.WithContext(ctx)
	for i, item := range b.Items {
		i, item := i, item
		g.Go(func() error {
			results[i] = p.executeItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// executeItem runs one payout on the least-loaded wallet: reserve nonce,
// price gas, sign, send, wait one confirmation. Nonce conflicts re-seed the
// wallet's counter from the provider and retry with exponential backoff.
func (p *Pool) executeItem(ctx context.Context, item *batch.Item) ExecutionResult {
	res := ExecutionResult{RequestID: item.RequestID}
	w := p.pick()
	defer w.release()

	policy := backoff.WithContext(backoff.WithMaxRetries(
		newExponential(p.cfg.RetryBase), uint64(p.cfg.Retries)), ctx)

	attempt := func() error {
		nonce := w.reserveNonce()
		hash, err := p.sendOnce(ctx, w, item, nonce)
		if err != nil {
			// The provider's pending nonce accounts for anything that did
			// reach the mempool, so re-seeding reclaims the reserved nonce
			// without leaving a gap behind a failed attempt.
			if pending, nerr := p.backend.PendingNonceAt(ctx, w.address); nerr == nil {
				w.resetNonce(pending)
			}
			if isNonceConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		res.TxHash = hash
		res.Nonce = nonce
		return nil
	}
	if err := backoff.Retry(attempt, policy); err != nil {
		res.Err = core.WrapError(core.KindUpstreamError, err, "payout %s send failed", item.RequestID)
		return res
	}

	receipt, err := p.waitReceipt(ctx, res.TxHash)
	if err != nil {
		res.Err = err
		return res
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		res.Err = core.NewError(core.KindTxFailed, "payout %s reverted in %s", item.RequestID, res.TxHash)
		return res
	}
	res.Success = true
	p.log.Debug("Payout confirmed", "request", item.RequestID, "tx", res.TxHash, "nonce", res.Nonce)
	return res
}

// sendOnce prices, signs and broadcasts a single transfer attempt.
func (p *Pool) sendOnce(ctx context.Context, w *Wallet, item *batch.Item, nonce uint64) (common.Hash, error) {
	tip, feeCap, err := p.priceGas(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       transferGasLimit,
		To:        &item.Recipient,
		Value:     item.AmountWei,
	})
	signed, err := types.SignTx(tx, p.signer, w.key)
	if err != nil {
		return common.Hash{}, err
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// priceGas computes (tip, feeCap) for a dynamic-fee transfer: the suggested
// tip scaled by TipMultiplier, the fee cap as 2x base fee plus tip scaled by
// FeeMultiplier. Pre-London chains report no base fee and fall back to a
// tip-only cap.
func (p *Pool) priceGas(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := p.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	tip = scaleBig(tip, p.cfg.TipMultiplier)
	head, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, scaleBig(feeCap, p.cfg.FeeMultiplier), nil
}

// waitReceipt polls for one confirmation.
func (p *Pool) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	start := p.clock.Now()
	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if time.Duration(p.clock.Now()-start) >= p.cfg.ReceiptTimeout {
			return nil, core.NewError(core.KindTimeout, "no receipt for %s within %s", hash, p.cfg.ReceiptTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, core.WrapError(core.KindTimeout, ctx.Err(), "receipt wait cancelled for %s", hash)
		case <-p.clock.After(p.cfg.ReceiptInterval):
		}
	}
}

// pick returns the wallet with the lowest in-flight count, ties broken
// randomly. Selection and the in-flight increment are atomic so concurrent
// picks see each other's load.
func (p *Pool) pick() *Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := []*Wallet{p.wallets[0]}
	min := p.wallets[0].InFlight()
	for _, w := range p.wallets[1:] {
		switch n := w.InFlight(); {
		case n < min:
			min, best = n, best[:0]
			best = append(best, w)
		case n == min:
			best = append(best, w)
		}
	}
	w := best[0]
	if len(best) > 1 {
		w = best[p.rng.Intn(len(best))]
	}
	w.acquire(p.clock.Now())
	return w
}

func newExponential(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxElapsedTime = 0
	return b
}

func isNonceConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func scaleBig(v *big.Int, mul float64) *big.Int {
	if mul == 1.0 {
		return v
	}
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(mul))
	out, _ := f.Int(nil)
	return out
}
