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
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/envelop-finance/relayer/batch"
	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/metrics"
)

const testChainID = uint64(11155111)

var testKeys = []string{
	"0000000000000000000000000000000000000000000000000000000000000001",
	"0000000000000000000000000000000000000000000000000000000000000002",
}

// fakeBackend accepts every transaction, records nonces per sender and
// answers receipt polls immediately.
type fakeBackend struct {
	mu         sync.Mutex
	signer     types.Signer
	startNonce uint64
	sent       map[common.Address][]uint64
	receipts   map[common.Hash]*types.Receipt

	// failFirst makes the very first send fail with a nonce-too-low error
	// and bumps the pending nonce the pool will re-fetch.
	failFirst    bool
	resetNonce   uint64
	revertAll    bool
	failedSends  int
	// permanentFirst makes the very first send fail with a non-retryable
	// error before anything reaches the mempool.
	permanentFirst bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		signer:     types.LatestSignerForChainID(new(big.Int).SetUint64(testChainID)),
		startNonce: 7,
		sent:       make(map[common.Address][]uint64),
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failedSends > 0 && f.resetNonce > 0 {
		return f.resetNonce, nil
	}
	return f.startNonce + uint64(len(f.sent[addr])), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst {
		f.failFirst = false
		f.failedSends++
		return errors.New("nonce too low")
	}
	if f.permanentFirst {
		f.permanentFirst = false
		return errors.New("insufficient funds for transfer")
	}
	from, err := types.Sender(f.signer, tx)
	if err != nil {
		return err
	}
	f.sent[from] = append(f.sent[from], tx.Nonce())
	status := types.ReceiptStatusSuccessful
	if f.revertAll {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func testConfig() Config {
	return Config{
		Retries:         3,
		RetryBase:       time.Millisecond,
		ReceiptInterval: time.Millisecond,
		ReceiptTimeout:  time.Second,
	}
}

func testBatch(n int) *batch.Batch {
	b := &batch.Batch{ID: "b1", ChainID: testChainID}
	for i := 0; i < n; i++ {
		b.Items = append(b.Items, &batch.Item{
			RequestID: fmt.Sprintf("req-%d", i),
			ChainID:   testChainID,
			Recipient: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			AmountWei: big.NewInt(int64(1000 + i)),
		})
	}
	return b
}

// Ten items across two wallets: every item succeeds and each wallet's used
// nonces form one contiguous range from its initial pending nonce, with no
// duplicates.
func TestPoolNonceSafetyUnderParallelism(t *testing.T) {
	backend := newFakeBackend()
	pool, err := NewPool(context.Background(), testChainID, backend, testKeys, testConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())

	var results []ExecutionResult
	results = append(results, pool.ExecuteBatch(context.Background(), testBatch(5))...)
	results = append(results, pool.ExecuteBatch(context.Background(), testBatch(5))...)
	require.Len(t, results, 10)
	for _, r := range results {
		require.True(t, r.Success, "item %s: %v", r.RequestID, r.Err)
		require.NotEqual(t, common.Hash{}, r.TxHash)
	}

	total := 0
	for addr, nonces := range backend.sent {
		sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
		for i, n := range nonces {
			require.Equal(t, backend.startNonce+uint64(i), n,
				"wallet %s nonces not contiguous: %v", addr, nonces)
		}
		total += len(nonces)
	}
	require.Equal(t, 10, total)
}

func TestPoolRetriesNonceConflict(t *testing.T) {
	backend := newFakeBackend()
	backend.failFirst = true
	backend.resetNonce = 42
	pool, err := NewPool(context.Background(), testChainID, backend,
		testKeys[:1], testConfig(), nil)
	require.NoError(t, err)

	results := pool.ExecuteBatch(context.Background(), testBatch(1))
	require.Len(t, results, 1)
	require.True(t, results[0].Success, "err: %v", results[0].Err)
	// The retry re-seeded the nonce counter from the provider.
	require.Equal(t, uint64(42), results[0].Nonce)
}

// A failed attempt that never reached the mempool must not burn the
// reserved nonce: the next payout from the same wallet reuses it.
func TestPoolReclaimsNonceAfterFailedSend(t *testing.T) {
	backend := newFakeBackend()
	backend.permanentFirst = true
	pool, err := NewPool(context.Background(), testChainID, backend,
		testKeys[:1], testConfig(), nil)
	require.NoError(t, err)

	results := pool.ExecuteBatch(context.Background(), testBatch(1))
	require.False(t, results[0].Success)
	require.True(t, core.IsKind(results[0].Err, core.KindUpstreamError))

	results = pool.ExecuteBatch(context.Background(), testBatch(1))
	require.True(t, results[0].Success, "err: %v", results[0].Err)
	require.Equal(t, backend.startNonce, results[0].Nonce,
		"reserved nonce must be reclaimed, not left as a gap")
	for _, nonces := range backend.sent {
		require.Equal(t, []uint64{backend.startNonce}, nonces)
	}
}

func TestPoolRevertedReceipt(t *testing.T) {
	backend := newFakeBackend()
	backend.revertAll = true
	pool, err := NewPool(context.Background(), testChainID, backend,
		testKeys[:1], testConfig(), nil)
	require.NoError(t, err)

	results := pool.ExecuteBatch(context.Background(), testBatch(1))
	require.False(t, results[0].Success)
	require.True(t, core.IsKind(results[0].Err, core.KindTxFailed))
}

func TestPoolRejectsTooManyKeys(t *testing.T) {
	keys := append(append([]string{}, testKeys...),
		"0000000000000000000000000000000000000000000000000000000000000003")
	_, err := NewPool(context.Background(), testChainID, newFakeBackend(), keys, testConfig(), nil)
	require.True(t, core.IsKind(err, core.KindInvalidArgument))

	_, err = NewPool(context.Background(), testChainID, newFakeBackend(), nil, testConfig(), nil)
	require.True(t, core.IsKind(err, core.KindInvalidArgument))
}

func TestPoolStabilityGauge(t *testing.T) {
	backend := newFakeBackend()
	pool, err := NewPool(context.Background(), testChainID, backend, testKeys, testConfig(), nil)
	require.NoError(t, err)

	require.True(t, pool.Stable(3, 2.0))   // 3 < 2*2
	require.False(t, pool.Stable(4, 2.0))  // 4 !< 4
	require.False(t, pool.Stable(10, 2.0)) // saturated

	// Dispatch publishes the gauge for the pool's chain.
	pool.ExecuteBatch(context.Background(), testBatch(1))
	require.Equal(t, 1.0,
		testutil.ToFloat64(metrics.PoolStable.WithLabelValues("11155111")))
}
