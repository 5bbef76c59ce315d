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

// Package relayer wires the relayer's components into one explicit context.
// Nothing here is a singleton; handlers receive the context they run against.
package relayer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/envelop-finance/relayer/batch"
	"github.com/envelop-finance/relayer/config"
	"github.com/envelop-finance/relayer/metrics"
	"github.com/envelop-finance/relayer/policy"
	"github.com/envelop-finance/relayer/relay"
	"github.com/envelop-finance/relayer/settle"
	"github.com/envelop-finance/relayer/storage"
	"github.com/envelop-finance/relayer/wallet"
)

// CoreContext bundles every component of a running relayer.
type CoreContext struct {
	Config    *config.Config
	Storage   *storage.Store
	Oracle    *relay.Oracle
	Submitter *relay.Submitter
	Policies  policy.Table
	Gate      *settle.Gate
	Batches   *batch.Queue
	Pools     map[uint64]*wallet.Pool
	Clock     mclock.Clock

	log     log.Logger
	clients []*ethclient.Client
	wg      sync.WaitGroup
}

// settleStore adapts the Postgres store to the gate's transactional surface.
type settleStore struct {
	*storage.Store
}

func (s settleStore) WithTx(ctx context.Context, fn func(tx settle.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx *storage.Tx) error { return fn(tx) })
}

// New builds a CoreContext from configuration: storage, status oracle, relay
// submitter, settlement gate, batching queue and one wallet pool per
// configured EVM chain.
func New(ctx context.Context, cfg *config.Config) (*CoreContext, error) {
	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	clock := mclock.System{}
	oracle, err := relay.NewOracle(relay.OracleConfig{
		Endpoints: cfg.StatusEndpoints(),
		CacheTTL:  cfg.CacheTTL(),
		Clock:     clock,
		Snapshots: store,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	submitter := relay.NewSubmitter(relay.SubmitterConfig{
		BroadcastURL: cfg.RelaySubmitURL,
		PayloadMode:  cfg.RelaySubmitPayloadMode,
	}, store)

	policies := policy.FromConfig(cfg)
	batches := batch.NewQueue(batch.Config{
		MaxSize: cfg.BatchMaxSize,
		MaxWait: cfg.BatchMaxWait(),
	}, clock)
	gate := settle.New(settleStore{store}, oracle, policies, settle.Config{
		PollInterval:            cfg.PollInterval(),
		Timeout:                 cfg.SettleTimeout(),
		OnchainLedger:           cfg.OnchainLedger,
		RequireOnchainRecipient: cfg.IdentityRequireOnchainRecipient,
		Payouts:                 batches,
	}, clock)

	cc := &CoreContext{
		Config:    cfg,
		Storage:   store,
		Oracle:    oracle,
		Submitter: submitter,
		Policies:  policies,
		Gate:      gate,
		Batches:   batches,
		Pools:     make(map[uint64]*wallet.Pool),
		Clock:     clock,
		log:       log.New("component", "core"),
	}

	for chainID, chainCfg := range cfg.EVMChains {
		client, err := ethclient.DialContext(ctx, chainCfg.RPCURL)
		if err != nil {
			cc.Close()
			return nil, fmt.Errorf("dial evm chain %d: %w", chainID, err)
		}
		cc.clients = append(cc.clients, client)
		pool, err := wallet.NewPool(ctx, chainID, client, chainCfg.PrivateKeys, wallet.Config{
			TipMultiplier: chainCfg.TipMultiplier,
			FeeMultiplier: chainCfg.FeeMultiplier,
		}, clock)
		if err != nil {
			cc.Close()
			return nil, err
		}
		cc.Pools[chainID] = pool
	}
	return cc, nil
}

// StartDispatcher consumes sealed batches and runs them through the chain's
// wallet pool, recording one payout row per item. Returns immediately; the
// dispatcher drains remaining batches after the queue closes.
func (cc *CoreContext) StartDispatcher(ctx context.Context) {
	cc.wg.Add(1)
	go func() {
		defer cc.wg.Done()
		for b := range cc.Batches.Out() {
			cc.dispatch(ctx, b)
		}
	}()
}

func (cc *CoreContext) dispatch(ctx context.Context, b *batch.Batch) {
	chain := strconv.FormatUint(b.ChainID, 10)
	metrics.BatchesSealed.WithLabelValues(chain, b.ReadyReason).Inc()

	pool, ok := cc.Pools[b.ChainID]
	if !ok {
		cc.log.Error("Batch for unconfigured chain dropped", "chain", b.ChainID, "items", len(b.Items))
		for _, item := range b.Items {
			cc.recordPayout(ctx, b, item.RequestID, item.Recipient.Hex(), item.AmountWei.String(),
				nil, strPtr("no wallet pool for chain"), false)
			metrics.Payouts.WithLabelValues(chain, "dropped").Inc()
		}
		return
	}

	results := pool.ExecuteBatch(ctx, b)
	for i, res := range results {
		item := b.Items[i]
		var txHash, sendErr *string
		if res.Err != nil {
			msg := res.Err.Error()
			sendErr = &msg
		}
		if res.TxHash != (common.Hash{}) {
			h := res.TxHash.Hex()
			txHash = &h
		}
		cc.recordPayout(ctx, b, item.RequestID, item.Recipient.Hex(),
			item.AmountWei.String(), txHash, sendErr, res.Success)
		outcome := "success"
		if !res.Success {
			outcome = "failure"
		}
		metrics.Payouts.WithLabelValues(chain, outcome).Inc()
	}
}

func (cc *CoreContext) recordPayout(ctx context.Context, b *batch.Batch, requestID, recipient, amount string, txHash, sendErr *string, success bool) {
	err := cc.Storage.InsertEVMPayout(ctx, &storage.EVMPayout{
		RequestID: requestID,
		BatchID:   b.ID,
		ChainID:   b.ChainID,
		Recipient: recipient,
		AmountWei: amount,
		TxHash:    txHash,
		SendError: sendErr,
		Success:   success,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		cc.log.Error("Failed to record payout", "request", requestID, "err", err)
	}
}

// Close flushes the batch queue, waits for the dispatcher and releases every
// connection.
func (cc *CoreContext) Close() {
	if cc.Batches != nil {
		cc.Batches.Close()
	}
	cc.wg.Wait()
	for _, client := range cc.clients {
		client.Close()
	}
	if cc.Storage != nil {
		cc.Storage.Close()
	}
}

func strPtr(s string) *string { return &s }
