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

// Package batch coalesces outbound EVM payouts into per-chain batches. A
// batch seals when the queue reaches the size threshold or the oldest item
// ages past the wait window; sealed batches are handed to the scheduler and
// the queue immediately accepts new items.
package batch

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/envelop-finance/relayer/core"
)

// Seal reasons. Size wins when both thresholds trip in the same evaluation.
const (
	ReasonSize  = "size"
	ReasonTimer = "timer"
	ReasonFlush = "flush"
)

// Item is one outbound payout request.
type Item struct {
	RequestID  string
	ChainID    uint64
	Recipient  common.Address
	AmountWei  *big.Int
	EnqueuedAt mclock.AbsTime
}

// Batch is an ordered, immutable group of items sealed together.
type Batch struct {
	ID          string
	ChainID     uint64
	Items       []*Item
	ReadyReason string
	ReadyAt     time.Time
}

// Config holds the queue thresholds.
type Config struct {
	// MaxSize seals a batch as soon as the queue holds this many items.
	MaxSize int
	// MaxWait seals a non-empty queue once its oldest item is this old.
	MaxWait time.Duration
}

// Queue accumulates items per destination chain and emits sealed batches on
// Out. One goroutine per chain owns that chain's pending slice; emission
// order per chain is FIFO by first-item enqueue time.
type Queue struct {
	cfg   Config
	clock mclock.Clock
	out   chan *Batch
	log   log.Logger

	mu     sync.Mutex
	chains map[uint64]*chainQueue
	closed bool

	wg   sync.WaitGroup
	quit chan struct{}
}

type chainQueue struct {
	chainID uint64
	pending []*Item
	// wake nudges the chain loop after an enqueue; capacity 1, a pending
	// nudge already covers any number of enqueues.
	wake chan struct{}
}

// NewQueue creates a batching queue. A nil clock uses the system clock.
func NewQueue(cfg Config, clock mclock.Clock) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Queue{
		cfg:    cfg,
		clock:  clock,
		out:    make(chan *Batch, 16),
		log:    log.New("component", "batch-queue"),
		chains: make(map[uint64]*chainQueue),
		quit:   make(chan struct{}),
	}
}

// Out delivers sealed batches. Closed after Close has flushed every chain.
func (q *Queue) Out() <-chan *Batch {
	return q.out
}

// Enqueue adds one payout request to its chain's queue.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if item.AmountWei == nil || item.AmountWei.Sign() <= 0 {
		return core.NewError(core.KindInvalidArgument, "payout amount must be positive")
	}
	if item.RequestID == "" {
		item.RequestID = uuid.NewString()
	}
	item.EnqueuedAt = q.clock.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return core.NewError(core.KindConflict, "batch queue is shut down")
	}
	cq, ok := q.chains[item.ChainID]
	if !ok {
		cq = &chainQueue{chainID: item.ChainID, wake: make(chan struct{}, 1)}
		q.chains[item.ChainID] = cq
		q.wg.Add(1)
		go q.runChain(cq)
	}
	cq.pending = append(cq.pending, item)
	q.mu.Unlock()

	select {
	case cq.wake <- struct{}{}:
	default:
	}
	_ = ctx
	return nil
}

// Close flushes every non-empty chain queue regardless of size or age, then
// closes Out.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()

	q.mu.Lock()
	var flushed []*Batch
	for _, cq := range q.chains {
		if len(cq.pending) > 0 {
			flushed = append(flushed, q.sealLocked(cq, ReasonFlush))
		}
	}
	q.mu.Unlock()
	for _, b := range flushed {
		q.out <- b
	}
	close(q.out)
}

// runChain owns one chain's queue. It evaluates the seal conditions after
// every enqueue and on the age timer of the oldest pending item.
func (q *Queue) runChain(cq *chainQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var sealed *Batch
		var wait time.Duration
		switch {
		case len(cq.pending) >= q.cfg.MaxSize:
			sealed = q.sealLocked(cq, ReasonSize)
		case len(cq.pending) > 0:
			age := time.Duration(q.clock.Now() - cq.pending[0].EnqueuedAt)
			if age >= q.cfg.MaxWait {
				sealed = q.sealLocked(cq, ReasonTimer)
			} else {
				wait = q.cfg.MaxWait - age
			}
		default:
			wait = 0
		}
		q.mu.Unlock()

		if sealed != nil {
			q.out <- sealed
			continue
		}

		if wait > 0 {
			select {
			case <-cq.wake:
			case <-q.clock.After(wait):
			case <-q.quit:
				return
			}
		} else {
			select {
			case <-cq.wake:
			case <-q.quit:
				return
			}
		}
	}
}

// sealLocked detaches up to MaxSize pending items into an immutable batch.
// Caller holds q.mu and sends the batch to Out after releasing it.
func (q *Queue) sealLocked(cq *chainQueue, reason string) *Batch {
	n := len(cq.pending)
	if reason == ReasonSize && n > q.cfg.MaxSize {
		n = q.cfg.MaxSize
	}
	items := make([]*Item, n)
	copy(items, cq.pending[:n])
	cq.pending = append(cq.pending[:0:0], cq.pending[n:]...)

	b := &Batch{
		ID:          uuid.NewString(),
		ChainID:     cq.chainID,
		Items:       items,
		ReadyReason: reason,
		ReadyAt:     time.Now().UTC(),
	}
	q.log.Debug("Batch sealed", "chain", b.ChainID, "items", len(items), "reason", reason)
	return b
}
