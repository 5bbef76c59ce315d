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

package batch

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/require"

	"github.com/envelop-finance/relayer/core"
)

func payout(chainID uint64, i int) *Item {
	return &Item{
		RequestID: fmt.Sprintf("req-%d", i),
		ChainID:   chainID,
		Recipient: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		AmountWei: big.NewInt(int64(1000 + i)),
	}
}

func collect(t *testing.T, q *Queue) *Batch {
	t.Helper()
	select {
	case b := <-q.Out():
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no batch emitted")
		return nil
	}
}

func TestQueueSealsOnSize(t *testing.T) {
	q := NewQueue(Config{MaxSize: 5, MaxWait: time.Hour}, nil)
	defer q.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), payout(11155111, i)))
	}

	for n := 0; n < 2; n++ {
		b := collect(t, q)
		require.Equal(t, ReasonSize, b.ReadyReason)
		require.Len(t, b.Items, 5)
		require.Equal(t, uint64(11155111), b.ChainID)
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(Config{MaxSize: 3, MaxWait: time.Hour}, nil)
	defer q.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(context.Background(), payout(1, i)))
	}
	var got []string
	for n := 0; n < 2; n++ {
		b := collect(t, q)
		for _, it := range b.Items {
			got = append(got, it.RequestID)
		}
	}
	require.Equal(t, []string{"req-0", "req-1", "req-2", "req-3", "req-4", "req-5"}, got)
}

func TestQueueSizeOneSealsImmediately(t *testing.T) {
	q := NewQueue(Config{MaxSize: 1, MaxWait: time.Hour}, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), payout(1, 0)))
	b := collect(t, q)
	require.Equal(t, ReasonSize, b.ReadyReason)
	require.Len(t, b.Items, 1)
}

func TestQueueSealsOnTimer(t *testing.T) {
	clock := new(mclock.Simulated)
	q := NewQueue(Config{MaxSize: 5, MaxWait: 10 * time.Second}, clock)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), payout(1, 0)))
	require.NoError(t, q.Enqueue(context.Background(), payout(1, 1)))

	// Wait for the chain loop to park on the age timer, then age the queue
	// past the window.
	clock.WaitForTimers(1)
	clock.Run(10 * time.Second)

	b := collect(t, q)
	require.Equal(t, ReasonTimer, b.ReadyReason)
	require.Len(t, b.Items, 2)
}

func TestQueueSeparatesChains(t *testing.T) {
	q := NewQueue(Config{MaxSize: 2, MaxWait: time.Hour}, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), payout(1, 0)))
	require.NoError(t, q.Enqueue(context.Background(), payout(2, 1)))
	require.NoError(t, q.Enqueue(context.Background(), payout(1, 2)))
	require.NoError(t, q.Enqueue(context.Background(), payout(2, 3)))

	seen := map[uint64]int{}
	for n := 0; n < 2; n++ {
		b := collect(t, q)
		require.Len(t, b.Items, 2)
		for _, it := range b.Items {
			require.Equal(t, b.ChainID, it.ChainID)
		}
		seen[b.ChainID]++
	}
	require.Equal(t, map[uint64]int{1: 1, 2: 1}, seen)
}

func TestQueueFlushOnClose(t *testing.T) {
	q := NewQueue(Config{MaxSize: 5, MaxWait: time.Hour}, nil)

	require.NoError(t, q.Enqueue(context.Background(), payout(1, 0)))
	require.NoError(t, q.Enqueue(context.Background(), payout(1, 1)))

	done := make(chan *Batch, 1)
	go func() {
		var last *Batch
		for b := range q.Out() {
			last = b
		}
		done <- last
	}()
	q.Close()

	b := <-done
	require.NotNil(t, b)
	require.Equal(t, ReasonFlush, b.ReadyReason)
	require.Len(t, b.Items, 2)

	err := q.Enqueue(context.Background(), payout(1, 2))
	require.True(t, core.IsKind(err, core.KindConflict))
}

func TestQueueRejectsNonPositiveAmount(t *testing.T) {
	q := NewQueue(Config{}, nil)
	defer q.Close()

	err := q.Enqueue(context.Background(), &Item{ChainID: 1, AmountWei: big.NewInt(0)})
	require.True(t, core.IsKind(err, core.KindInvalidArgument))
	err = q.Enqueue(context.Background(), &Item{ChainID: 1})
	require.True(t, core.IsKind(err, core.KindInvalidArgument))
}
