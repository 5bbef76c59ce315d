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

// Package wallet runs outbound EVM payouts through a small pool of signer
// wallets per chain. Each wallet owns its nonce counter; batch items are
// spread across wallets by in-flight load and executed in parallel.
package wallet

import (
	"crypto/ecdsa"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
)

// Wallet is one funded signer. The nonce counter is mutated only through
// reserve and reset, both serialized by the wallet's own mutex, so nonces
// hand out in FIFO order of reservation.
type Wallet struct {
	address common.Address
	key     *ecdsa.PrivateKey

	mu    sync.Mutex
	nonce uint64

	inFlight atomic.Int32
	lastUsed atomic.Int64 // mclock.AbsTime
}

func newWallet(key *ecdsa.PrivateKey, addr common.Address, startNonce uint64) *Wallet {
	return &Wallet{address: addr, key: key, nonce: startNonce}
}

// Address returns the wallet's account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// reserveNonce atomically hands out the next nonce and advances the counter.
func (w *Wallet) reserveNonce() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.nonce
	w.nonce++
	return n
}

// resetNonce rewinds the counter to the provider's pending nonce after a
// nonce-too-low rejection. The next reservation starts from n.
func (w *Wallet) resetNonce(n uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonce = n
}

func (w *Wallet) acquire(now mclock.AbsTime) {
	w.inFlight.Add(1)
	w.lastUsed.Store(int64(now))
}

func (w *Wallet) release() {
	w.inFlight.Add(-1)
}

// InFlight returns the number of items currently executing on this wallet.
func (w *Wallet) InFlight() int {
	return int(w.inFlight.Load())
}
