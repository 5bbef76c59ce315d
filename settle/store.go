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

package settle

import (
	"context"

	"github.com/envelop-finance/relayer/storage"
)

// Store is the persistence surface the settlement gate needs. The Postgres
// implementation lives in the storage package; tests substitute an in-memory
// one.
type Store interface {
	// WithTx runs fn inside a single atomic storage transaction. Any error
	// from fn rolls the transaction back; nothing partial persists.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// IntentResult returns the stored terminal result for an intent id, or
	// nil when the intent has never settled.
	IntentResult(ctx context.Context, intentID string) (*storage.SettlementResult, error)
	// InsertLedgerEvent appends a ledger event outside any feature
	// transaction. Used for rejected, failed and timed-out intents, which
	// mutate no feature rows.
	InsertLedgerEvent(ctx context.Context, ev *storage.LedgerEvent) error
}

// Tx is the transactional view handlers operate on. Lookups suffixed
// ForUpdate lock the row for the duration of the transaction.
type Tx interface {
	QuoteForUpdate(id string) (*storage.SwapQuote, error)
	InsertSwap(swap *storage.Swap) error

	UserByID(id string) (*storage.User, error)
	UserByPhone(phone string) (*storage.User, error)
	UserByWallet(address string) (*storage.User, error)
	SetUserProfile(userID, username, displayName, claimTxID string) error

	InsertPayment(p *storage.Payment) error

	InsertInvoice(inv *storage.Invoice) error
	InvoiceForUpdate(id string) (*storage.Invoice, error)
	MarkInvoicePaid(id, payTxID string) error

	YieldQuoteByID(id string) (*storage.YieldQuote, error)
	InsertYieldAction(a *storage.YieldAction) error

	ClaimByUsername(username string) (*storage.IdentityClaim, error)
	UpsertClaim(c *storage.IdentityClaim) error

	// AdjustBalance moves the cached balance by delta (negative debits).
	// Only called in backend-simulated ledger mode.
	AdjustBalance(userID, token string, delta int64) error

	InsertLedgerEvent(ev *storage.LedgerEvent) error
	SaveIntentResult(res *storage.SettlementResult) error
}
