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
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/envelop-finance/relayer/core"
)

// Intent is one settlement request. Feature routes construct it; the gate
// consumes it exactly once. Exactly one feature payload is set, matching
// Feature.
type Intent struct {
	ID          string
	Feature     core.FeatureKind
	OwnerUserID string
	OwnerWallet string
	// TxID is the confirming transaction. Yield intents leave it empty and
	// carry per-step tx ids instead.
	TxID string

	Swap     *SwapIntent
	Payment  *PaymentIntent
	Invoice  *InvoiceIntent
	Yield    *YieldIntent
	Identity *IdentityIntent
}

// SwapIntent settles a previously quoted swap.
type SwapIntent struct {
	QuoteID string
}

// PaymentIntent sends funds to a recipient named by username, phone or raw
// address; resolution prefers the on-chain claim index.
type PaymentIntent struct {
	RecipientUsername string
	RecipientPhone    string
	RecipientAddress  string
	Token             string
	AmountAtomic      uint64
	// Payout mirrors the settled payment as an outbound EVM transfer.
	// Only valid on settled payments, never on record-only ones.
	Payout *EVMPayout
}

// EVMPayout is the EVM leg of a settled payment. The gate hands it to the
// batching queue after the settlement transaction commits.
type EVMPayout struct {
	ChainID   uint64
	Recipient common.Address
	AmountWei *big.Int
}

// InvoiceIntent either creates an invoice (InvoiceID empty) or pays one.
type InvoiceIntent struct {
	InvoiceID         string
	Token             string
	AmountAtomic      uint64
	RecipientUsername string
}

// YieldStep pairs a planned transition with the tx id the caller executed
// for it.
type YieldStep struct {
	TxID      string
	ProgramID string
	Function  string
}

// YieldIntent settles a multi-step yield plan. Steps are checked in order;
// any failure aborts the whole intent.
type YieldIntent struct {
	QuoteID string
	Steps   []YieldStep
}

// IdentityIntent claims a username for the owner's wallet.
type IdentityIntent struct {
	Username    string
	DisplayName string
}

// Outcome is the terminal result of a settled intent.
type Outcome struct {
	IntentID string
	Feature  core.FeatureKind
	Result   core.LedgerOutcome
	// RowID is the id of the feature row written by the handler.
	RowID string
	TxID  string
	// Replayed marks an outcome served from the stored result of a prior
	// settle call for the same intent id.
	Replayed bool
}

func (in *Intent) primaryTxID() string {
	if in.TxID != "" {
		return in.TxID
	}
	if in.Yield != nil && len(in.Yield.Steps) > 0 {
		return in.Yield.Steps[len(in.Yield.Steps)-1].TxID
	}
	return ""
}
