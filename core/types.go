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

// Package core holds the domain types shared across the relayer subsystems:
// normalized transaction states, decoded private-chain transactions, feature
// kinds and the error taxonomy surfaced to API clients.
package core

import "time"

// TxState is the normalized lifecycle state of a private-chain transaction as
// reported by the status oracle.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
	TxUnknown   TxState = "unknown"
)

// Terminal reports whether the state ends the polling loop. Unknown is
// deliberately non-terminal: callers must treat it like pending and retry,
// never like confirmed.
func (s TxState) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// Transition is one (program, function) invocation inside a transaction. A
// transaction may carry several, in execution order. Inputs are the literal
// input operands as rendered by the explorer, used by the identity-claim
// verifier to re-check committed hashes.
type Transition struct {
	ProgramID string   `json:"program_id"`
	Function  string   `json:"function"`
	Inputs    []string `json:"inputs,omitempty"`
}

// DecodedTransaction is the oracle's view of a transaction body: the top-level
// program and function when the explorer reports one, the fee payer that
// authorized the transaction, and the ordered transition list.
type DecodedTransaction struct {
	ProgramID   string       `json:"program_id,omitempty"`
	Function    string       `json:"function,omitempty"`
	FeePayer    string       `json:"fee_payer,omitempty"`
	Transitions []Transition `json:"transitions"`
}

// TxStatus is a point-in-time snapshot of a transaction's state. Snapshots
// are never mutated; a newer fetch replaces the older one wholesale.
type TxStatus struct {
	TxID      string              `json:"tx_id"`
	State     TxState             `json:"normalized_state"`
	Raw       string              `json:"raw_state"`
	Source    string              `json:"source"`
	FetchedAt time.Time           `json:"fetched_at"`
	Decoded   *DecodedTransaction `json:"decoded,omitempty"`
}

// FeatureKind names a settlement feature gated by the relayer.
type FeatureKind string

const (
	FeatureSwap          FeatureKind = "swap"
	FeaturePaymentCreate FeatureKind = "payment_create"
	FeaturePaymentSettle FeatureKind = "payment_settle"
	FeatureInvoiceCreate FeatureKind = "invoice_create"
	FeatureInvoicePay    FeatureKind = "invoice_pay"
	FeatureYieldStep     FeatureKind = "yield_step"
	FeatureIdentityClaim FeatureKind = "identity_claim"
)

// Features lists every feature kind, in a fixed order, for policy loading.
func Features() []FeatureKind {
	return []FeatureKind{
		FeatureSwap,
		FeaturePaymentCreate,
		FeaturePaymentSettle,
		FeatureInvoiceCreate,
		FeatureInvoicePay,
		FeatureYieldStep,
		FeatureIdentityClaim,
	}
}

// LedgerOutcome is the terminal outcome recorded in the settlement ledger.
type LedgerOutcome string

const (
	OutcomeConfirmedSettled  LedgerOutcome = "confirmed_settled"
	OutcomeConfirmedRejected LedgerOutcome = "confirmed_rejected"
	OutcomeFailed            LedgerOutcome = "failed"
	OutcomeTimeout           LedgerOutcome = "timeout"
)
