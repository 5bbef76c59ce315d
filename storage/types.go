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

// Package storage persists the relayer's state in Postgres. Row types here
// are the storage view of the domain; feature mutations happen inside a
// single database transaction per settlement intent.
package storage

import (
	"encoding/json"
	"time"

	"github.com/envelop-finance/relayer/core"
)

// Submission modes.
const (
	ModeRegisterOnly  = "register_only"
	ModeNetworkSubmit = "network_submit"
)

// Submission statuses.
const (
	SubmissionAccepted = "accepted"
	SubmissionFailed   = "failed"
)

// Submission is one relay submission: either a forwarded serialized
// transaction or a client-registered tx id.
type Submission struct {
	ID            string
	OwnerUserID   string
	ClientTxID    *string
	Mode          string
	Status        string
	TxID          *string
	SerializedLen int
	ResponseBlob  json.RawMessage
	Note          string
	CreatedAt     time.Time
}

// User is an account row. Username is nil until an identity claim settles.
type User struct {
	ID                string
	WalletAddress     string
	Phone             *string
	Username          *string
	DisplayName       *string
	UsernameClaimTxID *string
	CreatedAt         time.Time
}

// SwapQuote is a priced swap offer with an expiry.
type SwapQuote struct {
	ID        string
	UserID    string
	TokenIn   string
	TokenOut  string
	AmountIn  uint64
	AmountOut uint64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Swap is a settled swap linked to its confirming transaction.
type Swap struct {
	ID        string
	QuoteID   string
	UserID    string
	TokenIn   string
	TokenOut  string
	AmountIn  uint64
	AmountOut uint64
	AleoTxID  string
	CreatedAt time.Time
}

// Payment is a settled transfer. InvoiceID links invoice payments.
type Payment struct {
	ID               string
	SenderUserID     string
	RecipientUserID  *string
	RecipientAddress string
	Token            string
	AmountAtomic     uint64
	AleoTxID         string
	InvoiceID        *string
	CreatedAt        time.Time
}

// Invoice statuses.
const (
	InvoiceOpen = "open"
	InvoicePaid = "paid"
)

// Invoice is a payment request. RecipientUserID, when set, locks who may pay.
type Invoice struct {
	ID              string
	CreatorUserID   string
	RecipientUserID *string
	Token           string
	AmountAtomic    uint64
	Status          string
	CreateTxID      string
	PayTxID         *string
	CreatedAt       time.Time
}

// PlannedStep is one planned (program, function) transition of a yield quote.
type PlannedStep struct {
	ProgramID string `json:"program_id"`
	Function  string `json:"function"`
}

// YieldQuote is a solved yield plan: an ordered transition list the user must
// execute on-chain.
type YieldQuote struct {
	ID        string
	UserID    string
	Steps     []PlannedStep
	CreatedAt time.Time
}

// YieldAction records a fully confirmed yield plan, linked to the final
// transaction of the sequence.
type YieldAction struct {
	ID        string
	QuoteID   string
	UserID    string
	FinalTxID string
	CreatedAt time.Time
}

// IdentityClaim binds a username to a wallet address. Usernames are unique
// and never reassigned.
type IdentityClaim struct {
	Username        string
	UsernameHash    string
	DisplayNameHash string
	WalletAddress   string
	ClaimTxID       string
	ProgramID       string
	Function        string
	ClaimedAt       time.Time
}

// LedgerEvent is one append-only settlement ledger entry.
type LedgerEvent struct {
	ID          string
	Feature     core.FeatureKind
	TxID        string
	OwnerUserID string
	Outcome     core.LedgerOutcome
	ProgramID   string
	Function    string
	CreatedAt   time.Time
}

// SettlementResult caches the terminal outcome of a settlement intent so a
// replayed intent id returns the prior result instead of re-running handlers.
type SettlementResult struct {
	IntentID  string
	Feature   core.FeatureKind
	TxID      string
	Outcome   core.LedgerOutcome
	RowID     string
	CreatedAt time.Time
}

// EVMPayout records the terminal result of one dispatched batch item.
type EVMPayout struct {
	RequestID string
	BatchID   string
	ChainID   uint64
	Recipient string
	AmountWei string
	TxHash    *string
	SendError *string
	Success   bool
	CreatedAt time.Time
}
