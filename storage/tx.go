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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// Tx is one open database transaction. Settlement handlers run against it;
// every mutation commits or rolls back as a unit.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// QuoteForUpdate loads a swap quote and locks the row until commit.
func (t *Tx) QuoteForUpdate(id string) (*SwapQuote, error) {
	var q SwapQuote
	var amountIn, amountOut int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, user_id, token_in, token_out, amount_in, amount_out,
			expires_at, created_at
		FROM swap_quotes WHERE id = $1 FOR UPDATE`, id).
		Scan(&q.ID, &q.UserID, &q.TokenIn, &q.TokenOut, &amountIn, &amountOut,
			&q.ExpiresAt, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(err, "load swap quote")
	}
	q.AmountIn, q.AmountOut = uint64(amountIn), uint64(amountOut)
	return &q, nil
}

// InsertSwap persists a settled swap row.
func (t *Tx) InsertSwap(swap *Swap) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO swaps (id, quote_id, user_id, token_in, token_out,
			amount_in, amount_out, aleo_tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		swap.ID, swap.QuoteID, swap.UserID, swap.TokenIn, swap.TokenOut,
		int64(swap.AmountIn), int64(swap.AmountOut), swap.AleoTxID, swap.CreatedAt)
	return wrapStorage(err, "insert swap")
}

// UserByID loads a user row inside the transaction.
func (t *Tx) UserByID(id string) (*User, error) {
	return scanUser(t.tx.QueryRowContext(t.ctx, userSelect+` WHERE id = $1`, id))
}

// UserByPhone resolves a phone number to its user, or nil.
func (t *Tx) UserByPhone(phone string) (*User, error) {
	return scanUser(t.tx.QueryRowContext(t.ctx, userSelect+` WHERE phone = $1`, phone))
}

// UserByWallet resolves a wallet address to its user, or nil.
func (t *Tx) UserByWallet(address string) (*User, error) {
	return scanUser(t.tx.QueryRowContext(t.ctx, userSelect+` WHERE wallet_address = $1`, address))
}

// SetUserProfile binds a settled username claim to the user row.
func (t *Tx) SetUserProfile(userID, username, displayName, claimTxID string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE users SET username = $2, display_name = $3, username_claim_tx_id = $4
		WHERE id = $1`, userID, username, displayName, claimTxID)
	return wrapStorage(err, "set user profile")
}

// InsertPayment persists a settled payment row.
func (t *Tx) InsertPayment(p *Payment) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO payments (id, sender_user_id, recipient_user_id,
			recipient_address, token, amount_atomic, aleo_tx_id, invoice_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.SenderUserID, p.RecipientUserID, p.RecipientAddress,
		p.Token, int64(p.AmountAtomic), p.AleoTxID, p.InvoiceID, p.CreatedAt)
	return wrapStorage(err, "insert payment")
}

// InsertInvoice persists a new open invoice.
func (t *Tx) InsertInvoice(inv *Invoice) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO invoices (id, creator_user_id, recipient_user_id, token,
			amount_atomic, status, create_tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.CreatorUserID, inv.RecipientUserID, inv.Token,
		int64(inv.AmountAtomic), inv.Status, inv.CreateTxID, inv.CreatedAt)
	return wrapStorage(err, "insert invoice")
}

// InvoiceForUpdate loads an invoice and locks the row until commit.
func (t *Tx) InvoiceForUpdate(id string) (*Invoice, error) {
	var inv Invoice
	var amount int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, creator_user_id, recipient_user_id, token, amount_atomic,
			status, create_tx_id, pay_tx_id, created_at
		FROM invoices WHERE id = $1 FOR UPDATE`, id).
		Scan(&inv.ID, &inv.CreatorUserID, &inv.RecipientUserID, &inv.Token,
			&amount, &inv.Status, &inv.CreateTxID, &inv.PayTxID, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(err, "load invoice")
	}
	inv.AmountAtomic = uint64(amount)
	return &inv, nil
}

// MarkInvoicePaid flips an invoice to paid and links the paying transaction.
func (t *Tx) MarkInvoicePaid(id, payTxID string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE invoices SET status = $2, pay_tx_id = $3 WHERE id = $1`,
		id, InvoicePaid, payTxID)
	return wrapStorage(err, "mark invoice paid")
}

// YieldQuoteByID loads a solved yield plan, or nil.
func (t *Tx) YieldQuoteByID(id string) (*YieldQuote, error) {
	var q YieldQuote
	var steps []byte
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, user_id, steps, created_at
		FROM yield_quotes WHERE id = $1`, id).
		Scan(&q.ID, &q.UserID, &steps, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(err, "load yield quote")
	}
	if err := json.Unmarshal(steps, &q.Steps); err != nil {
		return nil, wrapStorage(err, "decode yield steps")
	}
	return &q, nil
}

// InsertYieldAction persists a confirmed yield plan execution.
func (t *Tx) InsertYieldAction(a *YieldAction) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO yield_actions (id, quote_id, user_id, final_tx_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.QuoteID, a.UserID, a.FinalTxID, a.CreatedAt)
	return wrapStorage(err, "insert yield action")
}

// ClaimByUsername loads an identity claim, or nil. The claim table is the
// authoritative username index.
func (t *Tx) ClaimByUsername(username string) (*IdentityClaim, error) {
	var c IdentityClaim
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT username, username_hash, display_name_hash, wallet_address,
			claim_tx_id, program_id, function_name, claimed_at
		FROM identity_claims WHERE username = $1`, username).
		Scan(&c.Username, &c.UsernameHash, &c.DisplayNameHash, &c.WalletAddress,
			&c.ClaimTxID, &c.ProgramID, &c.Function, &c.ClaimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage(err, "load identity claim")
	}
	return &c, nil
}

// UpsertClaim writes an identity claim. Usernames never reassign, so a
// conflicting insert for a different wallet surfaces as a conflict.
func (t *Tx) UpsertClaim(c *IdentityClaim) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO identity_claims (username, username_hash, display_name_hash,
			wallet_address, claim_tx_id, program_id, function_name, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (username) DO UPDATE SET
			claim_tx_id = EXCLUDED.claim_tx_id,
			claimed_at  = EXCLUDED.claimed_at
		WHERE identity_claims.wallet_address = EXCLUDED.wallet_address`,
		c.Username, c.UsernameHash, c.DisplayNameHash, c.WalletAddress,
		c.ClaimTxID, c.ProgramID, c.Function, c.ClaimedAt)
	return wrapStorage(err, "upsert identity claim")
}

// AdjustBalance moves a cached balance by delta. Negative deltas debit.
func (t *Tx) AdjustBalance(userID, token string, delta int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO balances (user_id, token, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, token) DO UPDATE SET
			amount = balances.amount + EXCLUDED.amount`,
		userID, token, delta)
	return wrapStorage(err, "adjust balance")
}

// InsertLedgerEvent appends one ledger event inside the transaction.
func (t *Tx) InsertLedgerEvent(ev *LedgerEvent) error {
	_, err := t.tx.ExecContext(t.ctx, insertLedgerEventSQL,
		ev.ID, string(ev.Feature), ev.TxID, ev.OwnerUserID, string(ev.Outcome),
		ev.ProgramID, ev.Function, ev.CreatedAt)
	return wrapStorage(err, "insert ledger event")
}

// SaveIntentResult caches the intent's terminal outcome for replay.
func (t *Tx) SaveIntentResult(res *SettlementResult) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO settlement_results (intent_id, feature, tx_id, outcome,
			row_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		res.IntentID, string(res.Feature), res.TxID, string(res.Outcome),
		res.RowID, res.CreatedAt)
	return wrapStorage(err, "save intent result")
}
