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
	"time"

	"github.com/google/uuid"

	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/fieldhash"
	"github.com/envelop-finance/relayer/storage"
)

// applyFeature dispatches to the feature handler. Handlers run inside the
// caller's storage transaction and return the id of the row they wrote.
func (g *Gate) applyFeature(tx Tx, intent *Intent, status *core.TxStatus) (string, error) {
	switch intent.Feature {
	case core.FeatureSwap:
		return g.applySwap(tx, intent)
	case core.FeaturePaymentCreate, core.FeaturePaymentSettle:
		return g.applyPayment(tx, intent)
	case core.FeatureInvoiceCreate:
		return g.applyInvoiceCreate(tx, intent)
	case core.FeatureInvoicePay:
		return g.applyInvoicePay(tx, intent)
	case core.FeatureYieldStep:
		return g.applyYield(tx, intent)
	case core.FeatureIdentityClaim:
		return g.applyIdentity(tx, intent, status)
	}
	return "", core.NewError(core.KindInvalidArgument, "unhandled feature %s", intent.Feature)
}

func (g *Gate) applySwap(tx Tx, intent *Intent) (string, error) {
	if intent.Swap == nil {
		return "", core.NewError(core.KindInvalidArgument, "swap intent missing payload")
	}
	quote, err := tx.QuoteForUpdate(intent.Swap.QuoteID)
	if err != nil {
		return "", err
	}
	if quote == nil {
		return "", core.NewError(core.KindNotFound, "swap quote %s not found", intent.Swap.QuoteID)
	}
	if quote.UserID != intent.OwnerUserID {
		return "", core.NewError(core.KindForbidden, "swap quote belongs to a different user")
	}
	if !quote.ExpiresAt.After(time.Now()) {
		return "", core.NewError(core.KindConflict, "swap quote %s expired", quote.ID)
	}
	if !g.cfg.OnchainLedger {
		if err := tx.AdjustBalance(intent.OwnerUserID, quote.TokenIn, -int64(quote.AmountIn)); err != nil {
			return "", err
		}
		if err := tx.AdjustBalance(intent.OwnerUserID, quote.TokenOut, int64(quote.AmountOut)); err != nil {
			return "", err
		}
	}
	swap := &storage.Swap{
		ID:        uuid.NewString(),
		QuoteID:   quote.ID,
		UserID:    intent.OwnerUserID,
		TokenIn:   quote.TokenIn,
		TokenOut:  quote.TokenOut,
		AmountIn:  quote.AmountIn,
		AmountOut: quote.AmountOut,
		AleoTxID:  intent.TxID,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.InsertSwap(swap); err != nil {
		return "", err
	}
	return swap.ID, nil
}

func (g *Gate) applyPayment(tx Tx, intent *Intent) (string, error) {
	if intent.Payment == nil {
		return "", core.NewError(core.KindInvalidArgument, "payment intent missing payload")
	}
	recipient, recipientAddr, err := g.resolveRecipient(tx, intent.Payment)
	if err != nil {
		return "", err
	}
	payment := &storage.Payment{
		ID:               uuid.NewString(),
		SenderUserID:     intent.OwnerUserID,
		RecipientAddress: recipientAddr,
		Token:            intent.Payment.Token,
		AmountAtomic:     intent.Payment.AmountAtomic,
		AleoTxID:         intent.TxID,
		CreatedAt:        time.Now().UTC(),
	}
	if recipient != nil {
		payment.RecipientUserID = &recipient.ID
	}
	if err := tx.InsertPayment(payment); err != nil {
		return "", err
	}
	// payment_create only records the intent; balances move on settle.
	if intent.Feature == core.FeaturePaymentSettle && !g.cfg.OnchainLedger {
		if err := tx.AdjustBalance(intent.OwnerUserID, payment.Token, -int64(payment.AmountAtomic)); err != nil {
			return "", err
		}
		if recipient != nil {
			if err := tx.AdjustBalance(recipient.ID, payment.Token, int64(payment.AmountAtomic)); err != nil {
				return "", err
			}
		}
	}
	return payment.ID, nil
}

// resolveRecipient resolves a payment target. The on-chain claim index is
// authoritative for usernames; phone and raw-address fallbacks are legacy
// and refused when the gate requires on-chain resolution.
func (g *Gate) resolveRecipient(tx Tx, p *PaymentIntent) (*storage.User, string, error) {
	if p.RecipientUsername != "" {
		claim, err := tx.ClaimByUsername(normalizeUsername(p.RecipientUsername))
		if err != nil {
			return nil, "", err
		}
		if claim != nil {
			user, err := tx.UserByWallet(claim.WalletAddress)
			if err != nil {
				return nil, "", err
			}
			return user, claim.WalletAddress, nil
		}
		return nil, "", core.NewError(core.KindRecipientUnresolved,
			"username %s has no on-chain claim", p.RecipientUsername)
	}
	if g.cfg.RequireOnchainRecipient {
		return nil, "", core.NewError(core.KindRecipientUnresolved,
			"recipient must be a claimed username")
	}
	if p.RecipientPhone != "" {
		user, err := tx.UserByPhone(p.RecipientPhone)
		if err != nil {
			return nil, "", err
		}
		if user == nil {
			return nil, "", core.NewError(core.KindRecipientUnresolved,
				"no user registered for phone recipient")
		}
		return user, user.WalletAddress, nil
	}
	if p.RecipientAddress != "" {
		user, err := tx.UserByWallet(p.RecipientAddress)
		if err != nil {
			return nil, "", err
		}
		// A raw address outside the user table is still payable; the
		// payment row just carries no recipient user.
		return user, p.RecipientAddress, nil
	}
	return nil, "", core.NewError(core.KindRecipientUnresolved, "no recipient provided")
}

func (g *Gate) applyInvoiceCreate(tx Tx, intent *Intent) (string, error) {
	if intent.Invoice == nil {
		return "", core.NewError(core.KindInvalidArgument, "invoice intent missing payload")
	}
	inv := &storage.Invoice{
		ID:            uuid.NewString(),
		CreatorUserID: intent.OwnerUserID,
		Token:         intent.Invoice.Token,
		AmountAtomic:  intent.Invoice.AmountAtomic,
		Status:        storage.InvoiceOpen,
		CreateTxID:    intent.TxID,
		CreatedAt:     time.Now().UTC(),
	}
	if intent.Invoice.RecipientUsername != "" {
		claim, err := tx.ClaimByUsername(normalizeUsername(intent.Invoice.RecipientUsername))
		if err != nil {
			return "", err
		}
		if claim == nil {
			return "", core.NewError(core.KindRecipientUnresolved,
				"invoice recipient %s has no on-chain claim", intent.Invoice.RecipientUsername)
		}
		user, err := tx.UserByWallet(claim.WalletAddress)
		if err != nil {
			return "", err
		}
		if user != nil {
			inv.RecipientUserID = &user.ID
		}
	}
	if err := tx.InsertInvoice(inv); err != nil {
		return "", err
	}
	return inv.ID, nil
}

func (g *Gate) applyInvoicePay(tx Tx, intent *Intent) (string, error) {
	if intent.Invoice == nil || intent.Invoice.InvoiceID == "" {
		return "", core.NewError(core.KindInvalidArgument, "invoice pay intent missing invoice id")
	}
	inv, err := tx.InvoiceForUpdate(intent.Invoice.InvoiceID)
	if err != nil {
		return "", err
	}
	if inv == nil {
		return "", core.NewError(core.KindNotFound, "invoice %s not found", intent.Invoice.InvoiceID)
	}
	if inv.Status != storage.InvoiceOpen {
		return "", core.NewError(core.KindConflict, "invoice %s is %s", inv.ID, inv.Status)
	}
	if inv.RecipientUserID != nil && *inv.RecipientUserID != intent.OwnerUserID {
		return "", core.NewError(core.KindForbidden, "invoice is locked to a different payer")
	}
	creator, err := tx.UserByID(inv.CreatorUserID)
	if err != nil {
		return "", err
	}
	if creator == nil {
		return "", core.NewError(core.KindNotFound, "invoice creator missing")
	}
	payment := &storage.Payment{
		ID:               uuid.NewString(),
		SenderUserID:     intent.OwnerUserID,
		RecipientUserID:  &inv.CreatorUserID,
		RecipientAddress: creator.WalletAddress,
		Token:            inv.Token,
		AmountAtomic:     inv.AmountAtomic,
		AleoTxID:         intent.TxID,
		InvoiceID:        &inv.ID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := tx.InsertPayment(payment); err != nil {
		return "", err
	}
	if err := tx.MarkInvoicePaid(inv.ID, intent.TxID); err != nil {
		return "", err
	}
	if !g.cfg.OnchainLedger {
		if err := tx.AdjustBalance(intent.OwnerUserID, inv.Token, -int64(inv.AmountAtomic)); err != nil {
			return "", err
		}
		if err := tx.AdjustBalance(inv.CreatorUserID, inv.Token, int64(inv.AmountAtomic)); err != nil {
			return "", err
		}
	}
	return payment.ID, nil
}

func (g *Gate) applyYield(tx Tx, intent *Intent) (string, error) {
	quote, err := tx.YieldQuoteByID(intent.Yield.QuoteID)
	if err != nil {
		return "", err
	}
	if quote == nil {
		return "", core.NewError(core.KindNotFound, "yield quote %s not found", intent.Yield.QuoteID)
	}
	if quote.UserID != intent.OwnerUserID {
		return "", core.NewError(core.KindForbidden, "yield quote belongs to a different user")
	}
	if len(quote.Steps) != len(intent.Yield.Steps) {
		return "", core.NewError(core.KindInvalidArgument,
			"yield intent carries %d steps, plan has %d", len(intent.Yield.Steps), len(quote.Steps))
	}
	for i, planned := range quote.Steps {
		got := intent.Yield.Steps[i]
		if planned.ProgramID != got.ProgramID || planned.Function != got.Function {
			return "", core.NewError(core.KindPolicyMismatch,
				"yield step %d deviates from plan: %s/%s", i, got.ProgramID, got.Function)
		}
	}
	action := &storage.YieldAction{
		ID:        uuid.NewString(),
		QuoteID:   quote.ID,
		UserID:    intent.OwnerUserID,
		FinalTxID: intent.Yield.Steps[len(intent.Yield.Steps)-1].TxID,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.InsertYieldAction(action); err != nil {
		return "", err
	}
	return action.ID, nil
}

// applyIdentity binds a username to the owner's wallet. Registration is
// one-shot per user: a second claim with a different name conflicts, a
// repeat of the same name only refreshes the claim row if it went missing.
func (g *Gate) applyIdentity(tx Tx, intent *Intent, status *core.TxStatus) (string, error) {
	if intent.Identity == nil {
		return "", core.NewError(core.KindInvalidArgument, "identity intent missing payload")
	}
	username := normalizeUsername(intent.Identity.Username)
	if !validUsername(username) {
		return "", core.NewError(core.KindInvalidArgument,
			"username must be 3-64 chars from [a-z0-9._-]")
	}
	user, err := tx.UserByID(intent.OwnerUserID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", core.NewError(core.KindNotFound, "user %s not found", intent.OwnerUserID)
	}
	if user.Username != nil && *user.Username != username {
		return "", core.NewError(core.KindConflict,
			"user already claimed username %s", *user.Username)
	}
	existing, err := tx.ClaimByUsername(username)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.WalletAddress != intent.OwnerWallet {
		return "", core.NewError(core.KindConflict, "username %s is already bound to another wallet", username)
	}
	var program, function string
	if status != nil && status.Decoded != nil {
		program = status.Decoded.ProgramID
		function = status.Decoded.Function
	}
	if existing == nil {
		if err := tx.UpsertClaim(&storage.IdentityClaim{
			Username:        username,
			UsernameHash:    fieldhash.Field(username),
			DisplayNameHash: fieldhash.Field(intent.Identity.DisplayName),
			WalletAddress:   intent.OwnerWallet,
			ClaimTxID:       intent.TxID,
			ProgramID:       program,
			Function:        function,
			ClaimedAt:       time.Now().UTC(),
		}); err != nil {
			return "", err
		}
	}
	if user.Username == nil {
		if err := tx.SetUserProfile(user.ID, username, intent.Identity.DisplayName, intent.TxID); err != nil {
			return "", err
		}
	}
	return username, nil
}

func normalizeUsername(u string) string {
	out := make([]byte, 0, len(u))
	for i := 0; i < len(u); i++ {
		c := u[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func validUsername(u string) bool {
	if len(u) < 3 || len(u) > 64 {
		return false
	}
	for i := 0; i < len(u); i++ {
		c := u[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
