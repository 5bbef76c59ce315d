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

// Package settle gates feature settlement on confirmed transactions. The
// gate polls the status oracle until the transaction reaches a terminal
// state, verifies it against the feature's policy, then applies the feature
// handler inside a single storage transaction.
package settle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/envelop-finance/relayer/batch"
	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/policy"
	"github.com/envelop-finance/relayer/storage"
)

// Oracle is the status lookup surface the gate polls.
type Oracle interface {
	Lookup(ctx context.Context, txID string) (*core.TxStatus, error)
}

// PayoutSink receives the EVM legs of settled payments. *batch.Queue
// implements it; a nil sink disables EVM dispatch.
type PayoutSink interface {
	Enqueue(ctx context.Context, item *batch.Item) error
}

// Config holds the gate's runtime knobs.
type Config struct {
	// PollInterval is the cadence of status polls.
	PollInterval time.Duration
	// Timeout bounds the whole wait for a terminal state. Zero means a
	// single poll: the first non-terminal answer times the intent out.
	Timeout time.Duration
	// OnchainLedger selects ledger mode: true treats the chain as the only
	// ledger and leaves cached balances untouched; false mirrors settlement
	// into cached balances inside the same transaction.
	OnchainLedger bool
	// RequireOnchainRecipient restricts payment recipients to usernames
	// resolvable through the on-chain claim index.
	RequireOnchainRecipient bool
	// Payouts receives the EVM leg of settled payments. Nil rejects
	// intents that carry one.
	Payouts PayoutSink
}

// Gate is the settlement conductor.
type Gate struct {
	store    Store
	oracle   Oracle
	policies policy.Table
	cfg      Config
	clock    mclock.Clock
	log      log.Logger

	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

type lockKey struct {
	userID  string
	feature core.FeatureKind
}

// New creates a settlement gate.
func New(store Store, oracle Oracle, policies policy.Table, cfg Config, clock mclock.Clock) *Gate {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Gate{
		store:    store,
		oracle:   oracle,
		policies: policies,
		cfg:      cfg,
		clock:    clock,
		log:      log.New("component", "settlement-gate"),
		locks:    make(map[lockKey]*sync.Mutex),
	}
}

// Settle drives one intent to a terminal outcome. Intents of the same
// (owner, feature) pair are serialized; everything else runs in parallel.
// Replaying an intent id that already applied returns the stored result.
func (g *Gate) Settle(ctx context.Context, intent *Intent) (*Outcome, error) {
	if err := g.validate(intent); err != nil {
		return nil, err
	}
	if prior, err := g.store.IntentResult(ctx, intent.ID); err != nil {
		return nil, core.WrapError(core.KindStorageError, err, "intent replay lookup")
	} else if prior != nil {
		return &Outcome{
			IntentID: prior.IntentID,
			Feature:  prior.Feature,
			Result:   prior.Outcome,
			RowID:    prior.RowID,
			TxID:     prior.TxID,
			Replayed: true,
		}, nil
	}

	unlock := g.lock(intent.OwnerUserID, intent.Feature)
	defer unlock()

	// Re-check under the lock: a concurrent duplicate may have applied
	// while this intent queued.
	if prior, err := g.store.IntentResult(ctx, intent.ID); err == nil && prior != nil {
		return &Outcome{
			IntentID: prior.IntentID,
			Feature:  prior.Feature,
			Result:   prior.Outcome,
			RowID:    prior.RowID,
			TxID:     prior.TxID,
			Replayed: true,
		}, nil
	}

	if intent.Feature == core.FeatureYieldStep {
		return g.settleYield(ctx, intent)
	}
	return g.settleSingle(ctx, intent)
}

// settleSingle is the common path: one confirming transaction, one handler.
func (g *Gate) settleSingle(ctx context.Context, intent *Intent) (*Outcome, error) {
	status, err := g.waitForTerminal(ctx, intent.TxID)
	if err != nil {
		g.ledgerEvent(ctx, intent, outcomeForWaitError(err), nil)
		return nil, err
	}
	matched, err := g.verify(intent, status)
	if err != nil {
		g.ledgerEvent(ctx, intent, core.OutcomeConfirmedRejected, &matched)
		return nil, err
	}
	return g.apply(ctx, intent, status, matched)
}

// settleYield checks every planned step's transaction in order; any failure
// aborts the whole intent before anything is written.
func (g *Gate) settleYield(ctx context.Context, intent *Intent) (*Outcome, error) {
	var lastStatus *core.TxStatus
	var lastMatched core.Transition
	for _, step := range intent.Yield.Steps {
		status, err := g.waitForTerminal(ctx, step.TxID)
		if err != nil {
			g.ledgerEvent(ctx, intent, outcomeForWaitError(err), nil)
			return nil, err
		}
		matched, err := g.verifyYieldStep(intent, status, step)
		if err != nil {
			g.ledgerEvent(ctx, intent, core.OutcomeConfirmedRejected, &matched)
			return nil, err
		}
		lastStatus, lastMatched = status, matched
	}
	return g.apply(ctx, intent, lastStatus, lastMatched)
}

// waitForTerminal polls the oracle on a fixed cadence until the transaction
// confirms, fails, or the gate's timeout elapses. Oracle transport errors
// surface as unknown and keep the loop polling.
func (g *Gate) waitForTerminal(ctx context.Context, txID string) (*core.TxStatus, error) {
	start := g.clock.Now()
	for {
		status, err := g.oracle.Lookup(ctx, txID)
		if err != nil {
			g.log.Debug("Status lookup failed, still polling", "tx", txID, "err", err)
		}
		if status != nil && status.State.Terminal() {
			if status.State == core.TxFailed {
				return status, core.TxError(core.KindTxFailed, status.State,
					"transaction %s failed on-chain (%s)", txID, status.Raw)
			}
			return status, nil
		}
		if time.Duration(g.clock.Now()-start) >= g.cfg.Timeout {
			return status, core.TxError(core.KindTimeout, stateOf(status),
				"transaction %s not terminal within %s", txID, g.cfg.Timeout)
		}
		select {
		case <-ctx.Done():
			return status, core.TxError(core.KindTimeout, stateOf(status),
				"settlement cancelled while waiting for %s", txID)
		case <-g.clock.After(g.cfg.PollInterval):
		}
	}
}

// verify runs the policy check for the intent's feature, plus the
// identity-claim input check where applicable.
func (g *Gate) verify(intent *Intent, status *core.TxStatus) (core.Transition, error) {
	pol := g.policies.Get(intent.Feature)
	res, err := policy.Verify(status.Decoded, pol, intent.OwnerWallet)
	if err != nil {
		return core.Transition{}, err
	}
	if intent.Feature == core.FeatureIdentityClaim {
		if err := policy.VerifyClaim(res.Matched, intent.Identity.Username, intent.Identity.DisplayName); err != nil {
			return res.Matched, err
		}
	}
	return res.Matched, nil
}

// verifyYieldStep additionally pins the matched transition to the planned
// (program, function) of this step.
func (g *Gate) verifyYieldStep(intent *Intent, status *core.TxStatus, step YieldStep) (core.Transition, error) {
	pol := g.policies.Get(intent.Feature)
	res, err := policy.Verify(status.Decoded, pol, intent.OwnerWallet)
	if err != nil {
		return core.Transition{}, err
	}
	for _, tr := range status.Decoded.Transitions {
		if tr.ProgramID == step.ProgramID && tr.Function == step.Function {
			return tr, nil
		}
	}
	return res.Matched, core.NewError(core.KindPolicyMismatch,
		"transaction %s does not execute planned transition %s/%s", step.TxID, step.ProgramID, step.Function)
}

// apply runs the feature handler, the ledger event and the intent result
// inside one storage transaction.
func (g *Gate) apply(ctx context.Context, intent *Intent, status *core.TxStatus, matched core.Transition) (*Outcome, error) {
	outcome := &Outcome{
		IntentID: intent.ID,
		Feature:  intent.Feature,
		Result:   core.OutcomeConfirmedSettled,
		TxID:     intent.primaryTxID(),
	}
	err := g.store.WithTx(ctx, func(tx Tx) error {
		rowID, err := g.applyFeature(tx, intent, status)
		if err != nil {
			return err
		}
		outcome.RowID = rowID
		if err := tx.InsertLedgerEvent(g.newLedgerEvent(intent, core.OutcomeConfirmedSettled, &matched)); err != nil {
			return err
		}
		return tx.SaveIntentResult(&storage.SettlementResult{
			IntentID:  intent.ID,
			Feature:   intent.Feature,
			TxID:      outcome.TxID,
			Outcome:   core.OutcomeConfirmedSettled,
			RowID:     rowID,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		// Handler rejections keep their kind; anything else is a storage
		// failure. Either way nothing was written, the ledger included.
		if core.KindOf(err) == core.KindUpstreamError {
			return nil, core.WrapError(core.KindStorageError, err, "settlement transaction failed")
		}
		return nil, err
	}
	g.log.Info("Settlement applied", "intent", intent.ID, "feature", intent.Feature,
		"tx", outcome.TxID, "row", outcome.RowID)
	g.enqueuePayout(ctx, intent)
	return outcome, nil
}

// enqueuePayout hands a settled payment's EVM leg to the batching queue. The
// settlement is already committed at this point; an enqueue failure shows up
// in the payout records, it never unwinds the intent.
func (g *Gate) enqueuePayout(ctx context.Context, intent *Intent) {
	if intent.Payment == nil || intent.Payment.Payout == nil || g.cfg.Payouts == nil {
		return
	}
	po := intent.Payment.Payout
	err := g.cfg.Payouts.Enqueue(ctx, &batch.Item{
		RequestID: intent.ID,
		ChainID:   po.ChainID,
		Recipient: po.Recipient,
		AmountWei: new(big.Int).Set(po.AmountWei),
	})
	if err != nil {
		g.log.Error("Failed to enqueue EVM payout", "intent", intent.ID, "chain", po.ChainID, "err", err)
		return
	}
	g.log.Debug("EVM payout enqueued", "intent", intent.ID, "chain", po.ChainID)
}

func (g *Gate) validate(intent *Intent) error {
	if intent.ID == "" || intent.OwnerUserID == "" {
		return core.NewError(core.KindInvalidArgument, "intent id and owner are required")
	}
	if intent.Payment != nil && intent.Payment.Payout != nil {
		po := intent.Payment.Payout
		if intent.Feature != core.FeaturePaymentSettle {
			return core.NewError(core.KindInvalidArgument, "evm payout requires a settled payment")
		}
		if g.cfg.Payouts == nil {
			return core.NewError(core.KindRelayNotConfigured, "no EVM payout queue configured")
		}
		if po.ChainID == 0 || po.Recipient == (common.Address{}) {
			return core.NewError(core.KindInvalidArgument, "evm payout needs a chain id and recipient")
		}
		if po.AmountWei == nil || po.AmountWei.Sign() <= 0 {
			return core.NewError(core.KindInvalidArgument, "evm payout amount must be positive")
		}
	}
	if g.policies.Get(intent.Feature) == nil {
		return core.NewError(core.KindPolicyMismatch, "feature %s has no configured policy", intent.Feature)
	}
	if intent.Feature == core.FeatureYieldStep {
		if intent.Yield == nil || len(intent.Yield.Steps) == 0 {
			return core.NewError(core.KindInvalidArgument, "yield intent needs at least one step")
		}
		for _, step := range intent.Yield.Steps {
			if step.TxID == "" {
				return core.NewError(core.KindInvalidArgument, "yield step missing tx id")
			}
		}
		return nil
	}
	if intent.TxID == "" {
		return core.NewError(core.KindInvalidArgument, "intent missing tx id")
	}
	return nil
}

func (g *Gate) lock(userID string, feature core.FeatureKind) func() {
	key := lockKey{userID: userID, feature: feature}
	g.mu.Lock()
	m, ok := g.locks[key]
	if !ok {
		m = new(sync.Mutex)
		g.locks[key] = m
	}
	g.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// ledgerEvent appends a non-applied terminal event. Best effort: a ledger
// write failure is logged, not surfaced over the original error.
func (g *Gate) ledgerEvent(ctx context.Context, intent *Intent, outcome core.LedgerOutcome, matched *core.Transition) {
	if err := g.store.InsertLedgerEvent(ctx, g.newLedgerEvent(intent, outcome, matched)); err != nil {
		g.log.Error("Failed to append ledger event", "intent", intent.ID, "outcome", outcome, "err", err)
	}
}

func (g *Gate) newLedgerEvent(intent *Intent, outcome core.LedgerOutcome, matched *core.Transition) *storage.LedgerEvent {
	ev := &storage.LedgerEvent{
		ID:          uuid.NewString(),
		Feature:     intent.Feature,
		TxID:        intent.primaryTxID(),
		OwnerUserID: intent.OwnerUserID,
		Outcome:     outcome,
		CreatedAt:   time.Now().UTC(),
	}
	if matched != nil {
		ev.ProgramID = matched.ProgramID
		ev.Function = matched.Function
	}
	return ev
}

func outcomeForWaitError(err error) core.LedgerOutcome {
	if core.IsKind(err, core.KindTxFailed) {
		return core.OutcomeFailed
	}
	return core.OutcomeTimeout
}

func stateOf(status *core.TxStatus) core.TxState {
	if status == nil {
		return core.TxUnknown
	}
	return status.State
}
