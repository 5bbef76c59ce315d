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

package policy

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/fieldhash"
)

// Result reports a successful verification and the transition that satisfied
// the policy.
type Result struct {
	Matched core.Transition
}

// Verify checks a decoded transaction against a feature policy. Rules are
// evaluated in order and the first failure wins:
//
//  1. at least one transition must match (program, allowed function),
//  2. the fee payer must equal the expected wallet address.
//
// Verify is pure over its inputs; it performs no I/O and never consults the
// status oracle.
func Verify(decoded *core.DecodedTransaction, p *Policy, expectedWallet string) (*Result, error) {
	if p == nil {
		return nil, core.NewError(core.KindPolicyMismatch, "no policy configured for feature")
	}
	if decoded == nil {
		return nil, core.NewError(core.KindPolicyMismatch, "transaction has no decoded body")
	}
	matched, ok := matchTransition(decoded, p)
	if !ok {
		return nil, core.NewError(core.KindPolicyMismatch,
			"no transition matches program %s with an allowed function", p.ProgramID)
	}
	if decoded.FeePayer != expectedWallet {
		if p.RequireFeePayerMatch {
			return nil, core.NewError(core.KindSignerMismatch,
				"transaction fee payer does not match the requesting wallet")
		}
		log.Warn("Fee payer mismatch tolerated by policy",
			"feature", p.Feature, "program", p.ProgramID)
	}
	return &Result{Matched: matched}, nil
}

// VerifyClaim runs the identity-claim extension: the username and display
// name provided by the caller are re-hashed and compared against the values
// the transition committed on-chain. The transition input layout is
// positional: inputs[0] is the username hash, inputs[1] the display name
// hash.
func VerifyClaim(matched core.Transition, username, displayName string) error {
	if len(matched.Inputs) < 2 {
		return core.NewError(core.KindClaimInputMismatch,
			"claim transition carries %d inputs, want at least 2", len(matched.Inputs))
	}
	if fieldhash.Field(username) != matched.Inputs[0] {
		return core.NewError(core.KindClaimInputMismatch, "username hash does not match claim transition")
	}
	if fieldhash.Field(displayName) != matched.Inputs[1] {
		return core.NewError(core.KindClaimInputMismatch, "display name hash does not match claim transition")
	}
	return nil
}

func matchTransition(decoded *core.DecodedTransaction, p *Policy) (core.Transition, bool) {
	for _, tr := range decoded.Transitions {
		if tr.ProgramID == p.ProgramID && p.Allows(tr.Function) {
			return tr, true
		}
	}
	// Some explorers flatten single-transition executions into the top level.
	if decoded.ProgramID == p.ProgramID && p.Allows(decoded.Function) {
		return core.Transition{ProgramID: decoded.ProgramID, Function: decoded.Function}, true
	}
	return core.Transition{}, false
}
