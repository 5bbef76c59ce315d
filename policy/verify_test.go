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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envelop-finance/relayer/core"
	"github.com/envelop-finance/relayer/fieldhash"
)

const owner = "aleo1owner"

func swapPolicy(requireFeePayer bool) *Policy {
	return NewPolicy(core.FeatureSwap, "envelop_swap.aleo",
		[]string{"create_swap_request", "settle_swap_onchain"}, requireFeePayer)
}

func swapTx() *core.DecodedTransaction {
	return &core.DecodedTransaction{
		FeePayer: owner,
		Transitions: []core.Transition{
			{ProgramID: "envelop_swap.aleo", Function: "create_swap_request"},
			{ProgramID: "envelop_swap.aleo", Function: "settle_swap_onchain"},
		},
	}
}

func TestVerifyMatchesFirstAllowedTransition(t *testing.T) {
	res, err := Verify(swapTx(), swapPolicy(true), owner)
	require.NoError(t, err)
	require.Equal(t, "create_swap_request", res.Matched.Function)
	require.Equal(t, "envelop_swap.aleo", res.Matched.ProgramID)
}

func TestVerifyPolicyMismatch(t *testing.T) {
	tx := &core.DecodedTransaction{
		FeePayer: owner,
		Transitions: []core.Transition{
			{ProgramID: "envelop_payments.aleo", Function: "create_payment_intent"},
		},
	}
	_, err := Verify(tx, swapPolicy(true), owner)
	require.True(t, core.IsKind(err, core.KindPolicyMismatch), "got %v", err)
}

func TestVerifySignerMismatchEnforced(t *testing.T) {
	tx := swapTx()
	tx.FeePayer = "aleo1stranger"
	_, err := Verify(tx, swapPolicy(true), owner)
	require.True(t, core.IsKind(err, core.KindSignerMismatch), "got %v", err)
}

func TestVerifySignerMismatchTolerated(t *testing.T) {
	tx := swapTx()
	tx.FeePayer = "aleo1stranger"
	res, err := Verify(tx, swapPolicy(false), owner)
	require.NoError(t, err)
	require.NotEmpty(t, res.Matched.ProgramID)
}

// An empty allowed-function set can never match anything.
func TestVerifyEmptyFunctionSet(t *testing.T) {
	p := NewPolicy(core.FeatureSwap, "envelop_swap.aleo", nil, true)
	_, err := Verify(swapTx(), p, owner)
	require.True(t, core.IsKind(err, core.KindPolicyMismatch))
}

func TestVerifyNilPolicy(t *testing.T) {
	_, err := Verify(swapTx(), nil, owner)
	require.True(t, core.IsKind(err, core.KindPolicyMismatch))
}

func TestVerifyFlattenedTopLevelTransition(t *testing.T) {
	tx := &core.DecodedTransaction{
		ProgramID: "envelop_swap.aleo",
		Function:  "settle_swap_onchain",
		FeePayer:  owner,
	}
	res, err := Verify(tx, swapPolicy(true), owner)
	require.NoError(t, err)
	require.Equal(t, "settle_swap_onchain", res.Matched.Function)
}

func TestVerifyClaim(t *testing.T) {
	tr := core.Transition{
		ProgramID: "envelop_identity.aleo",
		Function:  "claim_username",
		Inputs:    []string{fieldhash.Field("alice"), fieldhash.Field("Alice W")},
	}
	require.NoError(t, VerifyClaim(tr, "alice", "Alice W"))

	err := VerifyClaim(tr, "alicia", "Alice W")
	require.True(t, core.IsKind(err, core.KindClaimInputMismatch))

	err = VerifyClaim(tr, "alice", "Mallory")
	require.True(t, core.IsKind(err, core.KindClaimInputMismatch))

	err = VerifyClaim(core.Transition{}, "alice", "Alice W")
	require.True(t, core.IsKind(err, core.KindClaimInputMismatch))
}

// Verification is pure: the same inputs give the same answer on every call.
func TestVerifyDeterministic(t *testing.T) {
	tx := swapTx()
	p := swapPolicy(true)
	first, err1 := Verify(tx, p, owner)
	second, err2 := Verify(tx, p, owner)
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, first, second)
}
