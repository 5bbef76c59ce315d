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

// Package policy binds confirmed transactions to the features they are
// allowed to settle. A policy names the one program a feature accepts, the
// function names it may invoke, and whether the transaction's fee payer must
// be the wallet of the user requesting settlement.
package policy

import (
	"github.com/envelop-finance/relayer/config"
	"github.com/envelop-finance/relayer/core"
)

// Policy is the verification rule set for one feature kind. Immutable after
// startup.
type Policy struct {
	Feature              core.FeatureKind
	ProgramID            string
	Functions            map[string]struct{}
	RequireFeePayerMatch bool
}

// Allows reports whether the function name is in the allowed set. An empty
// set allows nothing.
func (p *Policy) Allows(function string) bool {
	_, ok := p.Functions[function]
	return ok
}

// Table maps each feature kind to its policy. Loaded once at startup.
type Table map[core.FeatureKind]*Policy

// Get returns the policy for a feature, or nil when the feature is not
// configured. An unconfigured feature can never settle.
func (t Table) Get(kind core.FeatureKind) *Policy {
	return t[kind]
}

// FromConfig builds the process-wide policy table. The fee-payer requirement
// is a single global switch applied to every feature.
func FromConfig(cfg *config.Config) Table {
	t := make(Table, len(cfg.Policies))
	for _, kind := range core.Features() {
		pc, ok := cfg.Policies[string(kind)]
		if !ok {
			continue
		}
		fns := make(map[string]struct{}, len(pc.Functions))
		for _, fn := range pc.Functions {
			fns[fn] = struct{}{}
		}
		t[kind] = &Policy{
			Feature:              kind,
			ProgramID:            pc.ProgramID,
			Functions:            fns,
			RequireFeePayerMatch: cfg.TxEnforceFeePayerMatch,
		}
	}
	return t
}

// NewPolicy is a convenience constructor used by tests and fixtures.
func NewPolicy(kind core.FeatureKind, programID string, functions []string, requireFeePayer bool) *Policy {
	fns := make(map[string]struct{}, len(functions))
	for _, fn := range functions {
		fns[fn] = struct{}{}
	}
	return &Policy{
		Feature:              kind,
		ProgramID:            programID,
		Functions:            fns,
		RequireFeePayerMatch: requireFeePayer,
	}
}
