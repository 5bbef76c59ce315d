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

// Package fieldhash maps UTF-8 strings to Aleo field literals. The mapping is
// FNV-1a 64-bit and must stay bit-identical to the client-side signer: a
// username hashed here is compared against the value the user committed
// on-chain.
package fieldhash

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	offsetBasis uint64 = 1469598103934665603
	prime       uint64 = 1099511628211
)

// Sum64 returns the FNV-1a 64-bit hash of s.
func Sum64(s string) uint64 {
	h := offsetBasis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// Field renders the hash of s as a field literal, e.g. "12345field".
func Field(s string) string {
	return strconv.FormatUint(Sum64(s), 10) + "field"
}

// U64 renders n as a u64 literal, e.g. "42u64".
func U64(n uint64) string {
	return strconv.FormatUint(n, 10) + "u64"
}

// ParseField parses a field literal back into its numeric value.
func ParseField(lit string) (uint64, error) {
	body, ok := strings.CutSuffix(lit, "field")
	if !ok {
		return 0, fmt.Errorf("not a field literal: %q", lit)
	}
	n, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid field literal %q: %w", lit, err)
	}
	return n, nil
}
