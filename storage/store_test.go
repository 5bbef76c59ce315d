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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/envelop-finance/relayer/core"
)

func TestUniqueViolationMapsToConflict(t *testing.T) {
	dup := &pq.Error{Code: "23505", Message: "duplicate key value"}
	err := wrapStorage(dup, "insert submission")
	require.True(t, core.IsKind(err, core.KindConflict))

	wrapped := wrapStorage(fmt.Errorf("exec: %w", dup), "insert submission")
	require.True(t, core.IsKind(wrapped, core.KindConflict), "wrapped pq errors must still map")
}

func TestOtherErrorsMapToStorage(t *testing.T) {
	err := wrapStorage(errors.New("connection reset"), "load user")
	require.True(t, core.IsKind(err, core.KindStorageError))
	require.Nil(t, wrapStorage(nil, "noop"))
}

func TestNullableBlob(t *testing.T) {
	require.Nil(t, nullableBlob(nil))
	require.Equal(t, []byte(`{"ok":true}`), nullableBlob([]byte(`{"ok":true}`)))
}

func TestSchemaCoversAllTables(t *testing.T) {
	for _, table := range []string{
		"users", "submissions", "tx_status_snapshots", "swap_quotes", "swaps",
		"payments", "invoices", "yield_quotes", "yield_actions",
		"identity_claims", "balances", "settlement_events",
		"settlement_results", "evm_payouts",
	} {
		require.True(t,
			strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table),
			"schema missing table %s", table)
	}
}
