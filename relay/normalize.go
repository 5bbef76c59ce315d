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

package relay

import (
	"strings"

	"github.com/envelop-finance/relayer/core"
)

// Raw status vocabularies, matched case-insensitively as substrings. Failure
// markers are checked first: a status like "rejected_execution" must never
// normalize to confirmed via its "execut" substring.
var (
	failedMarkers = []string{
		"fail", "reject", "invalid", "drop", "revert", "abort", "error",
	}
	confirmedMarkers = []string{
		"confirm", "final", "success", "complete", "accept", "execut", "includ", "commit",
	}
	pendingMarkers = []string{
		"pending", "queue", "process", "broadcast", "submit", "mempool", "not_found", "unknown",
	}
)

// NormalizeState maps an explorer's raw status string onto the relayer's
// four-state model. Anything unrecognized is pending: polling continues and
// nothing downstream treats it as confirmed.
func NormalizeState(raw string) core.TxState {
	s := strings.ToLower(raw)
	for _, m := range failedMarkers {
		if strings.Contains(s, m) {
			return core.TxFailed
		}
	}
	for _, m := range confirmedMarkers {
		if strings.Contains(s, m) {
			return core.TxConfirmed
		}
	}
	for _, m := range pendingMarkers {
		if strings.Contains(s, m) {
			return core.TxPending
		}
	}
	return core.TxPending
}
