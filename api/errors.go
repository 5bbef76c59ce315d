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

package api

import (
	"errors"
	"net/http"

	"github.com/envelop-finance/relayer/core"
)

// errorBody is the JSON error envelope. TxState is present when the failure
// carries transaction context.
type errorBody struct {
	Error   core.ErrorKind `json:"error"`
	Message string         `json:"message"`
	TxState core.TxState   `json:"tx_state,omitempty"`
}

func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindInvalidArgument:
		return http.StatusBadRequest
	case core.KindUnauthenticated:
		return http.StatusUnauthorized
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict, core.KindTxPending:
		return http.StatusConflict
	case core.KindPolicyMismatch, core.KindSignerMismatch,
		core.KindClaimInputMismatch, core.KindRecipientUnresolved:
		return http.StatusUnprocessableEntity
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindTxFailed, core.KindUpstreamError:
		return http.StatusBadGateway
	case core.KindRelayNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	body := errorBody{Error: kind, Message: err.Error()}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		body.TxState = coreErr.TxState
	}
	s.writeJSON(w, statusForKind(kind), body)
}
