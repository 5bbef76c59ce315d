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

package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error taxonomy surfaced in API bodies.
type ErrorKind string

const (
	KindInvalidArgument     ErrorKind = "invalid_argument"
	KindUnauthenticated     ErrorKind = "unauthenticated"
	KindForbidden           ErrorKind = "forbidden"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindPolicyMismatch      ErrorKind = "policy_mismatch"
	KindSignerMismatch      ErrorKind = "signer_mismatch"
	KindClaimInputMismatch  ErrorKind = "claim_input_mismatch"
	KindTxPending           ErrorKind = "tx_pending"
	KindTxFailed            ErrorKind = "tx_failed"
	KindTimeout             ErrorKind = "timeout"
	KindRelayNotConfigured  ErrorKind = "relay_not_configured"
	KindUpstreamError       ErrorKind = "upstream_error"
	KindStorageError        ErrorKind = "storage_error"
	KindRecipientUnresolved ErrorKind = "recipient_unresolved"
)

// Error is a kinded error. TxState is set when the failure relates to a
// specific transaction's lifecycle, so API replies can echo it back.
type Error struct {
	Kind    ErrorKind
	Message string
	TxState TxState
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a kinded error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// TxError creates a kinded error carrying the transaction state that produced it.
func TxError(kind ErrorKind, state TxState, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), TxState: state}
}

// KindOf extracts the kind from err, or upstream_error when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
