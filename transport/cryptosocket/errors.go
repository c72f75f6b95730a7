// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cryptosocket bridges a non-blocking, full-duplex byte socket to a
// reactor-style consumer of cleartext bytes, running the TLS handshake and
// record framing without ever blocking on I/O.
package cryptosocket

import "fmt"

// ErrorKind classifies the ways a [CryptoSocket] operation can fail.
type ErrorKind int

const (
	// ErrClosedChannel means the peer closed the connection (EOF), or the
	// engine reported its own closed status during wrap or unwrap.
	ErrClosedChannel ErrorKind = iota
	// ErrHandshakeFailed wraps any error from beginning the handshake,
	// wrapping, unwrapping, or running a delegated task during handshake.
	ErrHandshakeFailed
	// ErrUnexpectedProtocolData means a handshake unwrap produced
	// application bytes, which is a protocol violation.
	ErrUnexpectedProtocolData
	// ErrHandshakeIncomplete means a data-path operation was invoked
	// before the handshake reached HandshakeCompleted.
	ErrHandshakeIncomplete
	// ErrInvariant means the engine reported a status this package does
	// not know how to interpret. It indicates a bug, not a protocol error.
	ErrInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case ErrClosedChannel:
		return "closed channel"
	case ErrHandshakeFailed:
		return "handshake failed"
	case ErrUnexpectedProtocolData:
		return "unexpected protocol data"
	case ErrHandshakeIncomplete:
		return "handshake incomplete"
	case ErrInvariant:
		return "invariant violation"
	default:
		return "unknown error"
	}
}

// Error is the single error type returned by this package. Use
// [errors.Is] with an *Error target carrying the wanted Kind, or get the
// *Error with [errors.As] and inspect Kind directly.
type Error struct {
	Kind ErrorKind
	// Msg adds detail specific to this occurrence.
	Msg string
	// Err is the underlying cause, if any (for example the crypto/tls
	// diagnostic that caused a HandshakeFailed).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cryptosocket: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("cryptosocket: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, &Error{Kind: ErrHandshakeIncomplete}) works without
// requiring callers to compare message text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
