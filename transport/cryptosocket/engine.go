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

package cryptosocket

import "crypto/x509"

// maxPlaintextRecordSize is the largest amount of application data
// crypto/tls places in a single outbound TLS record.
const maxPlaintextRecordSize = 16384

// maxCiphertextRecordOverhead is a generous bound on the header, MAC, and
// padding a single TLS record can add on top of its plaintext payload.
const maxCiphertextRecordOverhead = 2048

// defaultApplicationBufferSize and defaultPacketBufferSize seed the
// session parameters before a real engine has reported anything
// (spec §3: "Initial capacity is max(32 KiB, engine_packet_buffer_size)").
const (
	defaultApplicationBufferSize = maxPlaintextRecordSize
	defaultPacketBufferSize      = maxPlaintextRecordSize + maxCiphertextRecordOverhead
)

// engineHandshakeStatus mirrors spec §4.2's handshake_status() values.
type engineHandshakeStatus int

const (
	statusNotHandshaking engineHandshakeStatus = iota
	statusNeedTask
	statusNeedWrap
	statusNeedUnwrap
	statusFinished
)

func (s engineHandshakeStatus) String() string {
	switch s {
	case statusNotHandshaking:
		return "NOT_HANDSHAKING"
	case statusNeedTask:
		return "NEED_TASK"
	case statusNeedWrap:
		return "NEED_WRAP"
	case statusNeedUnwrap:
		return "NEED_UNWRAP"
	case statusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// wrapUnwrapStatus is the shared status vocabulary of wrap and unwrap
// (spec §4.2). Not every value is reachable from both operations: wrap
// never reports BUFFER_UNDERFLOW.
type wrapUnwrapStatus int

const (
	statusOK wrapUnwrapStatus = iota
	statusBufferOverflow
	statusBufferUnderflow
	statusClosed
)

func (s wrapUnwrapStatus) String() string {
	switch s {
	case statusOK:
		return "OK"
	case statusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case statusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case statusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// wrapOutcome is the result of a single engine wrap call. err is non-nil
// only for a genuine engine failure (the Go equivalent of the source's
// SSLHandshakeException/SSLException), as opposed to a clean CLOSED
// status.
type wrapOutcome struct {
	status          wrapUnwrapStatus
	bytesConsumed   int
	bytesProduced   int
	handshakeStatus engineHandshakeStatus
	err             error
}

// unwrapOutcome is the result of a single engine unwrap call.
type unwrapOutcome struct {
	status          wrapUnwrapStatus
	bytesConsumed   int
	bytesProduced   int
	handshakeStatus engineHandshakeStatus
	err             error
}

// sessionParams are the buffer-size estimates captured at handshake
// completion, and re-queried on overflow during handshake (spec §3).
type sessionParams struct {
	applicationBufferSize int
	packetBufferSize      int
	protocol              string
	cipherSuite           string
}

// AuthorizationVerdict is the outcome of peer-identity policy evaluation,
// captured at most once during the handshake (spec §3).
type AuthorizationVerdict struct {
	Succeeded bool
	Details   string
}

// task is a pending delegated unit of work (spec §4.2's Task), such as
// peer-authorization evaluation, that the engine wants run off whatever
// goroutine is convenient for the caller.
type task struct {
	run func() error
}

// Run executes the delegated task and reports its result back to the
// engine. The caller chooses what goroutine to call Run from.
func (t *task) Run() error { return t.run() }

// tlsEngine is the façade over a concrete TLS engine that HandshakeDriver
// and DataPath drive (spec §4.2). It exists as an interface so the
// automaton and data path can be tested against a scripted engine without
// a real crypto/tls handshake.
type tlsEngine interface {
	// beginHandshake initiates the protocol. May fail with a
	// HandshakeFailed-shaped error.
	beginHandshake() error
	// wrap encrypts (or, during handshake, flushes) from src into dst.
	wrap(src *ByteBuffer, dst *ByteBuffer, minDst int) wrapOutcome
	// unwrap decrypts (or, during handshake, consumes) from src into dst.
	unwrap(src *ByteBuffer, dst *ByteBuffer) unwrapOutcome
	// handshakeStatus reports what the engine needs next.
	handshakeStatus() engineHandshakeStatus
	// delegatedTask returns a pending CPU-bound task, if any, consuming
	// it from the engine's queue.
	delegatedTask() *task
	// session reports the current buffer-size estimates and negotiated
	// parameters. Valid to call once FINISHED, and re-queried by the
	// driver on BUFFER_OVERFLOW during handshake.
	session() sessionParams
	// disableSessionCreation rejects renegotiation once the handshake
	// completes.
	disableSessionCreation()
	// isClient reports whether this engine is operating in client mode.
	isClient() bool
	// authorizationVerdict returns the peer-authorizer's verdict, if one
	// has been produced yet. Defined only during/after handshake.
	authorizationVerdict() *AuthorizationVerdict
	// peerCertificates returns the verified (or, for an anonymous
	// cipher, empty) peer certificate chain. Valid only once FINISHED.
	peerCertificates() []*x509.Certificate
	// close releases engine-owned resources (background goroutines).
	close() error
}
