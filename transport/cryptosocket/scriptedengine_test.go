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

import (
	"crypto/x509"
	"net"
	"time"
)

// scriptedEngine is a tlsEngine double driven entirely by queued responses,
// for reproducing spec §8's end-to-end scenarios without a real crypto/tls
// handshake.
type scriptedEngine struct {
	client bool

	statuses  []engineHandshakeStatus
	wraps     []wrapOutcome
	unwraps   []unwrapOutcome
	tasks     []*task
	beginErr  error
	sess      sessionParams
	verdict   *AuthorizationVerdict
	certs     []*x509.Certificate
	disabled  bool
	closeErr  error

	observedUnwrapInput [][]byte
}

func (e *scriptedEngine) beginHandshake() error { return e.beginErr }

func (e *scriptedEngine) wrap(src, dst *ByteBuffer, minDst int) wrapOutcome {
	o := e.wraps[0]
	e.wraps = e.wraps[1:]
	if o.bytesConsumed > 0 && src != nil {
		src.AdvanceRead(o.bytesConsumed)
	}
	if o.bytesProduced > 0 {
		view := dst.Writable(o.bytesProduced)
		for i := range view {
			view[i] = 0x17 // arbitrary filler, stands in for ciphertext
		}
		dst.AdvanceWrite(o.bytesProduced)
	}
	return o
}

func (e *scriptedEngine) unwrap(src, dst *ByteBuffer) unwrapOutcome {
	o := e.unwraps[0]
	e.unwraps = e.unwraps[1:]
	e.observedUnwrapInput = append(e.observedUnwrapInput, append([]byte(nil), src.Readable()...))
	if o.bytesConsumed > 0 {
		src.AdvanceRead(o.bytesConsumed)
	}
	if o.bytesProduced > 0 {
		view := dst.Writable(o.bytesProduced)
		for i := range view {
			view[i] = 0x41 // arbitrary filler, stands in for cleartext
		}
		dst.AdvanceWrite(o.bytesProduced)
	}
	return o
}

func (e *scriptedEngine) handshakeStatus() engineHandshakeStatus {
	s := e.statuses[0]
	e.statuses = e.statuses[1:]
	return s
}

func (e *scriptedEngine) delegatedTask() *task {
	if len(e.tasks) == 0 {
		return nil
	}
	t := e.tasks[0]
	e.tasks = e.tasks[1:]
	return t
}

func (e *scriptedEngine) session() sessionParams                    { return e.sess }
func (e *scriptedEngine) disableSessionCreation()                    { e.disabled = true }
func (e *scriptedEngine) isClient() bool                             { return e.client }
func (e *scriptedEngine) authorizationVerdict() *AuthorizationVerdict { return e.verdict }
func (e *scriptedEngine) peerCertificates() []*x509.Certificate       { return e.certs }
func (e *scriptedEngine) close() error                                { return e.closeErr }

// fakeTimeoutError satisfies net.Error with Timeout() == true, the shape
// nonBlockingRead/nonBlockingWrite treat as would-block.
type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

// fakeConn is a net.Conn double: Read returns queued inbound bytes or a
// would-block timeout when empty; Write appends to outbound, optionally
// capping how many bytes it accepts per call to script back-pressure.
type fakeConn struct {
	inbound   []byte
	outbound  []byte
	maxAccept int // 0 means unlimited
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if len(c.inbound) == 0 {
		return 0, fakeTimeoutError{}
	}
	n := copy(p, c.inbound)
	c.inbound = c.inbound[n:]
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	n := len(p)
	switch {
	case c.maxAccept < 0:
		n = 0
	case c.maxAccept > 0 && n > c.maxAccept:
		n = c.maxAccept
	}
	c.outbound = append(c.outbound, p[:n]...)
	return n, nil
}

func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

var _ net.Conn = (*fakeConn)(nil)
var _ tlsEngine = (*scriptedEngine)(nil)
