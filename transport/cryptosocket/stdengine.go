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
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PeerAuthorizer evaluates a completed (but not yet accepted) TLS session
// and decides whether the peer is authorized, beyond the x509 chain
// verification crypto/tls already performed. It runs as the delegated
// task spec §4.2/§4.3 describe for peer authorization; the policy body
// itself is out of this package's scope (spec §1).
type PeerAuthorizer func(tls.ConnectionState) (*AuthorizationVerdict, error)

// AcceptAuthorizer is the default PeerAuthorizer: it trusts whatever
// verification crypto/tls already performed against the configured root
// pool and presents no additional policy.
func AcceptAuthorizer(tls.ConnectionState) (*AuthorizationVerdict, error) {
	return &AuthorizationVerdict{Succeeded: true, Details: "x509 chain verification"}, nil
}

// ioResult is the outcome of a single Read or Write against stepConn.
type ioResult struct {
	n   int
	err error
}

// opRequest is a single Read or Write that the underlying *tls.Conn issued
// against stepConn, waiting to be serviced by whichever goroutine is
// currently driving the engine (wrap, unwrap, or handshakeStatus).
type opRequest struct {
	isWrite bool
	buf     []byte
	resp    chan ioResult
}

// stepConn is the net.Conn crypto/tls thinks it's talking to. Its Read and
// Write never touch a real socket: they publish a request and block only
// the calling goroutine (always one of stdEngine's own background
// goroutines, never a HandshakeDriver/DataPath caller) until something
// services it via stdEngine's opCh.
type stepConn struct {
	opCh    chan *opRequest
	closeCh chan struct{}
}

func newStepConn(opCh chan *opRequest, closeCh chan struct{}) *stepConn {
	return &stepConn{opCh: opCh, closeCh: closeCh}
}

func (c *stepConn) Read(p []byte) (int, error)  { return c.do(false, p) }
func (c *stepConn) Write(p []byte) (int, error) { return c.do(true, p) }

func (c *stepConn) do(isWrite bool, buf []byte) (int, error) {
	resp := make(chan ioResult, 1)
	req := &opRequest{isWrite: isWrite, buf: buf, resp: resp}
	select {
	case c.opCh <- req:
	case <-c.closeCh:
		return 0, net.ErrClosed
	}
	select {
	case r := <-resp:
		return r.n, r.err
	case <-c.closeCh:
		return 0, net.ErrClosed
	}
}

func (c *stepConn) Close() error                    { return nil }
func (c *stepConn) LocalAddr() net.Addr             { return stepAddr{} }
func (c *stepConn) RemoteAddr() net.Addr            { return stepAddr{} }
func (c *stepConn) SetDeadline(time.Time) error     { return nil }
func (c *stepConn) SetReadDeadline(time.Time) error { return nil }
func (c *stepConn) SetWriteDeadline(time.Time) error { return nil }

type stepAddr struct{}

func (stepAddr) Network() string { return "cryptosocket" }
func (stepAddr) String() string  { return "cryptosocket-engine" }

// pendingAuthTask is a peer-authorization delegated task awaiting Run.
type pendingAuthTask struct {
	cs     tls.ConnectionState
	result chan error
}

// stdEngine is the tlsEngine backed by a real crypto/tls.Conn. crypto/tls
// has no non-blocking wrap/unwrap API, so stdEngine drives the blocking
// *tls.Conn from dedicated background goroutines and exposes its state
// transitions as discrete, non-blocking steps over channels. The driving
// goroutine (HandshakeDriver/DataPath's caller) is never the one that
// blocks on real I/O; only stdEngine's own goroutines ever do.
type stdEngine struct {
	conn   *tls.Conn
	pipe   *stepConn
	client bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	opCh    chan *opRequest
	closeCh chan struct{}
	doneCh  chan struct{}

	taskReadyCh chan *pendingAuthTask
	authorizer  PeerAuthorizer

	writeKickCh chan []byte
	writeDoneCh chan error
	readKickCh  chan []byte
	readDoneCh  chan ioResult
	readBuf     []byte // destination of the conn.Read readPump is running

	// state cached by pump() during the handshake phase; pendingOp is also
	// reused by dataUnwrap afterwards.
	pendingOp  *opRequest
	taskActive *pendingAuthTask
	finished   bool

	handshakeErr error
	errReported  bool

	verdictMu sync.Mutex
	verdict   *AuthorizationVerdict

	sessionCreationDisabled bool

	closeOnce sync.Once
}

// newStdEngine constructs an engine around a fresh *tls.Conn. The conn's
// VerifyConnection is wrapped (any caller-supplied one runs after the
// authorization step) so peer authorization surfaces as a delegated task
// (spec §4.2/§4.3) rather than running inline on the handshake goroutine.
func newStdEngine(ctx context.Context, client bool, cfg *tls.Config, authorizer PeerAuthorizer) *stdEngine {
	if authorizer == nil {
		authorizer = AcceptAuthorizer
	}
	e := &stdEngine{
		client:      client,
		opCh:        make(chan *opRequest),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		taskReadyCh: make(chan *pendingAuthTask, 1),
		authorizer:  authorizer,
		writeKickCh: make(chan []byte),
		writeDoneCh: make(chan error),
		readKickCh:  make(chan []byte),
		readDoneCh:  make(chan ioResult),
	}
	e.pipe = newStepConn(e.opCh, e.closeCh)

	cfg = cfg.Clone()
	// Full-size records from the first byte, so dataWrap's chunk of at most
	// maxPlaintextRecordSize bytes becomes a single underlying Write.
	cfg.DynamicRecordSizingDisabled = true
	userVerify := cfg.VerifyConnection
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if err := e.runAuthorization(cs); err != nil {
			return err
		}
		if userVerify != nil {
			return userVerify(cs)
		}
		return nil
	}

	if client {
		e.conn = tls.Client(e.pipe, cfg)
	} else {
		e.conn = tls.Server(e.pipe, cfg)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	g, _ := errgroup.WithContext(e.ctx)
	e.group = g
	g.Go(e.writePump)
	g.Go(e.readPump)
	return e
}

func (e *stdEngine) runAuthorization(cs tls.ConnectionState) error {
	result := make(chan error, 1)
	select {
	case e.taskReadyCh <- &pendingAuthTask{cs: cs, result: result}:
	case <-e.closeCh:
		return net.ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-e.closeCh:
		return net.ErrClosed
	}
}

func (e *stdEngine) writePump() error {
	for {
		select {
		case chunk := <-e.writeKickCh:
			_, err := e.conn.Write(chunk)
			select {
			case e.writeDoneCh <- err:
			case <-e.closeCh:
				return nil
			}
		case <-e.closeCh:
			return nil
		}
	}
}

func (e *stdEngine) readPump() error {
	for {
		select {
		case buf := <-e.readKickCh:
			n, err := e.conn.Read(buf)
			select {
			case e.readDoneCh <- ioResult{n: n, err: err}:
			case <-e.closeCh:
				return nil
			}
		case <-e.closeCh:
			return nil
		}
	}
}

// beginHandshake kicks off the handshake goroutine. Failures surface later
// via wrap/unwrap (spec §9: "the underlying engine will subsequently fail
// the handshake via an exception from ... a wrap").
func (e *stdEngine) beginHandshake() error {
	e.group.Go(func() error {
		err := e.conn.HandshakeContext(e.ctx)
		e.handshakeErr = err
		close(e.doneCh)
		return nil
	})
	return nil
}

// pump blocks, synchronously and only as long as the handshake goroutine
// takes to reach its next checkpoint (a Read, a Write, a delegated task,
// or completion), and caches whatever it finds. It is a no-op once
// something is already cached, so repeated status queries between driver
// steps don't re-block.
func (e *stdEngine) pump() {
	if e.finished || e.pendingOp != nil || e.taskActive != nil {
		return
	}
	select {
	case op := <-e.opCh:
		e.pendingOp = op
	case t := <-e.taskReadyCh:
		e.taskActive = t
	case <-e.doneCh:
		e.finished = true
	}
}

func (e *stdEngine) handshakeStatus() engineHandshakeStatus {
	e.pump()
	switch {
	case e.finished:
		return statusFinished
	case e.taskActive != nil:
		return statusNeedTask
	case e.pendingOp != nil && e.pendingOp.isWrite:
		return statusNeedWrap
	case e.pendingOp != nil:
		return statusNeedUnwrap
	default:
		return statusNotHandshaking
	}
}

func (e *stdEngine) wrap(src, dst *ByteBuffer, minDst int) wrapOutcome {
	if e.finished {
		return e.dataWrap(src, dst)
	}
	return e.handshakeWrap(dst)
}

func (e *stdEngine) unwrap(src, dst *ByteBuffer) unwrapOutcome {
	if e.finished {
		return e.dataUnwrap(src, dst)
	}
	return e.handshakeUnwrap(src, dst)
}

// finishedOutcome reports the terminal state, surfacing a deferred
// handshake failure exactly once.
func (e *stdEngine) finishedOutcome() (wrapUnwrapStatus, error) {
	if e.handshakeErr != nil && !e.errReported {
		e.errReported = true
		return statusClosed, e.handshakeErr
	}
	return statusOK, nil
}

func (e *stdEngine) handshakeWrap(dst *ByteBuffer) wrapOutcome {
	e.pump()
	if e.finished {
		status, err := e.finishedOutcome()
		return wrapOutcome{status: status, err: err, handshakeStatus: statusFinished}
	}
	if e.taskActive != nil {
		return wrapOutcome{status: statusOK, handshakeStatus: statusNeedTask}
	}
	if e.pendingOp == nil || !e.pendingOp.isWrite {
		if e.pendingOp == nil {
			return wrapOutcome{status: statusOK, handshakeStatus: statusNotHandshaking}
		}
		return wrapOutcome{status: statusOK, handshakeStatus: statusNeedUnwrap}
	}
	op := e.pendingOp
	view := dst.Writable(len(op.buf))
	n := copy(view, op.buf)
	dst.AdvanceWrite(n)
	op.resp <- ioResult{n: n, err: nil}
	e.pendingOp = nil
	return wrapOutcome{status: statusOK, bytesProduced: n, handshakeStatus: e.handshakeStatus()}
}

func (e *stdEngine) handshakeUnwrap(src, dst *ByteBuffer) unwrapOutcome {
	e.pump()
	if e.finished {
		status, err := e.finishedOutcome()
		return unwrapOutcome{status: status, err: err, handshakeStatus: statusFinished}
	}
	if e.taskActive != nil {
		return unwrapOutcome{status: statusOK, handshakeStatus: statusNeedTask}
	}
	if e.pendingOp == nil || e.pendingOp.isWrite {
		if e.pendingOp == nil {
			return unwrapOutcome{status: statusOK, handshakeStatus: statusNotHandshaking}
		}
		return unwrapOutcome{status: statusOK, handshakeStatus: statusNeedWrap}
	}
	op := e.pendingOp
	avail := src.Readable()
	if len(avail) == 0 {
		return unwrapOutcome{status: statusBufferUnderflow, handshakeStatus: statusNeedUnwrap}
	}
	n := copy(op.buf, avail)
	src.AdvanceRead(n)
	op.resp <- ioResult{n: n, err: nil}
	e.pendingOp = nil
	return unwrapOutcome{status: statusOK, bytesConsumed: n, handshakeStatus: e.handshakeStatus()}
}

// delegatedTask hands off the currently queued authorization task and
// clears it, per spec §4.2: "consuming it from the engine's queue."
func (e *stdEngine) delegatedTask() *task {
	if e.taskActive == nil {
		return nil
	}
	t := e.taskActive
	e.taskActive = nil
	return &task{run: func() error {
		verdict, err := e.authorizer(t.cs)
		e.verdictMu.Lock()
		e.verdict = verdict
		e.verdictMu.Unlock()
		if err != nil {
			t.result <- err
			return err
		}
		if verdict == nil || !verdict.Succeeded {
			detail := "rejected"
			if verdict != nil {
				detail = verdict.Details
			}
			runErr := fmt.Errorf("peer authorization failed: %s", detail)
			t.result <- runErr
			return runErr
		}
		t.result <- nil
		return nil
	}}
}

// dataWrap encrypts one plaintext chunk, capped here to
// maxPlaintextRecordSize bytes, into one TLS record. With dynamic record
// sizing disabled (newStdEngine), crypto/tls produces exactly one
// underlying Write per call for TLS 1.1 and later.
func (e *stdEngine) dataWrap(src, dst *ByteBuffer) wrapOutcome {
	data := src.Readable()
	if len(data) == 0 {
		return wrapOutcome{status: statusOK, handshakeStatus: statusFinished}
	}
	if len(data) > maxPlaintextRecordSize {
		data = data[:maxPlaintextRecordSize]
	}
	chunk := append([]byte(nil), data...)
	select {
	case e.writeKickCh <- chunk:
	case <-e.closeCh:
		return wrapOutcome{status: statusClosed, err: net.ErrClosed, handshakeStatus: statusFinished}
	}
	var op *opRequest
	select {
	case op = <-e.opCh:
	case <-e.closeCh:
		return wrapOutcome{status: statusClosed, err: net.ErrClosed, handshakeStatus: statusFinished}
	}
	view := dst.Writable(len(op.buf))
	n := copy(view, op.buf)
	dst.AdvanceWrite(n)
	op.resp <- ioResult{n: len(op.buf), err: nil}

	var writeErr error
	select {
	case writeErr = <-e.writeDoneCh:
	case <-e.closeCh:
		return wrapOutcome{status: statusClosed, err: net.ErrClosed, handshakeStatus: statusFinished}
	}
	src.AdvanceRead(len(chunk))
	if writeErr != nil {
		return wrapOutcome{status: statusClosed, err: writeErr, handshakeStatus: statusFinished}
	}
	return wrapOutcome{status: statusOK, bytesConsumed: len(chunk), bytesProduced: n, handshakeStatus: statusFinished}
}

// dataUnwrap decrypts as much of src's ciphertext as one conn.Read needs
// to produce a decrypted chunk, servicing however many underlying reads
// that takes (crypto/tls may read a record in more than one step). If src
// runs dry before conn.Read is satisfied, it reports BUFFER_UNDERFLOW and
// leaves the in-flight conn.Read, and the buffer it decrypts into, pending
// for the next call.
func (e *stdEngine) dataUnwrap(src, dst *ByteBuffer) unwrapOutcome {
	if src.Bytes() == 0 && e.pendingOp == nil {
		return unwrapOutcome{status: statusOK, handshakeStatus: statusFinished}
	}
	consumed := 0
	if e.pendingOp == nil {
		e.readBuf = make([]byte, defaultApplicationBufferSize)
		select {
		case e.readKickCh <- e.readBuf:
		case <-e.closeCh:
			return unwrapOutcome{status: statusClosed, err: net.ErrClosed, handshakeStatus: statusFinished}
		}
	}
	buf := e.readBuf
	for {
		if e.pendingOp == nil {
			select {
			case op := <-e.opCh:
				e.pendingOp = op
			case res := <-e.readDoneCh:
				return e.finishDataUnwrap(dst, buf, res, consumed)
			case <-e.closeCh:
				return unwrapOutcome{status: statusClosed, err: net.ErrClosed, handshakeStatus: statusFinished}
			}
		}
		avail := src.Readable()
		if len(avail) == 0 {
			return unwrapOutcome{status: statusBufferUnderflow, bytesConsumed: consumed, handshakeStatus: statusFinished}
		}
		op := e.pendingOp
		n := copy(op.buf, avail)
		src.AdvanceRead(n)
		consumed += n
		op.resp <- ioResult{n: n, err: nil}
		e.pendingOp = nil

		select {
		case res := <-e.readDoneCh:
			return e.finishDataUnwrap(dst, buf, res, consumed)
		case op := <-e.opCh:
			e.pendingOp = op
		case <-e.closeCh:
			return unwrapOutcome{status: statusClosed, err: net.ErrClosed, handshakeStatus: statusFinished}
		}
	}
}

func (e *stdEngine) finishDataUnwrap(dst *ByteBuffer, buf []byte, res ioResult, consumed int) unwrapOutcome {
	if res.n > 0 {
		view := dst.Writable(res.n)
		copy(view, buf[:res.n])
		dst.AdvanceWrite(res.n)
	}
	if res.err != nil {
		return unwrapOutcome{status: statusClosed, err: res.err, bytesConsumed: consumed, bytesProduced: res.n, handshakeStatus: statusFinished}
	}
	return unwrapOutcome{status: statusOK, bytesConsumed: consumed, bytesProduced: res.n, handshakeStatus: statusFinished}
}

func (e *stdEngine) session() sessionParams {
	cs := e.conn.ConnectionState()
	return sessionParams{
		applicationBufferSize: defaultApplicationBufferSize,
		packetBufferSize:      defaultPacketBufferSize,
		protocol:              tlsVersionName(cs.Version),
		cipherSuite:           tls.CipherSuiteName(cs.CipherSuite),
	}
}

// disableSessionCreation marks the session as non-resumable. crypto/tls
// already refuses renegotiation by default (spec Non-goal); this only sets
// a flag, which nothing else in this package reads.
func (e *stdEngine) disableSessionCreation() { e.sessionCreationDisabled = true }

func (e *stdEngine) isClient() bool { return e.client }

func (e *stdEngine) authorizationVerdict() *AuthorizationVerdict {
	e.verdictMu.Lock()
	defer e.verdictMu.Unlock()
	return e.verdict
}

func (e *stdEngine) peerCertificates() []*x509.Certificate {
	return e.conn.ConnectionState().PeerCertificates
}

func (e *stdEngine) close() error {
	e.closeOnce.Do(func() {
		close(e.closeCh)
		e.cancel()
	})
	return e.group.Wait()
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}
