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
	"crypto/x509"

	"go.uber.org/zap"

	"github.com/Jigsaw-Code/cryptosocket/transport"
)

// SecurityContext describes the negotiated session, available once the
// handshake has completed (spec §3, §4.5).
type SecurityContext struct {
	Protocol          string
	CipherSuite       string
	PeerCertificates  []*x509.Certificate
	PeerAuthorization *AuthorizationVerdict
}

// Stats is a point-in-time snapshot of a CryptoSocket's progress,
// supplementing spec §4.5 for callers that want visibility without
// driving the reactor contract by hand (SPEC_FULL.md).
type Stats struct {
	InstanceID     string
	Client         bool
	HandshakeState HandshakeState
}

// CryptoSocket bridges a non-blocking transport.StreamConn to a
// reactor-style consumer of cleartext bytes (spec §1, §4.5). It composes
// a ByteBuffer pair, a tlsEngine, a HandshakeDriver, and (once the
// handshake completes) a DataPath, exposing neither of the latter two
// directly — callers drive everything through this facade.
type CryptoSocket struct {
	conn   transport.StreamConn
	engine tlsEngine
	client bool

	unwrapBuf *ByteBuffer
	wrapBuf   *ByteBuffer

	hs   *HandshakeDriver
	data *DataPath

	instanceID string
	metrics    *Metrics
	log        *zap.Logger
}

// Client constructs a CryptoSocket that will perform the client side of a
// TLS handshake over conn.
func Client(ctx context.Context, conn transport.StreamConn, opts ...ClientOption) (*CryptoSocket, error) {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = defaultMetrics
	}
	log, id := newInstanceLogger(cfg.logger, "client")
	engine := newStdEngine(ctx, true, &cfg.tls, cfg.authorizer)
	return newCryptoSocket(conn, engine, true, id, cfg.metrics, log), nil
}

// Server constructs a CryptoSocket that will perform the server side of a
// TLS handshake over conn. Construction fails if removing TLS 1.3 from
// the enabled-protocols list would leave it empty (spec §6).
func Server(ctx context.Context, conn transport.StreamConn, opts ...ServerOption) (*CryptoSocket, error) {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	tlsCfg, err := buildServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.metrics == nil {
		cfg.metrics = defaultMetrics
	}
	log, id := newInstanceLogger(cfg.logger, "server")
	engine := newStdEngine(ctx, false, tlsCfg, cfg.authorizer)
	return newCryptoSocket(conn, engine, false, id, cfg.metrics, log), nil
}

func newCryptoSocket(conn transport.StreamConn, engine tlsEngine, client bool, instanceID string, metrics *Metrics, log *zap.Logger) *CryptoSocket {
	s := &CryptoSocket{
		conn:       conn,
		engine:     engine,
		client:     client,
		unwrapBuf:  NewByteBuffer(defaultPacketBufferSize),
		wrapBuf:    NewByteBuffer(defaultPacketBufferSize),
		instanceID: instanceID,
		metrics:    metrics,
		log:        log,
	}
	s.hs = newHandshakeDriver(engine, conn, client, s.unwrapBuf, s.wrapBuf, metrics, log)
	return s
}

// Handshake advances the handshake automaton by one reactor step (spec
// §4.3). Once it returns HandshakeCompleted the data-path methods below
// become usable.
func (s *CryptoSocket) Handshake() (HandshakeState, error) {
	state, err := s.hs.handshake()
	if state == HandshakeCompleted && s.data == nil {
		s.data = newDataPath(s.engine, s.conn, s.unwrapBuf, s.wrapBuf, s.hs.sessionInfo())
	}
	return state, err
}

// DoHandshakeWork runs every queued delegated task synchronously, on
// whatever goroutine the caller invokes it from (spec §4.3). It must not
// be called concurrently with Handshake or any data-path method on the
// same CryptoSocket (spec §5).
func (s *CryptoSocket) DoHandshakeWork() error { return s.hs.doHandshakeWork() }

// MinReadBuffer returns the smallest cleartext buffer Read can make
// progress with (spec §4.4).
func (s *CryptoSocket) MinReadBuffer() (int, error) {
	if s.data == nil {
		return 0, newError(ErrHandshakeIncomplete, "min_read_buffer before handshake completion", nil)
	}
	return s.data.minReadBuffer(), nil
}

// Read copies newly available cleartext into dst, returning the number of
// bytes produced (spec §4.4).
func (s *CryptoSocket) Read(dst *ByteBuffer) (int, error) {
	if s.data == nil {
		return 0, newError(ErrHandshakeIncomplete, "read before handshake completion", nil)
	}
	return s.data.read(dst)
}

// Drain decrypts only already-buffered ciphertext into dst, without
// touching the socket (spec §4.4).
func (s *CryptoSocket) Drain(dst *ByteBuffer) (int, error) {
	if s.data == nil {
		return 0, newError(ErrHandshakeIncomplete, "drain before handshake completion", nil)
	}
	return s.data.drain(dst)
}

// Write stages and opportunistically flushes cleartext from src, returning
// how much was consumed (spec §4.4).
func (s *CryptoSocket) Write(src *ByteBuffer) (int, error) {
	if s.data == nil {
		return 0, newError(ErrHandshakeIncomplete, "write before handshake completion", nil)
	}
	return s.data.write(src)
}

// Flush pushes any ciphertext still staged in wrapBuf to the socket (spec
// §4.4).
func (s *CryptoSocket) Flush() (FlushResult, error) {
	if s.data == nil {
		return FlushNeedWrite, newError(ErrHandshakeIncomplete, "flush before handshake completion", nil)
	}
	return s.data.flush()
}

// Channel returns the underlying socket, for the reactor to register with
// its poller (spec §4.5).
func (s *CryptoSocket) Channel() transport.StreamConn { return s.conn }

// InjectReadData appends externally pre-read bytes to unwrapBuffer before
// the first Handshake call, for protocol-detection wrappers that already
// consumed the stream's first bytes themselves (spec §4.5, §6).
func (s *CryptoSocket) InjectReadData(data []byte) {
	staged := NewByteBuffer(len(data))
	copy(staged.Writable(len(data)), data)
	staged.AdvanceWrite(len(data))
	s.unwrapBuf.Inject(staged)
}

// SecurityContext reports the negotiated session once the handshake has
// completed. The second return value is false before completion. A
// non-nil, empty PeerCertificates means the peer was valid but
// unverified — an anonymous cipher or optional, unpresented client
// authentication (spec §4.5).
func (s *CryptoSocket) SecurityContext() (*SecurityContext, bool) {
	if s.hs.State() != HandshakeCompleted {
		return nil, false
	}
	info := s.hs.sessionInfo()
	certs := s.engine.peerCertificates()
	if certs == nil {
		certs = []*x509.Certificate{}
	}
	return &SecurityContext{
		Protocol:          info.protocol,
		CipherSuite:       info.cipherSuite,
		PeerCertificates:  certs,
		PeerAuthorization: s.engine.authorizationVerdict(),
	}, true
}

// Stats returns a point-in-time snapshot of this socket's progress.
func (s *CryptoSocket) Stats() Stats {
	return Stats{InstanceID: s.instanceID, Client: s.client, HandshakeState: s.hs.State()}
}

// Close releases the engine's background goroutines and the handshake
// scratch buffer. The underlying socket is borrowed, not owned — closing
// it is the caller's responsibility (spec §3), so Close never touches it.
func (s *CryptoSocket) Close() error {
	s.hs.scratch = nil
	return s.engine.close()
}
