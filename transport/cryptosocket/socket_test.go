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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jigsaw-Code/cryptosocket/transport"
)

// newSelfSignedServerCert mirrors the teacher pack's selfsigned.go (ECDSA
// P256, one SAN, short validity window), trimmed to exactly what these
// tests need: a certificate for "localhost".
func newSelfSignedServerCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"cryptosocket test"}},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// driveToCompletion pumps Handshake/DoHandshakeWork on sock until it
// reaches HandshakeCompleted or fails, yielding the goroutine between
// reactor steps so the peer's own driver gets a chance to run. It returns
// rather than using require/t.Fatal, since it is also called from a
// background goroutine in the tests below and only the test's own
// goroutine may fail it (testing.T's contract).
func driveToCompletion(sock *CryptoSocket) error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		state, err := sock.Handshake()
		if err != nil {
			return err
		}
		if state == HandshakeCompleted {
			return nil
		}
		if state == HandshakeNeedWork {
			if err := sock.DoHandshakeWork(); err != nil {
				return err
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("handshake did not complete: stuck at %v", state)
		}
		time.Sleep(time.Millisecond)
	}
}

// handshakeBothSides drives client and server concurrently to completion,
// returning either side's error.
func handshakeBothSides(t *testing.T, client, server *CryptoSocket) {
	t.Helper()
	serverErr := make(chan error, 1)
	go func() { serverErr <- driveToCompletion(server) }()
	require.NoError(t, driveToCompletion(client))
	require.NoError(t, <-serverErr)
}

// TestRoundTripClientServer exercises the real stdEngine end to end over an
// in-memory transport.StreamConn pair: full handshake, then interleaved
// writes and reads of application data, matching spec §8's round-trip
// property.
func TestRoundTripClientServer(t *testing.T) {
	cert, pool := newSelfSignedServerCert(t)
	clientConn, serverConn := transport.NewPipeStreamConnPair()
	ctx := context.Background()

	server, err := Server(ctx, serverConn, WithServerCertificate(cert))
	require.NoError(t, err)
	client, err := Client(ctx, clientConn, WithServerName("localhost"), WithRootCAs(pool))
	require.NoError(t, err)

	handshakeBothSides(t, client, server)

	message := []byte("the quick brown fox jumps over the lazy dog")
	src := NewByteBuffer(len(message))
	copy(src.Writable(len(message)), message)
	src.AdvanceWrite(len(message))

	writeErr := make(chan error, 1)
	go func() {
		for src.Bytes() > 0 {
			if _, err := client.Write(src); err != nil {
				writeErr <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
		for {
			result, err := client.Flush()
			if err != nil {
				writeErr <- err
				return
			}
			if result == FlushDone {
				writeErr <- nil
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	minBuf, err := server.MinReadBuffer()
	require.NoError(t, err)
	dst := NewByteBuffer(minBuf)
	received := make([]byte, 0, len(message))
	deadline := time.Now().Add(10 * time.Second)
	for len(received) < len(message) {
		n, err := server.Read(dst)
		require.NoError(t, err)
		if n > 0 {
			received = append(received, append([]byte(nil), dst.Readable()...)...)
			dst.AdvanceRead(n)
		}
		require.Falsef(t, time.Now().After(deadline), "round trip did not complete")
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, <-writeErr)
	require.Equal(t, message, received)

	sc, ok := server.SecurityContext()
	require.True(t, ok)
	require.Empty(t, sc.PeerCertificates, "no client certificate was requested")
	// Server mode always strips TLS 1.3 from the enabled-protocols list
	// before handshaking (spec §6), so with the default list this server
	// negotiates TLS 1.2 even though the client offers TLS 1.3.
	require.Equal(t, "TLS1.2", sc.Protocol)

	csc, ok := client.SecurityContext()
	require.True(t, ok)
	require.Equal(t, "TLS1.2", csc.Protocol)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}

// Scenario 2 (spec §8): a server constructed with only TLSv1.3 enabled
// fails construction once that protocol is filtered out; with both 1.2 and
// 1.3 enabled, construction succeeds and only 1.2 stays enabled.
func TestServerRejectsTLS13Only(t *testing.T) {
	cert, _ := newSelfSignedServerCert(t)
	clientConn, serverConn := transport.NewPipeStreamConnPair()
	defer clientConn.Close()
	defer serverConn.Close()

	_, err := Server(context.Background(), serverConn, WithServerCertificate(cert), WithEnabledProtocols("TLSv1.3"))
	require.Error(t, err)
}

func TestServerAllowsTLS12WhenBothEnabled(t *testing.T) {
	cert, pool := newSelfSignedServerCert(t)
	clientConn, serverConn := transport.NewPipeStreamConnPair()
	ctx := context.Background()

	server, err := Server(ctx, serverConn, WithServerCertificate(cert), WithEnabledProtocols("TLSv1.2", "TLSv1.3"))
	require.NoError(t, err)
	client, err := Client(ctx, clientConn, WithServerName("localhost"), WithRootCAs(pool))
	require.NoError(t, err)

	handshakeBothSides(t, client, server)

	sc, ok := server.SecurityContext()
	require.True(t, ok)
	require.Equal(t, "TLS1.2", sc.Protocol)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}
