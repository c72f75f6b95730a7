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
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"go.uber.org/zap"
)

// clientConfig is built up by ClientOptions before a Client CryptoSocket
// is constructed.
type clientConfig struct {
	tls        tls.Config
	authorizer PeerAuthorizer
	metrics    *Metrics
	logger     *zap.Logger
}

// ClientOption configures a client-mode CryptoSocket, mirroring the
// teacher's transport/tls.ClientOption shape.
type ClientOption func(*clientConfig)

// WithServerName sets the SNI/certificate-verification name.
func WithServerName(name string) ClientOption {
	return func(c *clientConfig) { c.tls.ServerName = name }
}

// WithRootCAs overrides the trust store used to verify the server chain.
func WithRootCAs(pool *x509.CertPool) ClientOption {
	return func(c *clientConfig) { c.tls.RootCAs = pool }
}

// WithClientCertificate presents a client certificate during the
// handshake.
func WithClientCertificate(cert tls.Certificate) ClientOption {
	return func(c *clientConfig) { c.tls.Certificates = append(c.tls.Certificates, cert) }
}

// WithALPN sets the client's offered application protocols.
func WithALPN(protocols ...string) ClientOption {
	return func(c *clientConfig) { c.tls.NextProtos = protocols }
}

// WithPeerAuthorizer installs the delegated peer-authorization policy
// (spec §1: the policy body itself is supplied by the caller).
func WithPeerAuthorizer(a PeerAuthorizer) ClientOption {
	return func(c *clientConfig) { c.authorizer = a }
}

// WithClientMetrics points the socket at a non-default Metrics instance
// (tests use this to avoid colliding with the package's global registry).
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *clientConfig) { c.metrics = m }
}

// WithClientLogger attaches a base logger; a per-instance correlation
// field is added automatically (spec §6).
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// serverConfig is built up by ServerOptions before a Server CryptoSocket
// is constructed.
type serverConfig struct {
	certificates      []tls.Certificate
	clientCAs         *x509.CertPool
	requireClientCert bool
	enabledProtocols  []string
	alpn              []string
	authorizer        PeerAuthorizer
	metrics           *Metrics
	logger            *zap.Logger
}

// ServerOption configures a server-mode CryptoSocket.
type ServerOption func(*serverConfig)

// WithServerCertificate adds a certificate the server presents.
func WithServerCertificate(cert tls.Certificate) ServerOption {
	return func(c *serverConfig) { c.certificates = append(c.certificates, cert) }
}

// WithClientCAs enables client-certificate verification against pool.
// Client certificates remain optional unless WithRequireClientCert is
// also given, matching the "non-certificate cipher or optional client
// auth" case spec §4.5 calls out for an empty peer certificate list.
func WithClientCAs(pool *x509.CertPool) ServerOption {
	return func(c *serverConfig) { c.clientCAs = pool }
}

// WithRequireClientCert makes client-certificate presentation mandatory.
// It takes effect only together with WithClientCAs; without a client CA
// pool no client certificate is requested.
func WithRequireClientCert() ServerOption {
	return func(c *serverConfig) { c.requireClientCert = true }
}

// WithEnabledProtocols sets the protocol list TLS 1.3 is filtered out of
// before handshake (spec §6). Defaults to {"TLSv1.2", "TLSv1.3"}.
func WithEnabledProtocols(protocols ...string) ServerOption {
	return func(c *serverConfig) { c.enabledProtocols = protocols }
}

// WithServerALPN sets the protocols the server is willing to negotiate.
func WithServerALPN(protocols ...string) ServerOption {
	return func(c *serverConfig) {
		// Stashed via a closure-captured slot set at build time; see
		// buildServerTLSConfig.
		c.alpn = protocols
	}
}

// WithServerPeerAuthorizer installs the delegated peer-authorization policy.
func WithServerPeerAuthorizer(a PeerAuthorizer) ServerOption {
	return func(c *serverConfig) { c.authorizer = a }
}

// WithServerMetrics points the socket at a non-default Metrics instance.
func WithServerMetrics(m *Metrics) ServerOption {
	return func(c *serverConfig) { c.metrics = m }
}

// WithServerLogger attaches a base logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

var tlsVersionByName = map[string]uint16{
	"TLSv1.0": tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// buildServerTLSConfig removes TLS 1.3 from the enabled-protocols list
// (spec §6): in server mode the adapter's renegotiation/authorization
// hooks are incompatible with TLS 1.3 handshake semantics. An emptied
// list fails construction with a plain configuration error — distinct
// from the runtime Error kinds of §7, which only classify handshake/
// data-path failures.
func buildServerTLSConfig(c *serverConfig) (*tls.Config, error) {
	protocols := c.enabledProtocols
	if len(protocols) == 0 {
		protocols = []string{"TLSv1.2", "TLSv1.3"}
	}
	var minV, maxV uint16
	n := 0
	for _, name := range protocols {
		if name == "TLSv1.3" {
			continue
		}
		v, ok := tlsVersionByName[name]
		if !ok {
			return nil, fmt.Errorf("cryptosocket: unknown protocol %q", name)
		}
		if n == 0 || v < minV {
			minV = v
		}
		if n == 0 || v > maxV {
			maxV = v
		}
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("cryptosocket: server mode: removing TLSv1.3 leaves no enabled protocols in %v", protocols)
	}
	cfg := &tls.Config{
		Certificates: c.certificates,
		ClientCAs:    c.clientCAs,
		MinVersion:   minV,
		MaxVersion:   maxV,
		NextProtos:   c.alpn,
	}
	if c.clientCAs != nil {
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if c.requireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}
