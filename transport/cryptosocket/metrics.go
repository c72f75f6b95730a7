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

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the four process-wide counters spec §6 names. A nil
// *Metrics is safe to use (every increment is a no-op); a zero Metrics
// value is not, since its counters are nil, so NewMetrics must be used
// (the package-level defaultMetrics is always initialized). Counters are
// safe for concurrent increments across every
// CryptoSocket instance, as spec §5 requires.
type Metrics struct {
	connectionsEstablished  *prometheus.CounterVec
	certVerificationFailure prometheus.Counter
	peerAuthFailure         prometheus.Counter
}

// NewMetrics registers a fresh set of counters with reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with
// defaultMetrics' global registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsEstablished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cryptosocket",
			Name:      "tls_connections_established_total",
			Help:      "TLS handshakes completed successfully, by role.",
		}, []string{"role"}),
		certVerificationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryptosocket",
			Name:      "tls_certificate_verification_failures_total",
			Help:      "Handshakes that failed x509 chain verification.",
		}),
		peerAuthFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryptosocket",
			Name:      "peer_authorization_failures_total",
			Help:      "Handshakes rejected by the peer authorizer after successful chain verification.",
		}),
	}
	reg.MustRegister(m.connectionsEstablished, m.certVerificationFailure, m.peerAuthFailure)
	return m
}

var defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

func (m *Metrics) incEstablished(client bool) {
	if m == nil {
		return
	}
	role := "server"
	if client {
		role = "client"
	}
	m.connectionsEstablished.WithLabelValues(role).Inc()
}

func (m *Metrics) incCertVerificationFailure() {
	if m == nil {
		return
	}
	m.certVerificationFailure.Inc()
}

func (m *Metrics) incPeerAuthFailure() {
	if m == nil {
		return
	}
	m.peerAuthFailure.Inc()
}
