// Copyright 2019 Jigsaw Operations LLC
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

package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// StreamConn is a net.Conn that allows for closing only the reader or writer end of
// it, supporting half-open state.
type StreamConn interface {
	net.Conn
	// Closes the Read end of the connection, allowing for the release of resources.
	// No more reads should happen.
	CloseRead() error
	// Closes the Write end of the connection. An EOF or FIN signal may be
	// sent to the connection target.
	CloseWrite() error
}

type duplexConnAdaptor struct {
	StreamConn
	r io.Reader
	w io.Writer
}

var _ StreamConn = (*duplexConnAdaptor)(nil)

func (dc *duplexConnAdaptor) Read(b []byte) (int, error) {
	return dc.r.Read(b)
}
func (dc *duplexConnAdaptor) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, dc.r)
}
func (dc *duplexConnAdaptor) CloseRead() error {
	return dc.StreamConn.CloseRead()
}
func (dc *duplexConnAdaptor) Write(b []byte) (int, error) {
	return dc.w.Write(b)
}
func (dc *duplexConnAdaptor) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(dc.w, r)
}
func (dc *duplexConnAdaptor) CloseWrite() error {
	return dc.StreamConn.CloseWrite()
}

// WrapConn wraps an existing [StreamConn] with new Reader and Writer, but
// preserving the original [StreamConn.CloseRead] and [StreamConn.CloseWrite].
func WrapConn(c StreamConn, r io.Reader, w io.Writer) StreamConn {
	conn := c
	// We special-case duplexConnAdaptor to avoid multiple levels of nesting.
	if a, ok := c.(*duplexConnAdaptor); ok {
		conn = a.StreamConn
	}
	return &duplexConnAdaptor{StreamConn: conn, r: r, w: w}
}

// StreamEndpoint represents an endpoint that can be used to established stream connections (like TCP) to a fixed destination.
type StreamEndpoint interface {
	// Connect establishes a connection with the endpoint, returning the connection.
	Connect(ctx context.Context) (StreamConn, error)
}

// TCPEndpoint is a [StreamEndpoint] that connects to the given address using the given [net.Dialer].
type TCPEndpoint struct {
	// The Dialer used to create the net.Conn on Connect().
	Dialer net.Dialer
	// The endpoint address (host:port) to pass to Dial.
	// If the host is a domain name, consider pre-resolving it to avoid resolution calls.
	Address string
}

var _ StreamEndpoint = (*TCPEndpoint)(nil)

// Connect implements [StreamEndpoint.Connect].
func (e *TCPEndpoint) Connect(ctx context.Context) (StreamConn, error) {
	conn, err := e.Dialer.DialContext(ctx, "tcp", e.Address)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// StreamDialer provides a way to dial a destination and establish stream connections.
type StreamDialer interface {
	// Dial connects to `raddr`.
	// `raddr` has the form `host:port`, where `host` can be a domain name or IP address.
	Dial(ctx context.Context, raddr string) (StreamConn, error)
}

// TCPStreamDialer is a [StreamDialer] that uses the standard [net.Dialer] to dial.
// It provides a convenient way to use a [net.Dialer] when you need a [StreamDialer].
type TCPStreamDialer struct {
	Dialer net.Dialer
}

var _ StreamDialer = (*TCPStreamDialer)(nil)

func (d *TCPStreamDialer) Dial(ctx context.Context, addr string) (StreamConn, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// pipeHalf is a one-directional, in-memory byte stream with net.Conn-style
// deadline semantics: an elapsed deadline fails only the operation blocked
// on it, the same way a real socket's deadline works, rather than tearing
// anything down. That distinction matters here because callers reuse the
// same pipeStreamConn across many deadline/read cycles (every non-blocking
// read or write sets a deadline immediately before the call).
type pipeHalf struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	closed   bool
	deadline time.Time
}

func newPipeHalf() *pipeHalf {
	h := &pipeHalf{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *pipeHalf) setDeadline(t time.Time) {
	h.mu.Lock()
	h.deadline = t
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *pipeHalf) write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, net.ErrClosed
	}
	n, _ := h.buf.Write(p)
	h.cond.Broadcast()
	return n, nil
}

func (h *pipeHalf) read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.buf.Len() == 0 && !h.closed {
		if !h.deadline.IsZero() && !time.Now().Before(h.deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		if h.deadline.IsZero() {
			h.cond.Wait()
			continue
		}
		timer := time.AfterFunc(time.Until(h.deadline), h.cond.Broadcast)
		h.cond.Wait()
		timer.Stop()
	}
	if h.buf.Len() == 0 {
		return 0, io.EOF
	}
	return h.buf.Read(p)
}

func (h *pipeHalf) close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// pipeStreamConn is one end of an in-memory, half-closable StreamConn pair.
type pipeStreamConn struct {
	r, w                  *pipeHalf
	localAddr, remoteAddr net.Addr
}

// NewPipeStreamConnPair returns two in-memory [StreamConn]s, each one's
// writes visible as the other's reads. It's useful for tests that need a
// full-duplex, half-closable connection without a real socket, such as
// driving both ends of a handshake in the same process.
func NewPipeStreamConnPair() (a, b StreamConn) {
	ab := newPipeHalf() // a's writes, b's reads
	ba := newPipeHalf() // b's writes, a's reads
	local := &pipeAddr{}
	remote := &pipeAddr{}
	a = &pipeStreamConn{r: ba, w: ab, localAddr: local, remoteAddr: remote}
	b = &pipeStreamConn{r: ab, w: ba, localAddr: remote, remoteAddr: local}
	return a, b
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

var _ StreamConn = (*pipeStreamConn)(nil)

func (c *pipeStreamConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *pipeStreamConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *pipeStreamConn) Read(b []byte) (int, error)  { return c.r.read(b) }
func (c *pipeStreamConn) Write(b []byte) (int, error) { return c.w.write(b) }

func (c *pipeStreamConn) CloseRead() error {
	c.r.close()
	return nil
}

func (c *pipeStreamConn) CloseWrite() error {
	c.w.close()
	return nil
}

func (c *pipeStreamConn) Close() error {
	c.r.close()
	c.w.close()
	return nil
}

func (c *pipeStreamConn) SetReadDeadline(t time.Time) error {
	c.r.setDeadline(t)
	return nil
}

// SetWriteDeadline has no effect: pipeHalf writes never block, so there is
// no write to time out, and c.w's deadline is the peer's read deadline.
func (c *pipeStreamConn) SetWriteDeadline(t time.Time) error {
	return nil
}

func (c *pipeStreamConn) SetDeadline(t time.Time) error {
	c.r.setDeadline(t)
	return nil
}
