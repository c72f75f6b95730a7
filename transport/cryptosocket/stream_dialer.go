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
	"net"
	"time"

	"github.com/Jigsaw-Code/cryptosocket/transport"
)

// StreamDialer adapts CryptoSocket's reactor-shaped contract into the
// teacher's conventional blocking transport.StreamDialer, for callers
// that would rather get a net.Conn-shaped result than drive handshake()
// by hand (SPEC_FULL.md's supplemented-features list).
type StreamDialer struct {
	// Base dials the underlying byte stream (typically a
	// transport.TCPStreamDialer).
	Base transport.StreamDialer
	// Options configures the client-mode handshake.
	Options []ClientOption
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// Dial connects to raddr, then drives the TLS handshake to completion
// before returning. Internally this polls the non-blocking facade — it
// does not depend on any new I/O readiness mechanism beyond what
// transport.StreamConn already provides.
func (d *StreamDialer) Dial(ctx context.Context, raddr string) (transport.StreamConn, error) {
	conn, err := d.Base.Dial(ctx, raddr)
	if err != nil {
		return nil, err
	}
	host, _, splitErr := net.SplitHostPort(raddr)
	if splitErr != nil {
		host = raddr
	}
	opts := append([]ClientOption{WithServerName(host)}, d.Options...)
	sock, err := Client(ctx, conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := driveHandshake(ctx, sock); err != nil {
		conn.Close()
		return nil, err
	}
	return &socketStreamConn{sock: sock}, nil
}

// driveHandshake polls CryptoSocket's non-blocking handshake() to
// completion. A short sleep between NEED_READ/NEED_WRITE retries avoids
// spinning a core while waiting for socket readiness. This file's polling
// loops (here and in socketStreamConn) are the only places in the package
// that trade the reactor model for convenience.
func driveHandshake(ctx context.Context, sock *CryptoSocket) error {
	for {
		state, err := sock.Handshake()
		if err != nil {
			return err
		}
		switch state {
		case HandshakeCompleted:
			return nil
		case HandshakeNeedWork:
			if err := sock.DoHandshakeWork(); err != nil {
				return err
			}
		default:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// socketStreamConn adapts a completed CryptoSocket to transport.StreamConn
// for StreamDialer's callers, translating between []byte and ByteBuffer.
// Cleartext records can expand past whatever buffer a Read caller happens
// to pass in, so leftover decrypted bytes that don't fit in p are held in
// pending for the next Read rather than dropped.
type socketStreamConn struct {
	sock    *CryptoSocket
	pending *ByteBuffer
}

var _ transport.StreamConn = (*socketStreamConn)(nil)

func (c *socketStreamConn) Read(p []byte) (int, error) {
	if c.pending != nil && c.pending.Bytes() > 0 {
		n := copy(p, c.pending.Readable())
		c.pending.AdvanceRead(n)
		return n, nil
	}
	minBuf, err := c.sock.MinReadBuffer()
	if err != nil {
		return 0, err
	}
	size := len(p)
	if size < minBuf {
		size = minBuf
	}
	if c.pending == nil {
		c.pending = NewByteBuffer(size)
	}
	for {
		n, err := c.sock.Read(c.pending)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			copied := copy(p, c.pending.Readable())
			c.pending.AdvanceRead(copied)
			return copied, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *socketStreamConn) Write(p []byte) (int, error) {
	src := NewByteBuffer(len(p))
	copy(src.Writable(len(p)), p)
	src.AdvanceWrite(len(p))
	total := 0
	for src.Bytes() > 0 {
		n, err := c.sock.Write(src)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			if _, err := c.sock.Flush(); err != nil {
				return total, err
			}
			time.Sleep(time.Millisecond)
		}
	}
	for {
		result, err := c.sock.Flush()
		if err != nil {
			return total, err
		}
		if result == FlushDone {
			return total, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// Close releases the CryptoSocket's engine resources and closes the
// underlying connection. Unlike CryptoSocket.Close (which never closes its
// borrowed conn — spec §3), this wrapper owns the conn outright: Dial
// dialed it internally and handed it to the caller only as this
// transport.StreamConn, so this is the one place that conn's closure
// belongs to.
func (c *socketStreamConn) Close() error {
	engineErr := c.sock.Close()
	connErr := c.sock.Channel().Close()
	if engineErr != nil {
		return engineErr
	}
	return connErr
}
func (c *socketStreamConn) CloseRead() error        { return c.sock.Channel().CloseRead() }
func (c *socketStreamConn) CloseWrite() error       { return c.sock.Channel().CloseWrite() }
func (c *socketStreamConn) LocalAddr() net.Addr     { return c.sock.Channel().LocalAddr() }
func (c *socketStreamConn) RemoteAddr() net.Addr    { return c.sock.Channel().RemoteAddr() }
func (c *socketStreamConn) SetDeadline(t time.Time) error {
	return c.sock.Channel().SetDeadline(t)
}
func (c *socketStreamConn) SetReadDeadline(t time.Time) error {
	return c.sock.Channel().SetReadDeadline(t)
}
func (c *socketStreamConn) SetWriteDeadline(t time.Time) error {
	return c.sock.Channel().SetWriteDeadline(t)
}
