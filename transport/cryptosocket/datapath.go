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
	"io"
	"net"
)

// FlushResult is the outcome of DataPath.flush (spec §4.4).
type FlushResult int

const (
	FlushDone FlushResult = iota
	FlushNeedWrite
)

func (r FlushResult) String() string {
	if r == FlushDone {
		return "DONE"
	}
	return "NEED_WRITE"
}

// DataPath is the post-handshake read/write/drain/flush surface of spec
// §4.4, sharing unwrapBuf/wrapBuf with the HandshakeDriver that completed
// on the same engine.
type DataPath struct {
	engine tlsEngine
	conn   net.Conn

	unwrapBuf *ByteBuffer
	wrapBuf   *ByteBuffer

	applicationBufferSize int
	packetBufferSize      int
}

func newDataPath(engine tlsEngine, conn net.Conn, unwrapBuf, wrapBuf *ByteBuffer, session sessionParams) *DataPath {
	appSize := session.applicationBufferSize
	if appSize <= 0 {
		appSize = defaultApplicationBufferSize
	}
	pktSize := session.packetBufferSize
	if pktSize <= 0 {
		pktSize = defaultPacketBufferSize
	}
	return &DataPath{
		engine:                engine,
		conn:                  conn,
		unwrapBuf:             unwrapBuf,
		wrapBuf:               wrapBuf,
		applicationBufferSize: appSize,
		packetBufferSize:      pktSize,
	}
}

// minReadBuffer returns the smallest cleartext read target that can make
// progress: TLS records can expand to applicationBufferSize once
// decrypted (spec §4.4).
func (p *DataPath) minReadBuffer() int { return p.applicationBufferSize }

// read returns newly available cleartext bytes, or 0 if none are ready
// yet (would-block; the caller retries on socket readiness).
func (p *DataPath) read(dst *ByteBuffer) (int, error) {
	if n, err := p.drain(dst); err != nil || n > 0 {
		return n, err
	}
	n, err := nonBlockingRead(p.conn, p.unwrapBuf.Writable(p.packetBufferSize))
	if err == io.EOF {
		return 0, newError(ErrClosedChannel, "peer closed", nil)
	}
	if err != nil {
		return 0, newError(ErrClosedChannel, "socket read", err)
	}
	if n == 0 {
		return 0, nil
	}
	p.unwrapBuf.AdvanceWrite(n)
	return p.drain(dst)
}

// drain decrypts as much already-buffered ciphertext as possible into
// dst, looping until a single unwrap produces nothing further.
func (p *DataPath) drain(dst *ByteBuffer) (int, error) {
	total := 0
	for {
		outcome := p.engine.unwrap(p.unwrapBuf, dst)
		if outcome.err != nil {
			return total, newError(ErrClosedChannel, "engine closed", outcome.err)
		}
		total += outcome.bytesProduced
		switch outcome.status {
		case statusClosed:
			return total, newError(ErrClosedChannel, "engine reported closed during unwrap", nil)
		case statusBufferUnderflow, statusBufferOverflow:
			return total, nil
		}
		if outcome.bytesProduced == 0 {
			return total, nil
		}
	}
}

// write encrypts and stages src's cleartext, returning how much of it was
// consumed. It never stages more than roughly one record's worth of
// ciphertext per call (spec §4.4 step 2): the caller is expected to call
// flush and retry for the remainder.
func (p *DataPath) write(src *ByteBuffer) (int, error) {
	result, err := p.flush()
	if err != nil {
		return 0, err
	}
	if result == FlushNeedWrite {
		return 0, nil
	}

	consumed := 0
	for {
		if src.Bytes() == 0 {
			break
		}
		if p.wrapBuf.Bytes() >= p.packetBufferSize {
			break
		}
		outcome := p.engine.wrap(src, p.wrapBuf, p.packetBufferSize)
		if outcome.err != nil {
			return consumed, newError(ErrClosedChannel, "engine closed", outcome.err)
		}
		if outcome.status == statusClosed {
			return consumed, newError(ErrClosedChannel, "engine reported closed during wrap", nil)
		}
		consumed += outcome.bytesConsumed
		if outcome.status == statusBufferOverflow {
			break
		}
		if outcome.bytesConsumed == 0 {
			break
		}
	}
	return consumed, nil
}

// flush performs one non-blocking socket write of wrapBuf's pending
// ciphertext.
func (p *DataPath) flush() (FlushResult, error) {
	if p.wrapBuf.Bytes() == 0 {
		return FlushDone, nil
	}
	n, err := nonBlockingWrite(p.conn, p.wrapBuf.Readable())
	if err != nil {
		return FlushNeedWrite, newError(ErrClosedChannel, "socket write", err)
	}
	p.wrapBuf.AdvanceRead(n)
	if p.wrapBuf.Bytes() == 0 {
		return FlushDone, nil
	}
	return FlushNeedWrite, nil
}
