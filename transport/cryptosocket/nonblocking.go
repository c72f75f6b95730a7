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
	"errors"
	"net"
	"time"
)

// rawSocket is the non-blocking full-duplex byte channel spec §6
// describes: read returns (0, nil) on would-block, (n, nil) on data,
// (0, io.EOF)-shaped on orderly close; write returns the bytes accepted,
// possibly 0. transport.StreamConn (and any net.Conn) satisfies this via
// nonBlockingRead/nonBlockingWrite below.
type rawSocket interface {
	net.Conn
}

// pastDeadline is far enough in the past that SetReadDeadline/
// SetWriteDeadline make the very next call return immediately if no data
// (or buffer space) is already available — the standard Go idiom for
// adapting a blocking net.Conn to single-shot, non-blocking reactor use.
var pastDeadline = time.Unix(1, 0)

// nonBlockingRead performs at most one non-blocking read. A timeout is
// reported as (0, nil): would-block, not an error.
func nonBlockingRead(conn net.Conn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(pastDeadline); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

// nonBlockingWrite performs at most one non-blocking write.
func nonBlockingWrite(conn net.Conn, buf []byte) (int, error) {
	if err := conn.SetWriteDeadline(pastDeadline); err != nil {
		return 0, err
	}
	n, err := conn.Write(buf)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
