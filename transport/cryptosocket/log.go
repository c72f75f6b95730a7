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
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// newInstanceLogger returns base with a stable per-instance correlation
// field attached (spec §6: "identified by a stable instance tag"). The id
// is generated once per CryptoSocket at construction.
func newInstanceLogger(base *zap.Logger, role string) (*zap.Logger, string) {
	if base == nil {
		base = zap.NewNop()
	}
	id := uuid.NewString()
	return base.With(zap.String("instance", id), zap.String("role", role)), id
}

// logTransition emits the one-event-per-transition record spec §6 requires.
func logTransition(log *zap.Logger, state HandshakeState) {
	log.Info("handshake transition", zap.String("state", state.String()))
}

// logEngineCall emits the one-event-per-engine-call record spec §6
// requires.
func logEngineCall(log *zap.Logger, op string, status fmt.Stringer) {
	log.Info("engine call", zap.String("op", op), zap.Stringer("status", status))
}
