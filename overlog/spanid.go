//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's spanid.go (NewSpanID, runtimex.PanicOnError1(uuid.NewV7())).
//

package overlog

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 string identifying one span: a dial attempt,
// a SendData resolution, an envelope forward — anything a log line should
// let a reader correlate across its start/end/failure entries without
// reconstructing it from arguments.
//
// Time-ordered (v7) so spans sort chronologically in log output. Panics
// only if the system CSPRNG fails, which the uuid package itself treats
// as unrecoverable.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
