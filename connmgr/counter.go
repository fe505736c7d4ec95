// SPDX-License-Identifier: GPL-3.0-or-later

package connmgr

import (
	"sync/atomic"

	"github.com/bassosimone/overlay/netid"
)

// idCounter hands out strictly increasing, never-reused connection ids
// (spec §8 property 5: "connection-id monotonicity").
type idCounter struct {
	n atomic.Uint64
}

func (c *idCounter) next() netid.ConnectionID {
	return netid.ConnectionID(c.n.Add(1))
}
