//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's map-keyed-by-joined-ids fake in its own test
// suite, promoted to a concurrency-safe production default bounded the same
// way conntable bounds its buckets (hashicorp/golang-lru/v2).
//

package sendengine

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bassosimone/overlay/netid"
)

// defaultLastFlowCacheSize bounds the number of distinct target node-id
// sets this table remembers, so a churning set of transient contacts
// cannot grow the table without bound.
const defaultLastFlowCacheSize = 8192

// MemoryLastFlowTable is the default [LastFlowTable]: an LRU-bounded map
// keyed by the target's joined node ids.
type MemoryLastFlowTable struct {
	cache *lru.Cache[string, netid.Flow]
}

var _ LastFlowTable = (*MemoryLastFlowTable)(nil)

// NewMemoryLastFlowTable builds a [MemoryLastFlowTable].
func NewMemoryLastFlowTable() *MemoryLastFlowTable {
	cache, err := lru.New[string, netid.Flow](defaultLastFlowCacheSize)
	if err != nil {
		panic(err)
	}
	return &MemoryLastFlowTable{cache: cache}
}

func lastFlowKey(nodeIDs []string) string {
	return strings.Join(nodeIDs, ",")
}

// LastFlow implements [LastFlowTable].
func (t *MemoryLastFlowTable) LastFlow(nodeIDs []string) (netid.Flow, bool) {
	return t.cache.Get(lastFlowKey(nodeIDs))
}

// SetLastFlow implements [LastFlowTable].
func (t *MemoryLastFlowTable) SetLastFlow(nodeIDs []string, flow netid.Flow) {
	t.cache.Add(lastFlowKey(nodeIDs), flow)
}
