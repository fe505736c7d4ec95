//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/original_source veilid-core/src/routing_table's
// NodeRef (a refcounted handle the routing table hands out and reclaims).
//

package netid

// NodeRef is an opaque reference to a routing-table node. The routing
// table collaborator owns and refcounts the underlying entry; this module
// only ever holds a NodeRef for the duration it needs one (e.g. for the
// lifetime of a protected connection, or across one send operation), per
// spec §3's ownership note, and releases it via Release when done.
type NodeRef interface {
	// NodeIDs returns the node's known DHT key ids (a node may have more
	// than one identity across routing domains).
	NodeIDs() []string

	// Release relinquishes this reference.
	Release()
}
