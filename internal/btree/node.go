// Package btree implements the generic, depth-balanced B-tree substrate
// from spec.md §3–§4: cursor & path (C3), probe/insert/chop/split/merge
// and cursor-redirect (C4), polymorphic over a leaf-ops vtable (C5 lives
// in internal/dleaf, built on this package).
package btree

import (
	"encoding/binary"

	"github.com/tux3fs/coretux3/internal/buftype"
)

// nodeHeaderSize is the fixed header before a node's entries, spec.md §6:
// "{count: u16, ...padding...}".
const nodeHeaderSize = 8

// entrySize is the persisted size of one (key, block) pair, both
// big-endian uint64s (spec.md §6).
const entrySize = 16

// Entry is one internal-node entry: a separator key and the child block
// it routes to. The first entry of a node is the left fence: its
// Separator is ignored by lookups but still occupies a slot.
type Entry struct {
	Separator buftype.TuxkeyT
	Child     buftype.BlockT
}

// Node is the parsed form of an internal node's bytes.
type Node struct {
	Entries []Entry
}

// EntriesPerNode returns entries_per_node for the given block size,
// spec.md §6: (blocksize - header) / 16.
func EntriesPerNode(blockSize int) int {
	return (blockSize - nodeHeaderSize) / entrySize
}

// ParseNode decodes an internal node's on-disk bytes.
func ParseNode(data []byte) (*Node, error) {
	if len(data) < nodeHeaderSize {
		return nil, buftype.NewCorruption("btree: node buffer too small")
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	max := EntriesPerNode(len(data))
	if count > max {
		return nil, buftype.NewCorruption("btree: node count exceeds capacity")
	}
	n := &Node{Entries: make([]Entry, count)}
	off := nodeHeaderSize
	for i := 0; i < count; i++ {
		if off+entrySize > len(data) {
			return nil, buftype.NewCorruption("btree: node truncated")
		}
		key := binary.BigEndian.Uint64(data[off : off+8])
		block := binary.BigEndian.Uint64(data[off+8 : off+16])
		n.Entries[i] = Entry{Separator: buftype.TuxkeyT(key), Child: buftype.BlockT(block)}
		off += entrySize
	}
	return n, nil
}

// Marshal encodes n into a blockSize-sized buffer.
func (n *Node) Marshal(blockSize int) ([]byte, error) {
	max := EntriesPerNode(blockSize)
	if len(n.Entries) > max {
		return nil, buftype.NewInvariant("btree: node overflow on marshal")
	}
	buf := make([]byte, blockSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(n.Entries)))
	off := nodeHeaderSize
	for _, e := range n.Entries {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Separator))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(e.Child))
		off += entrySize
	}
	return buf, nil
}

// Count is the number of occupied entries.
func (n *Node) Count() int { return len(n.Entries) }

// Full reports whether n has no room for another entry at the given
// block size.
func (n *Node) Full(blockSize int) bool { return len(n.Entries) >= EntriesPerNode(blockSize) }

// search returns the index of the last entry whose separator is <= key,
// per spec.md §4.3's "binary search for the largest separator <= key".
// The first entry (the left fence) always qualifies, so the result is
// never -1 for a non-empty node.
func (n *Node) search(key buftype.TuxkeyT) int {
	lo, hi := 0, len(n.Entries)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if n.Entries[mid].Separator <= key {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// minKey returns the separator that must match the minimum key reachable
// under entry i's subtree, used by adjust-parent-sep (spec.md §4.4).
func (n *Node) minKey(i int) buftype.TuxkeyT {
	return n.Entries[i].Separator
}
