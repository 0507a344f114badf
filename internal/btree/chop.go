package btree

import (
	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
)

// chopBounds turns (start, length) into an exclusive upper bound, spec.md
// §4.4, reporting whether the chop is unbounded (runs to TUXKEY_LIMIT).
func chopBounds(start buftype.TuxkeyT, length uint64) (limit buftype.TuxkeyT, unbounded bool) {
	if length == uint64(buftype.TuxkeyLimit) {
		return 0, true
	}
	return start + buftype.TuxkeyT(length), false
}

// Chop implements spec.md §4.4's chop-range: remove every key in
// [start, start+length) (or [start, inf) if length == buftype.TuxkeyLimit
// expressed as an unbounded length). For each leaf the range touches, the
// leaf-ops chop callback runs; a leaf left empty is unlinked from its
// parent and freed, and a leaf that survives but is now underfull is
// merged forward into its still-open predecessor when the two fit in one
// leaf (spec.md §4.4, §8 seed scenario 6), symmetric to insert-leaf's
// split. An internal node that loses its last entry cascades the same
// way, shrinking the tree's depth when the root itself is left with a
// single child.
func Chop(t *Tree, start buftype.TuxkeyT, length uint64, alloc SegAllocator) error {
	if t.Root.Depth == 0 {
		return nil
	}
	c := AllocCursor(t, 0)
	defer ReleaseCursor(c)

	if err := Probe(c, start); err != nil {
		return err
	}

	limit, unbounded := chopBounds(start, length)

	// prev is the last leaf that survived its chop unmerged, held pinned
	// across iterations as a candidate to absorb the next surviving,
	// underfull leaf. It is independent of the cursor's own pins.
	var prev *buffer.Buffer
	defer func() {
		if prev != nil {
			prev.Release()
		}
	}()

	for {
		if !unbounded {
			if minKey, ok := t.LeafOps.MinKey(c.Leaf()); ok && minKey >= limit {
				break
			}
		}

		leafBuf := c.Leaf()
		writable, err := t.ensureWritable(leafBuf)
		if err != nil {
			return err
		}
		if writable != leafBuf {
			c.Path[len(c.Path)-1].Buf.Release()
			c.Path[len(c.Path)-1].Buf = writable
		}

		empty := t.LeafOps.Chop(c.Leaf(), start, length, alloc)
		if empty {
			more, err := unlinkEmptyLeaf(t, c)
			if err != nil {
				return err
			}
			if !more {
				break
			}
			continue
		}

		if err := adjustParentSep(t, c); err != nil {
			return err
		}

		if prev != nil && t.LeafOps.Merge(prev, c.Leaf()) {
			// c.Leaf()'s entries now live in prev; its block is
			// redundant. Remove its parent entry exactly as an
			// emptied leaf's would be, keeping prev as the reference
			// point for any further merges.
			more, err := unlinkEmptyLeaf(t, c)
			if err != nil {
				return err
			}
			if !more {
				break
			}
			continue
		}

		if prev != nil {
			prev.Release()
		}
		prev = c.Leaf()
		prev.Pin()

		ok, err := CursorAdvance(c)
		if err != nil {
			return err
		}
		if ok == 0 {
			break
		}
	}
	shrinkRootIfNeeded(t)
	return nil
}

// unlinkEmptyLeaf removes the top (leaf) frame's entry from its parent
// and cascades the same removal up through any internal node left with
// zero entries. It repositions the cursor at the leaf that logically
// follows the removed one, or empties the path if none remains, returning
// false in that case. The caller is responsible for the leaf's contents
// (freeing them via LeafOps, or having already moved them into a merge
// target) before calling this.
func unlinkEmptyLeaf(t *Tree, c *Cursor) (bool, error) {
	leafBuf := c.Leaf()
	t.Cache.Invalidate(leafBuf)
	leafBuf.Release()
	c.Path = c.Path[:len(c.Path)-1]

	level := len(c.Path) - 1
	for level >= 0 {
		buf, node, err := t.ensureFrameWritable(c, level)
		if err != nil {
			return false, err
		}
		removeAt := c.Path[level].NextEntry - 1
		if removeAt < 0 || removeAt >= len(node.Entries) {
			return false, buftype.NewInvariant("btree: chop: bad parent entry index")
		}
		node.Entries = append(node.Entries[:removeAt], node.Entries[removeAt+1:]...)
		c.Path[level].NextEntry = removeAt
		if err := t.writeNode(buf, node); err != nil {
			return false, err
		}
		if len(node.Entries) > 0 {
			// Parent survives; descend back down leftmost from here
			// to find the next leaf, or, if removeAt is past the end
			// (nothing more in this node), advance the cursor past
			// this node without removing anything above it.
			if removeAt >= len(node.Entries) {
				ok, err := CursorAdvance(c)
				if err != nil {
					return false, err
				}
				return ok == 1, nil
			}
			return descendToNextLeaf(t, c, level, removeAt)
		}
		// This internal node is now empty too; cascade up.
		if level == 0 {
			// The root itself lost its last entry: rebuild the
			// minimal real tree (spec.md §8 "after chop(0,
			// TUXKEY_LIMIT): depth == 1, empty root") rather than
			// dropping to depth 0 (no tree), which is reserved for
			// internal/filemap's never-seeded/direct-extent state.
			// A depth-1 root always names exactly one leaf, so
			// Probe and CursorAdvance need no empty-root case.
			return false, reseedEmptyRoot(t, buf)
		}
		t.Cache.Invalidate(buf)
		t.nodeCache.Remove(buf)
		buf.Release()
		c.Path = c.Path[:level]
		level--
	}
	return false, nil
}

// reseedEmptyRoot rewrites buf (the tree's now-entryless root block) as a
// depth-1 root pointing at one freshly initialized, data-empty leaf, and
// releases buf's pin.
func reseedEmptyRoot(t *Tree, buf *buffer.Buffer) error {
	leafBuf, err := t.allocBlock()
	if err != nil {
		buf.Release()
		return err
	}
	t.LeafOps.Init(leafBuf)
	leafBuf.Release()

	root := &Node{Entries: []Entry{{Separator: 0, Child: leafBuf.Index}}}
	if err := t.writeNode(buf, root); err != nil {
		buf.Release()
		return err
	}
	t.Root.Depth = 1
	t.Root.Block = buf.Index
	buf.Release()
	return nil
}

// descendToNextLeaf rebuilds the path below level starting at entry
// index, landing on a leaf frame. Returns true (there is a next leaf).
func descendToNextLeaf(t *Tree, c *Cursor, level, index int) (bool, error) {
	c.Path = c.Path[:level+1]
	c.Path[level].NextEntry = index + 1
	block := c.Path[level].Node.Entries[index].Child

	for d := level + 1; d < int(t.Root.Depth); d++ {
		buf, node, err := t.readNode(block)
		if err != nil {
			return false, err
		}
		c.Path = append(c.Path, Frame{Buf: buf, Node: node, NextEntry: 1})
		block = node.Entries[0].Child
	}
	leafBuf, err := t.Cache.Read(t.AddrSpace, block)
	if err != nil {
		return false, err
	}
	if !t.LeafOps.Sniff(leafBuf) {
		leafBuf.Release()
		return false, buftype.NewCorruption("btree: leaf failed sniff after chop unlink")
	}
	c.Path = append(c.Path, Frame{Buf: leafBuf, NextEntry: 0})
	return true, nil
}

// adjustParentSep implements spec.md §4.4's adjust-parent-sep: after a
// chop that may have removed a leaf's minimum key, update the one ancestor
// separator that names that leaf's subtree: the entry at the lowest path
// level where the leaf is not under the node's left fence. Separators
// above that level name other subtrees' minimums and are left alone.
func adjustParentSep(t *Tree, c *Cursor) error {
	minKey, ok := t.LeafOps.MinKey(c.Leaf())
	if !ok {
		return nil
	}
	for level := len(c.Path) - 2; level >= 0; level-- {
		idx := c.Path[level].NextEntry - 1
		if idx <= 0 {
			continue // index 0 is the left fence, never updated
		}
		node := c.Path[level].Node
		if node.Entries[idx].Separator == minKey {
			return nil
		}
		buf, n, err := t.ensureFrameWritable(c, level)
		if err != nil {
			return err
		}
		n.Entries[idx].Separator = minKey
		if err := t.writeNode(buf, n); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// shrinkRootIfNeeded collapses the tree by one level whenever the root
// node has exactly one entry, repeating until either the root has more
// than one entry or depth has dropped to 1 (one internal level directly
// above the leaves; it goes no lower here, since a depth-1 root with a
// single, possibly data-empty leaf is the minimal real tree).
func shrinkRootIfNeeded(t *Tree) {
	for t.Root.Depth > 1 {
		buf, node, err := t.readNode(t.Root.Block)
		if err != nil {
			return
		}
		if len(node.Entries) != 1 {
			buf.Release()
			return
		}
		child := node.Entries[0].Child
		t.Cache.Invalidate(buf)
		t.nodeCache.Remove(buf)
		buf.Release()
		t.Root.Depth--
		t.Root.Block = child
	}
}
