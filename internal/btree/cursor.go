package btree

import (
	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
)

// Frame is one (node-buffer, child-slot) level of a cursor's path,
// spec.md §3. NextEntry points at the entry after the one traversed at
// this level, used by CursorAdvance. Node is nil for the leaf frame on
// top of the path.
type Frame struct {
	Buf       *buffer.Buffer
	Node      *Node
	NextEntry int
}

// Cursor is a stack of path frames from root to leaf, spec.md §3/§4.3.
// A cursor exclusively owns its frames' pins for its lifetime.
type Cursor struct {
	Tree *Tree
	Path []Frame
}

// AllocCursor allocates a path array sized depth+1+extraDepth so a
// single insert that grows the tree need not reallocate, spec.md §4.3.
func AllocCursor(t *Tree, extraDepth int) *Cursor {
	cap := int(t.Root.Depth) + 1 + extraDepth
	if cap < 1 {
		cap = 1
	}
	return &Cursor{Tree: t, Path: make([]Frame, 0, cap)}
}

// Leaf returns the top (leaf) frame's buffer, or nil if the cursor holds
// no path.
func (c *Cursor) Leaf() *buffer.Buffer {
	if len(c.Path) == 0 {
		return nil
	}
	return c.Path[len(c.Path)-1].Buf
}

// Probe descends from the root to the leaf that contains key or would
// hold it on insert, spec.md §4.3: at each internal node, binary search
// for the largest separator <= key, push (node, entry+1), descend.
func Probe(c *Cursor, key buftype.TuxkeyT) error {
	t := c.Tree
	if t.Root.Depth == 0 {
		return buftype.NewInvariant("btree: probe on depth-0 (no-tree) root")
	}
	ReleaseCursor(c)

	block := t.Root.Block
	for level := uint16(0); level < t.Root.Depth; level++ {
		buf, node, err := t.readNode(block)
		if err != nil {
			return err
		}
		idx := node.search(key)
		c.Path = append(c.Path, Frame{Buf: buf, Node: node, NextEntry: idx + 1})
		block = node.Entries[idx].Child
	}
	leafBuf, err := t.Cache.Read(t.AddrSpace, block)
	if err != nil {
		return err
	}
	if !t.LeafOps.Sniff(leafBuf) {
		leafBuf.Release()
		return buftype.NewCorruption("btree: leaf failed sniff")
	}
	c.Path = append(c.Path, Frame{Buf: leafBuf, NextEntry: 0})
	return nil
}

// ReleaseCursor drops buffer pins from top to bottom and empties the
// path, so the cursor can be re-probed without reallocating Path's
// backing array.
func ReleaseCursor(c *Cursor) {
	for i := len(c.Path) - 1; i >= 0; i-- {
		c.Path[i].Buf.Release()
	}
	c.Path = c.Path[:0]
}

// CursorAdvance pops frames until one has a next entry, then descends
// leftmost from that entry to a new leaf. Returns 0 when there are no
// more leaves, 1 on success, and an error otherwise, spec.md §4.3.
func CursorAdvance(c *Cursor) (int, error) {
	t := c.Tree
	level := len(c.Path) - 1
	// Release the current leaf frame; we're moving past it.
	if level >= 0 {
		c.Path[level].Buf.Release()
		c.Path = c.Path[:level]
		level--
	}
	for level >= 0 && c.Path[level].NextEntry >= len(c.Path[level].Node.Entries) {
		c.Path[level].Buf.Release()
		c.Path = c.Path[:level]
		level--
	}
	if level < 0 {
		return 0, nil
	}
	block := c.Path[level].Node.Entries[c.Path[level].NextEntry].Child
	c.Path[level].NextEntry++
	c.Path = c.Path[:level+1]

	for d := level + 1; d < int(t.Root.Depth); d++ {
		buf, node, err := t.readNode(block)
		if err != nil {
			return -1, err
		}
		c.Path = append(c.Path, Frame{Buf: buf, Node: node, NextEntry: 1})
		block = node.Entries[0].Child
	}
	leafBuf, err := t.Cache.Read(t.AddrSpace, block)
	if err != nil {
		return -1, err
	}
	if !t.LeafOps.Sniff(leafBuf) {
		leafBuf.Release()
		return -1, buftype.NewCorruption("btree: leaf failed sniff on advance")
	}
	c.Path = append(c.Path, Frame{Buf: leafBuf, NextEntry: 0})
	return 1, nil
}

// EnsureLeafWritable forks/dirties the cursor's current leaf frame for
// the active delta if needed, updating the frame in place, so a caller
// outside this package (internal/dleaf, internal/filemap) can mutate the
// leaf's bytes directly afterward.
func EnsureLeafWritable(c *Cursor) error {
	level := len(c.Path) - 1
	if level < 0 {
		return buftype.NewInvariant("btree: ensure_leaf_writable on empty cursor")
	}
	buf, err := c.Tree.ensureWritable(c.Path[level].Buf)
	if err != nil {
		return err
	}
	if buf != c.Path[level].Buf {
		c.Path[level].Buf.Release()
		c.Path[level].Buf = buf
	}
	return nil
}

// CursorCheck validates separator monotonicity along the path, a debug
// assertion per spec.md §4.3.
func CursorCheck(c *Cursor) error {
	for i := 0; i < len(c.Path)-1; i++ {
		node := c.Path[i].Node
		var prev buftype.TuxkeyT
		for j, e := range node.Entries {
			if j > 0 && e.Separator <= prev {
				return buftype.NewInvariant("btree: cursor_check: separators not strictly increasing")
			}
			prev = e.Separator
		}
	}
	return nil
}
