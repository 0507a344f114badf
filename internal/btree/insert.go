package btree

import (
	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
)

// InsertLeaf implements spec.md §4.4's insert-leaf: given a cursor
// positioned at a leaf and a newly-allocated sibling leaf with separator
// key, insert (key, sibling.Index) into the parent. If the parent is
// full, split it and propagate the median separator upward; if the root
// splits, grow the tree by one level. At each level it splits, the
// cursor's frame is switched to whichever half now holds the child the
// cursor descended through, with NextEntry adjusted to match. It does
// not add a frame for a newly grown root, and it does not advance the
// grandparent frame's NextEntry past a right half the cursor moved into,
// so after a split the path is not a valid probe path; splitLeafAndResume
// re-probes after every insert.
func InsertLeaf(c *Cursor, sibling *buffer.Buffer, key buftype.TuxkeyT) error {
	t := c.Tree
	childBlock := sibling.Index

	level := len(c.Path) - 2 // parent of the leaf frame on top
	for level >= 0 {
		buf, node, err := t.ensureFrameWritable(c, level)
		if err != nil {
			return err
		}
		insertAt := c.Path[level].NextEntry
		if !node.Full(t.BlockSize) {
			insertEntry(node, insertAt, Entry{Separator: key, Child: childBlock})
			fixupCursorPointer(c, level, insertAt, false)
			if err := t.writeNode(buf, node); err != nil {
				return err
			}
			return nil
		}
		// Parent is full: split it, propagate median upward.
		newSiblingBuf, err := t.allocBlock()
		if err != nil {
			return err
		}
		medianKey := splitNode(node, insertAt, Entry{Separator: key, Child: childBlock})
		movedRight := fixupCursorPointer(c, level, insertAt, true)
		rightEntries := node.Entries[len(node.Entries)/2:]
		leftEntries := append([]Entry(nil), node.Entries[:len(node.Entries)/2]...)
		rightNode := &Node{Entries: append([]Entry(nil), rightEntries...)}
		leftNode := &Node{Entries: leftEntries}
		if err := t.writeNode(buf, leftNode); err != nil {
			return err
		}
		if err := t.writeNode(newSiblingBuf, rightNode); err != nil {
			return err
		}
		if movedRight {
			replaceFrameNode(c, level, newSiblingBuf, rightNode)
		} else {
			replaceFrameNode(c, level, buf, leftNode)
		}

		if level == 0 {
			return t.growRoot(buf.Index, newSiblingBuf.Index, medianKey)
		}
		key = medianKey
		childBlock = newSiblingBuf.Index
		level--
	}
	return buftype.NewInvariant("btree: insert_leaf reached below root without growing tree")
}

// ensureFrameWritable forks/dirties the node buffer at path level level
// if needed, reparsing and updating the frame's cached Node to match.
func (t *Tree) ensureFrameWritable(c *Cursor, level int) (*buffer.Buffer, *Node, error) {
	frame := c.Path[level]
	buf, err := t.ensureWritable(frame.Buf)
	if err != nil {
		return nil, nil, err
	}
	if buf != frame.Buf {
		c.Path[level].Buf.Release()
		c.Path[level].Buf = buf
	}
	return buf, frame.Node, nil
}

func insertEntry(n *Node, at int, e Entry) {
	n.Entries = append(n.Entries, Entry{})
	copy(n.Entries[at+1:], n.Entries[at:])
	n.Entries[at] = e
}

// splitNode inserts e at logical position at into n's (conceptually
// unbounded) entry list, mutating n to hold the whole combined list (one
// entry over capacity) and returning the separator of its upper half,
// n.Entries[len/2]. The caller splits n.Entries at len/2 into the left
// and right nodes.
func splitNode(n *Node, at int, e Entry) buftype.TuxkeyT {
	all := append([]Entry(nil), n.Entries[:at]...)
	all = append(all, e)
	all = append(all, n.Entries[at:]...)
	n.Entries = all
	mid := len(all) / 2
	return all[mid].Separator
}

// fixupCursorPointer adjusts NextEntry of the cursor's frame at level so
// it continues to reference the same child after an insertion at level.
// It returns whether that child ended up in the right half of a split
// (only meaningful when split is true).
func fixupCursorPointer(c *Cursor, level int, insertAt int, split bool) bool {
	childIdx := c.Path[level].NextEntry - 1
	if insertAt <= childIdx {
		c.Path[level].NextEntry++
		childIdx++
	}
	if !split {
		return false
	}
	mid := (len(c.Path[level].Node.Entries)) / 2
	if childIdx >= mid {
		c.Path[level].NextEntry = childIdx - mid + 1
		return true
	}
	c.Path[level].NextEntry = childIdx + 1
	return false
}

// replaceFrameNode installs (buf, node) as path level's frame. buf must
// already carry the one pin the frame will own (from allocBlock's Get,
// or from ensureFrameWritable's explicit Pin on a fork); if it differs
// from the frame's previous buffer, that previous pin is released.
func replaceFrameNode(c *Cursor, level int, buf *buffer.Buffer, node *Node) {
	if c.Path[level].Buf != buf {
		c.Path[level].Buf.Release()
	}
	c.Path[level].Buf = buf
	c.Path[level].Node = node
}

// growRoot builds a new depth-1-taller root node pointing at (oldRoot,
// newSibling) with the given median separator, and updates t.Root.
func (t *Tree) growRoot(leftBlock, rightBlock buftype.BlockT, median buftype.TuxkeyT) error {
	rootBuf, err := t.allocBlock()
	if err != nil {
		return err
	}
	root := &Node{Entries: []Entry{
		{Separator: 0, Child: leftBlock},
		{Separator: median, Child: rightBlock},
	}}
	if err := t.writeNode(rootBuf, root); err != nil {
		return err
	}
	t.Root.Depth++
	t.Root.Block = rootBuf.Index
	rootBuf.Release()
	return nil
}
