package btree

import "github.com/tux3fs/coretux3/internal/buftype"

// CursorRedirect implements spec.md §4.4's cursor-redirect (COW): given a
// cursor on a clean path, rewrite path frames from fromLevel downward so
// each becomes a freshly allocated buffer (old contents copied, marked
// dirty in the current delta), updating the parent's child pointer as it
// goes. Frames above fromLevel are left untouched — they were already
// redirected by an earlier operation in this delta.
func CursorRedirect(c *Cursor, fromLevel int) error {
	t := c.Tree
	if fromLevel < 0 || fromLevel >= len(c.Path) {
		return buftype.NewInvariant("btree: cursor_redirect: level out of range")
	}

	for level := fromLevel; level < len(c.Path); level++ {
		oldBuf := c.Path[level].Buf
		newBuf, err := t.ensureWritable(oldBuf)
		if err != nil {
			return err
		}
		if newBuf == oldBuf {
			continue // already writable in this delta, nothing to redirect
		}
		c.Path[level].Buf = newBuf
		if level < len(c.Path)-1 {
			// Internal node: reparse so future writes see the copy,
			// and prepare to fix up the parent's child pointer.
			newBuf.Lock()
			node, perr := ParseNode(newBuf.Data)
			newBuf.Unlock()
			if perr != nil {
				return perr
			}
			c.Path[level].Node = node
		}
		t.nodeCache.Remove(oldBuf)
		oldBuf.Release()

		if level > 0 {
			pbuf, pnode, perr := t.ensureFrameWritable(c, level-1)
			if perr != nil {
				return perr
			}
			childIdx := c.Path[level-1].NextEntry - 1
			pnode.Entries[childIdx].Child = newBuf.Index
			if err := t.writeNode(pbuf, pnode); err != nil {
				return err
			}
		} else {
			t.Root.Block = newBuf.Index
		}
	}
	return nil
}
