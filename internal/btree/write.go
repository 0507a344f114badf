package btree

import "github.com/tux3fs/coretux3/internal/buftype"

// WriteLeaves drives spec.md §4.5/§4.6's write dance: call the leaf-ops
// Write callback on the cursor's current leaf; on Retry, cursor-advance
// to the next leaf and continue; on Split, allocate a sibling, split the
// leaf, insert the sibling into the parent, re-probe for the request's
// current start key, and resume. c must already be probed to req.Start.
func WriteLeaves(c *Cursor, req *SegRequest, alloc SegAllocator) error {
	t := c.Tree
	for req.Len > 0 && !req.Full() {
		if err := EnsureLeafWritable(c); err != nil {
			return err
		}
		leafBuf := c.Leaf()
		result := t.LeafOps.Write(leafBuf, req, alloc)
		switch result {
		case Done:
			return nil
		case Retry:
			ok, err := CursorAdvance(c)
			if err != nil {
				return err
			}
			if ok == 0 {
				return buftype.NewInvariant("btree: write request exceeds tree extent")
			}
		case Split:
			if err := splitLeafAndResume(c, req); err != nil {
				return err
			}
		default:
			return buftype.NewInvariant("btree: unknown leaf write result")
		}
	}
	return nil
}

func splitLeafAndResume(c *Cursor, req *SegRequest) error {
	t := c.Tree
	leafBuf := c.Leaf()
	writable, err := t.ensureWritable(leafBuf)
	if err != nil {
		return err
	}
	if writable != leafBuf {
		c.Path[len(c.Path)-1].Buf.Release()
		c.Path[len(c.Path)-1].Buf = writable
		leafBuf = writable
	}
	siblingBuf, err := t.allocBlock()
	if err != nil {
		return err
	}
	t.LeafOps.Init(siblingBuf)
	newKey := t.LeafOps.Split(leafBuf, siblingBuf, req.Start)
	if err := InsertLeaf(c, siblingBuf, newKey); err != nil {
		siblingBuf.Release()
		return err
	}
	siblingBuf.Release()
	// The insert may have rewritten parts of the path; re-probe for the
	// request's current start so the next Write call targets whichever
	// of (leaf, sibling) now covers it.
	return Probe(c, req.Start)
}

// ReadLeaves drives spec.md §4.5/§4.6's read path: call the leaf-ops Read
// callback leaf by leaf, cursor-advancing while the request is not yet
// exhausted and there is still room in req.Seg. Per spec.md §9(c), a
// request that exhausts SegMax mid-leaf is not retried across leaves.
func ReadLeaves(c *Cursor, req *SegRequest) error {
	t := c.Tree
	for req.Len > 0 && !req.Full() {
		leafBuf := c.Leaf()
		remaining := req.Len
		t.LeafOps.Read(leafBuf, req)
		if req.Len == remaining {
			// This leaf consumed none of the remaining range (the
			// leaf's Read reports holes itself, so this only happens
			// when req has no room left). Advance past it.
		}
		ok, err := CursorAdvance(c)
		if err != nil {
			return err
		}
		if ok == 0 {
			break
		}
	}
	return nil
}
