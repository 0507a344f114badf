package btree

import (
	"io"

	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
)

// WriteResult is leaf_write's return value, spec.md §4.5.
type WriteResult int

const (
	// Done means the request was fully satisfied by this leaf.
	Done WriteResult = iota
	// Retry means this leaf is exhausted for this request; the caller
	// should cursor-advance to the next leaf and call Write again.
	Retry
	// Split means this leaf is full; the caller must allocate a
	// sibling, call Split, insert it, and resume.
	Split
)

// SegRequest carries a (start, len) logical range through leaf_write /
// leaf_read, accumulating resulting segments, spec.md §4.5. Overwrite is
// true for Write mode, where existing extents are reported as Mapped; when
// it is false, a leaf Write reports an existing extent with its stored
// state. Neither mode reallocates an already-mapped extent; there is no
// copy-on-write redirect of data extents.
type SegRequest struct {
	Start     buftype.TuxkeyT
	Len       uint64
	Overwrite bool
	Seg       []buftype.Extent
	SegMax    int
}

// Remaining reports how much of the originally requested range has not
// yet been consumed.
func (r *SegRequest) Remaining() uint64 { return r.Len }

// Consume advances Start/Len by n logical blocks, as a leaf callback
// satisfies a prefix of the request.
func (r *SegRequest) Consume(n uint64) {
	r.Start += buftype.TuxkeyT(n)
	r.Len -= n
}

// AppendSeg appends e to Seg if there is room, reporting whether it fit
// (spec.md §4.5 "bounded by request.seg_max").
func (r *SegRequest) AppendSeg(e buftype.Extent) bool {
	if len(r.Seg) >= r.SegMax {
		return false
	}
	r.Seg = append(r.Seg, e)
	return true
}

// Full reports whether SegMax has been reached.
func (r *SegRequest) Full() bool { return len(r.Seg) >= r.SegMax }

// SegAllocator threads allocation and deferred-free callbacks from
// internal/filemap through to a leaf-ops implementation, spec.md §4.6.
type SegAllocator interface {
	SegFind(wantLen uint64, maxSegs int) ([]buftype.Extent, error)
	SegAlloc(segs []buftype.Extent) error
	SegFree(block buftype.BlockT, count uint32)
}

// LeafOps is the polymorphic capability set spec.md §6 requires the
// generic B-tree hold a reference to, never a concrete leaf type.
type LeafOps interface {
	// Init formats an empty leaf into buf.
	Init(buf *buffer.Buffer)
	// Sniff reports whether buf's bytes look like a valid leaf of this
	// type (spec.md §7: failure is a Corruption).
	Sniff(buf *buffer.Buffer) bool
	// CanFree reports whether buf holds no live entries and may be
	// freed.
	CanFree(buf *buffer.Buffer) bool
	// Free releases any resources referenced only by buf (e.g. extents
	// it names), via alloc.
	Free(buf *buffer.Buffer, alloc SegAllocator)
	// Split moves entries from buf into sibling (roughly the upper half)
	// and returns the separator key for the new sibling. hint is the key
	// about to be written; an implementation may use it to pick the split
	// point, and returns hint as the separator if it leaves sibling empty.
	Split(buf, sibling *buffer.Buffer, hint buftype.TuxkeyT) buftype.TuxkeyT
	// Merge moves all of src's entries into dst, reporting whether they
	// fit (false means the caller must not free src).
	Merge(dst, src *buffer.Buffer) bool
	// Chop removes coverage over [start, start+length) from buf,
	// freeing underlying blocks via alloc.SegFree (deferred, not
	// immediate), and reports whether buf is now empty.
	Chop(buf *buffer.Buffer, start buftype.TuxkeyT, length uint64, alloc SegAllocator) (empty bool)
	// Write attempts to satisfy req against buf, per spec.md §4.5.
	Write(buf *buffer.Buffer, req *SegRequest, alloc SegAllocator) WriteResult
	// Read fills req.Seg with buf's existing mapping over
	// [req.Start, req.Start+req.Len), representing gaps as Hole.
	Read(buf *buffer.Buffer, req *SegRequest)
	// PreWrite returns the number of additional bytes a write of the
	// given logical length would need, used to decide whether Write
	// will return Split before attempting it.
	PreWrite(buf *buffer.Buffer, length uint64) int
	// MinKey returns the smallest logical key present in buf, used by
	// adjust-parent-sep after a chop (spec.md §4.4).
	MinKey(buf *buffer.Buffer) (buftype.TuxkeyT, bool)
	// Dump writes a human-readable rendering of buf to w.
	Dump(w io.Writer, buf *buffer.Buffer)
}
