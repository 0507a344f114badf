// Package dleaf implements the data-leaf ("dleaf") ops from spec.md
// §4.5/§5: an opaque B-tree leaf type mapping logical block -> extent,
// exposed to internal/btree through the btree.LeafOps vtable.
package dleaf

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/btree"
	"github.com/tux3fs/coretux3/internal/buftype"
)

// entry is one (logical key, extent) pair, persisted as:
// key:u64 | block:u64 | count:u32 | state:u8 | pad:u24.
type entry struct {
	key   buftype.TuxkeyT
	block buftype.BlockT
	count uint32
	state buftype.ExtentState
}

const (
	leafHeaderSize = 8
	entryRecSize   = 24
	magic          = uint16(0xd1ea)
)

// Ops implements btree.LeafOps for extent-mapping data leaves.
type Ops struct {
	BlockSize int
}

var _ btree.LeafOps = (*Ops)(nil)

func (o *Ops) capacity() int { return (o.BlockSize - leafHeaderSize) / entryRecSize }

func parseLeaf(data []byte) ([]entry, error) {
	if len(data) < leafHeaderSize {
		return nil, buftype.NewCorruption("dleaf: buffer too small")
	}
	if binary.BigEndian.Uint16(data[0:2]) != magic {
		return nil, buftype.NewCorruption("dleaf: bad magic")
	}
	count := int(binary.BigEndian.Uint16(data[2:4]))
	max := (len(data) - leafHeaderSize) / entryRecSize
	if count > max {
		return nil, buftype.NewCorruption("dleaf: count exceeds capacity")
	}
	out := make([]entry, count)
	off := leafHeaderSize
	for i := 0; i < count; i++ {
		out[i] = entry{
			key:   buftype.TuxkeyT(binary.BigEndian.Uint64(data[off : off+8])),
			block: buftype.BlockT(binary.BigEndian.Uint64(data[off+8 : off+16])),
			count: binary.BigEndian.Uint32(data[off+16 : off+20]),
			state: buftype.ExtentState(data[off+20]),
		}
		off += entryRecSize
	}
	return out, nil
}

func marshalLeaf(entries []entry, blockSize int) []byte {
	buf := make([]byte, blockSize)
	binary.BigEndian.PutUint16(buf[0:2], magic)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(entries)))
	off := leafHeaderSize
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.key))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(e.block))
		binary.BigEndian.PutUint32(buf[off+16:off+20], e.count)
		buf[off+20] = byte(e.state)
		off += entryRecSize
	}
	return buf
}

func (o *Ops) read(buf *buffer.Buffer) []entry {
	buf.Lock()
	defer buf.Unlock()
	es, err := parseLeaf(buf.Data)
	if err != nil {
		return nil
	}
	return es
}

func (o *Ops) write(buf *buffer.Buffer, es []entry) {
	enc := marshalLeaf(es, o.BlockSize)
	buf.Lock()
	copy(buf.Data, enc)
	buf.Unlock()
}

// Init formats an empty leaf into buf.
func (o *Ops) Init(buf *buffer.Buffer) { o.write(buf, nil) }

// Sniff reports whether buf looks like a valid dleaf.
func (o *Ops) Sniff(buf *buffer.Buffer) bool {
	buf.Lock()
	defer buf.Unlock()
	_, err := parseLeaf(buf.Data)
	return err == nil
}

// CanFree reports whether buf has no entries left.
func (o *Ops) CanFree(buf *buffer.Buffer) bool {
	es := o.read(buf)
	return len(es) == 0
}

// Free releases every extent still referenced by buf, e.g. when an inode
// is being destroyed outright rather than truncated leaf by leaf.
func (o *Ops) Free(buf *buffer.Buffer, alloc btree.SegAllocator) {
	for _, e := range o.read(buf) {
		if e.state != buftype.Hole {
			alloc.SegFree(e.block, e.count)
		}
	}
}

// InstallExtent force-installs e at key without touching any allocator,
// used by internal/filemap to carry an already-allocated direct extent's
// mapping over when shattering it into a freshly seeded tree.
func (o *Ops) InstallExtent(buf *buffer.Buffer, key buftype.TuxkeyT, e buftype.Extent) {
	es := o.read(buf)
	es = insertSorted(es, entry{key: key, block: e.Block, count: e.Count, state: e.State})
	o.write(buf, es)
}

// MinKey returns the smallest logical key in buf.
func (o *Ops) MinKey(buf *buffer.Buffer) (buftype.TuxkeyT, bool) {
	es := o.read(buf)
	if len(es) == 0 {
		return 0, false
	}
	return es[0].key, true
}

// PreWrite estimates the additional bytes a write of length logical
// blocks would need: worst case, one new entry record.
func (o *Ops) PreWrite(buf *buffer.Buffer, length uint64) int { return entryRecSize }

// Split moves the upper half of buf's entries into sibling, returning
// sibling's minimum key as the new separator.
func (o *Ops) Split(buf, sibling *buffer.Buffer, hint buftype.TuxkeyT) buftype.TuxkeyT {
	es := o.read(buf)
	mid := len(es) / 2
	left, right := es[:mid], append([]entry(nil), es[mid:]...)
	o.write(buf, left)
	o.write(sibling, right)
	if len(right) == 0 {
		return hint
	}
	return right[0].key
}

// Merge appends src's entries onto dst if they fit, reporting success.
func (o *Ops) Merge(dst, src *buffer.Buffer) bool {
	dstEs := o.read(dst)
	srcEs := o.read(src)
	if len(dstEs)+len(srcEs) > o.capacity() {
		return false
	}
	o.write(dst, append(dstEs, srcEs...))
	return true
}

// Chop removes coverage over [start, start+length) from buf, deferring
// frees of the underlying blocks, and reports whether buf is now empty.
func (o *Ops) Chop(buf *buffer.Buffer, start buftype.TuxkeyT, length uint64, alloc btree.SegAllocator) bool {
	es := o.read(buf)
	limit, unbounded := chopLimit(start, length)
	var kept []entry
	for _, e := range es {
		eEnd := e.key + buftype.TuxkeyT(e.count)
		if eEnd <= start || (!unbounded && e.key >= limit) {
			kept = append(kept, e)
			continue
		}
		// e overlaps [start, limit): split into at most a left and a
		// right remainder, freeing the covered middle.
		if e.key < start {
			kept = append(kept, entry{key: e.key, block: e.block, count: uint32(start - e.key), state: e.state})
		}
		coveredStart := maxKey(e.key, start)
		coveredEnd := e.key + buftype.TuxkeyT(e.count)
		if !unbounded && limit < coveredEnd {
			coveredEnd = limit
		}
		if e.state != buftype.Hole && coveredEnd > coveredStart {
			freeBlock := e.block + buftype.BlockT(coveredStart-e.key)
			alloc.SegFree(freeBlock, uint32(coveredEnd-coveredStart))
		}
		if !unbounded && limit < e.key+buftype.TuxkeyT(e.count) {
			tailCount := uint32(e.key+buftype.TuxkeyT(e.count) - limit)
			kept = append(kept, entry{
				key:   limit,
				block: e.block + buftype.BlockT(limit-e.key),
				count: tailCount,
				state: e.state,
			})
		}
	}
	o.write(buf, kept)
	return len(kept) == 0
}

func chopLimit(start buftype.TuxkeyT, length uint64) (buftype.TuxkeyT, bool) {
	if length == uint64(buftype.TuxkeyLimit) {
		return 0, true
	}
	return start + buftype.TuxkeyT(length), false
}

func maxKey(a, b buftype.TuxkeyT) buftype.TuxkeyT {
	if a > b {
		return a
	}
	return b
}

// Write attempts to satisfy req against buf, spec.md §4.5. It appends
// whatever existing mapping covers a prefix of the request, then (for
// the first still-uncovered run) allocates new blocks via alloc.
func (o *Ops) Write(buf *buffer.Buffer, req *btree.SegRequest, alloc btree.SegAllocator) btree.WriteResult {
	es := o.read(buf)

	// Existing coverage at req.Start, if any.
	for _, e := range es {
		if e.key == req.Start && e.count > 0 {
			n := uint64(e.count)
			if n > req.Len {
				n = req.Len
			}
			state := e.state
			if req.Overwrite {
				state = buftype.Mapped
			}
			if !req.AppendSeg(buftype.Extent{Block: e.block, Count: uint32(n), State: state}) {
				return btree.Done
			}
			req.Consume(n)
			if req.Len == 0 {
				return btree.Done
			}
			return btree.Retry
		}
	}

	if len(es) >= o.capacity() {
		return btree.Split
	}

	// No existing entry at Start: allocate new blocks to cover as much
	// of the request as this leaf can index in one more entry.
	want := req.Len
	const maxExtent = 1 << 16
	if want > maxExtent {
		want = maxExtent
	}
	segs, err := alloc.SegFind(want, 1)
	if err != nil || len(segs) == 0 {
		return btree.Split
	}
	seg := segs[0]
	if err := alloc.SegAlloc(segs); err != nil {
		return btree.Split
	}
	newEntry := entry{key: req.Start, block: seg.Block, count: seg.Count, state: buftype.NewlyAllocated}
	es = insertSorted(es, newEntry)
	o.write(buf, es)

	if !req.AppendSeg(buftype.Extent{Block: seg.Block, Count: seg.Count, State: buftype.NewlyAllocated}) {
		return btree.Done
	}
	req.Consume(uint64(seg.Count))
	if req.Len == 0 {
		return btree.Done
	}
	return btree.Retry
}

func insertSorted(es []entry, e entry) []entry {
	i := 0
	for i < len(es) && es[i].key < e.key {
		i++
	}
	es = append(es, entry{})
	copy(es[i+1:], es[i:])
	es[i] = e
	return es
}

// Read fills req.Seg with buf's mapping over [req.Start, req.Start+req.Len),
// representing gaps as Hole, and consumes the covered prefix.
func (o *Ops) Read(buf *buffer.Buffer, req *btree.SegRequest) {
	es := o.read(buf)
	for req.Len > 0 {
		var found *entry
		for i := range es {
			if es[i].key <= req.Start && req.Start < es[i].key+buftype.TuxkeyT(es[i].count) {
				found = &es[i]
				break
			}
		}
		if found == nil {
			// Look for the nearest entry at or after Start to bound
			// the hole; otherwise the whole remaining request is a
			// hole this leaf cannot further resolve.
			next := req.Start + buftype.TuxkeyT(req.Len)
			for i := range es {
				if es[i].key > req.Start && es[i].key < next {
					next = es[i].key
				}
			}
			n := uint64(next - req.Start)
			if n > req.Len {
				n = req.Len
			}
			if n == 0 {
				return
			}
			if !req.AppendSeg(buftype.Extent{Count: uint32min64(n), State: buftype.Hole}) {
				return
			}
			req.Consume(n)
			continue
		}
		offset := uint64(req.Start - found.key)
		avail := uint64(found.count) - offset
		n := avail
		if n > req.Len {
			n = req.Len
		}
		if !req.AppendSeg(buftype.Extent{Block: found.block + buftype.BlockT(offset), Count: uint32min64(n), State: found.state}) {
			return
		}
		req.Consume(n)
	}
}

func uint32min64(n uint64) uint32 {
	if n > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(n)
}

// Dump writes a human-readable rendering of buf's entries to w.
func (o *Ops) Dump(w io.Writer, buf *buffer.Buffer) {
	for _, e := range o.read(buf) {
		fmt.Fprintf(w, "  [%d,+%d) -> block %d (%s)\n", e.key, e.count, e.block, e.state)
	}
}
