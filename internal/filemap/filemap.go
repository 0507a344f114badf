// Package filemap implements spec.md §4.6's file-map operation: map a
// logical [start, start+count) range of one file's address space onto
// physical segments, via the direct-extent fast path when the file fits
// in a single inline extent, or by driving internal/btree's generic
// cursor/write/read machinery over internal/dleaf leaves otherwise.
package filemap

import (
	"github.com/tux3fs/coretux3/internal/balloc"
	"github.com/tux3fs/coretux3/internal/btree"
	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/log"
)

// Inode bundles the per-file state file-map needs: the B-tree over the
// file's address space (whose Root may instead hold a direct extent),
// the allocator and superblock it is scoped to, and the delta-scoped
// deferred-free list frees from this file should land on.
type Inode struct {
	Tree       *btree.Tree
	Superblock balloc.SuperblockHandle
	Alloc      balloc.Interface
	Frees      *balloc.DeferredFreeList
}

// NewInode constructs an Inode wrapper around an already-built tree.
func NewInode(tree *btree.Tree, sb balloc.SuperblockHandle, alloc balloc.Interface, frees *balloc.DeferredFreeList) *Inode {
	return &Inode{Tree: tree, Superblock: sb, Alloc: alloc, Frees: frees}
}

// segAllocAdapter projects balloc.Interface onto btree.SegAllocator for
// one inode's calls, threading its superblock handle and deferred-free
// list through.
type segAllocAdapter struct {
	sb    balloc.SuperblockHandle
	alloc balloc.Interface
	frees *balloc.DeferredFreeList
}

func (a *segAllocAdapter) SegFind(wantLen uint64, maxSegs int) ([]buftype.Extent, error) {
	return a.alloc.Find(a.sb, wantLen, maxSegs)
}

func (a *segAllocAdapter) SegAlloc(segs []buftype.Extent) error {
	return a.alloc.Use(a.sb, segs)
}

func (a *segAllocAdapter) SegFree(block buftype.BlockT, count uint32) {
	a.alloc.DeferFree(a.frees, block, count)
}

// blockAllocAdapter projects balloc.Interface onto btree.BlockAllocator,
// for allocating single blocks to grow the tree itself (nodes, leaves).
type blockAllocAdapter struct {
	sb    balloc.SuperblockHandle
	alloc balloc.Interface
}

func (a *blockAllocAdapter) AllocBlock() (buftype.BlockT, error) {
	segs, err := a.alloc.Find(a.sb, 1, 1)
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 || segs[0].Count == 0 {
		return 0, buftype.NewOutOfMemory("filemap: no free block for tree growth")
	}
	if err := a.alloc.Use(a.sb, segs[:1]); err != nil {
		return 0, err
	}
	return segs[0].Block, nil
}

// NewBlockAllocator adapts alloc/sb into the btree.BlockAllocator a Tree
// needs to grow. Exposed so callers assembling a Tree (e.g. tests,
// cmd/treedump) don't need to know the adapter's concrete type.
func NewBlockAllocator(sb balloc.SuperblockHandle, alloc balloc.Interface) btree.BlockAllocator {
	return &blockAllocAdapter{sb: sb, alloc: alloc}
}

// Map implements file_map(inode, start, count, seg_max, overwrite),
// spec.md §4.6: returns up to segMax segments describing the physical
// mapping of [start, start+count), allocating new blocks for holes when
// overwrite is true (the Write mode) and leaving holes as Extent{State:
// Hole} when it is false (the Read mode).
func (inode *Inode) Map(start buftype.TuxkeyT, count uint64, segMax int, overwrite bool) ([]buftype.Extent, error) {
	t := inode.Tree
	t.LockWrite()
	defer t.UnlockWrite()

	if t.Root.Direct {
		return inode.mapDirectLocked(start, count, segMax, overwrite)
	}
	if t.Root.Empty() {
		if !overwrite {
			return holeSegments(count, segMax), nil
		}
		if start == 0 && count <= buftype.MaxDirectCount {
			return inode.promoteToDirectLocked(count, segMax)
		}
		if err := inode.seedTreeLocked(); err != nil {
			return nil, err
		}
	}
	return inode.mapTreeLocked(start, count, segMax, overwrite)
}

// mapDirectLocked serves a request against a file currently represented
// as a single inline extent at t.Root.Block, shattering it into a real
// one-leaf tree first if the request needs more than the direct extent
// already covers.
func (inode *Inode) mapDirectLocked(start buftype.TuxkeyT, count uint64, segMax int, overwrite bool) ([]buftype.Extent, error) {
	t := inode.Tree
	direct := buftype.Extent{Block: t.Root.Block, Count: t.Root.DirectCount, State: buftype.Mapped}

	if uint64(start)+count <= uint64(direct.Count) {
		n := count
		if n > uint64(direct.Count)-uint64(start) {
			n = uint64(direct.Count) - uint64(start)
		}
		seg := buftype.Extent{Block: direct.Block + buftype.BlockT(start), Count: uint32(n), State: buftype.Mapped}
		return appendCapped(nil, seg, segMax), nil
	}
	if !overwrite {
		// Read past the direct extent's end: whatever it covers, then hole.
		var out []buftype.Extent
		if start < buftype.TuxkeyT(direct.Count) {
			n := uint64(direct.Count) - uint64(start)
			out = appendCapped(out, buftype.Extent{Block: direct.Block + buftype.BlockT(start), Count: uint32(n), State: buftype.Mapped}, segMax)
			start += buftype.TuxkeyT(n)
			count -= n
		}
		return appendCapped(out, buftype.Extent{Count: uint32capped(count), State: buftype.Hole}, segMax), nil
	}

	if start == 0 && count <= buftype.MaxDirectCount && count >= uint64(direct.Count) {
		// Still small enough to stay on the direct-extent fast path:
		// grow it in place instead of shattering into a tree.
		return inode.growDirectLocked(direct, count, segMax)
	}

	log.Debug("filemap: shattering direct extent into tree", "block", direct.Block, "count", direct.Count)
	if err := inode.seedTreeLocked(); err != nil {
		return nil, err
	}
	if err := inode.installExtentLocked(0, direct); err != nil {
		return nil, err
	}
	return inode.mapTreeLocked(start, count, segMax, overwrite)
}

// growDirectLocked replaces the file's direct extent with a freshly
// allocated, larger one big enough to cover count blocks, preserving the
// old extent's bytes at the front and freeing its old blocks (spec.md
// §4.6's direct-extent policy: grow in place, never shatter, as long as
// the new size still fits one direct extent).
func (inode *Inode) growDirectLocked(old buftype.Extent, count uint64, segMax int) ([]buftype.Extent, error) {
	t := inode.Tree
	a := &segAllocAdapter{sb: inode.Superblock, alloc: inode.Alloc, frees: inode.Frees}
	segs, err := a.SegFind(count, 1)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, buftype.NewOutOfMemory("filemap: no space to grow direct extent")
	}
	seg := segs[0]
	if err := a.SegAlloc(segs[:1]); err != nil {
		return nil, err
	}

	copyCount := old.Count
	if seg.Count < copyCount {
		copyCount = seg.Count
	}
	if copyCount > 0 {
		if err := copyDirectBlocks(t, old.Block, seg.Block, copyCount); err != nil {
			return nil, err
		}
	}
	if old.Count > 0 {
		a.SegFree(old.Block, old.Count)
	}

	t.Root.Block = seg.Block
	t.Root.DirectCount = seg.Count

	out := appendCapped(nil, buftype.Extent{Block: seg.Block, Count: copyCount, State: buftype.Mapped}, segMax)
	if seg.Count > copyCount {
		out = appendCapped(out, buftype.Extent{Block: seg.Block + buftype.BlockT(copyCount), Count: seg.Count - copyCount, State: buftype.NewlyAllocated}, segMax)
	}
	return out, nil
}

// copyDirectBlocks copies count blocks starting at oldBlock to newBlock,
// one cache block at a time, dirtying each destination in the current
// delta.
func copyDirectBlocks(t *btree.Tree, oldBlock, newBlock buftype.BlockT, count uint32) error {
	for i := buftype.BlockT(0); i < buftype.BlockT(count); i++ {
		src, err := t.Cache.Read(t.AddrSpace, oldBlock+i)
		if err != nil {
			return err
		}
		dst := t.Cache.Get(t.AddrSpace, newBlock+i)
		t.Cache.Dirty(dst, t.Deltas.Current())
		src.Lock()
		dst.Lock()
		copy(dst.Data, src.Data)
		dst.Unlock()
		src.Unlock()
		dst.Release()
		src.Release()
	}
	return nil
}

// installer is implemented by internal/dleaf.Ops; asserted against
// narrowly here so filemap does not need to import internal/dleaf and
// create a package cycle (internal/dleaf depends on internal/btree).
type installer interface {
	InstallExtent(buf *buffer.Buffer, key buftype.TuxkeyT, e buftype.Extent)
}

// installExtentLocked force-installs one already-allocated extent at
// logical key into the (already seeded) tree's sole leaf, used only to
// carry a shattered direct extent's mapping over without re-allocating
// its blocks.
func (inode *Inode) installExtentLocked(key buftype.TuxkeyT, e buftype.Extent) error {
	t := inode.Tree
	ops, ok := t.LeafOps.(installer)
	if !ok {
		return buftype.NewInvariant("filemap: leaf-ops type does not support direct-extent install")
	}
	c := btree.AllocCursor(t, 0)
	defer btree.ReleaseCursor(c)
	if err := btree.Probe(c, key); err != nil {
		return err
	}
	if err := btree.EnsureLeafWritable(c); err != nil {
		return err
	}
	ops.InstallExtent(c.Leaf(), key, e)
	return nil
}

// promoteToDirectLocked converts an empty tree directly into a single
// inline extent, the common case for a freshly created small file.
func (inode *Inode) promoteToDirectLocked(count uint64, segMax int) ([]buftype.Extent, error) {
	t := inode.Tree
	a := &segAllocAdapter{sb: inode.Superblock, alloc: inode.Alloc, frees: inode.Frees}
	segs, err := a.SegFind(count, 1)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, buftype.NewOutOfMemory("filemap: no space for direct extent")
	}
	seg := segs[0]
	if err := a.SegAlloc(segs[:1]); err != nil {
		return nil, err
	}
	t.Root.Direct = true
	t.Root.Depth = 0
	t.Root.Block = seg.Block
	t.Root.DirectCount = seg.Count
	out := appendCapped(nil, buftype.Extent{Block: seg.Block, Count: seg.Count, State: buftype.NewlyAllocated}, segMax)
	if uint64(seg.Count) < count {
		out = appendCapped(out, buftype.Extent{Count: uint32capped(count - uint64(seg.Count)), State: buftype.Hole}, segMax)
	}
	return out, nil
}

// seedTreeLocked builds the minimal real tree — one internal root node
// with a single entry pointing at one freshly initialized empty leaf —
// for a file that previously had neither a tree nor a direct extent (or
// whose direct extent just got shattered). Depth 1 always means "the
// root is an internal node one level above the leaves" throughout
// internal/btree (see Probe/InsertLeaf), so a lone leaf can never be the
// root by itself.
func (inode *Inode) seedTreeLocked() error {
	t := inode.Tree
	blockAlloc := &blockAllocAdapter{sb: inode.Superblock, alloc: inode.Alloc}

	leafBlock, err := blockAlloc.AllocBlock()
	if err != nil {
		return err
	}
	leafBuf := t.Cache.Get(t.AddrSpace, leafBlock)
	t.Cache.Dirty(leafBuf, t.Deltas.Current())
	t.LeafOps.Init(leafBuf)
	leafBuf.Release()

	rootBlock, err := blockAlloc.AllocBlock()
	if err != nil {
		return err
	}
	rootBuf := t.Cache.Get(t.AddrSpace, rootBlock)
	t.Cache.Dirty(rootBuf, t.Deltas.Current())
	root := &btree.Node{Entries: []btree.Entry{{Separator: 0, Child: leafBlock}}}
	enc, err := root.Marshal(t.BlockSize)
	if err != nil {
		rootBuf.Release()
		return err
	}
	rootBuf.Lock()
	copy(rootBuf.Data, enc)
	rootBuf.Unlock()
	rootBuf.Release()

	t.Root.Direct = false
	t.Root.DirectCount = 0
	t.Root.Depth = 1
	t.Root.Block = rootBlock
	return nil
}

func (inode *Inode) mapTreeLocked(start buftype.TuxkeyT, count uint64, segMax int, overwrite bool) ([]buftype.Extent, error) {
	t := inode.Tree
	c := btree.AllocCursor(t, 0)
	defer btree.ReleaseCursor(c)
	if err := btree.Probe(c, start); err != nil {
		return nil, err
	}
	req := &btree.SegRequest{Start: start, Len: count, Overwrite: overwrite, SegMax: segMax}
	a := &segAllocAdapter{sb: inode.Superblock, alloc: inode.Alloc, frees: inode.Frees}
	var err error
	if overwrite {
		err = btree.WriteLeaves(c, req, a)
	} else {
		err = btree.ReadLeaves(c, req)
	}
	return req.Seg, err
}

// Truncate implements the directory-free path of spec.md §4.4's
// chop-range: release every block mapped at or beyond start.
func (inode *Inode) Truncate(start buftype.TuxkeyT) error {
	t := inode.Tree
	t.LockWrite()
	defer t.UnlockWrite()

	if t.Root.Direct {
		if start >= buftype.TuxkeyT(t.Root.DirectCount) {
			return nil
		}
		freed := t.Root.DirectCount - uint32(start)
		inode.Alloc.LogFree(inode.Superblock, t.Root.Block+buftype.BlockT(start), freed)
		if start == 0 {
			t.Root = buftype.RootDescriptor{}
		} else {
			t.Root.DirectCount = uint32(start)
		}
		return nil
	}
	if t.Root.Empty() {
		return nil
	}
	a := &segAllocAdapter{sb: inode.Superblock, alloc: inode.Alloc, frees: inode.Frees}
	if err := btree.Chop(t, start, uint64(buftype.TuxkeyLimit), a); err != nil {
		return err
	}
	if start == 0 {
		// btree.Chop leaves a depth-1 tree with one data-empty leaf
		// (spec.md §8: "after chop(0, TUXKEY_LIMIT): depth == 1,
		// empty root"). A fully truncated file has no further use for
		// that structure, so drop back to the no-tree state and make
		// it eligible for the direct-extent fast path again on the
		// next small write.
		t.Root = buftype.RootDescriptor{}
	}
	return nil
}

func holeSegments(count uint64, segMax int) []buftype.Extent {
	return appendCapped(nil, buftype.Extent{Count: uint32capped(count), State: buftype.Hole}, segMax)
}

func appendCapped(out []buftype.Extent, e buftype.Extent, segMax int) []buftype.Extent {
	if len(out) >= segMax || e.Count == 0 {
		return out
	}
	return append(out, e)
}

func uint32capped(n uint64) uint32 {
	if n > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(n)
}
