package btree

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/internal/delta"
)

// This file drives internal/btree directly, without internal/dleaf or
// internal/filemap, against a minimal synthetic leaf type sized so
// entries_per_node and entries_per_leaf are both 3 — small enough to
// reach the seed scenarios from spec.md §8 (depth growth, deep trees,
// cursor redirect, chop-driven merge) in a handful of keys rather than
// needing a real dleaf extent-run leaf.

const scenarioBlockSize = 56 // (56-8)/16 = 3 entries per node and per kv leaf

// kvEntry is one (key, opaque value) pair in a kvLeaf.
type kvEntry struct {
	key   buftype.TuxkeyT
	value uint64
}

// kvLeaf is a fixed-size leaf holding up to kvLeaf.capacity() sorted
// (key, value) pairs, one key per logical block — a stand-in for
// internal/dleaf's run-length extents that makes the tree's own
// split/merge/chop/cursor machinery the only thing under test.
type kvLeaf struct{ BlockSize int }

var _ LeafOps = (*kvLeaf)(nil)

func (o *kvLeaf) capacity() int { return (o.BlockSize - 8) / 16 }

func (o *kvLeaf) read(buf *buffer.Buffer) []kvEntry {
	buf.Lock()
	defer buf.Unlock()
	count := int(binary.BigEndian.Uint16(buf.Data[0:2]))
	if count > o.capacity() {
		count = 0
	}
	out := make([]kvEntry, count)
	off := 8
	for i := 0; i < count; i++ {
		out[i] = kvEntry{
			key:   buftype.TuxkeyT(binary.BigEndian.Uint64(buf.Data[off : off+8])),
			value: binary.BigEndian.Uint64(buf.Data[off+8 : off+16]),
		}
		off += 16
	}
	return out
}

func (o *kvLeaf) write(buf *buffer.Buffer, es []kvEntry) {
	enc := make([]byte, o.BlockSize)
	binary.BigEndian.PutUint16(enc[0:2], uint16(len(es)))
	off := 8
	for _, e := range es {
		binary.BigEndian.PutUint64(enc[off:off+8], uint64(e.key))
		binary.BigEndian.PutUint64(enc[off+8:off+16], e.value)
		off += 16
	}
	buf.Lock()
	copy(buf.Data, enc)
	buf.Unlock()
}

func kvInsertSorted(es []kvEntry, e kvEntry) []kvEntry {
	i := 0
	for i < len(es) && es[i].key < e.key {
		i++
	}
	es = append(es, kvEntry{})
	copy(es[i+1:], es[i:])
	es[i] = e
	return es
}

func (o *kvLeaf) Init(buf *buffer.Buffer) { o.write(buf, nil) }

func (o *kvLeaf) Sniff(buf *buffer.Buffer) bool {
	buf.Lock()
	defer buf.Unlock()
	if len(buf.Data) < 8 {
		return false
	}
	count := int(binary.BigEndian.Uint16(buf.Data[0:2]))
	return count <= o.capacity()
}

func (o *kvLeaf) CanFree(buf *buffer.Buffer) bool { return len(o.read(buf)) == 0 }

func (o *kvLeaf) Free(buf *buffer.Buffer, alloc SegAllocator) {}

func (o *kvLeaf) Split(buf, sibling *buffer.Buffer, hint buftype.TuxkeyT) buftype.TuxkeyT {
	es := o.read(buf)
	mid := len(es) / 2
	if len(es) > 0 && hint > es[len(es)-1].key {
		// Append past the last key: keep buf full, start sibling empty.
		mid = len(es)
	}
	left := append([]kvEntry(nil), es[:mid]...)
	right := append([]kvEntry(nil), es[mid:]...)
	o.write(buf, left)
	o.write(sibling, right)
	if len(right) == 0 {
		return hint
	}
	return right[0].key
}

func (o *kvLeaf) Merge(dst, src *buffer.Buffer) bool {
	d := o.read(dst)
	s := o.read(src)
	if len(d)+len(s) > o.capacity() {
		return false
	}
	o.write(dst, append(d, s...))
	return true
}

func (o *kvLeaf) Chop(buf *buffer.Buffer, start buftype.TuxkeyT, length uint64, alloc SegAllocator) bool {
	limit, unbounded := chopBounds(start, length)
	es := o.read(buf)
	kept := es[:0:0]
	for _, e := range es {
		if unbounded {
			if e.key < start {
				kept = append(kept, e)
			}
			continue
		}
		if e.key < start || e.key >= limit {
			kept = append(kept, e)
		}
	}
	o.write(buf, kept)
	return len(kept) == 0
}

func (o *kvLeaf) Write(buf *buffer.Buffer, req *SegRequest, alloc SegAllocator) WriteResult {
	es := o.read(buf)
	for _, e := range es {
		if e.key == req.Start {
			if !req.AppendSeg(buftype.Extent{Block: buftype.BlockT(e.value), Count: 1, State: buftype.Mapped}) {
				return Done
			}
			req.Consume(1)
			if req.Len == 0 {
				return Done
			}
			return Retry
		}
	}
	if len(es) >= o.capacity() {
		return Split
	}
	segs, err := alloc.SegFind(1, 1)
	if err != nil || len(segs) == 0 {
		return Split
	}
	if err := alloc.SegAlloc(segs[:1]); err != nil {
		return Split
	}
	value := uint64(segs[0].Block)
	o.write(buf, kvInsertSorted(es, kvEntry{key: req.Start, value: value}))
	if !req.AppendSeg(buftype.Extent{Block: buftype.BlockT(value), Count: 1, State: buftype.NewlyAllocated}) {
		return Done
	}
	req.Consume(1)
	if req.Len == 0 {
		return Done
	}
	return Retry
}

func (o *kvLeaf) Read(buf *buffer.Buffer, req *SegRequest) {
	es := o.read(buf)
	for req.Len > 0 && !req.Full() {
		var found *kvEntry
		for i := range es {
			if es[i].key == req.Start {
				found = &es[i]
				break
			}
		}
		if found == nil {
			if !req.AppendSeg(buftype.Extent{Count: 1, State: buftype.Hole}) {
				return
			}
		} else {
			if !req.AppendSeg(buftype.Extent{Block: buftype.BlockT(found.value), Count: 1, State: buftype.Mapped}) {
				return
			}
		}
		req.Consume(1)
	}
}

func (o *kvLeaf) PreWrite(buf *buffer.Buffer, length uint64) int { return 16 }

func (o *kvLeaf) MinKey(buf *buffer.Buffer) (buftype.TuxkeyT, bool) {
	es := o.read(buf)
	if len(es) == 0 {
		return 0, false
	}
	return es[0].key, true
}

func (o *kvLeaf) Dump(w io.Writer, buf *buffer.Buffer) {}

func (o *kvLeaf) lookup(buf *buffer.Buffer, key buftype.TuxkeyT) (uint64, bool) {
	for _, e := range o.read(buf) {
		if e.key == key {
			return e.value, true
		}
	}
	return 0, false
}

// blockCounter is a trivial btree.BlockAllocator handing out sequential
// block numbers, standing in for internal/balloc.
type blockCounter struct{ next buftype.BlockT }

func (b *blockCounter) AllocBlock() (buftype.BlockT, error) {
	b.next++
	return b.next, nil
}

// kvSegAlloc is a trivial btree.SegAllocator handing out sequential
// single-block "values" for kvLeaf.Write to store.
type kvSegAlloc struct{ next uint64 }

func (a *kvSegAlloc) SegFind(wantLen uint64, maxSegs int) ([]buftype.Extent, error) {
	return []buftype.Extent{{Block: buftype.BlockT(a.next), Count: 1, State: buftype.NewlyAllocated}}, nil
}

func (a *kvSegAlloc) SegAlloc(segs []buftype.Extent) error {
	for _, s := range segs {
		a.next = uint64(s.Block) + uint64(s.Count)
	}
	return nil
}

func (a *kvSegAlloc) SegFree(block buftype.BlockT, count uint32) {}

// newScenarioTree seeds a minimal depth-1 tree (one root entry, one
// empty leaf) over a kvLeaf, the same minimal shape reseedEmptyRoot
// builds after a full chop.
func newScenarioTree(t *testing.T) (*Tree, *kvLeaf, *kvSegAlloc) {
	t.Helper()
	cache := buffer.NewCache(scenarioBlockSize, 0, func(addrSpace uint64, idx buftype.BlockT) ([]byte, error) {
		return make([]byte, scenarioBlockSize), nil
	})
	blocks := &blockCounter{}
	deltas := delta.NewCounter()
	forks := buffer.NewForkRegistry()
	ops := &kvLeaf{BlockSize: scenarioBlockSize}
	tree := NewTree(cache, 0, scenarioBlockSize, ops, blocks, deltas, forks, buftype.RootDescriptor{})

	leafBlock, err := blocks.AllocBlock()
	if err != nil {
		t.Fatalf("seed: alloc leaf: %v", err)
	}
	leafBuf := cache.Get(0, leafBlock)
	cache.Dirty(leafBuf, deltas.Current())
	ops.Init(leafBuf)
	leafBuf.Release()

	rootBlock, err := blocks.AllocBlock()
	if err != nil {
		t.Fatalf("seed: alloc root: %v", err)
	}
	rootBuf := cache.Get(0, rootBlock)
	cache.Dirty(rootBuf, deltas.Current())
	root := &Node{Entries: []Entry{{Separator: 0, Child: leafBlock}}}
	if err := tree.writeNode(rootBuf, root); err != nil {
		t.Fatalf("seed: write root: %v", err)
	}
	rootBuf.Release()

	tree.Root.Depth = 1
	tree.Root.Block = rootBlock

	return tree, ops, &kvSegAlloc{next: 1 << 20}
}

// writeKey probes to key and writes one logical block at key through the
// insert-leaf/split dance, the same path internal/filemap's Map drives.
func writeKey(t *testing.T, tree *Tree, alloc SegAllocator, key buftype.TuxkeyT) {
	t.Helper()
	c := AllocCursor(tree, 1)
	defer ReleaseCursor(c)
	if err := Probe(c, key); err != nil {
		t.Fatalf("probe(%d): %v", key, err)
	}
	req := &SegRequest{Start: key, Len: 1, Overwrite: true, SegMax: 1}
	if err := WriteLeaves(c, req, alloc); err != nil {
		t.Fatalf("write(%d): %v", key, err)
	}
}

func lookupKey(t *testing.T, tree *Tree, ops *kvLeaf, key buftype.TuxkeyT) (uint64, bool) {
	t.Helper()
	c := AllocCursor(tree, 0)
	defer ReleaseCursor(c)
	if err := Probe(c, key); err != nil {
		t.Fatalf("probe(%d): %v", key, err)
	}
	return ops.lookup(c.Leaf(), key)
}

// TestScenarioLeafBasics covers spec.md §8 seed scenario 1: a single
// leaf holding a handful of keys survives a chop of a range entirely
// inside it, leaving the untouched keys readable and the chopped ones
// gone, without ever splitting.
func TestScenarioLeafBasics(t *testing.T) {
	tree, ops, alloc := newScenarioTree(t)

	for key := buftype.TuxkeyT(0); key <= 2; key++ {
		writeKey(t, tree, alloc, key)
	}
	if tree.Root.Depth != 1 {
		t.Fatalf("setup: want depth 1 for a single small leaf, got %d", tree.Root.Depth)
	}

	if err := Chop(tree, 1, 1, alloc); err != nil {
		t.Fatalf("Chop: %v", err)
	}

	if _, ok := lookupKey(t, tree, ops, 1); ok {
		t.Fatalf("key 1 should be gone after chop(1,1)")
	}
	for _, key := range []buftype.TuxkeyT{0, 2} {
		if _, ok := lookupKey(t, tree, ops, key); !ok {
			t.Fatalf("key %d should survive chop(1,1)", key)
		}
	}
}

// TestScenarioDepthGrowsThenChopToOne covers spec.md §8 seed scenario 2:
// enough ascending writes to grow the tree past depth 1, then a full
// chop(0, TUXKEY_LIMIT) brings it back down to depth == 1 with an empty
// root leaf — probing any former key succeeds (no error) and simply
// finds it missing.
func TestScenarioDepthGrowsThenChopToOne(t *testing.T) {
	tree, ops, alloc := newScenarioTree(t)

	const writes = 10 // > entries_per_node(3) * entries_per_leaf(3), forces depth 2
	for key := buftype.TuxkeyT(0); key < writes; key++ {
		writeKey(t, tree, alloc, key)
	}
	if tree.Root.Depth < 2 {
		t.Fatalf("setup: want depth >= 2 after %d ascending writes, got %d", writes, tree.Root.Depth)
	}
	for key := buftype.TuxkeyT(0); key < writes; key++ {
		if _, ok := lookupKey(t, tree, ops, key); !ok {
			t.Fatalf("setup: key %d must be present before chop", key)
		}
	}

	if err := Chop(tree, 0, uint64(buftype.TuxkeyLimit), alloc); err != nil {
		t.Fatalf("Chop(0, limit): %v", err)
	}

	if tree.Root.Depth != 1 {
		t.Fatalf("after chop(0,limit): want depth 1 (empty root), got %d", tree.Root.Depth)
	}
	for key := buftype.TuxkeyT(0); key < writes; key++ {
		if _, ok := lookupKey(t, tree, ops, key); ok {
			t.Fatalf("key %d should be gone after chop(0,limit)", key)
		}
	}
}

// TestScenarioDeepTreeReverseChopTop covers spec.md §8 seed scenario 3:
// a deep tree (depth >= 5) built from descending writes, then chopped
// from the top down one key at a time, leaves exactly the untouched
// low half readable via an ordinary left-to-right cursor walk — no
// duplicate or skipped key.
func TestScenarioDeepTreeReverseChopTop(t *testing.T) {
	tree, _, alloc := newScenarioTree(t)

	const n = 900 // entries_per_node(3) * entries_per_leaf(3) * 100
	for key := buftype.TuxkeyT(n - 1); ; key-- {
		writeKey(t, tree, alloc, key)
		if key == 0 {
			break
		}
	}
	if tree.Root.Depth < 5 {
		t.Fatalf("setup: want depth >= 5 for %d keys, got %d", n, tree.Root.Depth)
	}

	const keep = n / 2
	for key := buftype.TuxkeyT(n - 1); key >= keep; key-- {
		if err := Chop(tree, key, 1, alloc); err != nil {
			t.Fatalf("Chop(%d,1): %v", key, err)
		}
	}

	c := AllocCursor(tree, 0)
	defer ReleaseCursor(c)
	if err := Probe(c, 0); err != nil {
		t.Fatalf("probe(0): %v", err)
	}
	kv := tree.LeafOps.(*kvLeaf)
	var got []buftype.TuxkeyT
	for {
		for _, e := range kv.read(c.Leaf()) {
			got = append(got, e.key)
		}
		ok, err := CursorAdvance(c)
		if err != nil {
			t.Fatalf("CursorAdvance: %v", err)
		}
		if ok == 0 {
			break
		}
	}
	if uint64(len(got)) != keep {
		t.Fatalf("cursor walk: want %d surviving keys, got %d: %v", keep, len(got), got)
	}
	for i, key := range got {
		if key != buftype.TuxkeyT(i) {
			t.Fatalf("cursor walk: want ascending 0..%d, got %d at position %d", keep-1, key, i)
		}
	}
}

// buildDeepTree is the shared setup for the cursor-redirect scenarios:
// an ascending-write tree deep enough to have more than one internal
// level, so a redirect from the root touches several frames.
func buildDeepTree(t *testing.T, n buftype.TuxkeyT) (*Tree, *kvSegAlloc) {
	t.Helper()
	tree, _, alloc := newScenarioTree(t)
	for key := buftype.TuxkeyT(0); key < n; key++ {
		writeKey(t, tree, alloc, key)
	}
	if tree.Root.Depth < 2 {
		t.Fatalf("setup: want depth >= 2, got %d", tree.Root.Depth)
	}
	return tree, alloc
}

// TestScenarioCursorRedirectFullPath covers spec.md §8 seed scenario 4:
// after a delta barrier, redirecting a cursor from the root forks every
// frame on its path, and the tree's own root pointer follows the new
// top frame — later mutating the original (now-orphaned) buffers'
// bytes directly does not change what a fresh probe for the same key
// returns.
func TestScenarioCursorRedirectFullPath(t *testing.T) {
	const n = 30
	tree, _ := buildDeepTree(t, n)
	ops := tree.LeafOps.(*kvLeaf)

	const probeKey = buftype.TuxkeyT(n / 2)
	c := AllocCursor(tree, 0)
	if err := Probe(c, probeKey); err != nil {
		t.Fatalf("probe: %v", err)
	}
	oldBufs := make([]*buffer.Buffer, len(c.Path))
	for i, f := range c.Path {
		oldBufs[i] = f.Buf
	}

	tree.Deltas.Advance()

	if err := CursorRedirect(c, 0); err != nil {
		t.Fatalf("CursorRedirect: %v", err)
	}
	for i, f := range c.Path {
		if f.Buf == oldBufs[i] {
			t.Fatalf("frame %d: want a forked replacement, kept the old buffer", i)
		}
	}
	if tree.Root.Block != c.Path[0].Buf.Index {
		t.Fatalf("CursorRedirect: root pointer %d must match the new top frame %d", tree.Root.Block, c.Path[0].Buf.Index)
	}
	wantValue, ok := ops.lookup(c.Leaf(), probeKey)
	if !ok {
		t.Fatalf("redirected leaf lost key %d", probeKey)
	}
	ReleaseCursor(c)

	// Corrupt the orphaned pre-redirect buffers directly; a fresh probe
	// must be unaffected, since it only ever walks from tree.Root.Block.
	for _, buf := range oldBufs {
		buf.Lock()
		for i := range buf.Data {
			buf.Data[i] = 0xff
		}
		buf.Unlock()
	}

	gotValue, ok := lookupKey(t, tree, ops, probeKey)
	if !ok || gotValue != wantValue {
		t.Fatalf("probe after corrupting pre-redirect buffers: want (%d,true), got (%d,%v)", wantValue, gotValue, ok)
	}
}

// TestScenarioCursorRedirectPartialPath covers spec.md §8 seed scenario
// 5: once an earlier redirect in the same delta has already forked an
// ancestor frame, a later redirect through a sibling leaf that shares
// that ancestor leaves it alone — ensureWritable sees it is already
// writable in the current delta and only the leaf itself forks.
func TestScenarioCursorRedirectPartialPath(t *testing.T) {
	tree, _, alloc := newScenarioTree(t)

	// 9 ascending writes fill exactly 3 leaves under the depth-1 root
	// without growing it: leaf0 {0,1,2}, leaf1 {3,4,5}, leaf2 {6,7,8}.
	for key := buftype.TuxkeyT(0); key < 9; key++ {
		writeKey(t, tree, alloc, key)
	}
	if tree.Root.Depth != 1 {
		t.Fatalf("setup: want depth 1 (root directly over 3 leaves), got %d", tree.Root.Depth)
	}

	tree.Deltas.Advance()

	// Redirecting leaf0's full path forks both the root and leaf0, and
	// leaves the root's new block as the tree's root from here on.
	cA := AllocCursor(tree, 0)
	if err := Probe(cA, 1); err != nil {
		t.Fatalf("probe(1): %v", err)
	}
	if err := CursorRedirect(cA, 0); err != nil {
		t.Fatalf("CursorRedirect(leaf0, full path): %v", err)
	}
	newRootBuf := cA.Path[0].Buf
	ReleaseCursor(cA)

	// leaf1 is a sibling of leaf0 under that same now-forked root. Its
	// own path has not been touched yet.
	cB := AllocCursor(tree, 0)
	defer ReleaseCursor(cB)
	if err := Probe(cB, 4); err != nil {
		t.Fatalf("probe(4): %v", err)
	}
	if len(cB.Path) != 2 {
		t.Fatalf("setup: want a 2-frame path (root, leaf), got %d", len(cB.Path))
	}
	if cB.Path[0].Buf != newRootBuf {
		t.Fatalf("probe after the first redirect must see the already-forked root")
	}
	oldLeaf1 := cB.Path[1].Buf

	fromLevel := len(cB.Path) - 1 // the leaf frame only
	if err := CursorRedirect(cB, fromLevel); err != nil {
		t.Fatalf("CursorRedirect(leaf1, partial): %v", err)
	}

	if cB.Path[0].Buf != newRootBuf {
		t.Fatalf("partial redirect through an already-forked ancestor must not refork it")
	}
	if cB.Path[1].Buf == oldLeaf1 {
		t.Fatalf("partial redirect must still fork the leaf frame itself")
	}
	if tree.Root.Block != newRootBuf.Index {
		t.Fatalf("partial redirect must not move the tree's root pointer")
	}
}

// TestScenarioInsertLeafKeepsCursorValid covers spec.md §8 seed scenario
// 7: inserting a new leaf that forces the root itself to split leaves
// the cursor positioned at the same logical key, whichever half of the
// split root that key ended up under.
func TestScenarioInsertLeafKeepsCursorValid(t *testing.T) {
	tree, ops, alloc := newScenarioTree(t)

	const writes = 9 // fills exactly one node level; the next write splits the root
	for key := buftype.TuxkeyT(0); key < writes; key++ {
		writeKey(t, tree, alloc, key)
	}
	depthBefore := tree.Root.Depth

	const newKey = buftype.TuxkeyT(writes)
	c := AllocCursor(tree, 1)
	defer ReleaseCursor(c)
	if err := Probe(c, newKey); err != nil {
		t.Fatalf("probe: %v", err)
	}
	req := &SegRequest{Start: newKey, Len: 1, Overwrite: true, SegMax: 1}
	if err := WriteLeaves(c, req, alloc); err != nil {
		t.Fatalf("write: %v", err)
	}

	if tree.Root.Depth <= depthBefore {
		t.Fatalf("want the root to have grown by at least one level, stayed at %d", tree.Root.Depth)
	}
	if c.Leaf() == nil {
		t.Fatalf("cursor must still be positioned at a leaf after the insert")
	}
	if _, ok := ops.lookup(c.Leaf(), newKey); !ok {
		t.Fatalf("cursor's leaf after the split must still be the one holding key %d", newKey)
	}

	for key := buftype.TuxkeyT(0); key <= newKey; key++ {
		if _, ok := lookupKey(t, tree, ops, key); !ok {
			t.Fatalf("key %d missing after root split", key)
		}
	}
}

// TestScenarioMergeOnChop covers spec.md §8 seed scenario 6: chopping a
// range that leaves two sibling leaves each underfull (but not empty)
// merges them into one, collapsing the parent separator that used to
// divide them.
func TestScenarioMergeOnChop(t *testing.T) {
	tree, ops, alloc := newScenarioTree(t)

	// Ascending writes 0..11 split into four 3-entry leaves: {0,1,2}
	// {3,4,5} {6,7,8} {9,10,11}, entries_per_node 3 keeping them under
	// one internal level.
	for key := buftype.TuxkeyT(0); key < 12; key++ {
		writeKey(t, tree, alloc, key)
	}
	if tree.Root.Depth < 2 {
		t.Fatalf("setup: want depth >= 2, got %d", tree.Root.Depth)
	}

	// Chop keys 7-10: leaf {6,7,8} loses 7,8 down to {6}; leaf {9,10,11}
	// loses 9,10 down to {11}. Neither is empty, but {6} and {11}
	// together fit in one 3-entry leaf and must merge.
	if err := Chop(tree, 7, 4, alloc); err != nil {
		t.Fatalf("Chop(7,4): %v", err)
	}

	for _, key := range []buftype.TuxkeyT{7, 8, 9, 10} {
		if _, ok := lookupKey(t, tree, ops, key); ok {
			t.Fatalf("key %d should be chopped", key)
		}
	}
	for _, key := range []buftype.TuxkeyT{0, 1, 2, 3, 4, 5, 6, 11} {
		if _, ok := lookupKey(t, tree, ops, key); !ok {
			t.Fatalf("key %d should survive chop(7,4)", key)
		}
	}

	c := AllocCursor(tree, 0)
	defer ReleaseCursor(c)
	if err := Probe(c, 6); err != nil {
		t.Fatalf("probe(6): %v", err)
	}
	six := ops.read(c.Leaf())
	if err := Probe(c, 10); err != nil {
		t.Fatalf("probe(10): %v", err)
	}
	ten := ops.read(c.Leaf())
	if len(six) != 2 || six[0].key != 6 || six[1].key != 11 {
		t.Fatalf("merged leaf reached via key 6 should hold exactly {6,11}, got %v", six)
	}
	if len(ten) != 2 || ten[0].key != 6 || ten[1].key != 11 {
		t.Fatalf("merged leaf reached via key 10 should hold exactly {6,11}, got %v", ten)
	}
}
