package dleaf_test

import (
	"testing"

	"github.com/tux3fs/coretux3/internal/btree"
	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/internal/dleaf"
)

const testBlockSize = 128

// fakeAlloc is a minimal in-memory btree.SegAllocator for exercising
// Ops.Write/Chop without a real balloc.Interface behind it.
type fakeAlloc struct {
	next  buftype.BlockT
	freed []buftype.Extent
}

func (a *fakeAlloc) SegFind(wantLen uint64, maxSegs int) ([]buftype.Extent, error) {
	if wantLen > 1<<16 {
		wantLen = 1 << 16
	}
	return []buftype.Extent{{Block: a.next, Count: uint32(wantLen), State: buftype.NewlyAllocated}}, nil
}

func (a *fakeAlloc) SegAlloc(segs []buftype.Extent) error {
	for _, s := range segs {
		a.next = s.Block + buftype.BlockT(s.Count)
	}
	return nil
}

func (a *fakeAlloc) SegFree(block buftype.BlockT, count uint32) {
	a.freed = append(a.freed, buftype.Extent{Block: block, Count: count})
}

func newBuf() *buffer.Buffer {
	return &buffer.Buffer{Data: make([]byte, testBlockSize)}
}

func TestWriteThenRead(t *testing.T) {
	ops := &dleaf.Ops{BlockSize: testBlockSize}
	buf := newBuf()
	ops.Init(buf)
	alloc := &fakeAlloc{next: 100}

	req := &btree.SegRequest{Start: 0, Len: 10, Overwrite: true, SegMax: 4}
	res := ops.Write(buf, req, alloc)
	if res != btree.Done {
		t.Fatalf("Write: got %v, want Done", res)
	}
	if len(req.Seg) != 1 || req.Seg[0].Block != 100 || req.Seg[0].Count != 10 {
		t.Fatalf("Write: unexpected segments %+v", req.Seg)
	}
	if req.Seg[0].State != buftype.NewlyAllocated {
		t.Fatalf("Write: want NewlyAllocated, got %v", req.Seg[0].State)
	}

	readReq := &btree.SegRequest{Start: 0, Len: 10, SegMax: 4}
	ops.Read(buf, readReq)
	if len(readReq.Seg) != 1 || readReq.Seg[0].Block != 100 || readReq.Seg[0].Count != 10 {
		t.Fatalf("Read: unexpected segments %+v", readReq.Seg)
	}
	if readReq.Seg[0].State != buftype.NewlyAllocated {
		t.Fatalf("Read: want NewlyAllocated (entry's stored state is unchanged by a later read), got %v", readReq.Seg[0].State)
	}
}

func TestReadHole(t *testing.T) {
	ops := &dleaf.Ops{BlockSize: testBlockSize}
	buf := newBuf()
	ops.Init(buf)

	req := &btree.SegRequest{Start: 5, Len: 5, SegMax: 4}
	ops.Read(buf, req)
	if len(req.Seg) != 1 {
		t.Fatalf("Read: want one hole segment, got %+v", req.Seg)
	}
	if req.Seg[0].State != buftype.Hole || req.Seg[0].Count != 5 {
		t.Fatalf("Read: want Hole,count=5, got %+v", req.Seg[0])
	}
}

func TestChopFreesAndEmpties(t *testing.T) {
	ops := &dleaf.Ops{BlockSize: testBlockSize}
	buf := newBuf()
	ops.Init(buf)
	alloc := &fakeAlloc{next: 200}

	req := &btree.SegRequest{Start: 0, Len: 4, Overwrite: true, SegMax: 4}
	if res := ops.Write(buf, req, alloc); res != btree.Done {
		t.Fatalf("setup Write: got %v, want Done", res)
	}

	empty := ops.Chop(buf, 0, uint64(buftype.TuxkeyLimit), alloc)
	if !empty {
		t.Fatalf("Chop: want leaf empty after chopping its only extent")
	}
	if len(alloc.freed) != 1 || alloc.freed[0].Block != 200 || alloc.freed[0].Count != 4 {
		t.Fatalf("Chop: unexpected frees %+v", alloc.freed)
	}

	if _, ok := ops.MinKey(buf); ok {
		t.Fatalf("MinKey: want false on an empty leaf")
	}
}

func TestChopSplitsAroundRange(t *testing.T) {
	ops := &dleaf.Ops{BlockSize: testBlockSize}
	buf := newBuf()
	ops.Init(buf)
	alloc := &fakeAlloc{next: 300}

	req := &btree.SegRequest{Start: 0, Len: 10, Overwrite: true, SegMax: 4}
	if res := ops.Write(buf, req, alloc); res != btree.Done {
		t.Fatalf("setup Write: got %v, want Done", res)
	}

	empty := ops.Chop(buf, 3, 4, alloc) // chop [3,7), leaving [0,3) and [7,10)
	if empty {
		t.Fatalf("Chop: leaf should retain the two remainders")
	}
	if len(alloc.freed) != 1 || alloc.freed[0].Count != 4 {
		t.Fatalf("Chop: want exactly the middle 4 blocks freed, got %+v", alloc.freed)
	}

	readReq := &btree.SegRequest{Start: 0, Len: 10, SegMax: 4}
	ops.Read(buf, readReq)
	got := readReq.Seg
	if len(got) != 3 {
		t.Fatalf("Read after chop: want left+hole+right, got %+v", got)
	}
	if got[0].Count != 3 || got[0].State != buftype.NewlyAllocated {
		t.Fatalf("Read after chop: bad left remainder %+v", got[0])
	}
	if got[1].Count != 4 || got[1].State != buftype.Hole {
		t.Fatalf("Read after chop: bad hole %+v", got[1])
	}
	if got[2].Count != 3 || got[2].State != buftype.NewlyAllocated {
		t.Fatalf("Read after chop: bad right remainder %+v", got[2])
	}
}

func TestSplitMerge(t *testing.T) {
	ops := &dleaf.Ops{BlockSize: testBlockSize}
	buf := newBuf()
	ops.Init(buf)
	alloc := &fakeAlloc{next: 400}

	// Fill buf with enough entries to exercise a real split: one entry
	// per Write call since each call only ever installs a single new
	// extent record (capacity is (128-8)/24 = 5).
	for i := buftype.TuxkeyT(0); i < 4; i++ {
		req := &btree.SegRequest{Start: i * 20, Len: 1, Overwrite: true, SegMax: 1}
		if res := ops.Write(buf, req, alloc); res != btree.Done {
			t.Fatalf("setup Write %d: got %v, want Done", i, res)
		}
	}

	sibling := newBuf()
	sep := ops.Split(buf, sibling, 0)

	leftMin, ok := ops.MinKey(buf)
	if !ok {
		t.Fatalf("Split: left half must not be empty")
	}
	rightMin, ok := ops.MinKey(sibling)
	if !ok {
		t.Fatalf("Split: right half must not be empty")
	}
	if sep != rightMin {
		t.Fatalf("Split: separator %d must equal right half's min key %d", sep, rightMin)
	}
	if leftMin >= rightMin {
		t.Fatalf("Split: left half's min key %d must precede right half's %d", leftMin, rightMin)
	}

	merged := newBuf()
	ops.Init(merged)
	if !ops.Merge(merged, buf) {
		t.Fatalf("Merge: left half alone must fit into an empty leaf")
	}
	if !ops.Merge(merged, sibling) {
		t.Fatalf("Merge: combined halves must fit back into one leaf (capacity 5)")
	}
}

func TestInstallExtentIsSortedAndDoesNotAllocate(t *testing.T) {
	ops := &dleaf.Ops{BlockSize: testBlockSize}
	buf := newBuf()
	ops.Init(buf)

	ops.InstallExtent(buf, 10, buftype.Extent{Block: 500, Count: 3, State: buftype.Mapped})
	ops.InstallExtent(buf, 0, buftype.Extent{Block: 900, Count: 3, State: buftype.Mapped})

	min, ok := ops.MinKey(buf)
	if !ok || min != 0 {
		t.Fatalf("InstallExtent: want min key 0 after inserting out of order, got %d,%v", min, ok)
	}

	req := &btree.SegRequest{Start: 0, Len: 13, SegMax: 4}
	ops.Read(buf, req)
	if len(req.Seg) != 3 {
		t.Fatalf("Read: want [0,3) mapped, hole, [10,13) mapped, got %+v", req.Seg)
	}
	if req.Seg[0].Block != 900 || req.Seg[2].Block != 500 {
		t.Fatalf("Read: installed extents in wrong positions: %+v", req.Seg)
	}
}
