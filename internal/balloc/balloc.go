// Package balloc defines the free-space allocator contract that
// coretux3's core consumes (spec.md §6) without owning its
// implementation, plus a small in-memory reference allocator so the core
// is exercisable without a real bitmap allocator or filesystem image.
package balloc

import (
	"sort"
	"sync"

	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/log"
)

// SuperblockHandle identifies the volume an allocation request is against.
// The core never interprets it; it is threaded through verbatim to the
// balloc implementation.
type SuperblockHandle interface {
	// Blocks returns the total number of blocks on the volume, used by
	// the reference allocator to size its free list.
	Blocks() buftype.BlockT
}

// DeferredFreeList accumulates blocks freed during the delta currently
// being built so they are only returned to the allocator once that
// delta's predecessor's data is no longer reachable (spec.md §4.5,
// "seg_free ... enqueues them on a delta-scoped deferred-free list, not
// freeing immediately").
type DeferredFreeList struct {
	mu      sync.Mutex
	entries []buftype.Extent
}

// Add appends a deferred free.
func (l *DeferredFreeList) Add(block buftype.BlockT, count uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, buftype.Extent{Block: block, Count: count})
}

// Drain removes and returns all accumulated entries, for the backend to
// apply at delta commit.
func (l *DeferredFreeList) Drain() []buftype.Extent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// Interface is the balloc contract consumed by internal/filemap and
// internal/dleaf: find candidate segments, commit their use, and record
// frees for delta-commit application. Implementations MUST NOT re-enter
// any core operation (spec.md §9, "explicit no-reentry contract").
type Interface interface {
	// Find asks for up to maxSegs segments covering as much of
	// wantLen blocks as possible; it may return fewer blocks than
	// requested (spec.md §4.6 "seg_find ... returns possibly fewer").
	Find(sb SuperblockHandle, wantLen uint64, maxSegs int) (segs []buftype.Extent, err error)

	// Use commits segs as allocated, logging each to the transaction
	// log (spec.md §4.6 "seg_alloc then commits ... and logs each
	// allocation").
	Use(sb SuperblockHandle, segs []buftype.Extent) error

	// DeferFree enqueues block/count on list for later release.
	DeferFree(list *DeferredFreeList, block buftype.BlockT, count uint32)

	// LogFree records a free to the (externally owned) transaction
	// log immediately; internal/filemap's Truncate uses it to free a
	// direct extent's blocks synchronously.
	LogFree(sb SuperblockHandle, block buftype.BlockT, count uint32)
}

// MemAllocator is a reference Interface implementation over a simple
// sorted free-extent list protected by a mutex. It is not the real
// free-space bitmap allocator spec.md keeps out of scope; it exists so
// internal/filemap and internal/dleaf have something real to call in
// tests and example programs.
type MemAllocator struct {
	mu   sync.Mutex
	free []buftype.Extent // sorted by Block, non-overlapping
	log  LogSink
}

// LogSink receives the frees MemAllocator.LogFree records; a real
// deployment would be the transaction log writer, kept out of scope by
// spec.md §1.
type LogSink interface {
	LogFree(block buftype.BlockT, count uint32)
}

// NewMemAllocator builds an allocator whose entire addressable range
// [0, blocks) starts free.
func NewMemAllocator(blocks buftype.BlockT, sink LogSink) *MemAllocator {
	return &MemAllocator{
		free: []buftype.Extent{{Block: 0, Count: uint32min(blocks)}},
		log:  sink,
	}
}

func uint32min(b buftype.BlockT) uint32 {
	if b > buftype.BlockT(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(b)
}

// Find implements Interface.
func (a *MemAllocator) Find(sb SuperblockHandle, wantLen uint64, maxSegs int) ([]buftype.Extent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []buftype.Extent
	remaining := wantLen
	for i := range a.free {
		if remaining == 0 || len(out) >= maxSegs {
			break
		}
		e := a.free[i]
		take := uint64(e.Count)
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		out = append(out, buftype.Extent{Block: e.Block, Count: uint32(take), State: buftype.NewlyAllocated})
		remaining -= take
	}
	if len(out) == 0 && wantLen > 0 {
		buftype.Assert(false, "balloc: out of space")
		return nil, buftype.ErrOutOfSpace
	}
	return out, nil
}

// Use implements Interface: it removes segs from the free list and is a
// bug (spec.md §7, asserted) if any segment wasn't actually free.
func (a *MemAllocator) Use(sb SuperblockHandle, segs []buftype.Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range segs {
		if !a.removeLocked(s) {
			buftype.Assert(false, "balloc: Use on a block range that was not free")
			return buftype.NewInvariant("balloc: double-allocation")
		}
	}
	return nil
}

func (a *MemAllocator) removeLocked(s buftype.Extent) bool {
	for i, e := range a.free {
		if s.Block < e.Block || s.End() > e.End() {
			continue
		}
		// Split e around s.
		var replacement []buftype.Extent
		if s.Block > e.Block {
			replacement = append(replacement, buftype.Extent{Block: e.Block, Count: uint32(s.Block - e.Block)})
		}
		if s.End() < e.End() {
			replacement = append(replacement, buftype.Extent{Block: s.End(), Count: uint32(e.End() - s.End())})
		}
		a.free = append(a.free[:i], append(replacement, a.free[i+1:]...)...)
		return true
	}
	return false
}

// DeferFree implements Interface.
func (a *MemAllocator) DeferFree(list *DeferredFreeList, block buftype.BlockT, count uint32) {
	list.Add(block, count)
}

// LogFree implements Interface; it also immediately returns the blocks to
// the free list (a real bitmap allocator would only do so at the delta
// boundary the deferred-free list observes, but the reference allocator
// has no concurrent-delta visibility to protect).
func (a *MemAllocator) LogFree(sb SuperblockHandle, block buftype.BlockT, count uint32) {
	if a.log != nil {
		a.log.LogFree(block, count)
	}
	a.mu.Lock()
	a.free = append(a.free, buftype.Extent{Block: block, Count: count})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Block < a.free[j].Block })
	a.mu.Unlock()
	log.Debug("balloc: freed extent", "block", block, "count", count)
}
