// Package buffer implements the delta-tagged block-buffer cache (C1) and
// buffer-fork (C2) from spec.md §4.1–§4.2.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/tux3fs/coretux3/internal/buftype"
)

// dirtyBit marks a buffer's state word as dirty; the remaining bits carry
// the delta tag. Folding both into one word lets dirty(buf, delta) set
// them with a single atomic store, which is how spec.md Design Note 1
// resolves the "tag-vs-dirty CAS race" the original source left open:
// there is no window in which the dirty flag is visible but the tag is
// not, so buffer_can_modify never needs to spin.
const dirtyBit = uint64(1) << 63

// Buffer is one block-sized slab of cached data plus the delta-tagging
// metadata from spec.md §3.
type Buffer struct {
	AddrSpace uint64
	Index     buftype.BlockT

	mu   sync.Mutex // guards Data mutation; held by caller during in-place edits
	Data []byte

	state    atomic.Uint64 // dirtyBit | delta-tag, see above
	refcount atomic.Int32

	forkedFrom *Buffer // non-nil if this buffer is a fork's replacement target origin
}

func newBuffer(addrSpace uint64, index buftype.BlockT, blockSize int) *Buffer {
	b := &Buffer{AddrSpace: addrSpace, Index: index, Data: make([]byte, blockSize)}
	b.state.Store(buftype.BufdeltaAvail)
	return b
}

// Lock acquires the "page-lock or backend-exclusion" spec.md §3 requires
// around a mutation of Data.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock releases it.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// Pin increments the holder reference count; release() drops it.
func (b *Buffer) Pin() { b.refcount.Add(1) }

// Release drops a pin taken by Pin.
func (b *Buffer) Release() { b.refcount.Add(-1) }

// Pinned reports whether any holder (cache index or cursor) retains b.
func (b *Buffer) Pinned() bool { return b.refcount.Load() > 0 }

// IsDirty reports whether b currently carries a delta tag.
func (b *Buffer) IsDirty() bool { return b.state.Load()&dirtyBit != 0 }

// Delta returns the tag most recently stored by Dirty, valid only when
// IsDirty is true.
func (b *Buffer) Delta() uint64 { return b.state.Load() &^ dirtyBit }

// CanModify reports whether the buffer can be written in place under
// delta: true iff the buffer's tag equals delta. Because dirty-flag and
// tag share one word set by a single atomic store, a plain atomic load is
// sufficient here — a reader can never observe the dirty bit set before
// its tag is visible.
func (b *Buffer) CanModify(delta uint64) bool {
	s := b.state.Load()
	return s&dirtyBit != 0 && (s&^dirtyBit) == delta
}

// setDirty performs the raw state transition used by both Cache.Dirty
// and the fork path.
func (b *Buffer) setDirty(delta uint64) {
	b.state.Store(dirtyBit | delta)
}

// clearDirty performs the raw state transition used by Cache.ClearDirty.
func (b *Buffer) clearDirty() {
	b.state.Store(buftype.BufdeltaAvail)
}
