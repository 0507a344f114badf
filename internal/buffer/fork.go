package buffer

import (
	"sync"

	"github.com/tux3fs/coretux3/internal/buftype"
)

// forkKey identifies a single fork operation for idempotence: forking the
// same origin buffer twice within the same delta must yield the same
// replacement (spec.md §4.2, §8 "Fork idempotence").
type forkKey struct {
	origin *Buffer
	delta  uint64
}

// ForkRegistry is the "process-wide list of forked buffers" spec.md §4.2
// requires so the backend can release originals once their delta has
// flushed. It also de-duplicates concurrent forks of the same buffer
// within the same delta.
type ForkRegistry struct {
	mu      sync.Mutex
	byKey   map[forkKey]*Buffer
	pending []forkEntry
}

type forkEntry struct {
	origin      *Buffer
	replacement *Buffer
	delta       uint64
}

// NewForkRegistry builds an empty registry.
func NewForkRegistry() *ForkRegistry {
	return &ForkRegistry{byKey: make(map[forkKey]*Buffer)}
}

// Fork implements spec.md §4.2: given a buffer dirty in a prior delta
// that a write in delta must modify, allocate a replacement buffer,
// copy the contents, mark it dirty in delta, redirect the cache index to
// it, and record the pair so the flusher can release the origin once its
// delta is durable. The origin is left untouched.
//
// Fork is idempotent: a second Fork call for the same (origin, delta)
// returns the same replacement without allocating again.
func (r *ForkRegistry) Fork(cache *Cache, origin *Buffer, delta uint64) (*Buffer, error) {
	fk := forkKey{origin: origin, delta: delta}

	r.mu.Lock()
	if existing, ok := r.byKey[fk]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	origin.Lock()
	data := make([]byte, len(origin.Data))
	copy(data, origin.Data)
	origin.Unlock()
	if data == nil {
		return nil, buftype.NewOutOfMemory("buffer fork: allocation failed")
	}

	replacement := newBuffer(origin.AddrSpace, origin.Index, len(data))
	replacement.Data = data
	replacement.forkedFrom = origin

	r.mu.Lock()
	if existing, ok := r.byKey[fk]; ok {
		// Another goroutine raced us; keep the registry's single
		// canonical replacement.
		r.mu.Unlock()
		return existing, nil
	}
	r.byKey[fk] = replacement
	r.pending = append(r.pending, forkEntry{origin: origin, replacement: replacement, delta: delta})
	r.mu.Unlock()

	cache.Dirty(replacement, delta)
	cache.index(replacement)
	forkMeter.Mark(1)
	return replacement, nil
}

// ReleaseFlushed drops every fork record whose delta has completed
// flushing, invalidating the original buffers' cache entries (readers
// that still hold a direct pointer to an origin continue to see its
// contents per spec.md §4.2; only the cache index forgets it).
func (r *ForkRegistry) ReleaseFlushed(cache *Cache, flushedDelta uint64) {
	r.mu.Lock()
	var remaining []forkEntry
	var toRelease []*Buffer
	for _, e := range r.pending {
		if e.delta <= flushedDelta {
			toRelease = append(toRelease, e.origin)
			delete(r.byKey, forkKey{origin: e.origin, delta: e.delta})
		} else {
			remaining = append(remaining, e)
		}
	}
	r.pending = remaining
	r.mu.Unlock()

	for _, origin := range toRelease {
		if !origin.Pinned() {
			cache.Invalidate(origin)
		}
	}
}

// NeedsFork reports whether a write in delta targeting buf must fork
// first: buf is dirty and tagged with a strictly earlier delta.
func NeedsFork(buf *Buffer, delta uint64) bool {
	s := buf.state.Load()
	if s&dirtyBit == 0 {
		return false
	}
	tag := s &^ dirtyBit
	return tag != delta
}
