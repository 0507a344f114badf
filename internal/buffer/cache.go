package buffer

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/sync/singleflight"

	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/metrics"
)

var (
	getHitMeter   = metrics.NewRegisteredMeter("buffer/get/hit", "block-buffer cache get() hits")
	getMissMeter  = metrics.NewRegisteredMeter("buffer/get/miss", "block-buffer cache get() misses")
	readHitMeter  = metrics.NewRegisteredMeter("buffer/read/hit", "block-buffer cache read() hits")
	readMissMeter = metrics.NewRegisteredMeter("buffer/read/miss", "block-buffer cache read() misses")
	cleanHitMeter = metrics.NewRegisteredMeter("buffer/clean/hit", "clean byte-cache hits backing read()")
	forkMeter     = metrics.NewRegisteredMeter("buffer/fork/count", "buffers forked across a delta boundary")
	dirtyGauge    = metrics.NewRegisteredGauge("buffer/dirty/count", "buffers currently dirty")
)

type key struct {
	addrSpace uint64
	index     buftype.BlockT
}

// ReadFunc fills a block's bytes from the address space's backing store
// (the out-of-scope page-cache/device glue spec.md §1 keeps external).
type ReadFunc func(addrSpace uint64, index buftype.BlockT) ([]byte, error)

// Cache is the block-buffer cache with delta tagging, spec.md §4.1.
// Locking follows the order in spec.md §5: callers already hold the tree
// lock and (for frontends) the inode mutex before touching this type; the
// private lock below protects only this cache's own index and dirty
// lists.
type Cache struct {
	blockSize int
	read      ReadFunc

	mu      sync.RWMutex // "per-address-space private lock" in spec.md §5's order
	byKey   map[key]*Buffer
	clean   *fastcache.Cache
	dirty   map[uint64]map[uint64][]*Buffer // addrSpace -> delta -> dirty list
	group   singleflight.Group
	flusher *ForkRegistry
}

// NewCache builds a cache for blocks of blockSize bytes, filling misses
// via read and backing eviction-survival with a cleanCacheBytes fastcache
// instance (grounded on triedb/pathdb/disklayer.go's cleans field).
func NewCache(blockSize int, cleanCacheBytes int, read ReadFunc) *Cache {
	var clean *fastcache.Cache
	if cleanCacheBytes > 0 {
		clean = fastcache.New(cleanCacheBytes)
	}
	return &Cache{
		blockSize: blockSize,
		read:      read,
		byKey:     make(map[key]*Buffer),
		clean:     clean,
		dirty:     make(map[uint64]map[uint64][]*Buffer),
		flusher:   NewForkRegistry(),
	}
}

func cleanKey(k key) []byte {
	buf := make([]byte, 16)
	be64(buf[0:8], k.addrSpace)
	be64(buf[8:16], uint64(k.index))
	return buf
}

func be64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

// Get returns the cached buffer for (addrSpace, index), creating an
// empty (zero-filled) one if absent. The returned buffer is pinned; the
// caller must Release it.
func (c *Cache) Get(addrSpace uint64, index buftype.BlockT) *Buffer {
	c.mu.Lock()
	k := key{addrSpace, index}
	b, ok := c.byKey[k]
	if !ok {
		b = newBuffer(addrSpace, index, c.blockSize)
		c.byKey[k] = b
		getMissMeter.Mark(1)
	} else {
		getHitMeter.Mark(1)
	}
	b.Pin()
	c.mu.Unlock()
	return b
}

// Peek returns the cached buffer for (addrSpace, index) without creating
// one, or nil if absent. The returned buffer (if any) is pinned.
func (c *Cache) Peek(addrSpace uint64, index buftype.BlockT) *Buffer {
	c.mu.RLock()
	b, ok := c.byKey[key{addrSpace, index}]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	b.Pin()
	return b
}

// Read returns the buffer for (addrSpace, index), filling it from the
// backing store on a cache miss. Concurrent misses on the same key are
// collapsed onto a single underlying read via singleflight, since
// spec.md §5 only requires that a cache-miss read block the caller, not
// that redundant reads be issued.
func (c *Cache) Read(addrSpace uint64, index buftype.BlockT) (*Buffer, error) {
	k := key{addrSpace, index}

	c.mu.Lock()
	if b, ok := c.byKey[k]; ok {
		b.Pin()
		c.mu.Unlock()
		readHitMeter.Mark(1)
		return b, nil
	}
	c.mu.Unlock()
	readMissMeter.Mark(1)

	skey := mapKeyString(k)
	v, err, _ := c.group.Do(skey, func() (interface{}, error) {
		if blob, ok := c.cleanGet(k); ok {
			return c.materialize(k, blob), nil
		}
		data, err := c.read(addrSpace, index)
		if err != nil {
			return nil, buftype.NewIoError("buffer cache read", err)
		}
		c.cleanSet(k, data)
		return c.materialize(k, data), nil
	})
	if err != nil {
		return nil, err
	}
	b := v.(*Buffer)
	b.Pin()
	return b, nil
}

func (c *Cache) materialize(k key, data []byte) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.byKey[k]; ok {
		return b
	}
	b := newBuffer(k.addrSpace, k.index, c.blockSize)
	copy(b.Data, data)
	c.byKey[k] = b
	return b
}

func (c *Cache) cleanGet(k key) ([]byte, bool) {
	if c.clean == nil {
		return nil, false
	}
	v := c.clean.Get(nil, cleanKey(k))
	if len(v) == 0 {
		return nil, false
	}
	cleanHitMeter.Mark(1)
	return v, true
}

func (c *Cache) cleanSet(k key, data []byte) {
	if c.clean == nil {
		return
	}
	c.clean.Set(cleanKey(k), data)
}

func mapKeyString(k key) string {
	buf := make([]byte, 16)
	be64(buf[0:8], k.addrSpace)
	be64(buf[8:16], uint64(k.index))
	return string(buf)
}

// Invalidate drops b from the cache index (and clean cache), e.g. after a
// fork has redirected readers to a replacement buffer.
func (c *Cache) Invalidate(b *Buffer) {
	c.mu.Lock()
	k := key{b.AddrSpace, b.Index}
	if c.byKey[k] != b {
		// A fork already re-indexed this key to its replacement.
		c.mu.Unlock()
		return
	}
	delete(c.byKey, k)
	c.mu.Unlock()
	if c.clean != nil {
		c.clean.Del(cleanKey(k))
	}
}

// index links a freshly created or forked buffer into the cache under
// its own (addrSpace, index) key, replacing whatever was there.
func (c *Cache) index(b *Buffer) {
	c.mu.Lock()
	c.byKey[key{b.AddrSpace, b.Index}] = b
	c.mu.Unlock()
}

// Dirty implements spec.md §4.1's dirty(buffer, delta): sets the dirty
// flag and delta tag atomically and splices the buffer onto the
// per-address-space-per-delta dirty list.
func (c *Cache) Dirty(b *Buffer, delta uint64) {
	b.setDirty(delta)

	c.mu.Lock()
	byDelta, ok := c.dirty[b.AddrSpace]
	if !ok {
		byDelta = make(map[uint64][]*Buffer)
		c.dirty[b.AddrSpace] = byDelta
	}
	byDelta[delta] = append(byDelta[delta], b)
	c.mu.Unlock()
	dirtyGauge.Inc()
}

// ClearDirty implements spec.md §4.1's clear_dirty(buffer, delta): valid
// only when the buffer matches delta or is already clean, and asserts
// the buffer does not need forking (it must not be dirty in a prior,
// still-flushing delta).
func (c *Cache) ClearDirty(b *Buffer, delta uint64) {
	s := b.state.Load()
	dirty := s&dirtyBit != 0
	tag := s &^ dirtyBit
	buftype.Assert(!dirty || tag == delta, "clear_dirty on a buffer owned by a different delta")
	if !dirty {
		return
	}
	b.clearDirty()

	c.mu.Lock()
	if byDelta, ok := c.dirty[b.AddrSpace]; ok {
		list := byDelta[delta]
		for i, v := range list {
			if v == b {
				byDelta[delta] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	dirtyGauge.Dec()
}

// DirtyList returns (a snapshot copy of) the dirty buffers first dirtied
// in delta on addrSpace, for the backend's flush pass.
func (c *Cache) DirtyList(addrSpace uint64, delta uint64) []*Buffer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byDelta, ok := c.dirty[addrSpace]
	if !ok {
		return nil
	}
	list := byDelta[delta]
	out := make([]*Buffer, len(list))
	copy(out, list)
	return out
}

