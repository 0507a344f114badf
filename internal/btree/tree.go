package btree

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tux3fs/coretux3/internal/buffer"
	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/internal/delta"
)

// nodeParseCacheSize bounds the §4.11 parsed-node accelerator: a hot
// internal node (typically near the root) is reparsed from raw bytes at
// most once per buffer identity rather than on every traversal.
const nodeParseCacheSize = 4096

// BlockAllocator allocates a single new physical block for a node or leaf
// grown by a tree mutation. It is a thin projection of the balloc
// contract (spec.md §6); internal/filemap supplies the real
// implementation backed by internal/balloc.
type BlockAllocator interface {
	AllocBlock() (buftype.BlockT, error)
}

// Tree is a rooted, depth-balanced B-tree over one address space, spec.md
// §3. Depth 0 means "no tree, only a direct extent" (handled above this
// package by internal/filemap); depth >= 1 means Root.Block names the
// top-level node.
type Tree struct {
	Cache     *buffer.Cache
	AddrSpace uint64
	BlockSize int
	LeafOps   LeafOps
	Alloc     BlockAllocator
	Deltas    *delta.Counter
	Forks     *buffer.ForkRegistry

	mu   sync.RWMutex // tree-write / tree-read lock, spec.md §5 order position 1
	Root buftype.RootDescriptor

	nodeCache *lru.Cache[*buffer.Buffer, *Node] // §4.11 parsed-node accelerator
}

// NewTree constructs a tree. Root should be loaded from the owning
// inode's persisted attribute (spec.md §3's "owned by the inode,
// external").
func NewTree(cache *buffer.Cache, addrSpace uint64, blockSize int, ops LeafOps, alloc BlockAllocator, deltas *delta.Counter, forks *buffer.ForkRegistry, root buftype.RootDescriptor) *Tree {
	nc, _ := lru.New[*buffer.Buffer, *Node](nodeParseCacheSize)
	return &Tree{
		Cache:     cache,
		AddrSpace: addrSpace,
		BlockSize: blockSize,
		LeafOps:   ops,
		Alloc:     alloc,
		Deltas:    deltas,
		Forks:     forks,
		Root:      root,
		nodeCache: nc,
	}
}

// LockRead acquires the tree-read lock (spec.md §5 order position 1).
func (t *Tree) LockRead() { t.mu.RLock() }

// UnlockRead releases the tree-read lock.
func (t *Tree) UnlockRead() { t.mu.RUnlock() }

// LockWrite acquires the tree-write lock.
func (t *Tree) LockWrite() { t.mu.Lock() }

// UnlockWrite releases the tree-write lock.
func (t *Tree) UnlockWrite() { t.mu.Unlock() }

// entriesPerNode is this tree's node fan-out for its block size.
func (t *Tree) entriesPerNode() int { return EntriesPerNode(t.BlockSize) }

// readNode loads and parses the internal node at block, serving the
// parsed view out of the §4.11 node-parse cache when buf's identity is
// already known there.
func (t *Tree) readNode(block buftype.BlockT) (*buffer.Buffer, *Node, error) {
	buf, err := t.Cache.Read(t.AddrSpace, block)
	if err != nil {
		return nil, nil, err
	}
	if n, ok := t.nodeCache.Get(buf); ok {
		return buf, n, nil
	}
	buf.Lock()
	n, err := ParseNode(buf.Data)
	buf.Unlock()
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	t.nodeCache.Add(buf, n)
	return buf, n, nil
}

// writeNode serializes n back into buf's data under buf's lock, and
// refreshes the node-parse cache entry for buf's (possibly new, if this
// is a just-forked buffer) identity so the next readNode skips the
// reparse. The caller is responsible for having already dirtied buf in
// the current delta (forking first if required).
func (t *Tree) writeNode(buf *buffer.Buffer, n *Node) error {
	enc, err := n.Marshal(t.BlockSize)
	if err != nil {
		return err
	}
	buf.Lock()
	copy(buf.Data, enc)
	buf.Unlock()
	t.nodeCache.Add(buf, n)
	return nil
}

// ensureWritable returns a buffer safe to mutate in the current delta:
// buf unchanged if it can already be modified in delta, or its fork
// otherwise (spec.md §4.2). The caller must use the returned buffer (and
// its block number) in place of buf from this point on.
func (t *Tree) ensureWritable(buf *buffer.Buffer) (*buffer.Buffer, error) {
	d := t.Deltas.Current()
	if buf.CanModify(d) {
		return buf, nil
	}
	if !buffer.NeedsFork(buf, d) {
		t.Cache.Dirty(buf, d)
		return buf, nil
	}
	forked, err := t.Forks.Fork(t.Cache, buf, d)
	if err != nil {
		return nil, err
	}
	// The caller is about to drop its pin on the old buf (it is
	// replacing a cursor frame) and hold the new one instead.
	forked.Pin()
	return forked, nil
}

// allocBlock allocates a new physical block for a freshly created node
// or leaf and returns a pinned, empty buffer for it.
func (t *Tree) allocBlock() (*buffer.Buffer, error) {
	block, err := t.Alloc.AllocBlock()
	if err != nil {
		return nil, err
	}
	buf := t.Cache.Get(t.AddrSpace, block)
	t.Cache.Dirty(buf, t.Deltas.Current())
	return buf, nil
}
