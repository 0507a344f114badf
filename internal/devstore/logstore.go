package devstore

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/tux3fs/coretux3/internal/buftype"
)

// LogStore is a minimal append-only sink for balloc frees, standing in
// for the out-of-scope transaction log writer so internal/balloc's
// reference allocator has somewhere to record log_bfree entries. Only
// LogFree calls are recorded; deferred frees are not.
type LogStore struct {
	db  *leveldb.DB
	seq uint64
}

// OpenMemLogStore opens an in-memory (non-persistent) log store, useful
// for tests and example programs.
func OpenMemLogStore() (*LogStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, buftype.NewIoError("devstore: open mem logstore", err)
	}
	return &LogStore{db: db}, nil
}

// OpenFileLogStore opens a disk-persistent log store at dir.
func OpenFileLogStore(dir string) (*LogStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, buftype.NewIoError("devstore: open file logstore", err)
	}
	l := &LogStore{db: db}
	// Resume numbering after the last stored record so reopening appends.
	it := db.NewIterator(nil, nil)
	if it.Last() && len(it.Key()) == 8 {
		l.seq = binary.BigEndian.Uint64(it.Key())
	}
	it.Release()
	return l, nil
}

// LogFree implements balloc.LogSink: it appends a free-extent record
// keyed by a monotonic sequence number.
func (l *LogStore) LogFree(block buftype.BlockT, count uint32) {
	seq := atomic.AddUint64(&l.seq, 1)
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	val := make([]byte, 12)
	binary.BigEndian.PutUint64(val[0:8], uint64(block))
	binary.BigEndian.PutUint32(val[8:12], count)
	// Best-effort: the transaction log is out of scope for durability
	// guarantees on uncommitted deltas (spec.md §1 Non-goals).
	_ = l.db.Put(key, val, nil)
}

// Entries replays all recorded frees in sequence order, oldest first.
func (l *LogStore) Entries() ([]buftype.Extent, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	var out []buftype.Extent
	for iter.Next() {
		v := iter.Value()
		if len(v) != 12 {
			continue
		}
		out = append(out, buftype.Extent{
			Block: buftype.BlockT(binary.BigEndian.Uint64(v[0:8])),
			Count: binary.BigEndian.Uint32(v[8:12]),
		})
	}
	return out, iter.Error()
}

// Close releases the underlying leveldb handle.
func (l *LogStore) Close() error { return l.db.Close() }
