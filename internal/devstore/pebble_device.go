// Package devstore provides reference, swappable implementations of the
// external collaborators kept out of the core's scope: the address-space
// block read/write callback the page-cache glue would normally provide,
// and a sink for the transaction log the core only ever calls through
// balloc.LogSink.
package devstore

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/tux3fs/coretux3/internal/buftype"
	"github.com/tux3fs/coretux3/log"
)

// PebbleDevice simulates one or more block-addressable address spaces on
// top of a single pebble key-value store, keyed by
// big-endian(addrSpaceID) || big-endian(blockIndex).
type PebbleDevice struct {
	db        *pebble.DB
	blockSize int
}

// OpenPebbleDevice opens (creating if absent) a pebble-backed device at
// dir with the given block size.
func OpenPebbleDevice(dir string, blockSize int) (*PebbleDevice, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, buftype.NewIoError("devstore: open pebble", err)
	}
	return &PebbleDevice{db: db, blockSize: blockSize}, nil
}

func key(addrSpace uint64, index buftype.BlockT) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], addrSpace)
	binary.BigEndian.PutUint64(buf[8:16], uint64(index))
	return buf
}

// ReadBlock returns the blockSize bytes stored for (addrSpace, index), or
// a zero-filled slice if nothing was ever written there (a hole).
func (d *PebbleDevice) ReadBlock(addrSpace uint64, index buftype.BlockT) ([]byte, error) {
	v, closer, err := d.db.Get(key(addrSpace, index))
	if err == pebble.ErrNotFound {
		return make([]byte, d.blockSize), nil
	}
	if err != nil {
		return nil, buftype.NewIoError("devstore: pebble get", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return out, nil
}

// WriteBlock persists data (exactly blockSize bytes) for (addrSpace, index).
func (d *PebbleDevice) WriteBlock(addrSpace uint64, index buftype.BlockT, data []byte) error {
	if len(data) != d.blockSize {
		return buftype.NewInvariant("devstore: write size mismatch")
	}
	if err := d.db.Set(key(addrSpace, index), data, pebble.Sync); err != nil {
		return buftype.NewIoError("devstore: pebble set", err)
	}
	return nil
}

// Close releases the underlying pebble handle.
func (d *PebbleDevice) Close() error {
	log.Debug("devstore: closing pebble device")
	return d.db.Close()
}
