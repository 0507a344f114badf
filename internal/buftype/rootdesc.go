package buftype

import "encoding/binary"

// RootDescriptor is the persisted inode B-tree root attribute, spec.md §3
// and §6: a packed depth:16 || block:48 big-endian word when depth >= 1,
// or (when Direct is true, which the persisted form carries in the top bit
// of a trailing 4-byte direct-count word) a single contiguous extent
// stored in-place per the direct-extent fast path.
type RootDescriptor struct {
	Depth       uint16
	Block       BlockT
	Direct      bool
	DirectCount uint32
}

// RootDescriptorSize is the on-disk size in bytes.
const RootDescriptorSize = 12

// MarshalBinary encodes the descriptor as depth:16 || block:48 followed
// by a direct-count:32 field whose top bit is the Direct flag; the low 31
// bits are meaningful only when Depth==0 and Direct is true (a depth-0,
// non-direct descriptor is "no tree yet").
func (d RootDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RootDescriptorSize)
	binary.BigEndian.PutUint16(buf[0:2], d.Depth)
	var packed uint64
	if d.Block > MaxBlock {
		return nil, newCorruption("root descriptor block exceeds 48 bits")
	}
	packed = uint64(d.Block) & 0x0000ffffffffffff
	// Store as 6 bytes big-endian starting at offset 2.
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, packed)
	copy(buf[2:8], tmp[2:8])
	if d.Direct {
		binary.BigEndian.PutUint32(buf[8:12], d.DirectCount|0x80000000)
	} else {
		binary.BigEndian.PutUint32(buf[8:12], d.DirectCount&0x7fffffff)
	}
	return buf, nil
}

// UnmarshalBinary decodes a descriptor previously produced by MarshalBinary.
func (d *RootDescriptor) UnmarshalBinary(buf []byte) error {
	if len(buf) != RootDescriptorSize {
		return newCorruption("root descriptor: bad length")
	}
	d.Depth = binary.BigEndian.Uint16(buf[0:2])
	tmp := make([]byte, 8)
	copy(tmp[2:8], buf[2:8])
	d.Block = BlockT(binary.BigEndian.Uint64(tmp))
	dc := binary.BigEndian.Uint32(buf[8:12])
	d.Direct = dc&0x80000000 != 0
	d.DirectCount = dc &^ 0x80000000
	return nil
}

// Empty reports whether the descriptor represents "no tree, no direct
// extent" — depth 0 and not direct.
func (d RootDescriptor) Empty() bool { return d.Depth == 0 && !d.Direct }
