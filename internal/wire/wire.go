package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version    byte = 1
	kindFrame  byte = 1
	kindRecord byte = 3
)

const (
	frameHeader  = 4 + 1 + 1 + 8 + 4
	recordHeader = 4 + 1 + 1 + 1 + 8 + 8 + 4 + 4
)

// record flags
const flagExpires byte = 1 << 0

var (
	ErrCorrupt = errors.New("caskv: corrupt entry")
	magic4     = [...]byte{'C', 'A', 'S', 'K'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Record is a stored entry as persisted by durable backends.
// A zero ExpiresAt means no expiry. Any other instant, including the unix
// epoch and instants outside the int64 nanosecond range, round-trips exactly.
type Record struct {
	Version   uint64
	ExpiresAt time.Time
	Payload   []byte
}

// Record: magic(4) | ver(1) | kind(3) | flags(1) | version(u64 be) |
// exp_sec(i64 be) | exp_nsec(u32 be) | vlen(u32 be) | payload(vlen)
func EncodeRecord(r Record) []byte {
	var buf bytes.Buffer
	buf.Grow(recordHeader + len(r.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRecord)

	var (
		flags byte
		sec   int64
		nsec  uint32
	)
	if !r.ExpiresAt.IsZero() {
		flags |= flagExpires
		sec, nsec = r.ExpiresAt.Unix(), uint32(r.ExpiresAt.Nanosecond())
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], r.Version)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(sec))
	buf.Write(u8[:])
	binary.BigEndian.PutUint32(u4[:], nsec)
	buf.Write(u4[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Payload)))
	buf.Write(u4[:])

	buf.Write(r.Payload)
	return buf.Bytes()
}

// DecodeRecord parses b. The returned payload aliases b; callers that keep it
// past the lifetime of b (bolt transactions) must copy.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < recordHeader || !hasMagic(b) || b[4] != version || b[5] != kindRecord {
		return Record{}, ErrCorrupt
	}
	flags := b[6]
	if flags&^flagExpires != 0 {
		return Record{}, ErrCorrupt
	}
	off := 7

	ver := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	sec := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	nsec := binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // strict framing, no trailing bytes
		return Record{}, ErrCorrupt
	}

	r := Record{Version: ver, Payload: b[off : off+vlen]}
	switch {
	case flags&flagExpires != 0:
		if nsec >= uint32(time.Second) {
			return Record{}, ErrCorrupt
		}
		r.ExpiresAt = time.Unix(sec, int64(nsec))
	case sec != 0 || nsec != 0:
		return Record{}, ErrCorrupt
	}
	return r, nil
}

// Frame: magic(4) | ver(1) | kind(1) | gen(u64 be) | vlen(u32 be) | payload(vlen)
//
// Frames wrap cached copies of records with the generation observed when the
// copy was taken.
func EncodeFrame(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(frameHeader + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindFrame)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeFrame(b []byte) (gen uint64, payload []byte, err error) {
	if len(b) < frameHeader || !hasMagic(b) || b[4] != version || b[5] != kindFrame {
		return 0, nil, ErrCorrupt
	}
	off := 6

	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}

	return gen, b[off : off+vlen], nil
}
