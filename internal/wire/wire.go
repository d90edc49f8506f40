// Package wire frames records stored as opaque bytes (e.g. Redis strings).
//
// Record: magic(4) | ver(1) | kind(1=record) | expireAt(i64 be, unix ms, 0=none) |
// vlen(u32 be) | payload(vlen)
//
// Decoding is strict: short input, foreign magic, an unknown version or kind, and
// trailing bytes are all ErrCorrupt.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version    byte = 1
	kindRecord byte = 1

	headerLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("docmirror: corrupt record envelope")
	magic4     = [...]byte{'D', 'M', 'I', 'R'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// EncodeRecord frames payload with its expiry. A zero expireAt encodes "no expiry".
func EncodeRecord(expireAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRecord)

	var u8 [8]byte
	var u4 [4]byte

	var ms int64
	if !expireAt.IsZero() {
		ms = expireAt.UnixMilli()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(ms))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeRecord returns the expiry (zero if none) and the payload. The payload
// aliases b.
func DecodeRecord(b []byte) (expireAt time.Time, payload []byte, err error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindRecord {
		return time.Time{}, nil, ErrCorrupt
	}
	off := 6

	ms := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return time.Time{}, nil, ErrCorrupt
	}
	if ms != 0 {
		expireAt = time.UnixMilli(ms)
	}
	return expireAt, b[off : off+vlen], nil
}
