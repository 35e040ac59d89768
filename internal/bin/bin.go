// Package bin holds the fixed-width big-endian helpers shared by the
// record codec and the JSON frame length prefix. Both wire formats use
// big-endian integers of a few fixed widths, so a tiny shared helper beats
// repeating encoding/binary calls at each call site.
package bin

import "encoding/binary"

// PutU16BE writes v into b[0:2] as big-endian. b must have length >= 2.
func PutU16BE(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// U16BE reads a big-endian uint16 from b[0:2]. b must have length >= 2.
func U16BE(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// PutU32BE writes v into b[0:4] as big-endian. b must have length >= 4.
func PutU32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// U32BE reads a big-endian uint32 from b[0:4]. b must have length >= 4.
func U32BE(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// PutU64BE writes v into b[0:8] as big-endian. b must have length >= 8.
func PutU64BE(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// U64BE reads a big-endian uint64 from b[0:8]. b must have length >= 8.
func U64BE(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
