// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package encoding provides order-preserving byte encodings for the scalar
// values that make up rows. Encoded values sort, under bytes.Compare, in a
// deterministic total order: first by type marker, then by value within the
// type. The encodings are used to key row indexes and to give rows a
// canonical identity; they are never decoded, so no decoding routines are
// provided.
package encoding

import (
	"bytes"
	"math"
)

// Type markers. Every encoded value begins with one of these bytes, so
// values of different types never interleave.
const (
	nullMarker   byte = 0x00
	falseMarker  byte = 0x10
	trueMarker   byte = 0x11
	intMarker    byte = 0x20
	floatMarker  byte = 0x30
	stringMarker byte = 0x40
	bytesMarker  byte = 0x50
)

const (
	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff
)

// EncodeNullAscending encodes a NULL value, appending to b.
func EncodeNullAscending(b []byte) []byte {
	return append(b, nullMarker)
}

// EncodeBoolAscending encodes a boolean, appending to b. False sorts before
// true.
func EncodeBoolAscending(b []byte, v bool) []byte {
	if v {
		return append(b, trueMarker)
	}
	return append(b, falseMarker)
}

// EncodeUint64Ascending encodes v as 8 big-endian bytes, appending to b.
func EncodeUint64Ascending(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// EncodeVarintAscending encodes an int64, appending to b. The sign bit is
// flipped so that negative values sort before positive ones in the unsigned
// byte order.
func EncodeVarintAscending(b []byte, v int64) []byte {
	b = append(b, intMarker)
	return EncodeUint64Ascending(b, uint64(v)^(1<<63))
}

// EncodeFloatAscending encodes a float64, appending to b. The IEEE 754 bit
// pattern is transformed so that the unsigned byte order matches the numeric
// order: negative floats have all bits inverted, non-negative floats have
// the sign bit set. NaN sorts after all ordered values.
func EncodeFloatAscending(b []byte, v float64) []byte {
	b = append(b, floatMarker)
	u := math.Float64bits(v)
	if u&(1<<63) != 0 {
		u = ^u
	} else {
		u |= 1 << 63
	}
	return EncodeUint64Ascending(b, u)
}

// EncodeStringAscending encodes a string, appending to b, using the
// escape-based encoding of EncodeBytesAscending.
func EncodeStringAscending(b []byte, v string) []byte {
	return encodeBytesInternal(append(b, stringMarker), []byte(v))
}

// EncodeBytesAscending encodes a []byte value, appending to b, using an
// escape-based encoding. The encoded value is terminated with the sequence
// "\x00\x01" and any "\x00" bytes in the value are escaped to "\x00\xff".
// The encoding sorts in the order of the original values and no encoding is
// a prefix of another.
func EncodeBytesAscending(b []byte, data []byte) []byte {
	return encodeBytesInternal(append(b, bytesMarker), data)
}

func encodeBytesInternal(b []byte, data []byte) []byte {
	for {
		i := bytes.IndexByte(data, escape)
		if i == -1 {
			break
		}
		b = append(b, data[:i]...)
		b = append(b, escape, escaped00)
		data = data[i+1:]
	}
	b = append(b, data...)
	return append(b, escape, escapedTerm)
}
