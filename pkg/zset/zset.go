// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package zset implements the differential update model: rows paired with
// logical timestamps and signed multiplicities (Z-sets). A collection's
// contents at time t is the multiset obtained by summing, per row, the
// multiplicities of every update with timestamp at or before t.
//
// Rows are immutable tuples of scalar datums. Row identity is structural:
// two rows with equal datums are the same row, and their multiplicities
// combine under consolidation.
package zset

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/delta/pkg/util/encoding"
)

// Kind identifies the type of a Datum.
type Kind uint8

const (
	// KindNull is the SQL NULL value.
	KindNull Kind = iota
	// KindBool is a boolean.
	KindBool
	// KindInt is a 64-bit signed integer.
	KindInt
	// KindFloat is a 64-bit IEEE 754 float.
	KindFloat
	// KindString is a UTF-8 string.
	KindString
	// KindBytes is an opaque byte string.
	KindBytes
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Datum is a single immutable scalar value. The zero value is NULL.
//
// Datum identity is bitwise after construction: the constructors
// canonicalize values (negative zero becomes positive zero, all NaN payloads
// collapse to one NaN) so that values that compare equal also encode
// identically.
type Datum struct {
	kind Kind
	i    int64   // payload for KindBool (0/1) and KindInt
	f    float64 // payload for KindFloat
	s    string  // payload for KindString and KindBytes
}

// Null returns the NULL datum.
func Null() Datum {
	return Datum{kind: KindNull}
}

// Bool returns a boolean datum.
func Bool(v bool) Datum {
	d := Datum{kind: KindBool}
	if v {
		d.i = 1
	}
	return d
}

// Int returns an integer datum.
func Int(v int64) Datum {
	return Datum{kind: KindInt, i: v}
}

// Float returns a float datum. Negative zero is canonicalized to positive
// zero and every NaN payload to a single NaN, so equal values have equal
// identity.
func Float(v float64) Datum {
	if v == 0 {
		v = 0
	} else if math.IsNaN(v) {
		v = math.NaN()
	}
	return Datum{kind: KindFloat, f: v}
}

// String returns a string datum.
func String(v string) Datum {
	return Datum{kind: KindString, s: v}
}

// Bytes returns a bytes datum. The input is copied; later mutation of v does
// not affect the datum.
func Bytes(v []byte) Datum {
	return Datum{kind: KindBytes, s: string(v)}
}

// Kind returns the datum's type.
func (d Datum) Kind() Kind {
	return d.kind
}

// IsNull returns whether the datum is NULL.
func (d Datum) IsNull() bool {
	return d.kind == KindNull
}

// BoolValue returns the boolean payload. It must only be called on KindBool.
func (d Datum) BoolValue() bool {
	return d.i != 0
}

// IntValue returns the integer payload. It must only be called on KindInt.
func (d Datum) IntValue() int64 {
	return d.i
}

// FloatValue returns the float payload. It must only be called on KindFloat.
func (d Datum) FloatValue() float64 {
	return d.f
}

// StringValue returns the string payload. It must only be called on
// KindString.
func (d Datum) StringValue() string {
	return d.s
}

// BytesValue returns a copy of the bytes payload. It must only be called on
// KindBytes.
func (d Datum) BytesValue() []byte {
	return []byte(d.s)
}

// Equal returns whether two datums have the same kind and value.
func (d Datum) Equal(o Datum) bool {
	return d == o
}

// encode appends the datum's order-preserving encoding to b.
func (d Datum) encode(b []byte) []byte {
	switch d.kind {
	case KindNull:
		return encoding.EncodeNullAscending(b)
	case KindBool:
		return encoding.EncodeBoolAscending(b, d.i != 0)
	case KindInt:
		return encoding.EncodeVarintAscending(b, d.i)
	case KindFloat:
		return encoding.EncodeFloatAscending(b, d.f)
	case KindString:
		return encoding.EncodeStringAscending(b, d.s)
	case KindBytes:
		return encoding.EncodeBytesAscending(b, []byte(d.s))
	default:
		panic(fmt.Sprintf("unknown datum kind %d", d.kind))
	}
}

// MarshalJSON implements json.Marshaler. Bytes render as base64 strings.
// Non-finite floats have no JSON representation and fail.
func (d Datum) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(d.i != 0)
	case KindInt:
		return json.Marshal(d.i)
	case KindFloat:
		return json.Marshal(d.f)
	case KindString:
		return json.Marshal(d.s)
	case KindBytes:
		return json.Marshal([]byte(d.s))
	default:
		return nil, fmt.Errorf("unknown datum kind %d", d.kind)
	}
}

// String implements fmt.Stringer, rendering the datum as a SQL-ish literal.
func (d Datum) String() string {
	switch d.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		if d.i != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(d.i, 10)
	case KindFloat:
		return strconv.FormatFloat(d.f, 'g', -1, 64)
	case KindString:
		return "'" + strings.ReplaceAll(d.s, "'", "''") + "'"
	case KindBytes:
		return fmt.Sprintf("x'%x'", d.s)
	default:
		return fmt.Sprintf("Datum(kind=%d)", d.kind)
	}
}

// Row is an immutable tuple of datums. The zero value is the empty row.
type Row struct {
	datums []Datum
}

// NewRow constructs a row from the given datums. The slice is copied.
func NewRow(datums ...Datum) Row {
	if len(datums) == 0 {
		return Row{}
	}
	d := make([]Datum, len(datums))
	copy(d, datums)
	return Row{datums: d}
}

// Len returns the number of datums in the row.
func (r Row) Len() int {
	return len(r.datums)
}

// Datum returns the i'th datum.
func (r Row) Datum(i int) Datum {
	return r.datums[i]
}

// EncodeKey appends the row's canonical byte encoding to b. The encoding is
// order-preserving and prefix-free per datum, so the byte order over keys is
// a deterministic total order over rows.
func (r Row) EncodeKey(b []byte) []byte {
	for _, d := range r.datums {
		b = d.encode(b)
	}
	return b
}

// Key returns the row's canonical encoding as a string, suitable for use as
// a map key. Rows are equal exactly when their keys are equal.
func (r Row) Key() string {
	return string(r.EncodeKey(nil))
}

// Equal returns whether two rows have identical datums.
func (r Row) Equal(o Row) bool {
	if len(r.datums) != len(o.datums) {
		return false
	}
	for i := range r.datums {
		if r.datums[i] != o.datums[i] {
			return false
		}
	}
	return true
}

// MarshalJSON implements json.Marshaler, rendering the row as a JSON array
// of its datums.
func (r Row) MarshalJSON() ([]byte, error) {
	if len(r.datums) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(r.datums)
}

// String implements fmt.Stringer.
func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, d := range r.datums {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.String())
	}
	sb.WriteByte(')')
	return sb.String()
}
