package types

import (
	"fmt"
	"time"
)

// Kind enumerates the column value variants of the data model (spec §3):
// integer, float, text, boolean, timestamp, binary, null.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBool
	KindTimestamp
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INT"
	case KindFloat:
		return "FLOAT"
	case KindText:
		return "TEXT"
	case KindBool:
		return "BOOL"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindBinary:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// Value is a typed column value. Text and Binary hold a *Handle into a
// shared-ownership Arena rather than a raw []byte/string: row clones (for
// example every row copied into a join's working set) become an O(1)
// refcount bump instead of a copy, mirroring the Rc<str>/Arc<[u8]> approach
// the original Rust engine uses for the same reason (spec §9).
type Value struct {
	Kind Kind
	I    int64
	F    float64
	B    bool
	T    time.Time
	text *Handle
	bin  *Handle
}

// NullValue returns the null Value.
func NullValue() Value { return Value{Kind: KindNull} }

// IntValue wraps an integer.
func IntValue(v int64) Value { return Value{Kind: KindInt, I: v} }

// FloatValue wraps a float.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, F: v} }

// BoolValue wraps a boolean.
func BoolValue(v bool) Value { return Value{Kind: KindBool, B: v} }

// TimestampValue wraps a timestamp.
func TimestampValue(v time.Time) Value { return Value{Kind: KindTimestamp, T: v} }

// TextValue allocates a handle in the arena for a shared-owned string.
func TextValue(a *Arena, s string) Value {
	return Value{Kind: KindText, text: a.Intern([]byte(s))}
}

// BinaryValue allocates a handle in the arena for shared-owned bytes.
func BinaryValue(a *Arena, b []byte) Value {
	return Value{Kind: KindBinary, bin: a.Intern(b)}
}

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Text returns the string contents of a KindText value. Panics on any other
// kind — callers must check Kind first, the same contract the teacher's key
// types use (a bare type assertion that panics on mismatch).
func (v Value) Text() string {
	if v.Kind != KindText {
		panic(fmt.Sprintf("nerr: Text() called on %s value", v.Kind))
	}
	return string(v.text.Bytes())
}

// Binary returns the byte contents of a KindBinary value.
func (v Value) Binary() []byte {
	if v.Kind != KindBinary {
		panic(fmt.Sprintf("nerr: Binary() called on %s value", v.Kind))
	}
	return v.bin.Bytes()
}

// Retain bumps the refcount of any handle this value owns. Used when a row
// is cloned into a new working set (join execution, cache insertion) so the
// underlying bytes are freed only once every clone has released it.
func (v Value) Retain() {
	if v.text != nil {
		v.text.retain()
	}
	if v.bin != nil {
		v.bin.retain()
	}
}

// Release drops the refcount of any handle this value owns.
func (v Value) Release() {
	if v.text != nil {
		v.text.release()
	}
	if v.bin != nil {
		v.bin.release()
	}
}

// ToComparable converts a Value into the Comparable key type used by the
// B+Tree indexes, using the stringified representation described in
// spec §3 ("keyed by the stringified value").
func (v Value) ToComparable() Comparable {
	switch v.Kind {
	case KindInt:
		return IntKey(v.I)
	case KindFloat:
		return FloatKey(v.F)
	case KindBool:
		return BoolKey(v.B)
	case KindTimestamp:
		return DateKey(v.T)
	case KindText:
		return VarcharKey(v.Text())
	case KindBinary:
		return VarcharKey(fmt.Sprintf("%x", v.Binary()))
	default:
		return VarcharKey("")
	}
}

// Equal reports whether two values are equal by kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.I == o.I
	case KindFloat:
		return v.F == o.F
	case KindBool:
		return v.B == o.B
	case KindTimestamp:
		return v.T.Equal(o.T)
	case KindText:
		return v.Text() == o.Text()
	case KindBinary:
		return string(v.Binary()) == string(o.Binary())
	default:
		return false
	}
}
