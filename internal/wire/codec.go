// Package wire encodes snapshots and diffs in the transit_data_access.proto
// binary format and compresses them for publication.
//
// Encoding is deterministic: map entries are written in ascending key order
// and nothing depends on the clock, so equal inputs give identical bytes.
package wire

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

var errWireType = errors.New("unexpected wire type")

// buffer appends proto3 fields. Scalar helpers skip zero values, except the
// *Always variants which map entries use for their key and value.
type buffer struct {
	b []byte
}

func (e *buffer) varintAlways(num protowire.Number, v uint64) {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *buffer) uvarint(num protowire.Number, v uint64) {
	if v != 0 {
		e.varintAlways(num, v)
	}
}

func (e *buffer) varint(num protowire.Number, v int64) {
	e.uvarint(num, uint64(v))
}

func (e *buffer) str(num protowire.Number, s string) {
	if s != "" {
		e.strAlways(num, s)
	}
}

func (e *buffer) strAlways(num protowire.Number, s string) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *buffer) float(num protowire.Number, f float32) {
	if bits := math.Float32bits(f); bits != 0 {
		e.b = protowire.AppendTag(e.b, num, protowire.Fixed32Type)
		e.b = protowire.AppendFixed32(e.b, bits)
	}
}

// packed writes a packed repeated uint32 field; empty lists are omitted.
func (e *buffer) packed(num protowire.Number, vs []uint32) {
	if len(vs) == 0 {
		return
	}
	var p []byte
	for _, v := range vs {
		p = protowire.AppendVarint(p, uint64(v))
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, p)
}

// message writes an embedded message built by fn. It is always emitted.
func (e *buffer) message(num protowire.Number, fn func(*buffer)) {
	var sub buffer
	fn(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

func toUint32s[T ~uint32](vs []T) []uint32 {
	out := make([]uint32, len(vs))
	for i, v := range vs {
		out[i] = uint32(v)
	}
	return out
}

// field is one decoded tag/value pair. Varint and fixed values land in v,
// length-delimited payloads in raw.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	raw []byte
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: %w %d", f.num, errWireType, f.typ)
	}
	return nil
}

// walk calls fn for every field in b. Unknown fields are passed through; the
// callback decides whether to ignore them.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// uint32s decodes a repeated uint32 field in either packed or unpacked form.
func uint32s(f field, out []uint32) ([]uint32, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(out, uint32(f.v)), nil
	case protowire.BytesType:
		b := f.raw
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, uint32(v))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %d: %w %d", f.num, errWireType, f.typ)
	}
}

// entry decodes a map entry whose key and value are handled by key and val.
func entry(raw []byte, key, val func(field) error) error {
	return walk(raw, func(f field) error {
		switch f.num {
		case 1:
			return key(f)
		case 2:
			return val(f)
		}
		return nil
	})
}

func varintKey(dst *uint64) func(field) error {
	return func(f field) error {
		if err := f.want(protowire.VarintType); err != nil {
			return err
		}
		*dst = f.v
		return nil
	}
}

func stringKey(dst *string) func(field) error {
	return func(f field) error {
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		*dst = string(f.raw)
		return nil
	}
}
