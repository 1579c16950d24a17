// Package wire holds the small protobuf-wire helpers shared by the dataset
// and history codecs. Messages are hand-laid with protowire; there is no
// generated code.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("wire: malformed message")

// Field is one decoded field of a message. Only the member matching Type is
// set.
type Field struct {
	Num     protowire.Number
	Type    protowire.Type
	Varint  uint64
	Fixed64 uint64
	Bytes   []byte
}

func AppendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	return AppendVarint(b, num, protowire.EncodeBool(v))
}

// AppendDoubles writes vs as a packed repeated double. Empty slices are
// omitted.
func AppendDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// AppendComplexes writes vs as packed doubles, real and imaginary parts
// interleaved.
func AppendComplexes(b []byte, num protowire.Number, vs []complex128) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(16*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(real(v)))
		b = protowire.AppendFixed64(b, math.Float64bits(imag(v)))
	}
	return b
}

// AppendInts writes vs as a packed repeated sint64.
func AppendInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var payload []byte
	for _, v := range vs {
		payload = protowire.AppendVarint(payload, protowire.EncodeZigZag(int64(v)))
	}
	return AppendBytes(b, num, payload)
}

// Walk calls fn for every field of the message in b, in wire order.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.Fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Doubles decodes a packed repeated double payload.
func Doubles(p []byte) ([]float64, error) {
	if len(p)%8 != 0 {
		return nil, fmt.Errorf("%w: packed double payload of %d bytes", ErrMalformed, len(p))
	}
	out := make([]float64, 0, len(p)/8)
	for len(p) > 0 {
		v, n := protowire.ConsumeFixed64(p)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		out = append(out, math.Float64frombits(v))
		p = p[n:]
	}
	return out, nil
}

// Complexes decodes a payload written by AppendComplexes.
func Complexes(p []byte) ([]complex128, error) {
	if len(p)%16 != 0 {
		return nil, fmt.Errorf("%w: packed complex payload of %d bytes", ErrMalformed, len(p))
	}
	vs, err := Doubles(p)
	if err != nil {
		return nil, err
	}
	out := make([]complex128, len(vs)/2)
	for i := range out {
		out[i] = complex(vs[2*i], vs[2*i+1])
	}
	return out, nil
}

// Ints decodes a packed repeated sint64 payload.
func Ints(p []byte) ([]int, error) {
	var out []int
	for len(p) > 0 {
		v, n := protowire.ConsumeVarint(p)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		out = append(out, int(protowire.DecodeZigZag(v)))
		p = p[n:]
	}
	return out, nil
}
