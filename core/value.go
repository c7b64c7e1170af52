package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is the numeric state carried by a node. Scalars are one-element values.
type Value []float64

// Scalar wraps a single number as a Value
func Scalar(x float64) Value {
	return Value{x}
}

// Clone returns an independent copy
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	c := make(Value, len(v))
	copy(c, v)
	return c
}

// Equal compares two values bit for bit, so NaN equals NaN and -0 differs from 0.
func (v Value) Equal(o Value) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if math.Float64bits(v[i]) != math.Float64bits(o[i]) {
			return false
		}
	}
	return true
}

// String renders the value the way it is printed in traces
func (v Value) String() string {
	if len(v) == 1 {
		return strconv.FormatFloat(v[0], 'g', -1, 64)
	}
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// MarshalBinary encodes the value as [len(4)][float64 bits(8)*len], little endian.
func (v Value) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 4+8*len(v))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
	for _, x := range v {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
	}
	return buf, nil
}

// UnmarshalBinary decodes the layout written by MarshalBinary
func (v *Value) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return errors.New("value encoding too short")
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) != 4+8*n {
		return fmt.Errorf("value encoding length %d does not match %d elements", len(b), n)
	}
	out := make(Value, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[4+8*i:]))
	}
	*v = out
	return nil
}
