package codec

import (
	"encoding/binary"
	stderrors "errors"

	"github.com/pkg/errors"
)

// ErrMalformedPayload is returned when a payload is too short for the fixed
// layout of its model or is not valid hex.
var ErrMalformedPayload = stderrors.New("malformed payload")

// ReadUint reads a big-endian unsigned integer of width bytes at offset.
// Width 3 is zero-extended to 32 bits.
func ReadUint(b []byte, offset, width int) (uint32, error) {
	if width < 1 || width > 4 {
		return 0, errors.Errorf("unsupported field width %d", width)
	}
	if offset < 0 || offset+width > len(b) {
		return 0, errors.Wrapf(ErrMalformedPayload, "need %d bytes at offset %d, got %d", width, offset, len(b))
	}

	var buf [4]byte
	copy(buf[4-width:], b[offset:offset+width])
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadInt reads a big-endian two's complement integer of width bytes at offset.
// 3-byte values are zero-extended, not sign-extended.
func ReadInt(b []byte, offset, width int) (int32, error) {
	raw, err := ReadUint(b, offset, width)
	if err != nil {
		return 0, err
	}
	return signed(raw, width), nil
}

func signed(raw uint32, width int) int32 {
	switch width {
	case 1:
		return int32(int8(raw))
	case 2:
		return int32(int16(raw))
	default:
		return int32(raw)
	}
}

// Scale is a rational scale factor applied after the sentinel check.
type Scale struct {
	Num int64
	Den int64
}

var (
	Unscaled   = Scale{Num: 1, Den: 1}
	Tenths     = Scale{Num: 1, Den: 10}
	Hundredths = Scale{Num: 1, Den: 100}
)

// Apply returns v*Num/Den.
func (s Scale) Apply(v float64) float64 {
	if s.Den == 0 {
		return v
	}
	return v * float64(s.Num) / float64(s.Den)
}

// Sentinel is a vendor-reserved raw bit pattern meaning "no reading".
type Sentinel struct {
	Pattern uint32
	Set     bool
}

// Reserved declares p as the "no reading" pattern of a field.
func Reserved(p uint32) Sentinel {
	return Sentinel{Pattern: p, Set: true}
}

// ApplySentinel returns None when raw equals the sentinel pattern, otherwise
// the result of convert(raw). convert is never called for a sentinel value.
func ApplySentinel(raw uint32, sentinel Sentinel, convert func(uint32) float64) Value {
	if sentinel.Set && raw == sentinel.Pattern {
		return None()
	}
	return Some(convert(raw))
}

// Field is a fixed-offset integer inside a payload.
type Field struct {
	Offset   int
	Width    int
	Signed   bool
	Shift    uint // right shift applied to the raw bits before the sentinel check
	Sentinel Sentinel
	Bias     int64 // added to the integer before scaling
	Scale    Scale
}

// Read extracts the field from b.
func (f Field) Read(b []byte) (Value, error) {
	raw, err := ReadUint(b, f.Offset, f.Width)
	if err != nil {
		return None(), err
	}
	raw >>= f.Shift

	return ApplySentinel(raw, f.Sentinel, func(bits uint32) float64 {
		var v int64
		if f.Signed && f.Shift == 0 {
			v = int64(signed(bits, f.Width))
		} else {
			v = int64(bits)
		}
		scale := f.Scale
		if scale == (Scale{}) {
			scale = Unscaled
		}
		return scale.Apply(float64(v + f.Bias))
	}), nil
}

// end returns the first offset past the field.
func (f Field) end() int {
	return f.Offset + f.Width
}

// readFields reads every field of a layout into a Fields map, failing on the
// first field that does not fit into b.
func readFields(b []byte, layout []namedField) (Fields, error) {
	fields := make(Fields, len(layout))
	for _, nf := range layout {
		v, err := nf.field.Read(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %s", nf.name)
		}
		fields[nf.name] = v
	}
	return fields, nil
}

type namedField struct {
	name  string
	field Field
}

// minLength returns the payload length a layout requires.
func minLength(layout []namedField) int {
	n := 0
	for _, nf := range layout {
		if e := nf.field.end(); e > n {
			n = e
		}
	}
	return n
}
