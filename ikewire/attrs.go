package ikewire

import (
	"encoding/binary"
	"fmt"
)

// Attribute is one entry in a Phase-1 transform, a Phase-2 proposal, or
// a MODE_CFG/XAuth attribute list (§4.1). AF selects the encoding: when
// true the value is a 2-byte inlined TL form, when false it is a TLV
// with an explicit length. Both forms MUST be produced and accepted.
type Attribute struct {
	Type  uint16
	AF    bool
	Value []byte
}

// MarshalAttributes encodes a list of attributes back-to-back.
func MarshalAttributes(attrs []Attribute) []byte {
	var out []byte
	for _, a := range attrs {
		out = append(out, marshalAttribute(a)...)
	}
	return out
}

func marshalAttribute(a Attribute) []byte {
	if a.AF && len(a.Value) == 2 {
		b := make([]byte, 4)
		binary.BigEndian.PutUint16(b[0:2], a.Type|0x8000)
		copy(b[2:4], a.Value)
		return b
	}
	b := make([]byte, 4+len(a.Value))
	binary.BigEndian.PutUint16(b[0:2], a.Type&0x7FFF)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(a.Value)))
	copy(b[4:], a.Value)
	return b
}

// UnmarshalAttributes decodes a back-to-back attribute list, accepting
// both the inlined-TL and explicit-TLV forms per the AF bit.
func UnmarshalAttributes(b []byte) ([]Attribute, error) {
	var out []Attribute
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("ikewire: truncated attribute")
		}
		raw := binary.BigEndian.Uint16(b[0:2])
		af := raw&0x8000 != 0
		typ := raw & 0x7FFF
		if af {
			out = append(out, Attribute{Type: typ, AF: true, Value: append([]byte(nil), b[2:4]...)})
			b = b[4:]
			continue
		}
		length := binary.BigEndian.Uint16(b[2:4])
		if int(length) > len(b)-4 {
			return nil, fmt.Errorf("ikewire: attribute %d length %d exceeds remaining buffer", typ, length)
		}
		out = append(out, Attribute{Type: typ, AF: false, Value: append([]byte(nil), b[4:4+length]...)})
		b = b[4+length:]
	}
	return out, nil
}

// AttrUint16 builds a 2-byte inlined (AF=1) attribute, the common case
// for small fixed-width values like DH group or cipher id.
func AttrUint16(typ uint16, v uint16) Attribute {
	val := make([]byte, 2)
	binary.BigEndian.PutUint16(val, v)
	return Attribute{Type: typ, AF: true, Value: val}
}

// AttrUint32 builds a 4-byte TLV (AF=0) attribute, e.g. lifetimes.
func AttrUint32(typ uint16, v uint32) Attribute {
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, v)
	return Attribute{Type: typ, AF: false, Value: val}
}

// AttrBytes builds a variable-length TLV (AF=0) attribute, e.g. an IP
// address or string.
func AttrBytes(typ uint16, v []byte) Attribute {
	return Attribute{Type: typ, AF: false, Value: v}
}

// Find returns the first attribute of the given type.
func Find(attrs []Attribute, typ uint16) (Attribute, bool) {
	for _, a := range attrs {
		if a.Type == typ {
			return a, true
		}
	}
	return Attribute{}, false
}

// FindAll returns every attribute of the given type (e.g. repeated
// MODE_CFG route or DNS-server attributes).
func FindAll(attrs []Attribute, typ uint16) []Attribute {
	var out []Attribute
	for _, a := range attrs {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (a Attribute) Uint16() uint16 {
	if len(a.Value) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(a.Value[0:2])
}

func (a Attribute) Uint32() uint32 {
	if len(a.Value) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(a.Value[0:4])
}
