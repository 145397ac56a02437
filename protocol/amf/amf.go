package amf

import (
	"errors"
	"fmt"
	"io"
)

type Version uint8

const (
	AMF0 Version = 0x00
	AMF3 Version = 0x03
)

const (
	AMF0_NUMBER_MARKER         = 0x00
	AMF0_BOOLEAN_MARKER        = 0x01
	AMF0_STRING_MARKER         = 0x02
	AMF0_OBJECT_MARKER         = 0x03
	AMF0_MOVIECLIP_MARKER      = 0x04
	AMF0_NULL_MARKER           = 0x05
	AMF0_UNDEFINED_MARKER      = 0x06
	AMF0_REFERENCE_MARKER      = 0x07
	AMF0_ECMA_ARRAY_MARKER     = 0x08
	AMF0_OBJECT_END_MARKER     = 0x09
	AMF0_STRICT_ARRAY_MARKER   = 0x0a
	AMF0_DATE_MARKER           = 0x0b
	AMF0_LONG_STRING_MARKER    = 0x0c
	AMF0_UNSUPPORTED_MARKER    = 0x0d
	AMF0_RECORDSET_MARKER      = 0x0e
	AMF0_XML_DOCUMENT_MARKER   = 0x0f
	AMF0_TYPED_OBJECT_MARKER   = 0x10
	AMF0_ACMPLUS_OBJECT_MARKER = 0x11
)

const (
	AMF3_UNDEFINED_MARKER     = 0x00
	AMF3_NULL_MARKER          = 0x01
	AMF3_FALSE_MARKER         = 0x02
	AMF3_TRUE_MARKER          = 0x03
	AMF3_INTEGER_MARKER       = 0x04
	AMF3_DOUBLE_MARKER        = 0x05
	AMF3_STRING_MARKER        = 0x06
	AMF3_XMLDOC_MARKER        = 0x07
	AMF3_DATE_MARKER          = 0x08
	AMF3_ARRAY_MARKER         = 0x09
	AMF3_OBJECT_MARKER        = 0x0a
	AMF3_XMLSTRING_MARKER     = 0x0b
	AMF3_BYTEARRAY_MARKER     = 0x0c
	AMF3_VECTOR_INT_MARKER    = 0x0d
	AMF3_VECTOR_UINT_MARKER   = 0x0e
	AMF3_VECTOR_DOUBLE_MARKER = 0x0f
	AMF3_VECTOR_OBJECT_MARKER = 0x10
	AMF3_DICTIONARY_MARKER    = 0x11
)

const (
	AMF3_INTEGER_MAX = 268435455
	AMF3_INTEGER_MIN = -268435456
)

const (
	AMF0_BOOLEAN_FALSE = 0x00
	AMF0_BOOLEAN_TRUE  = 0x01
	AMF0_STRING_MAX    = 65535
)

// Object is an anonymous object in either version.
type Object map[string]any

// ECMAArray is an associative array, decoded separately from Object
// so re-encoding keeps the marker.
type ECMAArray map[string]any

// Array is a strict (dense) array.
type Array []any

// Undefined decodes from the undefined marker.
type Undefined struct{}

var ErrUnsupportedVersion = errors.New("amf: unsupported version")

type Encoder struct{}

// Decoder is not safe for concurrent use: it carries the AMF3
// reference tables of the value being decoded.
type Decoder struct {
	strings []string
	objects []any
	traits  []amf3Traits
}

func (e *Encoder) Encode(w io.Writer, val any, ver Version) (int, error) {
	switch ver {
	case AMF0:
		return e.EncodeAmf0(w, val)
	case AMF3:
		return e.EncodeAmf3(w, val)
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver)
}

// EncodeBatch writes each value in order.
func (e *Encoder) EncodeBatch(w io.Writer, ver Version, vals ...any) (n int, err error) {
	for _, v := range vals {
		m, err := e.Encode(w, v, ver)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *Decoder) Decode(r io.Reader, ver Version) (any, error) {
	switch ver {
	case AMF0:
		return d.DecodeAmf0(r)
	case AMF3:
		return d.DecodeAmf3(r)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver)
}

// DecodeBatch reads values until the reader is exhausted. io.EOF is
// returned together with everything decoded before it.
func (d *Decoder) DecodeBatch(r io.Reader, ver Version) (ret []any, err error) {
	var v any
	for {
		v, err = d.Decode(r, ver)
		if err != nil {
			break
		}
		ret = append(ret, v)
	}
	return ret, err
}
