package amf

import (
	"fmt"
	"io"
	"time"

	"github.com/zijiren233/stream"
)

// maxNesting bounds recursion on hostile input.
const maxNesting = 64

func newReader(r io.Reader) *stream.Reader {
	return stream.NewReader(r, stream.BigEndian)
}

func (d *Decoder) DecodeAmf0(r io.Reader) (any, error) {
	return d.decodeAmf0(newReader(r), 0)
}

func (d *Decoder) decodeAmf0(r *stream.Reader, depth int) (any, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("amf0: nesting deeper than %d", maxNesting)
	}
	marker, err := r.ReadU8()
	if err != nil {
		if err == io.EOF && depth > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	v, err := d.decodeAmf0Value(r, marker, depth)
	// the marker was there, so running dry now is a truncated value
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

func (d *Decoder) decodeAmf0Value(r *stream.Reader, marker byte, depth int) (any, error) {
	switch marker {
	case AMF0_NUMBER_MARKER:
		return r.ReadF64()
	case AMF0_BOOLEAN_MARKER:
		b, err := r.ReadU8()
		return b != AMF0_BOOLEAN_FALSE, err
	case AMF0_STRING_MARKER:
		return readAmf0String(r)
	case AMF0_LONG_STRING_MARKER:
		n, err := r.ReadU32()
		if err != nil {
			return "", err
		}
		return r.ReadString(int(n))
	case AMF0_OBJECT_MARKER:
		props, err := d.decodeProperties(r, depth)
		if err != nil {
			return nil, err
		}
		return Object(props), nil
	case AMF0_NULL_MARKER:
		return nil, nil
	case AMF0_UNDEFINED_MARKER:
		return Undefined{}, nil
	case AMF0_ECMA_ARRAY_MARKER:
		// the count is advisory, the end marker decides
		if _, err := r.ReadU32(); err != nil {
			return nil, err
		}
		props, err := d.decodeProperties(r, depth)
		if err != nil {
			return nil, err
		}
		return ECMAArray(props), nil
	case AMF0_STRICT_ARRAY_MARKER:
		return d.decodeAmf0StrictArray(r, depth)
	case AMF0_DATE_MARKER:
		var (
			ms float64
			tz uint16
		)
		if err := r.F64(&ms).U16(&tz).Error(); err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	case AMF0_ACMPLUS_OBJECT_MARKER:
		d.resetAmf3()
		return d.decodeAmf3(r, depth+1)
	}

	return nil, fmt.Errorf("amf0: unsupported marker 0x%02x", marker)
}

func readAmf0String(r *stream.Reader) (string, error) {
	n, err := r.ReadU16()
	if err != nil {
		return "", err
	}
	return r.ReadString(int(n))
}

func (d *Decoder) decodeProperties(r *stream.Reader, depth int) (map[string]any, error) {
	props := make(map[string]any)
	for {
		key, err := readAmf0String(r)
		if err != nil {
			return nil, err
		}
		if key == "" {
			end, err := r.ReadU8()
			if err != nil {
				return nil, err
			}
			if end != AMF0_OBJECT_END_MARKER {
				return nil, fmt.Errorf("amf0: expected object end, got 0x%02x", end)
			}
			return props, nil
		}
		v, err := d.decodeAmf0(r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("amf0: property %q: %w", key, err)
		}
		props[key] = v
	}
}

func (d *Decoder) decodeAmf0StrictArray(r *stream.Reader, depth int) (Array, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	arr := make(Array, 0, min(n, 1024))
	for i := uint32(0); i < n; i++ {
		v, err := d.decodeAmf0(r, depth+1)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}
