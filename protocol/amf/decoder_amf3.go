package amf

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/zijiren233/stream"
)

type amf3Traits struct {
	class          string
	externalizable bool
	dynamic        bool
	members        []string
}

func (d *Decoder) resetAmf3() {
	d.strings = d.strings[:0]
	d.objects = d.objects[:0]
	d.traits = d.traits[:0]
}

// DecodeAmf3 reads one AMF3 value with empty reference tables.
func (d *Decoder) DecodeAmf3(r io.Reader) (any, error) {
	d.resetAmf3()
	return d.decodeAmf3(newReader(r), 0)
}

func (d *Decoder) decodeAmf3(r *stream.Reader, depth int) (any, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("amf3: nesting deeper than %d", maxNesting)
	}
	marker, err := r.ReadU8()
	if err != nil {
		if err == io.EOF && depth > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	v, err := d.decodeAmf3Value(r, marker, depth)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

func (d *Decoder) decodeAmf3Value(r *stream.Reader, marker byte, depth int) (any, error) {
	switch marker {
	case AMF3_UNDEFINED_MARKER:
		return Undefined{}, nil
	case AMF3_NULL_MARKER:
		return nil, nil
	case AMF3_FALSE_MARKER:
		return false, nil
	case AMF3_TRUE_MARKER:
		return true, nil
	case AMF3_INTEGER_MARKER:
		u, err := readU29(r)
		if err != nil {
			return nil, err
		}
		// sign extend from 29 bits
		return int32(u<<3) >> 3, nil
	case AMF3_DOUBLE_MARKER:
		return r.ReadF64()
	case AMF3_STRING_MARKER:
		return d.readAmf3String(r)
	case AMF3_XMLDOC_MARKER, AMF3_XMLSTRING_MARKER:
		return d.decodeAmf3XML(r)
	case AMF3_DATE_MARKER:
		return d.decodeAmf3Date(r)
	case AMF3_ARRAY_MARKER:
		return d.decodeAmf3Array(r, depth)
	case AMF3_OBJECT_MARKER:
		return d.decodeAmf3Object(r, depth)
	case AMF3_BYTEARRAY_MARKER:
		return d.decodeAmf3ByteArray(r)
	case AMF3_VECTOR_INT_MARKER, AMF3_VECTOR_UINT_MARKER, AMF3_VECTOR_DOUBLE_MARKER:
		return d.decodeAmf3Vector(r, marker)
	case AMF3_VECTOR_OBJECT_MARKER:
		return d.decodeAmf3ObjectVector(r, depth)
	case AMF3_DICTIONARY_MARKER:
		return d.decodeAmf3Dictionary(r, depth)
	}
	return nil, fmt.Errorf("amf3: unsupported marker 0x%02x", marker)
}

// readU29 reads the variable length 29 bit integer: up to three bytes
// of seven bits, then a full byte.
func readU29(r *stream.Reader) (uint32, error) {
	var n uint32
	for range 3 {
		b, err := r.ReadU8()
		if err != nil {
			return 0, err
		}
		n = n<<7 | uint32(b&0x7f)
		if b&0x80 == 0 {
			return n, nil
		}
	}
	b, err := r.ReadU8()
	if err != nil {
		return 0, err
	}
	return n<<8 | uint32(b), nil
}

func (d *Decoder) readAmf3String(r *stream.Reader) (string, error) {
	h, err := readU29(r)
	if err != nil {
		return "", err
	}
	if h&1 == 0 {
		i := int(h >> 1)
		if i >= len(d.strings) {
			return "", fmt.Errorf("amf3: string reference %d of %d", i, len(d.strings))
		}
		return d.strings[i], nil
	}
	s, err := r.ReadString(int(h >> 1))
	if err != nil {
		return "", err
	}
	if s != "" {
		d.strings = append(d.strings, s)
	}
	return s, nil
}

// objectHeader reads the U29 that starts every complex value. For a
// reference it returns the object referred to.
func (d *Decoder) objectHeader(r *stream.Reader) (h uint32, ref any, isRef bool, err error) {
	if h, err = readU29(r); err != nil {
		return
	}
	if h&1 == 0 {
		i := int(h >> 1)
		if i >= len(d.objects) {
			return h, nil, true, fmt.Errorf("amf3: object reference %d of %d", i, len(d.objects))
		}
		return h, d.objects[i], true, nil
	}
	return h >> 1, nil, false, nil
}

// addObject reserves a slot in the object table and returns its index.
func (d *Decoder) addObject(v any) int {
	d.objects = append(d.objects, v)
	return len(d.objects) - 1
}

func (d *Decoder) decodeAmf3XML(r *stream.Reader) (any, error) {
	n, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	s, err := r.ReadString(int(n))
	if err != nil {
		return nil, err
	}
	d.addObject(s)
	return s, nil
}

func (d *Decoder) decodeAmf3Date(r *stream.Reader) (any, error) {
	_, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	ms, err := r.ReadF64()
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(int64(ms)).UTC()
	d.addObject(t)
	return t, nil
}

// decodeAmf3Array returns an Array for a dense array and an ECMAArray,
// with the dense part under decimal keys, when there is an associative
// part.
func (d *Decoder) decodeAmf3Array(r *stream.Reader, depth int) (any, error) {
	n, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	idx := d.addObject(nil)

	var assoc ECMAArray
	for {
		key, err := d.readAmf3String(r)
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		v, err := d.decodeAmf3(r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("amf3: array key %q: %w", key, err)
		}
		if assoc == nil {
			assoc = make(ECMAArray)
		}
		assoc[key] = v
	}

	dense := make(Array, 0, min(n, 1024))
	for range n {
		v, err := d.decodeAmf3(r, depth+1)
		if err != nil {
			return nil, err
		}
		dense = append(dense, v)
	}

	var result any = dense
	if assoc != nil {
		for i, v := range dense {
			assoc[strconv.Itoa(i)] = v
		}
		result = assoc
	}
	d.objects[idx] = result
	return result, nil
}

func (d *Decoder) decodeAmf3Traits(r *stream.Reader, h uint32) (amf3Traits, error) {
	// h has the reference bit stripped
	if h&1 == 0 {
		i := int(h >> 1)
		if i >= len(d.traits) {
			return amf3Traits{}, fmt.Errorf("amf3: traits reference %d of %d", i, len(d.traits))
		}
		return d.traits[i], nil
	}
	t := amf3Traits{
		externalizable: h&2 != 0,
		dynamic:        h&4 != 0,
	}
	class, err := d.readAmf3String(r)
	if err != nil {
		return t, err
	}
	t.class = class
	if !t.externalizable {
		count := h >> 3
		t.members = make([]string, 0, min(count, 1024))
		for range count {
			m, err := d.readAmf3String(r)
			if err != nil {
				return t, err
			}
			t.members = append(t.members, m)
		}
	}
	d.traits = append(d.traits, t)
	return t, nil
}

func (d *Decoder) decodeAmf3Object(r *stream.Reader, depth int) (any, error) {
	h, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	traits, err := d.decodeAmf3Traits(r, h)
	if err != nil {
		return nil, err
	}

	obj := make(Object)
	idx := d.addObject(obj)

	if traits.externalizable {
		v, err := d.decodeExternal(r, traits.class, depth)
		if err != nil {
			return nil, err
		}
		d.objects[idx] = v
		return v, nil
	}

	for _, m := range traits.members {
		v, err := d.decodeAmf3(r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("amf3: member %q: %w", m, err)
		}
		obj[m] = v
	}
	if traits.dynamic {
		for {
			key, err := d.readAmf3String(r)
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			v, err := d.decodeAmf3(r, depth+1)
			if err != nil {
				return nil, fmt.Errorf("amf3: property %q: %w", key, err)
			}
			obj[key] = v
		}
	}
	return obj, nil
}

// DecodeAmf3ByteArray reads a byte array on its own, with empty
// reference tables.
func (d *Decoder) DecodeAmf3ByteArray(r io.Reader, decodeMarker bool) ([]byte, error) {
	d.resetAmf3()
	sr := newReader(r)
	if decodeMarker {
		m, err := sr.ReadU8()
		if err != nil {
			return nil, err
		}
		if m != AMF3_BYTEARRAY_MARKER {
			return nil, fmt.Errorf("amf3: marker 0x%02x, want byte array", m)
		}
	}
	v, err := d.decodeAmf3ByteArray(sr)
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("amf3: byte array reference to %T", v)
	}
	return b, nil
}

func (d *Decoder) decodeAmf3ByteArray(r *stream.Reader) (any, error) {
	n, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	d.addObject(b)
	return b, nil
}

func (d *Decoder) decodeAmf3Vector(r *stream.Reader, marker byte) (any, error) {
	n, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	// fixed length flag
	if _, err := r.ReadU8(); err != nil {
		return nil, err
	}
	var v any
	switch marker {
	case AMF3_VECTOR_INT_MARKER:
		s := make([]int32, 0, min(n, 1024))
		for range n {
			i, err := r.ReadI32()
			if err != nil {
				return nil, err
			}
			s = append(s, i)
		}
		v = s
	case AMF3_VECTOR_UINT_MARKER:
		s := make([]uint32, 0, min(n, 1024))
		for range n {
			u, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			s = append(s, u)
		}
		v = s
	default:
		s := make([]float64, 0, min(n, 1024))
		for range n {
			f, err := r.ReadF64()
			if err != nil {
				return nil, err
			}
			s = append(s, f)
		}
		v = s
	}
	d.addObject(v)
	return v, nil
}

func (d *Decoder) decodeAmf3ObjectVector(r *stream.Reader, depth int) (any, error) {
	n, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	if _, err := r.ReadU8(); err != nil {
		return nil, err
	}
	// element type name
	if _, err := d.readAmf3String(r); err != nil {
		return nil, err
	}
	idx := d.addObject(nil)
	arr := make(Array, 0, min(n, 1024))
	for range n {
		v, err := d.decodeAmf3(r, depth+1)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	d.objects[idx] = arr
	return arr, nil
}

// decodeAmf3Dictionary returns an Object; keys that are not strings are
// formatted.
func (d *Decoder) decodeAmf3Dictionary(r *stream.Reader, depth int) (any, error) {
	n, ref, isRef, err := d.objectHeader(r)
	if err != nil || isRef {
		return ref, err
	}
	// weak keys flag
	if _, err := r.ReadU8(); err != nil {
		return nil, err
	}
	obj := make(Object)
	d.addObject(obj)
	for range n {
		k, err := d.decodeAmf3(r, depth+1)
		if err != nil {
			return nil, err
		}
		v, err := d.decodeAmf3(r, depth+1)
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			key = fmt.Sprint(k)
		}
		obj[key] = v
	}
	return obj, nil
}
