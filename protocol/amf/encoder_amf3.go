package amf

import (
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/zijiren233/stream"
)

// The encoder writes every value inline and never emits references.

var errU29Range = errors.New("amf3: value does not fit in 29 bits")

func (e *Encoder) EncodeAmf3(w io.Writer, val any) (int, error) {
	sw := newWriter(w)
	err := e.encodeAmf3(sw, val, 0)
	return sw.Total(), err
}

func (e *Encoder) encodeAmf3(sw *stream.Writer, val any, depth int) error {
	if depth > maxNesting {
		return fmt.Errorf("amf3: nesting deeper than %d", maxNesting)
	}
	if val == nil {
		return sw.U8(AMF3_NULL_MARKER).Error()
	}

	switch v := val.(type) {
	case Undefined:
		return sw.U8(AMF3_UNDEFINED_MARKER).Error()
	case bool:
		if v {
			return sw.U8(AMF3_TRUE_MARKER).Error()
		}
		return sw.U8(AMF3_FALSE_MARKER).Error()
	case int:
		return encodeAmf3Integer(sw, int64(v))
	case int8:
		return encodeAmf3Integer(sw, int64(v))
	case int16:
		return encodeAmf3Integer(sw, int64(v))
	case int32:
		return encodeAmf3Integer(sw, int64(v))
	case int64:
		return encodeAmf3Integer(sw, v)
	case uint8:
		return encodeAmf3Integer(sw, int64(v))
	case uint16:
		return encodeAmf3Integer(sw, int64(v))
	case uint32:
		return encodeAmf3Integer(sw, int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return sw.U8(AMF3_DOUBLE_MARKER).F64(float64(v)).Error()
		}
		return encodeAmf3Integer(sw, int64(v))
	case float32:
		return sw.U8(AMF3_DOUBLE_MARKER).F64(float64(v)).Error()
	case float64:
		return sw.U8(AMF3_DOUBLE_MARKER).F64(v).Error()
	case string:
		if err := sw.U8(AMF3_STRING_MARKER).Error(); err != nil {
			return err
		}
		return writeAmf3String(sw, v)
	case time.Time:
		return sw.U8(AMF3_DATE_MARKER).U8(0x01).F64(float64(v.UnixMilli())).Error()
	case []byte:
		return encodeAmf3ByteArray(sw, v, true)
	case Object:
		return e.encodeAmf3Object(sw, v, depth)
	case map[string]any:
		return e.encodeAmf3Object(sw, Object(v), depth)
	case ECMAArray:
		return e.encodeAmf3EcmaArray(sw, v, depth)
	case Array:
		return e.encodeAmf3Array(sw, v, depth)
	case []any:
		return e.encodeAmf3Array(sw, Array(v), depth)
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Array, reflect.Slice:
		arr := make(Array, rv.Len())
		for i := range arr {
			arr[i] = rv.Index(i).Interface()
		}
		return e.encodeAmf3Array(sw, arr, depth)
	case reflect.Ptr:
		if rv.IsNil() {
			return sw.U8(AMF3_NULL_MARKER).Error()
		}
		return e.encodeAmf3(sw, rv.Elem().Interface(), depth)
	}

	return fmt.Errorf("amf3: unsupported type %T", val)
}

func writeU29(sw *stream.Writer, v uint32) error {
	switch {
	case v < 0x80:
		sw.U8(byte(v))
	case v < 0x4000:
		sw.U8(byte(v>>7) | 0x80).U8(byte(v & 0x7f))
	case v < 0x200000:
		sw.U8(byte(v>>14) | 0x80).U8(byte(v>>7) | 0x80).U8(byte(v & 0x7f))
	case v < 0x20000000:
		sw.U8(byte(v>>22) | 0x80).U8(byte(v>>15) | 0x80).U8(byte(v>>8) | 0x80).U8(byte(v))
	default:
		return fmt.Errorf("%w: %d", errU29Range, v)
	}
	return sw.Error()
}

// encodeAmf3Integer falls back to a double outside the 29 bit range.
func encodeAmf3Integer(sw *stream.Writer, v int64) error {
	if v < AMF3_INTEGER_MIN || v > AMF3_INTEGER_MAX {
		return sw.U8(AMF3_DOUBLE_MARKER).F64(float64(v)).Error()
	}
	if err := sw.U8(AMF3_INTEGER_MARKER).Error(); err != nil {
		return err
	}
	return writeU29(sw, uint32(v)&0x1fffffff)
}

func writeAmf3String(sw *stream.Writer, s string) error {
	if err := writeU29(sw, uint32(len(s))<<1|1); err != nil {
		return fmt.Errorf("amf3: string of %d bytes: %w", len(s), err)
	}
	return sw.String(s).Error()
}

func (e *Encoder) EncodeAmf3ByteArray(w io.Writer, val []byte, encodeMarker bool) (int, error) {
	sw := newWriter(w)
	err := encodeAmf3ByteArray(sw, val, encodeMarker)
	return sw.Total(), err
}

func encodeAmf3ByteArray(sw *stream.Writer, val []byte, encodeMarker bool) error {
	marker(sw, encodeMarker, AMF3_BYTEARRAY_MARKER)
	if err := writeU29(sw, uint32(len(val))<<1|1); err != nil {
		return err
	}
	return sw.Bytes(val).Error()
}

func (e *Encoder) encodeAmf3Array(sw *stream.Writer, val Array, depth int) error {
	sw.U8(AMF3_ARRAY_MARKER)
	if err := writeU29(sw, uint32(len(val))<<1|1); err != nil {
		return err
	}
	// no associative part
	if err := sw.U8(0x01).Error(); err != nil {
		return err
	}
	for _, v := range val {
		if err := e.encodeAmf3(sw, v, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeAmf3EcmaArray(sw *stream.Writer, val ECMAArray, depth int) error {
	if err := sw.U8(AMF3_ARRAY_MARKER).U8(0x01).Error(); err != nil {
		return err
	}
	return e.encodeAmf3Pairs(sw, val, depth)
}

// encodeAmf3Object writes an anonymous dynamic object with inline
// traits and no sealed members.
func (e *Encoder) encodeAmf3Object(sw *stream.Writer, val Object, depth int) error {
	if err := sw.U8(AMF3_OBJECT_MARKER).U8(0x0b).U8(0x01).Error(); err != nil {
		return err
	}
	return e.encodeAmf3Pairs(sw, val, depth)
}

func (e *Encoder) encodeAmf3Pairs(sw *stream.Writer, props map[string]any, depth int) error {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			return errors.New("amf3: empty property name")
		}
		if err := writeAmf3String(sw, k); err != nil {
			return err
		}
		if err := e.encodeAmf3(sw, props[k], depth+1); err != nil {
			return fmt.Errorf("amf3: property %q: %w", k, err)
		}
	}
	return sw.U8(0x01).Error()
}
