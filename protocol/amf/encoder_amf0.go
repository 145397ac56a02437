package amf

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"time"

	"github.com/zijiren233/stream"
)

func (e *Encoder) EncodeAmf0(w io.Writer, val any) (int, error) {
	if val == nil {
		return e.EncodeAmf0Null(w, true)
	}

	switch v := val.(type) {
	case string:
		if len(v) > AMF0_STRING_MAX {
			return e.EncodeAmf0LongString(w, v, true)
		}
		return e.EncodeAmf0String(w, v, true)
	case bool:
		return e.EncodeAmf0Boolean(w, v, true)
	case float64:
		return e.EncodeAmf0Number(w, v, true)
	case float32:
		return e.EncodeAmf0Number(w, float64(v), true)
	case int:
		return e.EncodeAmf0Number(w, float64(v), true)
	case int32:
		return e.EncodeAmf0Number(w, float64(v), true)
	case int64:
		return e.EncodeAmf0Number(w, float64(v), true)
	case uint8:
		return e.EncodeAmf0Number(w, float64(v), true)
	case uint16:
		return e.EncodeAmf0Number(w, float64(v), true)
	case uint32:
		return e.EncodeAmf0Number(w, float64(v), true)
	case uint64:
		return e.EncodeAmf0Number(w, float64(v), true)
	case time.Time:
		return e.EncodeAmf0Date(w, v, true)
	case Undefined:
		return e.EncodeAmf0Undefined(w, true)
	case Object:
		return e.EncodeAmf0Object(w, v, true)
	case ECMAArray:
		return e.EncodeAmf0EcmaArray(w, v, true)
	case map[string]any:
		return e.EncodeAmf0Object(w, Object(v), true)
	case Array:
		return e.EncodeAmf0StrictArray(w, v, true)
	case []any:
		return e.EncodeAmf0StrictArray(w, Array(v), true)
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Array, reflect.Slice:
		arr := make(Array, rv.Len())
		for i := range arr {
			arr[i] = rv.Index(i).Interface()
		}
		return e.EncodeAmf0StrictArray(w, arr, true)
	case reflect.Ptr:
		if rv.IsNil() {
			return e.EncodeAmf0Null(w, true)
		}
		return e.EncodeAmf0(w, rv.Elem().Interface())
	}

	return 0, fmt.Errorf("amf0: unsupported type %T", val)
}

func newWriter(w io.Writer) *stream.Writer {
	return stream.NewWriter(w, stream.BigEndian)
}

// marker writes m when asked to.
func marker(sw *stream.Writer, encodeMarker bool, m byte) *stream.Writer {
	if encodeMarker {
		sw.U8(m)
	}
	return sw
}

func (e *Encoder) EncodeAmf0Number(w io.Writer, val float64, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_NUMBER_MARKER).F64(val)
	return sw.Total(), sw.Error()
}

func (e *Encoder) EncodeAmf0Boolean(w io.Writer, val bool, encodeMarker bool) (int, error) {
	b := uint8(AMF0_BOOLEAN_FALSE)
	if val {
		b = AMF0_BOOLEAN_TRUE
	}
	sw := marker(newWriter(w), encodeMarker, AMF0_BOOLEAN_MARKER).U8(b)
	return sw.Total(), sw.Error()
}

func (e *Encoder) EncodeAmf0String(w io.Writer, val string, encodeMarker bool) (int, error) {
	if len(val) > AMF0_STRING_MAX {
		return 0, fmt.Errorf("amf0: string too long: %d", len(val))
	}
	sw := marker(newWriter(w), encodeMarker, AMF0_STRING_MARKER).U16(uint16(len(val))).String(val)
	return sw.Total(), sw.Error()
}

func (e *Encoder) EncodeAmf0LongString(w io.Writer, val string, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_LONG_STRING_MARKER).U32(uint32(len(val))).String(val)
	return sw.Total(), sw.Error()
}

func (e *Encoder) EncodeAmf0Null(w io.Writer, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_NULL_MARKER)
	return sw.Total(), sw.Error()
}

func (e *Encoder) EncodeAmf0Undefined(w io.Writer, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_UNDEFINED_MARKER)
	return sw.Total(), sw.Error()
}

// EncodeAmf0Date writes milliseconds since the epoch and a zero
// timezone.
func (e *Encoder) EncodeAmf0Date(w io.Writer, val time.Time, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_DATE_MARKER).F64(float64(val.UnixMilli())).U16(0)
	return sw.Total(), sw.Error()
}

func (e *Encoder) encodeProperties(w io.Writer, props map[string]any) (n int, err error) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var m int
	for _, k := range keys {
		m, err = e.EncodeAmf0String(w, k, false)
		n += m
		if err != nil {
			return
		}
		m, err = e.EncodeAmf0(w, props[k])
		n += m
		if err != nil {
			return n, fmt.Errorf("amf0: property %q: %w", k, err)
		}
	}
	sw := newWriter(w).U16(0).U8(AMF0_OBJECT_END_MARKER)
	return n + sw.Total(), sw.Error()
}

func (e *Encoder) EncodeAmf0Object(w io.Writer, val Object, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_OBJECT_MARKER)
	if err := sw.Error(); err != nil {
		return sw.Total(), err
	}
	m, err := e.encodeProperties(w, val)
	return sw.Total() + m, err
}

func (e *Encoder) EncodeAmf0EcmaArray(w io.Writer, val ECMAArray, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_ECMA_ARRAY_MARKER).U32(uint32(len(val)))
	if err := sw.Error(); err != nil {
		return sw.Total(), err
	}
	m, err := e.encodeProperties(w, val)
	return sw.Total() + m, err
}

func (e *Encoder) EncodeAmf0StrictArray(w io.Writer, val Array, encodeMarker bool) (int, error) {
	sw := marker(newWriter(w), encodeMarker, AMF0_STRICT_ARRAY_MARKER).U32(uint32(len(val)))
	n := sw.Total()
	if err := sw.Error(); err != nil {
		return n, err
	}
	for _, v := range val {
		m, err := e.EncodeAmf0(w, v)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
