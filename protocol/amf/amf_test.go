package amf

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"
)

func EncodeAndDecode(val any, ver Version) (result any, err error) {
	enc := new(Encoder)
	dec := new(Decoder)

	buf := new(bytes.Buffer)

	if _, err = enc.Encode(buf, val, ver); err != nil {
		return nil, err
	}

	return dec.Decode(buf, ver)
}

func Compare(val any, ver Version, name string, t *testing.T) {
	t.Helper()
	result, err := EncodeAndDecode(val, ver)
	if err != nil {
		t.Errorf("%s: %s", name, err)
		return
	}

	if !reflect.DeepEqual(val, result) {
		t.Errorf("%s: comparison failed between %#v and %#v", name, val, result)
	}
}

func TestAmf0Number(t *testing.T) {
	Compare(float64(3.14159), AMF0, "amf0 number float", t)
	Compare(float64(124567890), AMF0, "amf0 number high", t)
	Compare(float64(-34.2), AMF0, "amf0 number negative", t)
}

func TestAmf0IntegersBecomeNumbers(t *testing.T) {
	res, err := EncodeAndDecode(239, AMF0)
	if err != nil {
		t.Fatal(err)
	}
	if res != float64(239) {
		t.Errorf("got %#v, want 239.0", res)
	}
}

func TestAmf0String(t *testing.T) {
	Compare("a pup!", AMF0, "amf0 string simple", t)
	Compare("日本語", AMF0, "amf0 string utf8", t)
	Compare(string(bytes.Repeat([]byte{'x'}, AMF0_STRING_MAX+1)), AMF0, "amf0 long string", t)
}

func TestAmf0Boolean(t *testing.T) {
	Compare(true, AMF0, "amf0 boolean true", t)
	Compare(false, AMF0, "amf0 boolean false", t)
}

func TestAmf0Null(t *testing.T) {
	Compare(nil, AMF0, "amf0 null", t)
	Compare(Undefined{}, AMF0, "amf0 undefined", t)
}

func TestAmf0Date(t *testing.T) {
	Compare(time.Date(1983, 9, 4, 12, 4, 8, 0, time.UTC), AMF0, "amf0 date", t)
}

func TestAmf0Object(t *testing.T) {
	obj := make(Object)
	obj["dog"] = "alfie"
	obj["coffee"] = true
	obj["drugs"] = false
	obj["pi"] = 3.14159
	obj["nested"] = Object{"level": "status"}

	Compare(obj, AMF0, "amf0 object", t)
}

func TestAmf0EcmaArray(t *testing.T) {
	Compare(ECMAArray{"width": float64(1280), "height": float64(720)}, AMF0, "amf0 ecma array", t)
}

func TestAmf0Array(t *testing.T) {
	arr := [5]float64{1, 2, 3, 4, 5}

	res, err := EncodeAndDecode(arr, AMF0)
	if err != nil {
		t.Fatalf("amf0 array: %s", err)
	}

	result, ok := res.(Array)
	if !ok {
		t.Fatalf("amf0 array conversion failed: %T", res)
	}

	for i := range arr {
		if arr[i] != result[i] {
			t.Errorf("amf0 array %d comparison failed: %v / %v", i, arr[i], result[i])
		}
	}
}

func TestDecodeBatch(t *testing.T) {
	buf := new(bytes.Buffer)
	enc := new(Encoder)
	if _, err := enc.EncodeBatch(buf, AMF0, "_result", 1, nil, Object{"code": "NetConnection.Connect.Success"}); err != nil {
		t.Fatal(err)
	}

	vs, err := new(Decoder).DecodeBatch(buf, AMF0)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if len(vs) != 4 {
		t.Fatalf("decoded %d values, want 4", len(vs))
	}
	if vs[0] != "_result" || vs[1] != float64(1) || vs[2] != nil {
		t.Errorf("got %#v", vs)
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := new(bytes.Buffer)
	new(Encoder).Encode(buf, Object{"app": "live"}, AMF0)
	b := buf.Bytes()

	_, err := new(Decoder).Decode(bytes.NewReader(b[:len(b)-2]), AMF0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want unexpected EOF", err)
	}
}

func TestAmf3Integer(t *testing.T) {
	Compare(int32(0), AMF3, "amf3 integer zero", t)
	Compare(int32(1245), AMF3, "amf3 integer low", t)
	Compare(int32(123456), AMF3, "amf3 integer high", t)
	Compare(int32(-1), AMF3, "amf3 integer negative", t)
	Compare(int32(AMF3_INTEGER_MAX), AMF3, "amf3 integer max", t)
	Compare(int32(AMF3_INTEGER_MIN), AMF3, "amf3 integer min", t)

	res, err := EncodeAndDecode(int64(1<<30), AMF3)
	if err != nil {
		t.Fatal(err)
	}
	if res != float64(1<<30) {
		t.Errorf("out of range integer decoded as %#v", res)
	}
}

func TestAmf3Double(t *testing.T) {
	Compare(float64(3.14159), AMF3, "amf3 double float", t)
	Compare(float64(1234567890), AMF3, "amf3 double high", t)
	Compare(float64(-12345), AMF3, "amf3 double negative", t)
}

func TestAmf3String(t *testing.T) {
	Compare("a pup!", AMF3, "amf3 string simple", t)
	Compare("日本語", AMF3, "amf3 string utf8", t)
	Compare("", AMF3, "amf3 string empty", t)
}

func TestAmf3Boolean(t *testing.T) {
	Compare(true, AMF3, "amf3 boolean true", t)
	Compare(false, AMF3, "amf3 boolean false", t)
}

func TestAmf3Null(t *testing.T) {
	Compare(nil, AMF3, "amf3 null", t)
	Compare(Undefined{}, AMF3, "amf3 undefined", t)
}

func TestAmf3Date(t *testing.T) {
	t1 := time.Unix(time.Now().Unix(), 0).UTC() // nanoseconds discarded
	t2 := time.Date(1983, 9, 4, 12, 4, 8, 0, time.UTC)

	Compare(t1, AMF3, "amf3 date now", t)
	Compare(t2, AMF3, "amf3 date earlier", t)
}

func TestAmf3Object(t *testing.T) {
	Compare(Object{"code": "NetStream.Play.Start", "count": int32(3), "nested": Object{"ok": true}}, AMF3, "amf3 object", t)
	Compare(ECMAArray{"width": float64(1280), "height": float64(720)}, AMF3, "amf3 ecma array", t)
}

func TestAmf3Array(t *testing.T) {
	var arr Array
	arr = append(arr, "amf")
	arr = append(arr, float64(2))
	arr = append(arr, -34.95)
	arr = append(arr, true)
	arr = append(arr, false)

	res, err := EncodeAndDecode(arr, AMF3)
	if err != nil {
		t.Fatalf("amf3 array: %s", err)
	}

	result, ok := res.(Array)
	if !ok {
		t.Fatalf("amf3 array conversion failed: %+v", res)
	}

	for i := range arr {
		if arr[i] != result[i] {
			t.Errorf("amf3 array %d comparison failed: %v / %v", i, arr[i], result[i])
		}
	}
}

func TestAmf3ByteArray(t *testing.T) {
	enc := new(Encoder)
	dec := new(Decoder)

	buf := new(bytes.Buffer)

	expect := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x00}

	if _, err := enc.EncodeAmf3ByteArray(buf, expect, true); err != nil {
		t.Fatal(err)
	}

	result, err := dec.DecodeAmf3ByteArray(buf, true)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	if !bytes.Equal(result, expect) {
		t.Errorf("expected: %+v, got %+v", expect, result)
	}
}

func decodeAmf3Bytes(t *testing.T, b []byte) any {
	t.Helper()
	v, err := new(Decoder).DecodeAmf3(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("decode %x: %v", b, err)
	}
	return v
}

func TestAmf3References(t *testing.T) {
	// ["abc", <string ref 0>]
	got := decodeAmf3Bytes(t, []byte{0x09, 0x05, 0x01, 0x06, 0x07, 'a', 'b', 'c', 0x06, 0x00})
	if !reflect.DeepEqual(got, Array{"abc", "abc"}) {
		t.Errorf("string reference: %#v", got)
	}

	// [{k: "v"}, <object ref 1>]
	got = decodeAmf3Bytes(t, []byte{
		0x09, 0x05, 0x01,
		0x0a, 0x0b, 0x01, 0x03, 'k', 0x06, 0x03, 'v', 0x01,
		0x0a, 0x02,
	})
	arr, ok := got.(Array)
	if !ok || len(arr) != 2 || !reflect.DeepEqual(arr[0], Object{"k": "v"}) || !reflect.DeepEqual(arr[1], arr[0]) {
		t.Errorf("object reference: %#v", got)
	}

	// two Point objects with one sealed member, the second by traits ref
	got = decodeAmf3Bytes(t, []byte{
		0x09, 0x05, 0x01,
		0x0a, 0x13, 0x0b, 'P', 'o', 'i', 'n', 't', 0x03, 'x', 0x04, 0x05,
		0x0a, 0x01, 0x04, 0x07,
	})
	if !reflect.DeepEqual(got, Array{Object{"x": int32(5)}, Object{"x": int32(7)}}) {
		t.Errorf("traits reference: %#v", got)
	}

	if _, err := new(Decoder).DecodeAmf3(bytes.NewReader([]byte{0x06, 0x02})); err == nil {
		t.Error("dangling string reference accepted")
	}
}

func TestAmf3Vectors(t *testing.T) {
	got := decodeAmf3Bytes(t, []byte{0x0d, 0x05, 0x00, 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xfe})
	if !reflect.DeepEqual(got, []int32{1, -2}) {
		t.Errorf("int vector: %#v", got)
	}
	got = decodeAmf3Bytes(t, []byte{0x10, 0x03, 0x00, 0x03, '*', 0x06, 0x03, 'a'})
	if !reflect.DeepEqual(got, Array{"a"}) {
		t.Errorf("object vector: %#v", got)
	}
	got = decodeAmf3Bytes(t, []byte{0x11, 0x03, 0x00, 0x06, 0x03, 'k', 0x04, 0x01})
	if !reflect.DeepEqual(got, Object{"k": int32(1)}) {
		t.Errorf("dictionary: %#v", got)
	}
}

func TestAmf3Externalizable(t *testing.T) {
	// DSK: body, then correlationId, then no acknowledge fields
	got := decodeAmf3Bytes(t, []byte{
		0x0a, 0x07, 0x07, 'D', 'S', 'K',
		0x01, 0x06, 0x0b, 'h', 'e', 'l', 'l', 'o',
		0x01, 0x06, 0x07, 'a', 'b', 'c',
		0x00,
	})
	if !reflect.DeepEqual(got, Object{"body": "hello", "correlationId": "abc"}) {
		t.Errorf("DSK: %#v", got)
	}

	_, err := new(Decoder).DecodeAmf3(bytes.NewReader([]byte{0x0a, 0x07, 0x07, 'X', 'Y', 'Z'}))
	if err == nil {
		t.Error("unknown externalizable class accepted")
	}
}

func TestAmf0SwitchToAmf3(t *testing.T) {
	buf := new(bytes.Buffer)
	enc := new(Encoder)
	if _, err := enc.EncodeBatch(buf, AMF0, "onStatus", 0, nil); err != nil {
		t.Fatal(err)
	}
	buf.WriteByte(AMF0_ACMPLUS_OBJECT_MARKER)
	info := Object{"level": "status", "code": "NetStream.Play.Start"}
	if _, err := enc.EncodeAmf3(buf, info); err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encode(buf, "after", AMF0); err != nil {
		t.Fatal(err)
	}

	vs, err := new(Decoder).DecodeBatch(buf, AMF0)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v", err)
	}
	if len(vs) != 5 || !reflect.DeepEqual(vs[3], info) || vs[4] != "after" {
		t.Fatalf("got %#v", vs)
	}
}

func TestAmf3Truncated(t *testing.T) {
	buf := new(bytes.Buffer)
	if _, err := new(Encoder).Encode(buf, Object{"app": "live"}, AMF3); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	_, err := new(Decoder).Decode(bytes.NewReader(b[:len(b)-2]), AMF3)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want unexpected EOF", err)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	_, err := new(Encoder).Encode(new(bytes.Buffer), 1.0, Version(2))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("err = %v", err)
	}
}

func TestMetaDataReform(t *testing.T) {
	buf := new(bytes.Buffer)
	new(Encoder).EncodeBatch(buf, AMF0, OnMetaData, ECMAArray{"duration": float64(0)})
	raw := buf.Bytes()

	added, err := MetaDataReform(raw, ADD)
	if err != nil {
		t.Fatal(err)
	}
	vs, _ := new(Decoder).DecodeBatch(bytes.NewReader(added), AMF0)
	if len(vs) != 3 || vs[0] != SetDataFrame || vs[1] != OnMetaData {
		t.Fatalf("added = %#v", vs)
	}

	again, _ := MetaDataReform(added, ADD)
	if !bytes.Equal(again, added) {
		t.Error("ADD is not idempotent")
	}

	deleted, err := MetaDataReform(added, DEL)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(deleted, raw) {
		t.Errorf("DEL = %x, want %x", deleted, raw)
	}
}
