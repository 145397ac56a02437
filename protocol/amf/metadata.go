package amf

import (
	"bytes"
	"errors"
)

const (
	SetDataFrame = "@setDataFrame"
	OnMetaData   = "onMetaData"
)

const (
	ADD = 0x01
	DEL = 0x02
)

var ErrMetaData = errors.New("amf: malformed metadata")

// setDataFrameHead is "@setDataFrame" encoded as an AMF0 string.
var setDataFrameHead = func() []byte {
	var buf bytes.Buffer
	(&Encoder{}).EncodeAmf0String(&buf, SetDataFrame, true)
	return buf.Bytes()
}()

// MetaDataReform adds (ADD) or strips (DEL) the @setDataFrame wrapper a
// publisher puts in front of onMetaData. Other data messages pass
// through untouched.
func MetaDataReform(p []byte, flag uint8) ([]byte, error) {
	switch flag {
	case ADD:
		if bytes.HasPrefix(p, setDataFrameHead) {
			return p, nil
		}
		name, err := (&Decoder{}).DecodeAmf0(bytes.NewReader(p))
		if err != nil {
			return nil, errors.Join(ErrMetaData, err)
		}
		if name != OnMetaData {
			return p, nil
		}
		ret := make([]byte, 0, len(setDataFrameHead)+len(p))
		ret = append(ret, setDataFrameHead...)
		return append(ret, p...), nil
	case DEL:
		if !bytes.HasPrefix(p, setDataFrameHead) {
			return p, nil
		}
		return p[len(setDataFrameHead):], nil
	}
	return p, nil
}
