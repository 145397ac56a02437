package amf

import (
	"fmt"
	"io"

	"github.com/zijiren233/stream"
)

// decodeExternal reads the body of an externalizable object. Only the
// Flex messaging classes sent by Flash Media style servers are known.
func (d *Decoder) decodeExternal(r *stream.Reader, class string, depth int) (any, error) {
	switch class {
	case "DSK":
		return d.decodeAcknowledgeMessage(r, depth)
	case "DSA":
		return d.decodeAsyncMessage(r, depth)
	case "flex.messaging.io.ArrayCollection", "flex.messaging.io.ObjectProxy":
		v, err := d.decodeAmf3(r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("amf3: %s child: %w", class, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("amf3: unsupported externalizable class %q", class)
}

func (d *Decoder) decodeAbstractMessage(r *stream.Reader, depth int) (Object, error) {
	result := make(Object)
	if err := d.decodeFlagged(r, result, depth,
		[]string{"body", "clientId", "destination", "headers", "messageId", "timeStamp", "timeToLive"},
		[]string{"clientIdBytes", "messageIdBytes"}); err != nil {
		return nil, fmt.Errorf("amf3: abstract message: %w", err)
	}
	return result, nil
}

// DSA
func (d *Decoder) decodeAsyncMessage(r *stream.Reader, depth int) (Object, error) {
	result, err := d.decodeAbstractMessage(r, depth)
	if err != nil {
		return nil, err
	}
	if err := d.decodeFlagged(r, result, depth, []string{"correlationId", "correlationIdBytes"}); err != nil {
		return nil, fmt.Errorf("amf3: async message: %w", err)
	}
	return result, nil
}

// DSK
func (d *Decoder) decodeAcknowledgeMessage(r *stream.Reader, depth int) (Object, error) {
	result, err := d.decodeAsyncMessage(r, depth)
	if err != nil {
		return nil, err
	}
	if err := d.decodeFlagged(r, result, depth); err != nil {
		return nil, fmt.Errorf("amf3: acknowledge message: %w", err)
	}
	return result, nil
}

// decodeFlagged reads a run of flag bytes, then one value per set bit.
// Bits past the known field names land under extra_<byte>_<bit>.
func (d *Decoder) decodeFlagged(r *stream.Reader, obj Object, depth int, fieldSets ...[]string) error {
	flagSet, err := readFlags(r)
	if err != nil {
		return err
	}

	for i, flags := range flagSet {
		var names []string
		if i < len(fieldSets) {
			names = fieldSets[i]
		}
		for p, field := range names {
			if flags&(1<<p) == 0 {
				continue
			}
			v, err := d.decodeAmf3(r, depth+1)
			if err != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
			obj[field] = v
		}
		for j := len(names); j < 7; j++ {
			if flags&(1<<j) == 0 {
				continue
			}
			v, err := d.decodeAmf3(r, depth+1)
			if err != nil {
				return fmt.Errorf("field %d of flag byte %d: %w", j, i, err)
			}
			obj[fmt.Sprintf("extra_%d_%d", i, j)] = v
		}
	}
	return nil
}

// readFlags reads flag bytes while the high bit says another follows.
func readFlags(r *stream.Reader) ([]uint8, error) {
	var result []uint8
	for {
		flag, err := r.ReadU8()
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
		result = append(result, flag)
		if flag&0x80 == 0 {
			return result, nil
		}
	}
}
