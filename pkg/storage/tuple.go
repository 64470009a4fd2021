package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Tuple is an ordered list of primitive elements that packs into a byte
// string whose lexicographic order matches the tuple's element-wise order.
// Only the element types Joshua's data model needs are supported: strings,
// signed 64-bit integers, and raw byte strings.
type Tuple []any

const (
	tagBytes  byte = 0x01
	tagString byte = 0x02
	tagInt    byte = 0x0c
)

// Pack encodes the tuple into a byte string suitable for use as (part of) a
// bbolt key. Inside string and byte elements, 0x00 is escaped as 0x00 0xFF
// and the element ends with a bare 0x00, so one element's encoding is never
// a byte-prefix of a different element's ("a" vs "ab"). A tuple's packing
// is a byte-prefix of the packing of every tuple that extends it, which is
// the "directory of subspaces" namespacing the data model relies on.
func (t Tuple) Pack() []byte {
	var buf bytes.Buffer
	for _, el := range t {
		var asInt64 int64
		switch v := el.(type) {
		case []byte:
			buf.WriteByte(tagBytes)
			writeEscaped(&buf, v)
			buf.WriteByte(0x00)
			continue
		case string:
			buf.WriteByte(tagString)
			writeEscaped(&buf, []byte(v))
			buf.WriteByte(0x00)
			continue
		case int64:
			asInt64 = v
		case int:
			asInt64 = int64(v)
		default:
			panic(fmt.Sprintf("storage: unsupported tuple element type %T", el))
		}
		buf.WriteByte(tagInt)
		var n [8]byte
		// flip the sign bit so two's-complement order matches byte order
		binary.BigEndian.PutUint64(n[:], uint64(asInt64)^(1<<63))
		buf.Write(n[:])
	}
	return buf.Bytes()
}

func writeEscaped(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		if c == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xFF)
			continue
		}
		buf.WriteByte(c)
	}
}

// Unpack decodes a byte string produced by Pack back into its elements.
func Unpack(key []byte) (Tuple, error) {
	var t Tuple
	for len(key) > 0 {
		tag := key[0]
		key = key[1:]
		switch tag {
		case tagBytes, tagString:
			end, raw, err := readEscaped(key)
			if err != nil {
				return nil, err
			}
			if tag == tagString {
				t = append(t, string(raw))
			} else {
				t = append(t, raw)
			}
			key = key[end:]
		case tagInt:
			if len(key) < 8 {
				return nil, fmt.Errorf("storage: truncated int tuple element")
			}
			n := binary.BigEndian.Uint64(key[:8]) ^ (1 << 63)
			t = append(t, int64(n))
			key = key[8:]
		default:
			return nil, fmt.Errorf("storage: unknown tuple tag 0x%02x", tag)
		}
	}
	return t, nil
}

func readEscaped(b []byte) (consumed int, raw []byte, err error) {
	var out bytes.Buffer
	i := 0
	for i < len(b) {
		if b[i] == 0x00 {
			if i+1 < len(b) && b[i+1] == 0xFF {
				out.WriteByte(0x00)
				i += 2
				continue
			}
			// bare 0x00 terminates the element
			return i + 1, out.Bytes(), nil
		}
		out.WriteByte(b[i])
		i++
	}
	return 0, nil, fmt.Errorf("storage: unterminated tuple element")
}
