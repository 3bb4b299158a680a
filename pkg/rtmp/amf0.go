package rtmp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// AMF0 type markers.
const (
	amf0Number    = 0x00
	amf0Boolean   = 0x01
	amf0String    = 0x02
	amf0Object    = 0x03
	amf0Null      = 0x05
	amf0Undefined = 0x06
	amf0EcmaArray = 0x08
	amf0ObjectEnd = 0x09
	amf0StrictArr = 0x0A
	amf0LongStr   = 0x0C
)

// Amf0Object is an AMF0 anonymous object. Key order is not significant to
// RTMP peers, so a plain map with sorted encoding keeps the codec small.
type Amf0Object map[string]interface{}

// Amf0Decode reads one AMF0 value: float64, bool, string, Amf0Object,
// []interface{} or nil.
func Amf0Decode(r *bytes.Reader) (interface{}, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("amf0 marker: %w", err)
	}

	switch marker {
	case amf0Number:
		var buf [8]byte
		if _, err := r.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("amf0 number: %w", err)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil

	case amf0Boolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("amf0 boolean: %w", err)
		}
		return b != 0, nil

	case amf0String:
		return amf0ReadShortString(r)

	case amf0LongStr:
		var buf [4]byte
		if _, err := r.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("amf0 long string size: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		s := make([]byte, n)
		if _, err := r.Read(s); err != nil {
			return nil, fmt.Errorf("amf0 long string body: %w", err)
		}
		return string(s), nil

	case amf0Object:
		return amf0ReadObject(r)

	case amf0EcmaArray:
		var buf [4]byte
		if _, err := r.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("amf0 ecma count: %w", err)
		}
		return amf0ReadObject(r)

	case amf0StrictArr:
		var buf [4]byte
		if _, err := r.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("amf0 strict count: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		arr := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := Amf0Decode(r)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil

	case amf0Null, amf0Undefined:
		return nil, nil

	default:
		return nil, fmt.Errorf("amf0 unsupported marker 0x%02x", marker)
	}
}

func amf0ReadShortString(r *bytes.Reader) (string, error) {
	var buf [2]byte
	if _, err := r.Read(buf[:]); err != nil {
		return "", fmt.Errorf("amf0 string size: %w", err)
	}
	n := binary.BigEndian.Uint16(buf[:])
	s := make([]byte, n)
	if _, err := r.Read(s); err != nil {
		return "", fmt.Errorf("amf0 string body: %w", err)
	}
	return string(s), nil
}

func amf0ReadObject(r *bytes.Reader) (Amf0Object, error) {
	obj := make(Amf0Object)
	for {
		key, err := amf0ReadShortString(r)
		if err != nil {
			return nil, err
		}
		if key == "" {
			marker, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("amf0 object end: %w", err)
			}
			if marker != amf0ObjectEnd {
				return nil, fmt.Errorf("amf0 expected object end, got 0x%02x", marker)
			}
			return obj, nil
		}
		v, err := Amf0Decode(r)
		if err != nil {
			return nil, err
		}
		obj[key] = v
	}
}

// Amf0Encode appends one value to buf.
func Amf0Encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(amf0Null)

	case float64:
		buf.WriteByte(amf0Number)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(val))
		buf.Write(b[:])

	case int:
		return Amf0Encode(buf, float64(val))

	case bool:
		buf.WriteByte(amf0Boolean)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

	case string:
		buf.WriteByte(amf0String)
		amf0WriteShortString(buf, val)

	case Amf0Object:
		buf.WriteByte(amf0Object)
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			amf0WriteShortString(buf, k)
			if err := Amf0Encode(buf, val[k]); err != nil {
				return err
			}
		}
		amf0WriteShortString(buf, "")
		buf.WriteByte(amf0ObjectEnd)

	default:
		return fmt.Errorf("amf0 cannot encode %T", v)
	}
	return nil
}

func amf0WriteShortString(buf *bytes.Buffer, s string) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

// Amf0DecodeAll reads every value in the payload, used for command
// messages.
func Amf0DecodeAll(payload []byte) ([]interface{}, error) {
	r := bytes.NewReader(payload)
	var values []interface{}
	for r.Len() > 0 {
		v, err := Amf0Decode(r)
		if err != nil {
			return values, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Amf0EncodeAll packs the values into one payload.
func Amf0EncodeAll(values ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range values {
		if err := Amf0Encode(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
