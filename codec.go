package keyfold

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Payload layout: a single tag byte naming the stored type, followed by the
// value body. Scalar bodies are fixed-width big-endian so decoding can
// validate exact lengths; strings and raw bytes carry their body verbatim.
// Payloads are only guaranteed to round-trip on the backend that wrote them.
const (
	tagString  byte = 0x01
	tagInt32   byte = 0x02
	tagInt64   byte = 0x03
	tagFloat32 byte = 0x04
	tagFloat64 byte = 0x05
	tagBool    byte = 0x06
	tagBytes   byte = 0x07
)

// payloadBody checks the tag and, when wantLen >= 0, the exact body length.
// Any mismatch fails closed: bytes written for one type never decode as
// another.
func payloadBody(p []byte, tag byte, wantLen int) ([]byte, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("codec: empty payload")
	}
	if p[0] != tag {
		return nil, fmt.Errorf("codec: payload tag 0x%02x does not match requested type", p[0])
	}
	body := p[1:]
	if wantLen >= 0 && len(body) != wantLen {
		return nil, fmt.Errorf("codec: payload body is %d bytes, expected %d", len(body), wantLen)
	}
	return body, nil
}

func encodeString(v string) ([]byte, error) {
	if !utf8.ValidString(v) {
		return nil, fmt.Errorf("codec: string value is not valid UTF-8")
	}
	return append([]byte{tagString}, v...), nil
}

func decodeString(p []byte) (string, error) {
	body, err := payloadBody(p, tagString, -1)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(body) {
		return "", fmt.Errorf("codec: payload is not valid UTF-8")
	}
	return string(body), nil
}

func encodeInt32(v int32) []byte {
	p := make([]byte, 5)
	p[0] = tagInt32
	binary.BigEndian.PutUint32(p[1:], uint32(v))
	return p
}

func decodeInt32(p []byte) (int32, error) {
	body, err := payloadBody(p, tagInt32, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(body)), nil
}

func encodeInt64(v int64) []byte {
	p := make([]byte, 9)
	p[0] = tagInt64
	binary.BigEndian.PutUint64(p[1:], uint64(v))
	return p
}

func decodeInt64(p []byte) (int64, error) {
	body, err := payloadBody(p, tagInt64, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(body)), nil
}

func encodeFloat32(v float32) []byte {
	p := make([]byte, 5)
	p[0] = tagFloat32
	binary.BigEndian.PutUint32(p[1:], math.Float32bits(v))
	return p
}

func decodeFloat32(p []byte) (float32, error) {
	body, err := payloadBody(p, tagFloat32, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(body)), nil
}

func encodeFloat64(v float64) []byte {
	p := make([]byte, 9)
	p[0] = tagFloat64
	binary.BigEndian.PutUint64(p[1:], math.Float64bits(v))
	return p
}

func decodeFloat64(p []byte) (float64, error) {
	body, err := payloadBody(p, tagFloat64, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(body)), nil
}

func encodeBool(v bool) []byte {
	b := byte(0x00)
	if v {
		b = 0x01
	}
	return []byte{tagBool, b}
}

func decodeBool(p []byte) (bool, error) {
	body, err := payloadBody(p, tagBool, 1)
	if err != nil {
		return false, err
	}
	switch body[0] {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, fmt.Errorf("codec: boolean body 0x%02x is neither 0x00 nor 0x01", body[0])
	}
}

func encodeBytes(v []byte) []byte {
	return append([]byte{tagBytes}, v...)
}

func decodeBytes(p []byte) ([]byte, error) {
	body, err := payloadBody(p, tagBytes, -1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}
