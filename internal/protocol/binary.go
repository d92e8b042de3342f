// Package protocol implements the Voxgate device wire protocol: the three
// binary audio-framing layouts (V1/V2/V3) and the JSON control-message
// envelope exchanged with devices.
//
// The binary framing version and the JSON control-protocol version are
// independent axes; both are negotiated during the hello handshake and fixed
// for the lifetime of a connection. All codec functions are pure and safe for
// concurrent use.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BinaryVersion selects the on-wire framing for binary audio payloads.
type BinaryVersion int

const (
	// BinaryV1 carries the raw payload with no header.
	BinaryV1 BinaryVersion = 1

	// BinaryV2 prefixes a 16-byte header:
	// version(u16) | type(u16) | reserved(u32) | timestamp(u32) | size(u32),
	// all big-endian.
	BinaryV2 BinaryVersion = 2

	// BinaryV3 prefixes a 4-byte header:
	// type(u8) | reserved(u8) | size(u16 BE).
	BinaryV3 BinaryVersion = 3
)

// IsValid reports whether v is a recognised binary framing version.
func (v BinaryVersion) IsValid() bool {
	return v >= BinaryV1 && v <= BinaryV3
}

const (
	v2HeaderLen = 16
	v3HeaderLen = 4
)

// ErrShortFrame is returned by [ParseBinary] when the input is shorter than
// the header floor for its version, or shorter than header+declared payload
// size. Callers drop the frame and bump their packet-loss counter; a short
// frame never tears down the connection.
var ErrShortFrame = errors.New("protocol: frame shorter than declared size")

// ErrUnknownVersion is returned when a frame is parsed or built with a
// version outside V1–V3.
var ErrUnknownVersion = errors.New("protocol: unknown binary protocol version")

// Frame is a parsed binary audio frame. For V1 only Payload is populated.
type Frame struct {
	// Type is the frame type field carried by V2/V3 headers. Zero for V1.
	Type uint8

	// Timestamp is the sender-side timestamp carried by V2 headers. Zero
	// for V1 and V3.
	Timestamp uint32

	// Payload is the Opus-encoded audio payload.
	Payload []byte
}

// ParseBinary decodes one on-wire frame according to version.
// The returned payload aliases data; callers that retain it across reads must
// copy it.
func ParseBinary(data []byte, version BinaryVersion) (Frame, error) {
	switch version {
	case BinaryV1:
		return Frame{Payload: data}, nil

	case BinaryV2:
		if len(data) < v2HeaderLen {
			return Frame{}, fmt.Errorf("%w: got %d bytes, need %d header bytes", ErrShortFrame, len(data), v2HeaderLen)
		}
		size := binary.BigEndian.Uint32(data[12:16])
		if int64(len(data)-v2HeaderLen) < int64(size) {
			return Frame{}, fmt.Errorf("%w: header declares %d payload bytes, %d present", ErrShortFrame, size, len(data)-v2HeaderLen)
		}
		return Frame{
			Type:      uint8(binary.BigEndian.Uint16(data[2:4])),
			Timestamp: binary.BigEndian.Uint32(data[8:12]),
			Payload:   data[v2HeaderLen : v2HeaderLen+int(size)],
		}, nil

	case BinaryV3:
		if len(data) < v3HeaderLen {
			return Frame{}, fmt.Errorf("%w: got %d bytes, need %d header bytes", ErrShortFrame, len(data), v3HeaderLen)
		}
		size := binary.BigEndian.Uint16(data[2:4])
		if len(data)-v3HeaderLen < int(size) {
			return Frame{}, fmt.Errorf("%w: header declares %d payload bytes, %d present", ErrShortFrame, size, len(data)-v3HeaderLen)
		}
		return Frame{
			Type:    data[0],
			Payload: data[v3HeaderLen : v3HeaderLen+int(size)],
		}, nil

	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
}

// BuildBinary encodes payload into one on-wire frame. It is the inverse of
// [ParseBinary] for every valid payload: ParseBinary(BuildBinary(p, v, t), v)
// yields p.
func BuildBinary(payload []byte, version BinaryVersion, timestamp uint32) ([]byte, error) {
	switch version {
	case BinaryV1:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil

	case BinaryV2:
		out := make([]byte, v2HeaderLen+len(payload))
		binary.BigEndian.PutUint16(out[0:2], uint16(version))
		// type and reserved stay zero on the outbound path.
		binary.BigEndian.PutUint32(out[8:12], timestamp)
		binary.BigEndian.PutUint32(out[12:16], uint32(len(payload)))
		copy(out[v2HeaderLen:], payload)
		return out, nil

	case BinaryV3:
		if len(payload) > 0xFFFF {
			return nil, fmt.Errorf("protocol: v3 payload %d bytes exceeds u16 size field", len(payload))
		}
		out := make([]byte, v3HeaderLen+len(payload))
		binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
		copy(out[v3HeaderLen:], payload)
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
}
