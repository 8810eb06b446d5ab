// Package frame implements the byte-level framing protocol used between acquisition hardware and
// the host.
//
// A frame on the wire is:
//
//	STX(0x02) | stuffed(Type(1) | Seq(4) | Len(2) | Payload(Len) | CRC32(4)) | ETX(0x03)
//
// All integers are big-endian. The CRC is CRC-32/IEEE over Type..Payload. Inside the stuffed
// region every STX, ETX or DLE(0x10) byte is sent as DLE followed by the byte XOR 0x20, so the
// start and end markers never appear inside a frame body.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

// Framing control bytes.
const (
	// STX marks the start of a frame.
	STX byte = 0x02
	// ETX marks the end of a frame.
	ETX byte = 0x03
	// DLE escapes a control byte inside a frame body.
	DLE byte = 0x10

	escapeXOR byte = 0x20
)

const (
	headerSize = 7 // type(1) + seq(4) + len(2)
	crcSize    = 4

	// MinFrameSize is the smallest valid unstuffed frame body: header and CRC with an empty payload.
	MinFrameSize = headerSize + crcSize
	// MaxPayloadSize is the largest payload the 16-bit length field can describe.
	MaxPayloadSize = 0xFFFF

	// DefaultMaxFrameSize is the default bound on an unstuffed frame body.
	DefaultMaxFrameSize = 4096
	// MinMaxFrameSize is the smallest accepted max frame size setting.
	MinMaxFrameSize = 16
	// MaxMaxFrameSize is the largest accepted max frame size setting.
	MaxMaxFrameSize = MaxPayloadSize + MinFrameSize
)

// Type is the frame type tag.
type Type uint8

// Frame types. Other values are carried as-is.
//
// TypeCommand is the only type sent from the host to the device; all others flow from the device.
const (
	TypeSamples   Type = 0x01
	TypeHeartbeat Type = 0x02
	TypeStatus    Type = 0x03
	TypeFault     Type = 0x04
	TypeCommand   Type = 0x05
	TypeImpedance Type = 0x06
)

// Known reports whether t is one of the defined frame types.
func (t Type) Known() bool {
	return t >= TypeSamples && t <= TypeImpedance
}

// String returns string representation of the frame type.
func (t Type) String() string {
	switch t {
	case TypeSamples:
		return "samples"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeStatus:
		return "status"
	case TypeFault:
		return "fault"
	case TypeCommand:
		return "command"
	case TypeImpedance:
		return "impedance"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Frame is a delimited, integrity-checked unit from the byte stream.
//
// The decoder only produces frames whose length and CRC checks passed, so IntegrityOK is always
// true for decoded frames.
type Frame struct {
	Type        Type
	Seq         uint32
	Payload     []byte
	IntegrityOK bool
	ReceivedAt  time.Time
}

// ErrPayloadTooLarge is returned when encoding a frame whose body would exceed the max frame size.
var ErrPayloadTooLarge = errors.New("frame: payload too large")

// Encode returns the wire form of f. The payload may use the full 16-bit length range.
func Encode(f Frame) ([]byte, error) {
	return EncodeLimit(f, MaxMaxFrameSize)
}

// EncodeLimit returns the wire form of f, rejecting a frame whose unstuffed body exceeds
// maxFrameSize, i.e. a payload larger than maxFrameSize-MinFrameSize. A peer decoding with the
// same max frame size accepts every frame EncodeLimit produces.
func EncodeLimit(f Frame, maxFrameSize int) ([]byte, error) {
	return AppendEncodeLimit(make([]byte, 0, 2+2*(MinFrameSize+len(f.Payload))), f, maxFrameSize)
}

// AppendEncode appends the wire form of f to dst and returns the extended slice.
func AppendEncode(dst []byte, f Frame) ([]byte, error) {
	return AppendEncodeLimit(dst, f, MaxMaxFrameSize)
}

// AppendEncodeLimit is AppendEncode bounded by maxFrameSize, see EncodeLimit.
func AppendEncodeLimit(dst []byte, f Frame, maxFrameSize int) ([]byte, error) {
	if maxFrameSize < MinMaxFrameSize || maxFrameSize > MaxMaxFrameSize {
		return dst, fmt.Errorf("%w: %d out of range [%d, %d]", ErrInvalidSize, maxFrameSize, MinMaxFrameSize, MaxMaxFrameSize)
	}
	if limit := maxFrameSize - MinFrameSize; len(f.Payload) > limit {
		return dst, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(f.Payload), limit)
	}

	var hdr [headerSize]byte
	hdr[0] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[1:5], f.Seq)
	binary.BigEndian.PutUint16(hdr[5:7], uint16(len(f.Payload))) //nolint:gosec // bounded above

	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[:])
	_, _ = crc.Write(f.Payload)
	var sum [crcSize]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())

	dst = append(dst, STX)
	dst = appendStuffed(dst, hdr[:])
	dst = appendStuffed(dst, f.Payload)
	dst = appendStuffed(dst, sum[:])
	dst = append(dst, ETX)

	return dst, nil
}

func appendStuffed(dst []byte, data []byte) []byte {
	for _, b := range data {
		if b == STX || b == ETX || b == DLE {
			dst = append(dst, DLE, b^escapeXOR)
			continue
		}
		dst = append(dst, b)
	}

	return dst
}
