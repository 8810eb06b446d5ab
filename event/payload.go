package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/arloliu/go-medlink/frame"
)

// ErrInvalidCommand is returned for a command frame that doesn't carry a valid mode.
var ErrInvalidCommand = errors.New("event: invalid command")

// Payload builders are the inverse of Interpret. The simulator and device emulators use them to
// produce frames a session can read.

// SamplesPayload encodes a samples payload. values is sample-major and holds count*channels
// physical values; each is converted back to a raw value with the channel's scale and offset.
func SamplesPayload(layout Layout, deviceTime, period time.Duration, channels int, values []float64) ([]byte, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if channels <= 0 || channels > 255 {
		return nil, fmt.Errorf("%w: channel count %d out of range [1, 255]", ErrInvalidLayout, channels)
	}
	if len(values)%channels != 0 {
		return nil, fmt.Errorf("%w: %d values are not a multiple of %d channels", ErrInvalidLayout, len(values), channels)
	}
	count := len(values) / channels
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d samples per batch exceed %d", ErrInvalidLayout, count, math.MaxUint16)
	}

	var order binary.ByteOrder = binary.BigEndian
	if layout.Order == LittleEndian {
		order = binary.LittleEndian
	}
	width := layout.Format.Width()

	buf := make([]byte, SamplesHeaderSize, SamplesHeaderSize+len(values)*width)
	binary.BigEndian.PutUint64(buf[0:8], uint64(deviceTime/time.Microsecond)) //nolint:gosec // device time is non-negative
	binary.BigEndian.PutUint32(buf[8:12], uint32(period/time.Microsecond))    //nolint:gosec // period fits in 32 bits
	buf[12] = byte(channels)
	binary.BigEndian.PutUint16(buf[13:15], uint16(count)) //nolint:gosec // bounded above

	var tmp [4]byte
	for i, v := range values {
		scale, offset := layout.channel(i % channels)
		raw := (v - offset) / scale

		switch layout.Format {
		case FormatInt16:
			order.PutUint16(tmp[:2], uint16(int16(clamp(raw, math.MinInt16, math.MaxInt16)))) //nolint:gosec // clamped
		case FormatInt24:
			putInt24(tmp[:3], int32(clamp(raw, -(1<<23), 1<<23-1)), layout.Order)
		case FormatInt32:
			order.PutUint32(tmp[:4], uint32(int32(clamp(raw, math.MinInt32, math.MaxInt32)))) //nolint:gosec // clamped
		default:
			order.PutUint32(tmp[:4], math.Float32bits(float32(raw)))
		}
		buf = append(buf, tmp[:width]...)
	}

	return buf, nil
}

// HeartbeatPayload encodes a heartbeat payload.
func HeartbeatPayload(deviceTime time.Duration) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(deviceTime/time.Microsecond)) //nolint:gosec // device time is non-negative
}

// StatusPayload encodes a status payload.
func StatusPayload(s DeviceStatus) []byte {
	return []byte{byte(s)}
}

// FaultPayload encodes a device fault payload.
func FaultPayload(code uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, code)
}

// ImpedancePayload encodes an impedance payload. NaN marks a channel without impedance support.
func ImpedancePayload(values []float64) ([]byte, error) {
	if len(values) == 0 || len(values) > 255 {
		return nil, fmt.Errorf("%w: channel count %d out of range [1, 255]", ErrInvalidLayout, len(values))
	}

	buf := make([]byte, 1, 1+4*len(values))
	buf[0] = byte(len(values))
	for _, v := range values {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	}

	return buf, nil
}

// CommandPayload encodes a set-mode command payload.
func CommandPayload(mode DeviceStatus) []byte {
	return []byte{byte(mode)}
}

// ParseCommand returns the mode requested by a command frame.
func ParseCommand(f frame.Frame) (DeviceStatus, error) {
	if f.Type != frame.TypeCommand {
		return 0, fmt.Errorf("%w: %s frame is not a command", ErrInvalidCommand, f.Type)
	}
	if len(f.Payload) != CommandPayloadSize {
		return 0, fmt.Errorf("%w: payload is %d bytes, want %d", ErrInvalidCommand, len(f.Payload), CommandPayloadSize)
	}
	mode := DeviceStatus(f.Payload[0])
	if !mode.Valid() {
		return 0, fmt.Errorf("%w: unknown mode %d", ErrInvalidCommand, f.Payload[0])
	}

	return mode, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Round(math.Max(lo, math.Min(hi, v)))
}

func putInt24(b []byte, v int32, order ByteOrder) {
	u := uint32(v) //nolint:gosec // two's complement reinterpretation
	if order == LittleEndian {
		b[0], b[1], b[2] = byte(u), byte(u>>8), byte(u>>16)
		return
	}
	b[0], b[1], b[2] = byte(u>>16), byte(u>>8), byte(u)
}
