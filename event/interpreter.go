package event

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/arloliu/go-medlink/frame"
)

// Payload sizes of the fixed-layout frame types, and the samples payload header:
//
//	device_time(8, µs) | period(4, µs) | channels(1) | count(2) | data
//
// An impedance payload is channels(1) followed by one big-endian float32 per channel, in ohms.
const (
	SamplesHeaderSize    = 15
	HeartbeatPayloadSize = 8
	StatusPayloadSize    = 1
	FaultPayloadSize     = 2
	CommandPayloadSize   = 1
)

// Interpreter maps frames to events. It is stateless and safe for concurrent use.
type Interpreter struct {
	layout Layout
	order  binary.ByteOrder
}

// NewInterpreter creates an interpreter decoding sample data with layout.
func NewInterpreter(layout Layout) (*Interpreter, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	in := &Interpreter{layout: layout, order: binary.BigEndian}
	if layout.Order == LittleEndian {
		in.order = binary.LittleEndian
	}

	return in, nil
}

// Layout returns the interpreter's sample layout.
func (in *Interpreter) Layout() Layout { return in.layout }

// Interpret converts a validated frame into an event. Frames that can't be interpreted become a
// FaultNotice; partial sample data is never surfaced.
func (in *Interpreter) Interpret(f frame.Frame) Event {
	switch f.Type {
	case frame.TypeSamples:
		return in.samples(f)

	case frame.TypeHeartbeat:
		if len(f.Payload) != HeartbeatPayloadSize {
			return malformed(f, "heartbeat payload is %d bytes, want %d", len(f.Payload), HeartbeatPayloadSize)
		}

		return Heartbeat{
			Seq:        f.Seq,
			DeviceTime: micros(binary.BigEndian.Uint64(f.Payload)),
			ReceivedAt: f.ReceivedAt,
		}

	case frame.TypeStatus:
		if len(f.Payload) != StatusPayloadSize {
			return malformed(f, "status payload is %d bytes, want %d", len(f.Payload), StatusPayloadSize)
		}
		status := DeviceStatus(f.Payload[0])
		if !status.Valid() {
			return malformed(f, "unknown device status %d", f.Payload[0])
		}

		return StatusChange{Seq: f.Seq, Status: status, ReceivedAt: f.ReceivedAt}

	case frame.TypeFault:
		if len(f.Payload) != FaultPayloadSize {
			return malformed(f, "fault payload is %d bytes, want %d", len(f.Payload), FaultPayloadSize)
		}

		return FaultNotice{
			Seq:        f.Seq,
			Code:       FaultDevice,
			FrameType:  f.Type,
			DeviceCode: binary.BigEndian.Uint16(f.Payload),
			ReceivedAt: f.ReceivedAt,
		}

	case frame.TypeImpedance:
		return impedance(f)

	case frame.TypeCommand:
		return FaultNotice{
			Seq:        f.Seq,
			Code:       FaultUnexpectedCommand,
			FrameType:  f.Type,
			Detail:     "command frames flow from host to device",
			ReceivedAt: f.ReceivedAt,
		}

	default:
		return FaultNotice{
			Seq:        f.Seq,
			Code:       FaultUnknownFrameType,
			FrameType:  f.Type,
			Detail:     f.Type.String(),
			ReceivedAt: f.ReceivedAt,
		}
	}
}

func (in *Interpreter) samples(f frame.Frame) Event {
	p := f.Payload
	if len(p) < SamplesHeaderSize {
		return malformed(f, "samples payload is %d bytes, header needs %d", len(p), SamplesHeaderSize)
	}

	deviceTime := micros(binary.BigEndian.Uint64(p[0:8]))
	period := micros(uint64(binary.BigEndian.Uint32(p[8:12])))
	channels := int(p[12])
	count := int(binary.BigEndian.Uint16(p[13:15]))
	data := p[SamplesHeaderSize:]

	if in.layout.StrictChannels && channels != len(in.layout.Channels) {
		return malformed(f, "batch has %d channels, layout defines %d", channels, len(in.layout.Channels))
	}

	width := in.layout.Format.Width()
	if want := count * channels * width; len(data) != want {
		return malformed(f, "sample data is %d bytes, %d x %d %s values need %d",
			len(data), count, channels, in.layout.Format, want)
	}

	batch := SampleBatch{
		Seq:        f.Seq,
		DeviceTime: deviceTime,
		Period:     period,
		Channels:   channels,
		Samples:    make([]Sample, 0, count*channels),
		ReceivedAt: f.ReceivedAt,
	}

	for i := range count {
		ts := deviceTime + time.Duration(i)*period
		for ch := range channels {
			off := (i*channels + ch) * width
			scale, offset := in.layout.channel(ch)
			batch.Samples = append(batch.Samples, Sample{
				Channel:   uint16(ch), //nolint:gosec // channels fits in a byte
				Value:     in.raw(data[off:off+width])*scale + offset,
				Timestamp: ts,
			})
		}
	}

	return batch
}

func impedance(f frame.Frame) Event {
	p := f.Payload
	if len(p) < 1 {
		return malformed(f, "impedance payload is empty")
	}
	channels := int(p[0])
	if want := 1 + channels*4; len(p) != want {
		return malformed(f, "impedance payload is %d bytes, %d channels need %d", len(p), channels, want)
	}

	values := make([]float64, channels)
	for ch := range values {
		off := 1 + ch*4
		values[ch] = float64(math.Float32frombits(binary.BigEndian.Uint32(p[off : off+4])))
	}

	return ImpedanceReport{Seq: f.Seq, Values: values, ReceivedAt: f.ReceivedAt}
}

// raw decodes one value in the layout's format and byte order.
func (in *Interpreter) raw(b []byte) float64 {
	switch in.layout.Format {
	case FormatInt16:
		return float64(int16(in.order.Uint16(b))) //nolint:gosec // two's complement reinterpretation
	case FormatInt24:
		return float64(int24(b, in.layout.Order))
	case FormatInt32:
		return float64(int32(in.order.Uint32(b))) //nolint:gosec // two's complement reinterpretation
	default:
		return float64(math.Float32frombits(in.order.Uint32(b)))
	}
}

// int24 sign-extends a 3-byte two's complement value.
func int24(b []byte, order ByteOrder) int32 {
	var v uint32
	if order == LittleEndian {
		v = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	} else {
		v = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	}
	if v&0x00800000 != 0 {
		v |= 0xFF000000
	}

	return int32(v) //nolint:gosec // two's complement reinterpretation
}

func micros(us uint64) time.Duration {
	return time.Duration(us) * time.Microsecond //nolint:gosec // device clocks stay far below the int64 range
}

func malformed(f frame.Frame, format string, args ...any) FaultNotice {
	return FaultNotice{
		Seq:        f.Seq,
		Code:       FaultMalformedPayload,
		FrameType:  f.Type,
		Detail:     fmt.Sprintf(format, args...),
		ReceivedAt: f.ReceivedAt,
	}
}
