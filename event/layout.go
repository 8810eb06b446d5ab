package event

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidLayout is returned by Layout.Validate.
var ErrInvalidLayout = errors.New("event: invalid layout")

// SampleFormat is the encoding of one raw sample value.
type SampleFormat uint8

const (
	// FormatFloat32 is an IEEE-754 single precision value.
	FormatFloat32 SampleFormat = iota
	// FormatInt16 is a 16-bit two's complement integer.
	FormatInt16
	// FormatInt24 is a 24-bit two's complement integer, as produced by ADS1299 based boards.
	FormatInt24
	// FormatInt32 is a 32-bit two's complement integer.
	FormatInt32
)

// Width returns the encoded size of one value in bytes, or 0 for an undefined format.
func (f SampleFormat) Width() int {
	switch f {
	case FormatFloat32, FormatInt32:
		return 4
	case FormatInt16:
		return 2
	case FormatInt24:
		return 3
	default:
		return 0
	}
}

// String returns string representation of the sample format.
func (f SampleFormat) String() string {
	switch f {
	case FormatFloat32:
		return "float32"
	case FormatInt16:
		return "int16"
	case FormatInt24:
		return "int24"
	case FormatInt32:
		return "int32"
	default:
		return "format(" + strconv.Itoa(int(f)) + ")"
	}
}

// ParseSampleFormat converts the textual form produced by String back into a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "float32", "":
		return FormatFloat32, nil
	case "int16":
		return FormatInt16, nil
	case "int24":
		return FormatInt24, nil
	case "int32":
		return FormatInt32, nil
	}

	return 0, fmt.Errorf("%w: unknown sample format %q", ErrInvalidLayout, s)
}

// ByteOrder selects the byte order of sample values. Frame headers are always big-endian.
type ByteOrder uint8

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

// ChannelLayout configures one channel.
type ChannelLayout struct {
	// Label names the channel, e.g. "Fp1". Empty labels default to "ch<N>".
	Label string
	// Scale multiplies the raw value. Zero means 1.
	Scale float64
	// Offset is added after scaling.
	Offset float64
}

// Layout describes how a samples payload is decoded. It is resolved before a session starts.
type Layout struct {
	Format SampleFormat
	Order  ByteOrder
	// Channels configures the channels by index. Channels beyond the list use scale 1, offset 0.
	Channels []ChannelLayout
	// StrictChannels rejects batches whose channel count differs from len(Channels).
	StrictChannels bool
}

// ADS1299 full scale in microvolts per count at gain 24: 4.5 V / 24 / (2^23 - 1).
const ADS1299Scale = 4.5 / 24 / float64(1<<23-1) * 1e6

// DefaultLayout decodes big-endian float32 values with any channel count.
func DefaultLayout() Layout {
	return Layout{Format: FormatFloat32, Order: BigEndian}
}

// ADS1299Layout returns a layout for 24-bit ADS1299 boards reporting microvolts.
func ADS1299Layout(channels int) Layout {
	l := Layout{Format: FormatInt24, Order: BigEndian, StrictChannels: true}
	for i := range channels {
		l.Channels = append(l.Channels, ChannelLayout{Label: "ch" + strconv.Itoa(i+1), Scale: ADS1299Scale})
	}

	return l
}

// Validate checks the layout.
func (l Layout) Validate() error {
	if l.Format.Width() == 0 {
		return fmt.Errorf("%w: unknown sample format %d", ErrInvalidLayout, l.Format)
	}
	if l.Order != BigEndian && l.Order != LittleEndian {
		return fmt.Errorf("%w: unknown byte order %d", ErrInvalidLayout, l.Order)
	}
	if len(l.Channels) > 255 {
		return fmt.Errorf("%w: %d channels exceed 255", ErrInvalidLayout, len(l.Channels))
	}
	if l.StrictChannels && len(l.Channels) == 0 {
		return fmt.Errorf("%w: strict channel count requires channel definitions", ErrInvalidLayout)
	}

	return nil
}

// Labels returns the labels of the first n channels.
func (l Layout) Labels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		if i < len(l.Channels) && l.Channels[i].Label != "" {
			labels[i] = l.Channels[i].Label
		} else {
			labels[i] = "ch" + strconv.Itoa(i+1)
		}
	}

	return labels
}

func (l Layout) channel(i int) (scale, offset float64) {
	if i >= len(l.Channels) {
		return 1, 0
	}
	ch := l.Channels[i]
	if ch.Scale == 0 {
		return 1, ch.Offset
	}

	return ch.Scale, ch.Offset
}
