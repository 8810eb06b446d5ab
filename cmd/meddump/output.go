package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/arloliu/go-medlink/event"
)

// Output formats.
const (
	formatText    = "text"
	formatMsgpack = "msgpack"
)

// sampleWriter renders drained samples.
type sampleWriter interface {
	// WriteHeader writes the channel labels once, before the first sample.
	WriteHeader(labels []string) error
	WriteSample(s event.Sample) error
	Flush() error
}

func newSampleWriter(format string, w io.Writer) (sampleWriter, error) {
	switch format {
	case "", formatText:
		return newTextWriter(w), nil
	case formatMsgpack:
		return newMsgpackWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// textWriter prints one tab separated row per sample instant: the device time in seconds followed
// by one value per channel.
type textWriter struct {
	w        *bufio.Writer
	channels int
	row      []string
	rowTime  time.Duration
}

func newTextWriter(w io.Writer) *textWriter {
	return &textWriter{w: bufio.NewWriter(w)}
}

func (t *textWriter) WriteHeader(labels []string) error {
	t.channels = len(labels)
	t.row = make([]string, 0, len(labels))
	_, err := fmt.Fprintf(t.w, "# time\t%s\n", strings.Join(labels, "\t"))

	return err
}

func (t *textWriter) WriteSample(s event.Sample) error {
	if len(t.row) > 0 && (s.Timestamp != t.rowTime || int(s.Channel) < len(t.row)) {
		if err := t.flushRow(); err != nil {
			return err
		}
	}
	if len(t.row) == 0 {
		t.rowTime = s.Timestamp
	}
	t.row = append(t.row, strconv.FormatFloat(s.Value, 'f', 6, 64))

	if t.channels > 0 && len(t.row) >= t.channels {
		return t.flushRow()
	}

	return nil
}

func (t *textWriter) flushRow() error {
	_, err := fmt.Fprintf(t.w, "%.6f\t%s\n", t.rowTime.Seconds(), strings.Join(t.row, "\t"))
	t.row = t.row[:0]

	return err
}

func (t *textWriter) Flush() error {
	if len(t.row) > 0 {
		if err := t.flushRow(); err != nil {
			return err
		}
	}

	return t.w.Flush()
}

// header is the first msgpack record of a dump.
type header struct {
	Channels []string `msgpack:"channels"`
}

// record is one msgpack encoded sample.
type record struct {
	TimestampUS int64   `msgpack:"ts_us"`
	Channel     uint16  `msgpack:"ch"`
	Value       float64 `msgpack:"v"`
}

type msgpackWriter struct {
	w   *bufio.Writer
	enc *msgpack.Encoder
}

func newMsgpackWriter(w io.Writer) *msgpackWriter {
	bw := bufio.NewWriter(w)
	return &msgpackWriter{w: bw, enc: msgpack.NewEncoder(bw)}
}

func (m *msgpackWriter) WriteHeader(labels []string) error {
	return m.enc.Encode(header{Channels: labels})
}

func (m *msgpackWriter) WriteSample(s event.Sample) error {
	return m.enc.Encode(record{TimestampUS: s.Timestamp.Microseconds(), Channel: s.Channel, Value: s.Value})
}

func (m *msgpackWriter) Flush() error {
	return m.w.Flush()
}
