package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/arloliu/go-medlink/internal/util"
	"github.com/arloliu/go-medlink/source"
)

type decoderState uint8

const (
	stateHunting decoderState = iota
	stateInFrame
	stateEscaped
)

// Decoder turns an unbounded byte stream into frames.
//
// Feed never blocks and always consumes every input byte. The working buffer holds at most
// maxFrameSize unstuffed bytes; garbage and broken frames are reported as FrameError values and
// the decoder resynchronizes on the next start marker.
//
// A Decoder is not goroutine-safe; it is owned by a single read loop.
type Decoder struct {
	maxFrameSize int
	state        decoderState
	body         []byte

	offset     int64 // stream offset of the next byte
	frameStart int64 // stream offset of the current STX
	frameWire  int   // wire bytes consumed by the current frame, STX included
	frameAt    time.Time
	noiseStart int64
	noiseRun   int
	skipping   bool // discarding the tail of a frame that was already reported
}

// NewDecoder creates a decoder bounded to maxFrameSize unstuffed bytes per frame.
func NewDecoder(maxFrameSize int) (*Decoder, error) {
	if maxFrameSize < MinMaxFrameSize || maxFrameSize > MaxMaxFrameSize {
		return nil, fmt.Errorf("%w: %d out of range [%d, %d]", ErrInvalidSize, maxFrameSize, MinMaxFrameSize, MaxMaxFrameSize)
	}

	return &Decoder{
		maxFrameSize: maxFrameSize,
		body:         make([]byte, 0, maxFrameSize),
	}, nil
}

// MaxFrameSize returns the configured max frame size.
func (d *Decoder) MaxFrameSize() int { return d.maxFrameSize }

// Buffered returns the number of bytes held for the frame being assembled.
func (d *Decoder) Buffered() int { return len(d.body) }

// Offset returns the number of bytes fed since creation or the last Reset.
func (d *Decoder) Offset() int64 { return d.offset }

// Reset drops any partial frame and restarts stream offsets at zero.
func (d *Decoder) Reset() {
	d.state = stateHunting
	d.body = d.body[:0]
	d.offset = 0
	d.noiseRun = 0
	d.skipping = false
	d.frameWire = 0
}

// Feed consumes chunk and returns the frames and framing errors it completed, in stream order
// within each slice.
func (d *Decoder) Feed(chunk source.RawChunk) ([]Frame, []*FrameError) {
	var (
		frames []Frame
		errs   []*FrameError
	)

	for _, b := range chunk.Data {
		switch d.state {
		case stateHunting:
			if b == STX {
				if err := d.flushNoise(); err != nil {
					errs = append(errs, err)
				}
				d.startFrame(chunk.ArrivedAt)
				break
			}
			d.addNoise()
			if d.noiseRun > d.maxFrameSize {
				errs = append(errs, d.flushNoise())
			}

		case stateInFrame:
			d.frameWire++
			switch b {
			case STX:
				// the partial frame lost its end marker; the new STX starts a fresh frame
				errs = append(errs, newFrameError(KindTruncated, d.frameStart, d.frameWire-1))
				d.startFrame(chunk.ArrivedAt)
			case ETX:
				f, err := d.finishFrame()
				d.state = stateHunting
				if err != nil {
					errs = append(errs, err)
					// a corrupted body may carry a stray ETX; the rest up to the next STX is part of the same failure
					d.skipping = true
				} else {
					frames = append(frames, f)
				}
			case DLE:
				d.state = stateEscaped
			default:
				if err := d.appendBody(b); err != nil {
					errs = append(errs, err)
				}
			}

		case stateEscaped:
			d.frameWire++
			switch b {
			case STX:
				errs = append(errs, newFrameError(KindTruncated, d.frameStart, d.frameWire-1))
				d.startFrame(chunk.ArrivedAt)
			case ETX:
				// a dangling escape leaves the body one byte short of what was sent
				errs = append(errs, newFrameError(KindLength, d.frameStart, d.frameWire))
				d.body = d.body[:0]
				d.state = stateHunting
				d.skipping = true
			default:
				d.state = stateInFrame
				if err := d.appendBody(b ^ escapeXOR); err != nil {
					errs = append(errs, err)
				}
			}
		}
		d.offset++
	}

	return frames, errs
}

// addNoise accounts one byte seen while hunting.
func (d *Decoder) addNoise() {
	if d.skipping {
		return
	}
	if d.noiseRun == 0 {
		d.noiseStart = d.offset
	}
	d.noiseRun++
}

// flushNoise closes the current noise run. The tail of a reported frame produces no error.
func (d *Decoder) flushNoise() *FrameError {
	if d.skipping {
		d.skipping = false
		return nil
	}
	if d.noiseRun == 0 {
		return nil
	}
	err := newFrameError(KindNoise, d.noiseStart, d.noiseRun)
	d.noiseRun = 0

	return err
}

func (d *Decoder) startFrame(at time.Time) {
	d.state = stateInFrame
	d.body = d.body[:0]
	d.frameStart = d.offset
	d.frameWire = 1
	d.frameAt = at
}

func (d *Decoder) appendBody(b byte) *FrameError {
	if len(d.body) >= d.maxFrameSize {
		err := newFrameError(KindOversize, d.frameStart, d.frameWire)
		d.body = d.body[:0]
		d.state = stateHunting
		d.skipping = true

		return err
	}
	d.body = append(d.body, b)

	return nil
}

// finishFrame validates the assembled body once the end marker arrived.
func (d *Decoder) finishFrame() (Frame, *FrameError) {
	body := d.body
	defer func() { d.body = d.body[:0] }()

	if len(body) < MinFrameSize {
		return Frame{}, newFrameError(KindShort, d.frameStart, d.frameWire)
	}

	payloadLen := int(binary.BigEndian.Uint16(body[5:7]))
	if headerSize+payloadLen+crcSize != len(body) {
		return Frame{}, newFrameError(KindLength, d.frameStart, d.frameWire)
	}

	crcAt := len(body) - crcSize
	if crc32.ChecksumIEEE(body[:crcAt]) != binary.BigEndian.Uint32(body[crcAt:]) {
		return Frame{}, newFrameError(KindChecksum, d.frameStart, d.frameWire)
	}

	return Frame{
		Type:        Type(body[0]),
		Seq:         binary.BigEndian.Uint32(body[1:5]),
		Payload:     util.CloneSlice(body[headerSize:crcAt], 0),
		IntegrityOK: true,
		ReceivedAt:  d.frameAt,
	}, nil
}
