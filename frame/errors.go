package frame

import (
	"errors"
	"fmt"
)

// Sentinel errors carried by FrameError, usable with errors.Is.
var (
	ErrNoise          = errors.New("frame: noise before start marker")
	ErrTruncated      = errors.New("frame: truncated by a new start marker")
	ErrOversize       = errors.New("frame: exceeds max frame size")
	ErrShortFrame     = errors.New("frame: shorter than minimum frame size")
	ErrLengthMismatch = errors.New("frame: declared length mismatch")
	ErrChecksum       = errors.New("frame: checksum mismatch")
	ErrInvalidSize    = errors.New("frame: invalid max frame size")
)

// ErrorKind classifies a framing failure.
type ErrorKind uint8

const (
	// KindNoise is a run of bytes seen while hunting for a start marker.
	KindNoise ErrorKind = iota + 1
	// KindTruncated is a partial frame abandoned because a new start marker arrived.
	KindTruncated
	// KindOversize is a candidate frame that grew beyond the max frame size without an end marker.
	KindOversize
	// KindShort is a delimited frame smaller than MinFrameSize.
	KindShort
	// KindLength is a delimited frame whose length field disagrees with its size.
	KindLength
	// KindChecksum is a delimited frame whose CRC does not match.
	KindChecksum
)

// String returns string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNoise:
		return "noise"
	case KindTruncated:
		return "truncated"
	case KindOversize:
		return "oversize"
	case KindShort:
		return "short"
	case KindLength:
		return "length"
	case KindChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNoise:
		return ErrNoise
	case KindTruncated:
		return ErrTruncated
	case KindOversize:
		return ErrOversize
	case KindShort:
		return ErrShortFrame
	case KindLength:
		return ErrLengthMismatch
	case KindChecksum:
		return ErrChecksum
	default:
		return errors.New("frame: unknown error")
	}
}

// FrameError describes bytes the decoder discarded.
//
// Offset is the stream offset of the first discarded byte, counted from the decoder's creation
// or last Reset. Size is the number of discarded bytes as seen on the wire.
type FrameError struct { //nolint:revive // FrameError reads better than Error at call sites
	Kind   ErrorKind
	Offset int64
	Size   int
	Err    error
}

func newFrameError(kind ErrorKind, offset int64, size int) *FrameError {
	return &FrameError{Kind: kind, Offset: offset, Size: size, Err: kind.sentinel()}
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v (offset %d, %d bytes)", e.Err, e.Offset, e.Size)
}

func (e *FrameError) Unwrap() error { return e.Err }
