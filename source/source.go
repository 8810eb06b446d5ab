// Package source defines the byte source contract the acquisition session reads from.
//
// A ByteSource is an opaque provider of raw bytes: a serial bridge, a TCP socket, a WebSocket
// gateway or an in-memory pipe. It reports three transport signals besides data: ErrTimeout (no
// bytes within the read timeout, not a fault), ErrDisconnected (the peer went away) and IOError
// (any other I/O failure). The last two are transport faults and trigger reconnection.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout indicates no bytes arrived within the read timeout.
	ErrTimeout = errors.New("source: read timeout")
	// ErrDisconnected indicates the underlying transport was disconnected by the peer.
	ErrDisconnected = errors.New("source: disconnected")
	// ErrClosed indicates the source was closed locally.
	ErrClosed = errors.New("source: closed")
)

// RawChunk is an immutable sequence of bytes delivered by a ByteSource together with its arrival time.
type RawChunk struct {
	Data      []byte
	ArrivedAt time.Time
}

// Len returns the number of bytes in the chunk.
func (c RawChunk) Len() int { return len(c.Data) }

// ByteSource is a producer of raw bytes.
//
// Read blocks until at least one byte is available, the timeout elapses (ErrTimeout), the context
// is done (ctx.Err()), or the transport fails (ErrDisconnected or *IOError). It returns at most
// maxBytes bytes. A successful Read never returns an empty chunk.
//
// Close releases the transport. It is safe to call more than once.
type ByteSource interface {
	Read(ctx context.Context, maxBytes int, timeout time.Duration) (RawChunk, error)
	Close() error
}

// Duplex is a ByteSource that also carries bytes from the host to the device, such as mode
// commands. Send writes all of p or fails; it may be called concurrently with Read.
type Duplex interface {
	ByteSource
	Send(ctx context.Context, p []byte) error
}

// Dialer creates a ByteSource for one connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (ByteSource, error)
}

// DialFunc is a function adapter implementing Dialer.
type DialFunc func(ctx context.Context) (ByteSource, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (ByteSource, error) { return f(ctx) }

// IOError wraps an I/O failure of the underlying transport.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("source: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsTransportFault reports whether err means the transport is unusable and the session must reconnect.
func IsTransportFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrClosed) {
		return true
	}
	var ioErr *IOError

	return errors.As(err, &ioErr)
}
